// Package jsondb provides an embedded, file-backed document store.
//
// # Overview
//
// A [DB] manages a directory of collections. Each collection is a JSON Lines
// file named <collection>.json, mirrored by an in-memory snapshot for fast
// lookup and query. Collections are declared with a [Schema], either directly
// through [DB.Register] or from a record type with [Register], which returns
// a typed [Collection].
//
// # File Format
//
// Line 1 is the schema header {"schemaVersion":"<version>"}. Every following
// line is one JSON object in insertion order. Inserts append to the file;
// updates, removals, schema evolution and re-keying rewrite it through a
// temporary file renamed over the original.
//
// # Concurrency
//
// Each collection owns one reader/writer lock. Reads work on an immutable
// snapshot; every mutation builds a new snapshot and swaps it under the write
// lock once the file is durable. An OS advisory lock on a sibling lock file
// detects collisions with other processes.
//
// # Encryption
//
// String fields listed in [Schema.Secrets] are encrypted with the configured
// [Cipher] before they reach the file and decrypted on the way out.
// [DB.ChangeEncryption] re-keys every collection.
//
// # Schema Evolution
//
// A collection whose on-disk version is older than its declared version is
// read-only until [DB.UpdateCollectionSchema] rewrites it with a
// [SchemaUpdate].
package jsondb
