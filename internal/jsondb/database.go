package jsondb

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maruel/ksid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maruel/jsondb/internal/query"
)

// Evaluator compiles path queries into document predicates.
//
// The predicate receives the stored form of a document, so secret fields are
// seen encrypted.
type Evaluator interface {
	Compile(expr string) (func(fields map[string]any) bool, error)
}

// Options configures a DB. The zero value is valid.
type Options struct {
	// LockDir holds the advisory lock files. Defaults to <dir>/lock.
	LockDir string
	// Cipher encrypts secret fields. Secrets are stored in clear when nil.
	Cipher Cipher
	// CompareVersions orders schema versions. Defaults to CompareLexical.
	CompareVersions func(a, b string) int
	// Evaluator compiles path queries. Defaults to query.XPath.
	Evaluator Evaluator
	// NewID generates identifiers for documents inserted without one.
	// Defaults to a time-sortable ksid.
	NewID func() string
	// CompatibilityMode accepts unknown fields when decoding typed
	// collections.
	CompatibilityMode bool
	// LockAttempts is the number of advisory lock attempts before giving up.
	LockAttempts int
	// LockRetryInterval paces advisory lock attempts.
	LockRetryInterval time.Duration
}

// DB is a directory of collections.
//
// It is safe for concurrent use.
type DB struct {
	dir   string
	opts  Options
	coord *coordinator

	collections *xsync.MapOf[string, *descriptor]
	closed      atomic.Bool

	cipherMu sync.Mutex
	cipher   Cipher

	listenersMu  sync.Mutex
	listeners    map[int]ChangeListener
	nextListener int
}

// Open opens the database rooted at dir, creating the directory and its lock
// directory when needed.
func Open(dir string, opts *Options) (*DB, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.LockDir == "" {
		o.LockDir = filepath.Join(dir, "lock")
	}
	if o.CompareVersions == nil {
		o.CompareVersions = CompareLexical
	}
	if o.Evaluator == nil {
		o.Evaluator = query.XPath{}
	}
	if o.NewID == nil {
		o.NewID = func() string { return ksid.NewID().String() }
	}
	if o.LockAttempts <= 0 {
		o.LockAttempts = 20
	}
	if o.LockRetryInterval <= 0 {
		o.LockRetryInterval = defaultLockRetryInterval
	}
	if st, err := os.Stat(dir); err == nil && !st.IsDir() {
		return nil, fmt.Errorf("failed to open database: %s is not a directory", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(o.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", o.LockDir, err)
	}
	return &DB{
		dir:         dir,
		opts:        o,
		coord:       newCoordinator(),
		collections: xsync.NewMapOf[string, *descriptor](),
		cipher:      o.Cipher,
		listeners:   map[int]ChangeListener{},
	}, nil
}

// Dir returns the data directory.
func (db *DB) Dir() string {
	return db.dir
}

// Register declares a collection and loads its file when present.
//
// A file that fails to decode is logged and leaves the collection unloaded;
// [DB.ReloadCollection] reports the error.
func (db *DB) Register(s Schema) error {
	_, err := db.register(s, nil)
	return err
}

func (db *DB) register(s Schema, validate func([]byte, bool) error) (*descriptor, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	d, err := newDescriptor(s, db.dir, db.opts.LockDir)
	if err != nil {
		return nil, err
	}
	d.validate = validate
	d.mu = db.coord.lockFor(d.name)
	db.cipherMu.Lock()
	d.cipher = db.cipher
	db.cipherMu.Unlock()
	if _, loaded := db.collections.LoadOrStore(d.name, d); loaded {
		return nil, collectionErr(d.name, ErrAlreadyRegistered)
	}
	if err := db.reload(d); err != nil {
		slog.Warn("jsondb: collection not loaded", "collection", d.name, "err", err)
	}
	return d, nil
}

func (db *DB) descriptor(name string) (*descriptor, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	d, ok := db.collections.Load(name)
	if !ok {
		return nil, collectionErr(name, ErrUnknownCollection)
	}
	return d, nil
}

// read runs fn under the collection read lock with the current snapshot.
func (db *DB) read(name string, fn func(d *descriptor, snap *snapshot) error) error {
	d, err := db.descriptor(name)
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := d.snap.Load()
	if snap == nil {
		return collectionErr(name, ErrCollectionNotFound)
	}
	if err := fn(d, snap); err != nil {
		return collectionErr(name, err)
	}
	return nil
}

// write runs fn under the collection write lock with the current snapshot.
// fn publishes its result by storing a new snapshot.
func (db *DB) write(name string, fn func(d *descriptor, snap *snapshot) error) error {
	d, err := db.descriptor(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := d.snap.Load()
	if snap == nil {
		return collectionErr(name, ErrCollectionNotFound)
	}
	if d.readOnly(db.opts.CompareVersions) {
		return collectionErr(name, ErrReadOnly)
	}
	if err := fn(d, snap); err != nil {
		return collectionErr(name, err)
	}
	return nil
}

// reload replaces the snapshot of d with the file content.
func (db *DB) reload(d *descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return db.reloadLocked(d)
}

func (db *DB) reloadLocked(d *descriptor) error {
	loads(d.name).Inc()
	src, err := openForRead(d.path, d.lockPath, &db.opts)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.snap.Store(nil)
			d.actualVersion = ""
			return nil
		}
		loadFailures(d.name).Inc()
		return err
	}
	snap, version, err := loadSnapshot(d, src, !db.opts.CompatibilityMode, db.opts.CompareVersions)
	err = errors.Join(err, src.Close())
	if err != nil {
		loadFailures(d.name).Inc()
		return err
	}
	d.snap.Store(snap)
	d.actualVersion = version
	slog.Debug("jsondb: collection loaded", "collection", d.name, "version", version, "documents", snap.len())
	return nil
}

// ReloadCollection replaces the in-memory state of a collection with its file.
//
// A missing file leaves the collection without data. On a decode error the
// previous state is kept.
func (db *DB) ReloadCollection(name string) error {
	d, err := db.descriptor(name)
	if err != nil {
		return err
	}
	if err := db.reload(d); err != nil {
		return collectionErr(name, err)
	}
	return nil
}

// Reload reloads every registered collection, one at a time.
func (db *DB) Reload() error {
	if db.closed.Load() {
		return ErrClosed
	}
	var errs []error
	for _, name := range db.registered() {
		if err := db.ReloadCollection(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateCollection creates the file of a registered collection.
func (db *DB) CreateCollection(name string) error {
	d, err := db.descriptor(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap.Load() != nil {
		return collectionErr(name, ErrCollectionExists)
	}
	if err := createFile(d.path, d.lockPath, &db.opts, encodeHeader(d.declaredVersion)); err != nil {
		return collectionErr(name, err)
	}
	d.snap.Store(newSnapshot())
	d.actualVersion = d.declaredVersion
	slog.Debug("jsondb: collection created", "collection", name, "version", d.declaredVersion)
	return nil
}

// DropCollection deletes the file of a collection and its in-memory data.
//
// The collection stays registered and can be created again.
func (db *DB) DropCollection(name string) error {
	d, err := db.descriptor(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap.Load() == nil {
		return collectionErr(name, ErrCollectionNotFound)
	}
	lock, err := acquireLock(d.lockPath, true, &db.opts)
	if err != nil {
		return collectionErr(name, err)
	}
	err = os.Remove(d.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return collectionErr(name, errors.Join(fmt.Errorf("failed to remove %s: %w", d.path, err), lock.release()))
	}
	if err := lock.release(); err != nil {
		slog.Warn("jsondb: failed to release lock", "collection", name, "err", err)
	}
	d.snap.Store(nil)
	d.actualVersion = ""
	slog.Debug("jsondb: collection dropped", "collection", name)
	return nil
}

// CollectionNames returns the sorted names of the collections holding data.
func (db *DB) CollectionNames() []string {
	var names []string
	for _, name := range db.registered() {
		if db.CollectionExists(name) {
			names = append(names, name)
		}
	}
	return names
}

// CollectionExists reports whether a collection is registered and holds data.
func (db *DB) CollectionExists(name string) bool {
	d, err := db.descriptor(name)
	if err != nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.Load() != nil
}

// IsCollectionReadonly reports whether the collection file is older than the
// declared schema version.
func (db *DB) IsCollectionReadonly(name string) (bool, error) {
	readOnly := false
	err := db.read(name, func(d *descriptor, _ *snapshot) error {
		readOnly = d.readOnly(db.opts.CompareVersions)
		return nil
	})
	return readOnly, err
}

// CollectionVersion returns the schema version found in the collection file.
func (db *DB) CollectionVersion(name string) (string, error) {
	version := ""
	err := db.read(name, func(d *descriptor, _ *snapshot) error {
		version = d.actualVersion
		return nil
	})
	return version, err
}

// Close waits for pending operations and rejects new ones.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	db.collections.Range(func(_ string, d *descriptor) bool {
		d.mu.Lock()
		d.mu.Unlock() //nolint:staticcheck // Waits for in-flight operations.
		return true
	})
	return nil
}

// registered returns the sorted names of all registered collections.
func (db *DB) registered() []string {
	var names []string
	db.collections.Range(func(name string, _ *descriptor) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}
