package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maruel/jsondb/internal/cipher"
	"github.com/maruel/jsondb/internal/jsondb"
	"github.com/maruel/jsondb/internal/watcher"
)

func init() {
	createCmd.Flags().String("version", "", "Schema version of a collection missing from the manifest")
	modifyCmd.Flags().StringArray("set", nil, "field=value assignment, value parsed as JSON when valid")
	modifyCmd.Flags().Bool("all", false, "Modify every matching document instead of the first one")
	migrateCmd.Flags().StringArray("rename", nil, "old=new field rename")
	migrateCmd.Flags().StringArray("add", nil, "field=value default for absent or null fields")
	migrateCmd.Flags().StringArray("delete", nil, "field to delete")
	rekeyCmd.Flags().String("new-key", "", "Base64 key to encrypt with")
	rekeyCmd.Flags().String("new-cipher", "", "Cipher of the new key (default: --cipher)")
	rekeyCmd.Flags().String("collection", "", "Only re-key this collection")
	keygenCmd.Flags().Int("size", 32, "Key size in bytes (16, 24 or 32 for aes-gcm; 32 for xchacha20)")
	keygenCmd.Flags().String("password", "", "Derive the key from this password instead of generating it")
	keygenCmd.Flags().String("salt", "", "Salt for --password, at least 8 bytes")

	rootCmd.AddCommand(collectionsCmd, createCmd, dropCmd, findCmd, getCmd, insertCmd, upsertCmd,
		removeCmd, modifyCmd, migrateCmd, rekeyCmd, keygenCmd, watchCmd, statsCmd, versionCmd)
}

var (
	collectionsCmd = &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(func(db *jsondb.DB) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "NAME\tVERSION\tREAD-ONLY\tDOCUMENTS")
				for _, name := range db.CollectionNames() {
					version, err := db.CollectionVersion(name)
					if err != nil {
						return err
					}
					ro, err := db.IsCollectionReadonly(name)
					if err != nil {
						return err
					}
					n, err := db.Count(name)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%v\t%d\n", name, version, ro, n)
				}
				return w.Flush()
			})
		},
	}
	createCmd = &cobra.Command{
		Use:   "create [collection]",
		Short: "Create a collection file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetString("version")
			return withDB(func(db *jsondb.DB) error {
				if version != "" {
					err := db.Register(jsondb.Schema{Collection: args[0], Version: version})
					if err != nil && !errors.Is(err, jsondb.ErrAlreadyRegistered) {
						return err
					}
				}
				return db.CreateCollection(args[0])
			})
		},
	}
	dropCmd = &cobra.Command{
		Use:   "drop [collection]",
		Short: "Delete a collection file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withDB(func(db *jsondb.DB) error {
				return db.DropCollection(args[0])
			})
		},
	}
	findCmd = &cobra.Command{
		Use:   "find [collection] [query]",
		Short: "Print the documents matching a path query, or all of them",
		Example: `  jsondb find instances "/.[id>'03']"
  jsondb find instances "/.[contains(hostname,'ec2')]"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *jsondb.DB) error {
				var docs []json.RawMessage
				var err error
				if len(args) == 2 {
					docs, err = db.Find(args[0], args[1])
				} else {
					docs, err = db.FindAll(args[0])
				}
				if err != nil {
					return err
				}
				return printDocs(cmd.OutOrStdout(), docs...)
			})
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [collection] [id]",
		Short: "Print a document by identifier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *jsondb.DB) error {
				doc, err := db.FindByID(args[0], args[1])
				if err != nil {
					return err
				}
				if doc == nil {
					return fmt.Errorf("document %s not found in %s", args[1], args[0])
				}
				return printDocs(cmd.OutOrStdout(), doc)
			})
		},
	}
	insertCmd = &cobra.Command{
		Use:   "insert [collection] [file]",
		Short: "Insert JSON documents read from a file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readInput(cmd, args[1:])
			if err != nil {
				return err
			}
			return withDB(func(db *jsondb.DB) error {
				ids, err := db.Insert(args[0], docs...)
				if err != nil {
					return err
				}
				for _, id := range ids {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	upsertCmd = &cobra.Command{
		Use:   "upsert [collection] [file]",
		Short: "Insert or replace JSON documents read from a file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readInput(cmd, args[1:])
			if err != nil {
				return err
			}
			return withDB(func(db *jsondb.DB) error {
				return db.Upsert(args[0], docs...)
			})
		},
	}
	removeCmd = &cobra.Command{
		Use:   "remove [collection] [id...]",
		Short: "Remove documents by identifier and print them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *jsondb.DB) error {
				docs, err := db.RemoveByID(args[0], args[1:]...)
				if err != nil {
					return err
				}
				return printDocs(cmd.OutOrStdout(), docs...)
			})
		},
	}
	modifyCmd = &cobra.Command{
		Use:     "modify [collection] [query]",
		Short:   "Assign fields of the documents matching a query and print them",
		Example: `  jsondb modify instances "/.[id='01']" --set publicKey=SavedByPublic --set port=443`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, _ := cmd.Flags().GetStringArray("set")
			all, _ := cmd.Flags().GetBool("all")
			u := jsondb.NewUpdate()
			for _, s := range sets {
				field, value, err := parseAssignment(s)
				if err != nil {
					return err
				}
				u.Set(field, value)
			}
			return withDB(func(db *jsondb.DB) error {
				if all {
					docs, err := db.FindAllAndModify(args[0], args[1], u)
					if err != nil {
						return err
					}
					return printDocs(cmd.OutOrStdout(), docs...)
				}
				doc, err := db.FindAndModify(args[0], args[1], u)
				if err != nil || doc == nil {
					return err
				}
				return printDocs(cmd.OutOrStdout(), doc)
			})
		},
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate [collection]",
		Short: "Rewrite a collection to its declared schema version",
		Long: `Rewrite a collection to its declared schema version.

Renames are applied first, then defaults, then deletions.`,
		Example: `  jsondb migrate loadbalancer --rename username=admin --add osName='"linux"'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := schemaUpdateFromFlags(cmd)
			if err != nil {
				return err
			}
			return withDB(func(db *jsondb.DB) error {
				return db.UpdateCollectionSchema(args[0], u)
			})
		},
	}
	rekeyCmd = &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt secret fields with a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, _ := cmd.Flags().GetString("new-key")
			algo, _ := cmd.Flags().GetString("new-cipher")
			only, _ := cmd.Flags().GetString("collection")
			if key == "" {
				return errors.New("--new-key is required")
			}
			if algo == "" {
				algo = viper.GetString("cipher")
			}
			c, err := cipher.New(algo, key)
			if err != nil {
				return err
			}
			return withDB(func(db *jsondb.DB) error {
				if only != "" {
					return db.ChangeCollectionEncryption(only, c)
				}
				return db.ChangeEncryption(c)
			})
		},
	}
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			size, _ := cmd.Flags().GetInt("size")
			password, _ := cmd.Flags().GetString("password")
			salt, _ := cmd.Flags().GetString("salt")
			var key string
			var err error
			if password != "" {
				key, err = cipher.DeriveKey(password, salt, size)
			} else {
				key, err = cipher.GenerateKey(size)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Reload collections as their files change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withDB(func(db *jsondb.DB) error {
				db.AddChangeListener(jsondb.ReloadOnChange{DB: db})
				db.AddChangeListener(logListener{})
				w, err := watcher.New(db.Dir(), db)
				if err != nil {
					return err
				}
				slog.Info("watching", "dir", db.Dir())
				if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Load every collection and print metrics in Prometheus format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(func(*jsondb.DB) error {
				jsondb.WriteMetrics(cmd.OutOrStdout())
				return nil
			})
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			printVersion()
		},
	}
)

type logListener struct{}

func (logListener) CollectionFileAdded(name string) {
	slog.Info("collection added", "collection", name)
}

func (logListener) CollectionFileModified(name string) {
	slog.Info("collection modified", "collection", name)
}

func (logListener) CollectionFileDeleted(name string) {
	slog.Info("collection deleted", "collection", name)
}

func printDocs(w io.Writer, docs ...json.RawMessage) error {
	for _, doc := range docs {
		if _, err := fmt.Fprintf(w, "%s\n", doc); err != nil {
			return err
		}
	}
	return nil
}

// readInput reads a stream of JSON documents from the named file or stdin.
// Top-level arrays are flattened.
func readInput(cmd *cobra.Command, args []string) ([]json.RawMessage, error) {
	r := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return decodeDocuments(r)
}

func decodeDocuments(r io.Reader) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, fmt.Errorf("failed to decode input: %w", err)
		}
		if len(raw) != 0 && raw[0] == '[' {
			var batch []json.RawMessage
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("failed to decode input: %w", err)
			}
			docs = append(docs, batch...)
			continue
		}
		docs = append(docs, raw)
	}
}

// parseAssignment splits field=value. The value is decoded as JSON when valid
// and used as a plain string otherwise.
func parseAssignment(s string) (string, any, error) {
	field, value, ok := strings.Cut(s, "=")
	if !ok || field == "" {
		return "", nil, fmt.Errorf("invalid assignment %q, want field=value", s)
	}
	if json.Valid([]byte(value)) {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return field, v, nil
		}
	}
	return field, value, nil
}

func schemaUpdateFromFlags(cmd *cobra.Command) (*jsondb.SchemaUpdate, error) {
	renames, _ := cmd.Flags().GetStringArray("rename")
	adds, _ := cmd.Flags().GetStringArray("add")
	deletes, _ := cmd.Flags().GetStringArray("delete")
	u := jsondb.NewSchemaUpdate()
	for _, s := range renames {
		from, to, ok := strings.Cut(s, "=")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("invalid rename %q, want old=new", s)
		}
		u.Rename(from, to)
	}
	for _, s := range adds {
		field, value, err := parseAssignment(s)
		if err != nil {
			return nil, err
		}
		u.Add(field, value)
	}
	for _, field := range deletes {
		u.Delete(field)
	}
	return u, nil
}
