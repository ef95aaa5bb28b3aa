package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maruel/jsondb/internal/cipher"
	"github.com/maruel/jsondb/internal/jsondb"
)

var rootCmd = &cobra.Command{
	Use:   "jsondb",
	Short: "Inspect and edit a directory of JSON lines collections",
	Long: `jsondb (JSON lines document store)

Each collection is a <name>.json file holding a schema header line followed by
one JSON document per line. Secret fields are encrypted at rest when a key is
provided.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("data-dir", "./data", "Data directory")
	f.String("lock-dir", "", "Lock directory (default <data-dir>/lock)")
	f.String("config", "", "YAML collection manifest (default <data-dir>/collections.yaml when present)")
	f.String("key", "", "Base64 encryption key for secret fields")
	f.String("cipher", "aes-gcm", "Cipher for secret fields (aes-gcm, xchacha20)")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.Bool("compat", false, "Accept unknown fields in typed collections")
	f.String("versions", "lexical", "Schema version ordering (lexical, semver)")
}

// initConfig loads .env files and environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
	viper.SetEnvPrefix("jsondb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return initLogger(viper.GetString("log-level"))
}

// openDB opens the data directory and registers the collections of the
// manifest.
func openDB() (*jsondb.DB, error) {
	dataDir := viper.GetString("data-dir")
	opts := &jsondb.Options{
		LockDir:           viper.GetString("lock-dir"),
		CompatibilityMode: viper.GetBool("compat"),
	}
	switch v := viper.GetString("versions"); v {
	case "", "lexical":
		opts.CompareVersions = jsondb.CompareLexical
	case "semver":
		opts.CompareVersions = jsondb.CompareSemver
	default:
		return nil, fmt.Errorf("invalid --versions %q, want lexical or semver", v)
	}
	if key := viper.GetString("key"); key != "" {
		c, err := cipher.New(viper.GetString("cipher"), key)
		if err != nil {
			return nil, err
		}
		opts.Cipher = c
	}
	m, err := resolveManifest(dataDir, viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	db, err := jsondb.Open(dataDir, opts)
	if err != nil {
		return nil, err
	}
	for i := range m.Collections {
		if err := db.Register(m.Collections[i].schema()); err != nil {
			return nil, errors.Join(err, db.Close())
		}
	}
	slog.Debug("opened", "dir", dataDir, "collections", len(m.Collections))
	return db, nil
}

func resolveManifest(dataDir, path string) (*manifest, error) {
	if path != "" {
		return loadManifest(path)
	}
	def := filepath.Join(dataDir, "collections.yaml")
	if _, err := os.Stat(def); err == nil {
		return loadManifest(def)
	}
	return discoverManifest(dataDir)
}

// withDB runs fn with an open database and closes it afterwards.
func withDB(fn func(db *jsondb.DB) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	return errors.Join(fn(db), db.Close())
}
