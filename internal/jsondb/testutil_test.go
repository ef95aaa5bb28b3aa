package jsondb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/jsondb/internal/cipher"
)

// instance is the record type used by most tests.
type instance struct {
	ID         string `json:"id,omitempty"`
	Hostname   string `json:"hostname"`
	PrivateKey string `json:"privateKey,omitempty"`
	PublicKey  string `json:"publicKey,omitempty"`
}

func (*instance) Schema() Schema {
	return Schema{Collection: "instances", Version: "1.0", Secrets: []string{"privateKey"}}
}

func (i *instance) SetID(id string) {
	i.ID = id
}

// site is registered but never created.
type site struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (site) Schema() Schema {
	return Schema{Collection: "sites", Version: "1.0"}
}

func setupDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return db
}

func newTestCipher(t *testing.T) Cipher {
	t.Helper()
	key, err := cipher.GenerateKey(16)
	if err != nil {
		t.Fatal(err)
	}
	c, err := cipher.NewAESGCM(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func collectionPath(db *DB, name string) string {
	return filepath.Join(db.Dir(), name+".json")
}

// instancesFixture writes the six instances documents, with privateKey
// encrypted by c when not nil.
func instancesFixture(t *testing.T, db *DB, c Cipher) {
	t.Helper()
	lines := []string{`{"schemaVersion":"1.0"}`}
	for _, id := range []string{"01", "02", "03", "04", "05", "06"} {
		key := "b87eb02f5dd7e5232d7b0fc30a5015e4-" + id
		if c != nil {
			enc, err := c.Encrypt(key)
			if err != nil {
				t.Fatal(err)
			}
			key = enc
		}
		lines = append(lines, `{"id":"`+id+`","hostname":"ec2-54-191-`+id+`","privateKey":"`+key+`","publicKey":""}`)
	}
	writeLines(t, collectionPath(db, "instances"), lines...)
}

func registerInstances(t *testing.T, db *DB) *Collection[*instance] {
	t.Helper()
	c, err := Register[*instance](db)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return c
}
