package jsondb

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"
)

// loadBalancers writes a collection of n documents at schema version 0.9.
func loadBalancers(t *testing.T, db *DB, n int) {
	t.Helper()
	lines := []string{`{"schemaVersion":"0.9"}`}
	for i := 1; i <= n; i++ {
		lines = append(lines, fmt.Sprintf(`{"id":"%03d","hostname":"eclb-54-%02d","username":"admin","osName":null}`, i, i))
	}
	writeLines(t, collectionPath(db, "loadbalancer"), lines...)
}

func registerLoadBalancers(t *testing.T, db *DB) {
	t.Helper()
	if err := db.Register(Schema{Collection: "loadbalancer", Version: "1.0"}); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateCollectionSchema(t *testing.T) {
	t.Run("rename", func(t *testing.T) {
		db := setupDB(t, nil)
		loadBalancers(t, db, 10)
		registerLoadBalancers(t, db)

		if ro, err := db.IsCollectionReadonly("loadbalancer"); err != nil || !ro {
			t.Fatalf("IsCollectionReadonly = %v, %v", ro, err)
		}
		if v, err := db.CollectionVersion("loadbalancer"); err != nil || v != "0.9" {
			t.Fatalf("CollectionVersion = %q, %v", v, err)
		}
		if _, err := db.Insert("loadbalancer", []byte(`{"id":"011"}`)); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("Insert on read-only = %v", err)
		}
		if docs, err := db.FindAll("loadbalancer"); err != nil || len(docs) != 10 {
			t.Fatalf("reads must work while read-only: %d, %v", len(docs), err)
		}

		if err := db.UpdateCollectionSchema("loadbalancer", NewSchemaUpdate().Rename("username", "admin")); err != nil {
			t.Fatal(err)
		}
		lines := readLines(t, collectionPath(db, "loadbalancer"))
		if len(lines) != 11 || lines[0] != `{"schemaVersion":"1.0"}` {
			t.Fatalf("file = %q", lines)
		}
		for i, line := range lines[1:] {
			want := fmt.Sprintf(`{"id":"%03d","hostname":"eclb-54-%02d","admin":"admin","osName":null}`, i+1, i+1)
			if line != want {
				t.Errorf("line %d = %s, want %s", i+2, line, want)
			}
		}
		if ro, err := db.IsCollectionReadonly("loadbalancer"); err != nil || ro {
			t.Fatalf("IsCollectionReadonly after update = %v, %v", ro, err)
		}
		if _, err := db.Insert("loadbalancer", []byte(`{"id":"011","admin":"root"}`)); err != nil {
			t.Fatal(err)
		}
		if docs, err := db.Find("loadbalancer", "/.[admin='admin']"); err != nil || len(docs) != 10 {
			t.Fatalf("Find renamed field = %d, %v", len(docs), err)
		}
	})
	t.Run("add", func(t *testing.T) {
		db := setupDB(t, nil)
		loadBalancers(t, db, 3)
		registerLoadBalancers(t, db)
		u := NewSchemaUpdate().Add("osName", "mac").Add("username", "ignored").Add("port", 443)
		if err := db.UpdateCollectionSchema("loadbalancer", u); err != nil {
			t.Fatal(err)
		}
		want := []string{
			`{"schemaVersion":"1.0"}`,
			`{"id":"001","hostname":"eclb-54-01","username":"admin","osName":"mac","port":443}`,
			`{"id":"002","hostname":"eclb-54-02","username":"admin","osName":"mac","port":443}`,
			`{"id":"003","hostname":"eclb-54-03","username":"admin","osName":"mac","port":443}`,
		}
		if got := readLines(t, collectionPath(db, "loadbalancer")); !slices.Equal(got, want) {
			t.Fatalf("file = %q\nwant %q", got, want)
		}
	})
	t.Run("delete", func(t *testing.T) {
		db := setupDB(t, nil)
		loadBalancers(t, db, 2)
		registerLoadBalancers(t, db)
		u := NewSchemaUpdate().Delete("username").Delete("missing")
		if err := db.UpdateCollectionSchema("loadbalancer", u); err != nil {
			t.Fatal(err)
		}
		want := []string{
			`{"schemaVersion":"1.0"}`,
			`{"id":"001","hostname":"eclb-54-01","osName":null}`,
			`{"id":"002","hostname":"eclb-54-02","osName":null}`,
		}
		if got := readLines(t, collectionPath(db, "loadbalancer")); !slices.Equal(got, want) {
			t.Fatalf("file = %q\nwant %q", got, want)
		}
	})
	t.Run("combined", func(t *testing.T) {
		db := setupDB(t, nil)
		loadBalancers(t, db, 1)
		registerLoadBalancers(t, db)
		u := NewSchemaUpdate().Rename("hostname", "host").Delete("osName").Add("zone", "eu")
		if err := db.UpdateCollectionSchema("loadbalancer", u); err != nil {
			t.Fatal(err)
		}
		lines := readLines(t, collectionPath(db, "loadbalancer"))
		if want := `{"id":"001","host":"eclb-54-01","username":"admin","zone":"eu"}`; lines[1] != want {
			t.Fatalf("line 2 = %s, want %s", lines[1], want)
		}
		// The new layout survives a reload.
		if err := db.ReloadCollection("loadbalancer"); err != nil {
			t.Fatal(err)
		}
		if docs, err := db.Find("loadbalancer", "/.[host='eclb-54-01']"); err != nil || len(docs) != 1 {
			t.Fatalf("Find = %d, %v", len(docs), err)
		}
	})
	t.Run("errors", func(t *testing.T) {
		db := setupDB(t, nil)
		loadBalancers(t, db, 2)
		registerLoadBalancers(t, db)
		before, err := os.ReadFile(collectionPath(db, "loadbalancer"))
		if err != nil {
			t.Fatal(err)
		}
		tests := []struct {
			name string
			u    *SchemaUpdate
			want error
		}{
			{"empty", NewSchemaUpdate(), ErrEmptyUpdate},
			{"nil", nil, ErrEmptyUpdate},
			{"rename id", NewSchemaUpdate().Rename("id", "key"), ErrUsage},
			{"rename to id", NewSchemaUpdate().Rename("hostname", "id"), ErrUsage},
			{"delete id", NewSchemaUpdate().Delete("id"), ErrUsage},
			{"empty name", NewSchemaUpdate().Add("", 1), ErrUsage},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := db.UpdateCollectionSchema("loadbalancer", tt.u); !errors.Is(err, tt.want) {
					t.Fatalf("got %v, want %v", err, tt.want)
				}
			})
		}
		after, err := os.ReadFile(collectionPath(db, "loadbalancer"))
		if err != nil {
			t.Fatal(err)
		}
		if string(before) != string(after) {
			t.Fatal("file modified by a rejected update")
		}
		if ro, err := db.IsCollectionReadonly("loadbalancer"); err != nil || !ro {
			t.Fatalf("IsCollectionReadonly = %v, %v", ro, err)
		}
		if err := db.UpdateCollectionSchema("unknown", NewSchemaUpdate().Delete("a")); !errors.Is(err, ErrUnknownCollection) {
			t.Fatalf("unknown = %v", err)
		}
	})
}

func TestUpdateCollectionSchemaTyped(t *testing.T) {
	db := setupDB(t, &Options{Cipher: newTestCipher(t)})
	writeLines(t, collectionPath(db, "instances"),
		`{"schemaVersion":"0.1"}`,
		`{"id":"01","host":"a"}`,
		`{"id":"02","host":"b"}`,
	)
	instances := registerInstances(t, db)
	if ro, err := instances.ReadOnly(); err != nil || !ro {
		t.Fatalf("ReadOnly = %v, %v", ro, err)
	}

	t.Run("rejected", func(t *testing.T) {
		before := readLines(t, collectionPath(db, "instances"))
		err := instances.UpdateSchema(NewSchemaUpdate().Rename("host", "hostName"))
		if err == nil {
			t.Fatal("expected unknown field hostName to be rejected")
		}
		if got := readLines(t, collectionPath(db, "instances")); !slices.Equal(got, before) {
			t.Fatalf("file modified: %q", got)
		}
		if ro, _ := instances.ReadOnly(); !ro {
			t.Fatal("collection no longer read-only after a failed update")
		}
	})
	t.Run("valid", func(t *testing.T) {
		u := NewSchemaUpdate().Rename("host", "hostname").Add("privateKey", "default-key")
		if err := instances.UpdateSchema(u); err != nil {
			t.Fatal(err)
		}
		if ro, err := instances.ReadOnly(); err != nil || ro {
			t.Fatalf("ReadOnly = %v, %v", ro, err)
		}
		got, ok, err := instances.FindByID("02")
		if err != nil || !ok {
			t.Fatalf("FindByID = %v, %v", ok, err)
		}
		if got.Hostname != "b" || got.PrivateKey != "default-key" {
			t.Fatalf("got %+v", got)
		}
		data, err := os.ReadFile(collectionPath(db, "instances"))
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(data, []byte("default-key")) {
			t.Fatalf("default secret stored in clear:\n%s", data)
		}
		if err := instances.Insert(&instance{ID: "03", Hostname: "c"}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSchemaUpdateBuilder(t *testing.T) {
	u := NewSchemaUpdate().Rename("a", "b").Add("a", 1).Delete("c")
	if u.Len() != 2 {
		t.Fatalf("Len() = %d", u.Len())
	}
	var got []string
	for pair := u.ops.Oldest(); pair != nil; pair = pair.Next() {
		got = append(got, pair.Key+":"+pair.Value.kind.String())
	}
	if want := []string{"a:add", "c:delete"}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if s := migrationCommitted.String(); s != "committed" {
		t.Errorf("String() = %q", s)
	}
}
