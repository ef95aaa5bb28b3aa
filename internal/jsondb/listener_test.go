package jsondb

import (
	"os"
	"slices"
	"sync"
	"testing"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) CollectionFileAdded(name string)    { l.add("added:" + name) }
func (l *eventLog) CollectionFileModified(name string) { l.add("modified:" + name) }
func (l *eventLog) CollectionFileDeleted(name string)  { l.add("deleted:" + name) }

func TestChangeListeners(t *testing.T) {
	db := setupDB(t, nil)
	registerInstances(t, db)
	if db.HasChangeListeners() {
		t.Fatal("unexpected listener")
	}
	first, second := &eventLog{}, &eventLog{}
	removeFirst := db.AddChangeListener(first)
	db.AddChangeListener(second)
	if !db.HasChangeListeners() {
		t.Fatal("listener not registered")
	}

	db.NotifyFileAdded("instances")
	db.NotifyFileModified("instances")
	db.NotifyFileModified("unknown")
	removeFirst()
	db.NotifyFileDeleted("instances")

	if got, want := first.get(), []string{"added:instances", "modified:instances"}; !slices.Equal(got, want) {
		t.Errorf("first = %v, want %v", got, want)
	}
	if got, want := second.get(), []string{"added:instances", "modified:instances", "deleted:instances"}; !slices.Equal(got, want) {
		t.Errorf("second = %v, want %v", got, want)
	}
}

func TestReloadOnChange(t *testing.T) {
	writer := setupDB(t, nil)
	reader, err := Open(writer.Dir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	w := registerInstances(t, writer)
	r := registerInstances(t, reader)
	if err := w.Create(); err != nil {
		t.Fatal(err)
	}
	if err := w.Insert(&instance{ID: "01", Hostname: "a"}); err != nil {
		t.Fatal(err)
	}

	// Without a notification the reader keeps its state.
	if r.Exists() {
		t.Fatal("reader saw the file without a notification")
	}

	reader.AddChangeListener(ReloadOnChange{DB: reader})
	reader.NotifyFileAdded("instances")
	if n, err := r.Len(); err != nil || n != 1 {
		t.Fatalf("Len() after added = %d, %v", n, err)
	}

	if err := w.Insert(&instance{ID: "02", Hostname: "b"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.Len(); n != 1 {
		t.Fatalf("reader refreshed without a notification: %d", n)
	}
	reader.NotifyFileModified("instances")
	got, ok, err := r.FindByID("02")
	if err != nil || !ok || got.Hostname != "b" {
		t.Fatalf("FindByID after modified = %+v, %v, %v", got, ok, err)
	}

	// A broken file keeps the last good state.
	writeLines(t, collectionPath(writer, "instances"), `{"schemaVersion":"1.0"}`, `{"id":`)
	reader.NotifyFileModified("instances")
	if n, err := r.Len(); err != nil || n != 2 {
		t.Fatalf("Len() after broken file = %d, %v", n, err)
	}

	if err := os.Remove(collectionPath(writer, "instances")); err != nil {
		t.Fatal(err)
	}
	reader.NotifyFileDeleted("instances")
	if r.Exists() {
		t.Fatal("collection still present after deleted")
	}
}
