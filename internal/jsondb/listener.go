package jsondb

import (
	"log/slog"
	"slices"
)

// ChangeListener is notified when a collection file changes outside of the
// DB, as reported by a file watcher through the Notify methods.
type ChangeListener interface {
	CollectionFileAdded(name string)
	CollectionFileModified(name string)
	CollectionFileDeleted(name string)
}

// AddChangeListener registers l and returns a function removing it.
func (db *DB) AddChangeListener(l ChangeListener) (remove func()) {
	db.listenersMu.Lock()
	defer db.listenersMu.Unlock()
	id := db.nextListener
	db.nextListener++
	db.listeners[id] = l
	return func() {
		db.listenersMu.Lock()
		defer db.listenersMu.Unlock()
		delete(db.listeners, id)
	}
}

// HasChangeListeners reports whether any listener is registered.
func (db *DB) HasChangeListeners() bool {
	db.listenersMu.Lock()
	defer db.listenersMu.Unlock()
	return len(db.listeners) != 0
}

// NotifyFileAdded reports that the file of a collection appeared.
func (db *DB) NotifyFileAdded(name string) {
	db.notify(name, ChangeListener.CollectionFileAdded)
}

// NotifyFileModified reports that the file of a collection changed.
func (db *DB) NotifyFileModified(name string) {
	db.notify(name, ChangeListener.CollectionFileModified)
}

// NotifyFileDeleted reports that the file of a collection disappeared.
func (db *DB) NotifyFileDeleted(name string) {
	db.notify(name, ChangeListener.CollectionFileDeleted)
}

// notify calls fn on every listener for a registered collection. Unknown
// names are ignored.
func (db *DB) notify(name string, fn func(ChangeListener, string)) {
	if _, ok := db.collections.Load(name); !ok || db.closed.Load() {
		return
	}
	db.listenersMu.Lock()
	ids := make([]int, 0, len(db.listeners))
	for id := range db.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]ChangeListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, db.listeners[id])
	}
	db.listenersMu.Unlock()
	for _, l := range listeners {
		fn(l, name)
	}
}

// ReloadOnChange is a ChangeListener that keeps the in-memory state of a DB
// in sync with its files.
type ReloadOnChange struct {
	DB *DB
}

func (r ReloadOnChange) CollectionFileAdded(name string) {
	r.reload(name)
}

func (r ReloadOnChange) CollectionFileModified(name string) {
	r.reload(name)
}

// CollectionFileDeleted drops the in-memory data of the collection; the
// reload finds no file.
func (r ReloadOnChange) CollectionFileDeleted(name string) {
	r.reload(name)
}

func (r ReloadOnChange) reload(name string) {
	if err := r.DB.ReloadCollection(name); err != nil {
		slog.Warn("jsondb: failed to reload collection", "collection", name, "err", err)
	}
}
