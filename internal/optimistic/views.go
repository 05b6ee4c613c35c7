// Package optimistic provides the optimistic mutation engine.
package optimistic

import (
	"encoding/json"
	"sync"

	"github.com/meadowlark/farmsync/internal/models"
)

// Entry is one tentative row merged into an in-memory view, tagged with the
// correlation id of the mutation that produced it.
type Entry struct {
	OptimisticID string
	Data         json.RawMessage
}

type viewKey struct {
	kind   models.EntityKind
	farmID string
}

// ViewStore holds the tentative entries layered over cached query state.
// Entries are tagged so one mutation's rollback removes exactly its own
// rows and never a concurrent mutation's.
type ViewStore struct {
	mu    sync.RWMutex
	views map[viewKey][]Entry
}

// NewViewStore creates an empty ViewStore.
func NewViewStore() *ViewStore {
	return &ViewStore{views: make(map[viewKey][]Entry)}
}

// Apply appends a tentative entry to the view for (kind, farm).
func (v *ViewStore) Apply(kind models.EntityKind, farmID string, entry Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := viewKey{kind: kind, farmID: farmID}
	v.views[key] = append(v.views[key], entry)
}

// Entries returns a copy of the tentative entries for (kind, farm).
func (v *ViewStore) Entries(kind models.EntityKind, farmID string) []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	key := viewKey{kind: kind, farmID: farmID}
	entries := make([]Entry, len(v.views[key]))
	copy(entries, v.views[key])
	return entries
}

// RemoveTagged removes every entry carrying the given correlation id, in
// all views, leaving other entries untouched and in order.
func (v *ViewStore) RemoveTagged(optimisticID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for key, entries := range v.views {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.OptimisticID != optimisticID {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(v.views, key)
		} else {
			v.views[key] = kept
		}
	}
}
