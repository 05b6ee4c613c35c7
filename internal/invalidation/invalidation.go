// Package invalidation decides which cached views a committed mutation
// makes stale.
//
// The dependency set is table-driven: adding a new dependent view means one
// entry here, not a change at every mutation call site. Entries are always
// tenant-scoped; a mutation on one farm never touches another farm's cache.
package invalidation

import (
	"github.com/meadowlark/farmsync/internal/cache"
	"github.com/meadowlark/farmsync/internal/logging"
	"github.com/meadowlark/farmsync/internal/models"
)

// RefetchFunc is an optional hook invoked for each invalidated view so the
// caller can refresh it eagerly instead of waiting for the next read.
type RefetchFunc func(kind models.EntityKind, farmID string)

// Manager maps committed mutations to the closed set of dependent cache keys.
type Manager struct {
	cache   *cache.Cache
	deps    map[models.MutationKind][]models.EntityKind
	refetch RefetchFunc
}

// DefaultDependencies returns the mutation-to-views dependency table.
func DefaultDependencies() map[models.MutationKind][]models.EntityKind {
	return map[models.MutationKind][]models.EntityKind{
		models.MutationMilkRecordBatch: {
			models.EntityMilkInventory,
			models.EntityProfitability,
		},
		models.MutationFeedTransaction: {
			models.EntityFeedInventory,
			models.EntityExpenseTotals,
			models.EntityProfitability,
		},
		models.MutationExpenseEntry: {
			models.EntityExpenses,
			models.EntityExpenseTotals,
			models.EntityProfitability,
		},
		models.MutationHealthEvent: {
			models.EntityHealthLog,
		},
		models.MutationVoiceNote: {
			models.EntityHealthLog,
			models.EntityMilkInventory,
		},
	}
}

// NewManager creates a Manager. A nil deps table falls back to the default
// dependency table; refetch may be nil.
func NewManager(c *cache.Cache, deps map[models.MutationKind][]models.EntityKind, refetch RefetchFunc) *Manager {
	if deps == nil {
		deps = DefaultDependencies()
	}
	return &Manager{
		cache:   c,
		deps:    deps,
		refetch: refetch,
	}
}

// InvalidateForMutation marks every view dependent on the mutation kind
// stale for the given farm and triggers the refetch hook for each.
func (m *Manager) InvalidateForMutation(kind models.MutationKind, farmID string) error {
	views, ok := m.deps[kind]
	if !ok {
		logging.Debug("No dependency entry for mutation kind", map[string]interface{}{
			"kind": string(kind),
		})
		return nil
	}

	for _, view := range views {
		if err := m.cache.MarkStale(view, farmID); err != nil {
			return err
		}
		if m.refetch != nil {
			m.refetch(view, farmID)
		}
	}

	return nil
}

// Dependencies returns the views invalidated for a mutation kind.
func (m *Manager) Dependencies(kind models.MutationKind) []models.EntityKind {
	return m.deps[kind]
}

// DirectEntity maps a mutation kind to the single view it writes to.
// Used by the fallback path when no Manager has been wired yet.
func DirectEntity(kind models.MutationKind) models.EntityKind {
	switch kind {
	case models.MutationMilkRecordBatch:
		return models.EntityMilkInventory
	case models.MutationFeedTransaction:
		return models.EntityFeedInventory
	case models.MutationExpenseEntry:
		return models.EntityExpenses
	case models.MutationHealthEvent, models.MutationVoiceNote:
		return models.EntityHealthLog
	default:
		return ""
	}
}

// Fallback invalidates only the mutation's direct view. Degraded but safe:
// used during bootstrap before a Manager exists.
func Fallback(c *cache.Cache, kind models.MutationKind, farmID string) error {
	entity := DirectEntity(kind)
	if entity == "" {
		return nil
	}
	return c.MarkStale(entity, farmID)
}
