// Package cache provides the tenant-scoped local read cache.
//
// The UI renders immediately from the last-known snapshot and reconciles
// silently afterwards; first paint never waits on the network. Snapshots
// are keyed by (entity kind, farm) and overwritten wholesale on refetch.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/meadowlark/farmsync/internal/db"
	apperrors "github.com/meadowlark/farmsync/internal/errors"
	"github.com/meadowlark/farmsync/internal/models"
)

// Cache reads and writes local snapshots of remote collections.
type Cache struct {
	store *db.Store
}

// New creates a Cache over the given store.
func New(store *db.Store) *Cache {
	return &Cache{store: store}
}

// Get returns the last-known snapshot for (kind, farm), or nil when nothing
// has been cached yet. A missing snapshot is normal, not an error.
func (c *Cache) Get(kind models.EntityKind, farmID string) (*models.CacheSnapshot, error) {
	snap, err := c.store.GetSnapshot(kind, farmID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read cache snapshot", err)
	}
	return snap, nil
}

// Update overwrites the snapshot for (kind, farm) with a fresh server read.
// The write is atomic from the caller's perspective: readers see either the
// previous snapshot or the new one, never a partial merge.
func (c *Cache) Update(kind models.EntityKind, farmID string, items, summary json.RawMessage) error {
	snap := &models.CacheSnapshot{
		EntityKind: kind,
		FarmID:     farmID,
		Items:      items,
		Summary:    summary,
		FetchedAt:  time.Now().Unix(),
		Stale:      false,
	}
	if err := c.store.UpsertSnapshot(snap); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to write cache snapshot", err)
	}
	return nil
}

// IsFresh reports whether the snapshot for (kind, farm) exists, has not been
// invalidated, and was fetched within maxAge. A fresh snapshot short-circuits
// a redundant remote read.
func (c *Cache) IsFresh(kind models.EntityKind, farmID string, maxAge time.Duration) (bool, error) {
	snap, err := c.Get(kind, farmID)
	if err != nil {
		return false, err
	}
	if snap == nil || snap.Stale {
		return false, nil
	}

	age := time.Since(time.Unix(snap.FetchedAt, 0))
	return age <= maxAge, nil
}

// MarkStale flags the snapshot for (kind, farm) so the next read refetches.
// The data stays available for immediate rendering until then.
func (c *Cache) MarkStale(kind models.EntityKind, farmID string) error {
	if err := c.store.MarkSnapshotStale(kind, farmID); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark snapshot stale", err)
	}
	return nil
}
