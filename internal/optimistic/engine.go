package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/meadowlark/farmsync/internal/cache"
	apperrors "github.com/meadowlark/farmsync/internal/errors"
	"github.com/meadowlark/farmsync/internal/invalidation"
	"github.com/meadowlark/farmsync/internal/logging"
	"github.com/meadowlark/farmsync/internal/models"
	"github.com/meadowlark/farmsync/internal/queue"
	"github.com/meadowlark/farmsync/internal/remote"
	"github.com/meadowlark/farmsync/internal/uuid"
)

// SyncStatus tracks one mutation attempt through its lifecycle.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced"
	StatusError    SyncStatus = "error"
	StatusConflict SyncStatus = "conflict"
)

// Record is the in-memory shadow of a mutation's outcome. Exactly one
// record exists per in-flight mutation; it leaves memory only after the
// post-sync grace period or a rollback.
type Record struct {
	OptimisticID string
	Kind         models.MutationKind
	FarmID       string
	Status       SyncStatus
	Err          error
	CreatedAt    time.Time
}

// ApplyFunc is the caller-supplied tentative transformation. It receives
// the view store and the correlation id to tag every entry it adds.
type ApplyFunc func(views *ViewStore, optimisticID string)

// DefaultGracePeriod is how long a synced shadow lingers so the UI doesn't
// flicker while the confirmed data arrives with different formatting.
const DefaultGracePeriod = 2 * time.Second

// Engine applies tentative results immediately and reconciles them once
// the real outcome is known. All state is instance-owned; two engines in
// one process never share records.
type Engine struct {
	mu      sync.Mutex
	records map[string]*Record

	views       *ViewStore
	queue       *queue.Queue
	mutator     remote.Mutator
	online      func() bool
	invalidator *invalidation.Manager
	cache       *cache.Cache
	gracePeriod time.Duration

	inflight sync.WaitGroup
}

// Config holds engine construction parameters.
type Config struct {
	Queue       *queue.Queue
	Mutator     remote.Mutator
	Online      func() bool
	Invalidator *invalidation.Manager // may be nil during bootstrap
	Cache       *cache.Cache
	GracePeriod time.Duration
}

// NewEngine creates an Engine.
func NewEngine(config Config) *Engine {
	grace := config.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}
	return &Engine{
		records:     make(map[string]*Record),
		views:       NewViewStore(),
		queue:       config.Queue,
		mutator:     config.Mutator,
		online:      config.Online,
		invalidator: config.Invalidator,
		cache:       config.Cache,
		gracePeriod: grace,
	}
}

// Views returns the tentative view store for UI reads.
func (e *Engine) Views() *ViewStore {
	return e.views
}

// Mutate applies the tentative transformation synchronously, then either
// executes the remote mutation in the background (online) or routes the
// mutation to the durable queue (offline). Being offline is not an error:
// the caller sees success as soon as the item is safely queued.
func (e *Engine) Mutate(ctx context.Context, m models.Mutation, apply ApplyFunc) (*Record, error) {
	optimisticID := uuid.New()

	if apply != nil {
		apply(e.views, optimisticID)
	}

	record := &Record{
		OptimisticID: optimisticID,
		Kind:         m.Kind(),
		FarmID:       m.Farm(),
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}

	e.mu.Lock()
	e.records[optimisticID] = record
	e.mu.Unlock()

	if e.online == nil || !e.online() {
		if _, err := e.queue.Enqueue(m, optimisticID); err != nil {
			// Storage failure: the action was not saved, tell the caller.
			e.rollback(optimisticID, err)
			return record, err
		}
		logging.Debug("Mutation queued offline", map[string]interface{}{
			"optimistic_id": optimisticID,
			"kind":          string(m.Kind()),
		})
		return record, nil
	}

	e.setStatus(optimisticID, StatusSyncing, nil)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.performRemote(ctx, m, optimisticID)
	}()

	return record, nil
}

// performRemote executes the real mutation and reconciles the shadow.
func (e *Engine) performRemote(ctx context.Context, m models.Mutation, optimisticID string) {
	payload, err := models.MarshalMutation(m)
	if err != nil {
		e.rollback(optimisticID, err)
		return
	}

	_, err = e.mutator.PerformMutation(ctx, m.Kind(), m.Farm(), payload)
	switch {
	case err == nil:
		e.MarkSynced(optimisticID)
		e.invalidate(m.Kind(), m.Farm())
	case remote.IsConflict(err):
		e.MarkConflict(optimisticID, err)
	case remote.IsPermanent(err):
		e.rollback(optimisticID, err)
	default:
		// Transient failure: fall back to the durable queue so the
		// mutation retries once connectivity recovers.
		if _, qerr := e.queue.Enqueue(m, optimisticID); qerr != nil {
			e.rollback(optimisticID, qerr)
			return
		}
		e.setStatus(optimisticID, StatusPending, nil)
		logging.Warn("Remote mutation failed, requeued for retry", map[string]interface{}{
			"optimistic_id": optimisticID,
			"kind":          string(m.Kind()),
			"error":         err.Error(),
		})
	}
}

// Wait blocks until all in-flight remote mutations settle.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Record returns the shadow for a correlation id, or nil.
func (e *Engine) Record(optimisticID string) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	record, ok := e.records[optimisticID]
	if !ok {
		return nil
	}
	r := *record
	return &r
}

// RecordsByStatus returns copies of all records in the given status.
func (e *Engine) RecordsByStatus(status SyncStatus) []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	var records []*Record
	for _, record := range e.records {
		if record.Status == status {
			r := *record
			records = append(records, &r)
		}
	}
	return records
}

// MarkSyncing transitions a record to syncing.
func (e *Engine) MarkSyncing(optimisticID string) {
	e.setStatus(optimisticID, StatusSyncing, nil)
}

// MarkSynced transitions a record to synced and schedules removal of the
// optimistic shadow after the grace period.
func (e *Engine) MarkSynced(optimisticID string) {
	e.setStatus(optimisticID, StatusSynced, nil)

	time.AfterFunc(e.gracePeriod, func() {
		e.Forget(optimisticID)
	})
}

// MarkError transitions a record to error and rolls back its tentative
// entries. The record stays in memory so the UI can surface the failure.
func (e *Engine) MarkError(optimisticID string, cause error) {
	e.views.RemoveTagged(optimisticID)
	e.setStatus(optimisticID, StatusError, cause)
}

// MarkConflict flags a concurrent-edit rejection. The tentative entries
// and the record are retained for reconciliation, not discarded.
func (e *Engine) MarkConflict(optimisticID string, cause error) {
	e.setStatus(optimisticID, StatusConflict, cause)

	logging.ErrorWithCode("Mutation conflicted with a concurrent edit",
		string(apperrors.ErrSyncConflict), cause,
		map[string]interface{}{"optimistic_id": optimisticID})
}

// Forget drops the record and its tentative entries. Called after the
// grace period, once the cache holds the confirmed version.
func (e *Engine) Forget(optimisticID string) {
	e.views.RemoveTagged(optimisticID)

	e.mu.Lock()
	delete(e.records, optimisticID)
	e.mu.Unlock()
}

// rollback removes exactly this mutation's tentative entries and marks the
// record failed.
func (e *Engine) rollback(optimisticID string, cause error) {
	e.MarkError(optimisticID, cause)

	logging.ErrorWithCode("Rolled back optimistic mutation",
		string(apperrors.ErrSyncFailed), cause,
		map[string]interface{}{"optimistic_id": optimisticID})
}

// invalidate routes through the manager when wired, otherwise degrades to
// the mutation's direct cache key.
func (e *Engine) invalidate(kind models.MutationKind, farmID string) {
	var err error
	if e.invalidator != nil {
		err = e.invalidator.InvalidateForMutation(kind, farmID)
	} else if e.cache != nil {
		err = invalidation.Fallback(e.cache, kind, farmID)
	}
	if err != nil {
		logging.Error("Cache invalidation failed", err, map[string]interface{}{
			"kind":    string(kind),
			"farm_id": farmID,
		})
	}
}

// setStatus updates a record's status under the lock.
func (e *Engine) setStatus(optimisticID string, status SyncStatus, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record, ok := e.records[optimisticID]
	if !ok {
		return
	}
	record.Status = status
	record.Err = cause
}
