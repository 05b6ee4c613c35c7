// Package syncer drains the durable queue once connectivity allows.
//
// Items are attempted strictly in enqueue order, one at a time, so a farm's
// mutation history keeps its causal order across reconnects. One item's
// failure never aborts the rest of the drain.
package syncer

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
)

// RecordTracker updates the in-memory optimistic records correlated with
// queue items. The optimistic engine implements it; tests use a spy.
type RecordTracker interface {
	MarkSyncing(optimisticID string)
	MarkSynced(optimisticID string)
	MarkError(optimisticID string, cause error)
	MarkConflict(optimisticID string, cause error)
}

// DefaultRemoteTimeout bounds each remote attempt. A timed-out call is a
// transient failure: the item stays queued for the next pass.
const DefaultRemoteTimeout = 30 * time.Second

// Syncer drains the durable queue.
type Syncer struct {
	queue       *queue.Queue
	mutator     remote.Mutator
	audio       remote.AudioSubmitter
	tracker     RecordTracker
	invalidator *invalidation.Manager
	cache       *cache.Cache
	timeout     time.Duration

	mu         sync.Mutex
	inProgress bool
}

// Config holds syncer construction parameters.
type Config struct {
	Queue       *queue.Queue
	Mutator     remote.Mutator
	Audio       remote.AudioSubmitter
	Tracker     RecordTracker         // may be nil
	Invalidator *invalidation.Manager // may be nil during bootstrap
	Cache       *cache.Cache
	Timeout     time.Duration
}

// New creates a Syncer.
func New(config Config) *Syncer {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultRemoteTimeout
	}
	return &Syncer{
		queue:       config.Queue,
		mutator:     config.Mutator,
		audio:       config.Audio,
		tracker:     config.Tracker,
		invalidator: config.Invalidator,
		cache:       config.Cache,
		timeout:     timeout,
	}
}

// SetTracker wires the optimistic record tracker after construction. The
// engine and the syncer reference each other, so one side is set late.
func (s *Syncer) SetTracker(tracker RecordTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker = tracker
}

// Result summarizes one drain pass.
type Result struct {
	Attempted int
	Synced    int
	Retried   int
	Dead      int
}

// SyncQueue drains ready items in FIFO order. Safe to invoke concurrently
// with itself: a second call while a drain is active is a no-op, so an item
// is never attempted twice by overlapping passes.
func (s *Syncer) SyncQueue(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		logging.Debug("Queue drain already in progress, skipping", nil)
		return nil, nil
	}
	s.inProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	items, err := s.queue.PeekAll()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &Result{}, nil
	}

	logging.Info("Draining offline queue", map[string]interface{}{
		"pending": len(items),
	})

	result := &Result{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Attempted++
		s.processItem(ctx, item, result)
	}

	logging.Info("Queue drain completed", map[string]interface{}{
		"attempted": result.Attempted,
		"synced":    result.Synced,
		"retried":   result.Retried,
		"dead":      result.Dead,
	})

	return result, nil
}

// processItem attempts one queue item. Failures are isolated: bookkeeping
// is updated and the drain moves on.
func (s *Syncer) processItem(ctx context.Context, item *models.QueueItem, result *Result) {
	mutation, err := models.UnmarshalMutation(models.MutationKind(item.Kind), item.Payload)
	if err != nil {
		// An undecodable payload will never decode on retry.
		s.failItem(item, err, true, result)
		return
	}

	if s.tracker != nil && item.OptimisticID != "" {
		s.tracker.MarkSyncing(item.OptimisticID)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.dispatch(attemptCtx, mutation, item)
	cancel()

	switch {
	case err == nil:
		if err := s.queue.Remove(item.ID); err != nil {
			logging.Error("Failed to remove synced queue item", err,
				map[string]interface{}{"item_id": item.ID})
		}
		if s.tracker != nil && item.OptimisticID != "" {
			s.tracker.MarkSynced(item.OptimisticID)
		}
		s.invalidate(mutation.Kind(), mutation.Farm())
		result.Synced++

	case remote.IsConflict(err):
		s.markFailed(item, err, true)
		if s.tracker != nil && item.OptimisticID != "" {
			s.tracker.MarkConflict(item.OptimisticID, err)
		}
		result.Dead++

	case remote.IsPermanent(err):
		s.failItem(item, err, true, result)

	default:
		s.markFailed(item, err, false)
		result.Retried++
	}
}

// dispatch performs the remote call for one mutation variant.
func (s *Syncer) dispatch(ctx context.Context, mutation models.Mutation, item *models.QueueItem) error {
	switch m := mutation.(type) {
	case models.MilkRecordBatch, models.FeedTransaction, models.ExpenseEntry, models.HealthEvent:
		_, err := s.mutator.PerformMutation(ctx, mutation.Kind(), mutation.Farm(), item.Payload)
		return err

	case models.VoiceNote:
		return s.dispatchVoiceNote(ctx, m)

	default:
		return &remote.PermanentError{Reason: "unhandled mutation kind " + string(mutation.Kind())}
	}
}

// dispatchVoiceNote uploads the referenced audio blob, then removes it.
func (s *Syncer) dispatchVoiceNote(ctx context.Context, m models.VoiceNote) error {
	if s.audio == nil {
		return &remote.PermanentError{Reason: "no audio submitter configured"}
	}

	blob, err := s.queue.Audio(m.AudioID)
	if err != nil {
		return err
	}
	if blob == nil {
		// Blob already expired; nothing left to submit.
		return &remote.PermanentError{Reason: "audio blob " + m.AudioID + " no longer exists"}
	}

	if _, err := s.audio.SubmitAudio(ctx, m.FarmID, blob.Blob, blob.MimeType); err != nil {
		return err
	}

	if err := s.queue.RemoveAudio(m.AudioID); err != nil {
		logging.Error("Failed to remove submitted audio blob", err,
			map[string]interface{}{"audio_id": m.AudioID})
	}
	return nil
}

// failItem dead-letters an item and marks its record failed.
func (s *Syncer) failItem(item *models.QueueItem, cause error, permanent bool, result *Result) {
	s.markFailed(item, cause, permanent)
	if s.tracker != nil && item.OptimisticID != "" {
		s.tracker.MarkError(item.OptimisticID, cause)
	}
	result.Dead++
}

func (s *Syncer) markFailed(item *models.QueueItem, cause error, permanent bool) {
	if err := s.queue.MarkFailed(item, cause, permanent); err != nil {
		logging.ErrorWithCode("Failed to record queue item failure",
			string(apperrors.ErrStorage), err,
			map[string]interface{}{"item_id": item.ID})
	}
}

// invalidate routes through the manager when wired, otherwise degrades to
// the direct cache key.
func (s *Syncer) invalidate(kind models.MutationKind, farmID string) {
	var err error
	if s.invalidator != nil {
		err = s.invalidator.InvalidateForMutation(kind, farmID)
	} else if s.cache != nil {
		err = invalidation.Fallback(s.cache, kind, farmID)
	}
	if err != nil {
		logging.Error("Cache invalidation failed after sync", err,
			map[string]interface{}{"kind": string(kind), "farm_id": farmID})
	}
}

// InProgress reports whether a drain is active.
func (s *Syncer) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}
