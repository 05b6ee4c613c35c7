// Package queue provides the durable local queue for offline mutations.
//
// Every enqueued mutation is committed to SQLite before Enqueue returns, so
// a process that dies immediately afterwards still finds the item on the
// next start. Items drain in insertion order and are only removed after a
// confirmed remote success, a permanent rejection, or retention expiry.
package queue

import (
	"database/sql"
	"errors"
	"time"

	"github.com/meadowlark/farmsync/internal/db"
	apperrors "github.com/meadowlark/farmsync/internal/errors"
	"github.com/meadowlark/farmsync/internal/logging"
	"github.com/meadowlark/farmsync/internal/models"
	"github.com/meadowlark/farmsync/internal/uuid"
)

const (
	// DefaultMaxRetries bounds transient-failure retries before a row moves
	// to the dead-letter status.
	DefaultMaxRetries = 5

	// DefaultRetention is how long an unsynced text mutation is kept.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultAudioRetention is how long a pending voice blob is kept.
	// Shorter than text retention: blobs are costly to retain.
	DefaultAudioRetention = 48 * time.Hour

	// DefaultMaxSize caps the number of live queue rows.
	DefaultMaxSize = 10000
)

// Config holds queue policy knobs.
type Config struct {
	MaxRetries     int
	Retention      time.Duration
	AudioRetention time.Duration
	MaxSize        int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		Retention:      DefaultRetention,
		AudioRetention: DefaultAudioRetention,
		MaxSize:        DefaultMaxSize,
	}
}

// Queue is the durable local queue.
type Queue struct {
	store          *db.Store
	maxRetries     int
	retention      time.Duration
	audioRetention time.Duration
	maxSize        int
}

// New creates a Queue over the given store.
func New(store *db.Store, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	return &Queue{
		store:          store,
		maxRetries:     config.MaxRetries,
		retention:      config.Retention,
		audioRetention: config.AudioRetention,
		maxSize:        config.MaxSize,
	}
}

// Enqueue persists a mutation. The returned item is durable the moment this
// returns without error; storage failures surface to the caller because the
// action was not saved.
func (q *Queue) Enqueue(m models.Mutation, optimisticID string) (*models.QueueItem, error) {
	counts, err := q.store.CountQueueByStatus()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to check queue size", err)
	}
	live := counts[models.QueueStatusPending] + counts[models.QueueStatusInProgress]
	if live >= q.maxSize {
		return nil, apperrors.New(apperrors.ErrQueueFull, "queue is full")
	}

	payload, err := models.MarshalMutation(m)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode mutation", err)
	}

	now := time.Now().Unix()
	item := &models.QueueItem{
		ID:           uuid.New(),
		Kind:         string(m.Kind()),
		FarmID:       m.Farm(),
		Payload:      payload,
		OptimisticID: optimisticID,
		RetryCount:   0,
		MaxRetries:   q.maxRetries,
		NextRetryAt:  now,
		Status:       models.QueueStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := q.store.InsertQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to persist queue item", err)
	}

	logging.Debug("Enqueued mutation", map[string]interface{}{
		"item_id": item.ID,
		"kind":    item.Kind,
		"farm_id": item.FarmID,
	})

	return item, nil
}

// EnqueueAudio persists a voice note blob alongside its queue mutation.
func (q *Queue) EnqueueAudio(farmID, optimisticID string, blob []byte, mimeType string, durationMs int64) (*models.PendingAudio, error) {
	audio := &models.PendingAudio{
		ID:           uuid.New(),
		FarmID:       farmID,
		OptimisticID: optimisticID,
		Blob:         blob,
		MimeType:     mimeType,
		DurationMs:   durationMs,
		CreatedAt:    time.Now().Unix(),
	}

	if err := q.store.InsertPendingAudio(audio); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to persist audio blob", err)
	}

	return audio, nil
}

// PeekAll returns ready pending items in insertion order. Items whose
// backoff window has not elapsed are excluded from the drain.
func (q *Queue) PeekAll() ([]*models.QueueItem, error) {
	items, err := q.store.ListReadyQueueItems(time.Now().Unix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read queue", err)
	}
	return items, nil
}

// Audio returns one voice blob by id, or nil when it no longer exists
// (e.g. purged by retention before the queue item drained).
func (q *Queue) Audio(id string) (*models.PendingAudio, error) {
	audio, err := q.store.GetPendingAudio(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read audio blob", err)
	}
	return audio, nil
}

// PendingAudio returns all unsent voice blobs in insertion order.
func (q *Queue) PendingAudio() ([]*models.PendingAudio, error) {
	items, err := q.store.ListPendingAudio()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read pending audio", err)
	}
	return items, nil
}

// Remove deletes an item after confirmed sync. Removing an id that was
// never enqueued, or removing twice, is a no-op.
func (q *Queue) Remove(id string) error {
	if err := q.store.DeleteQueueItem(id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remove queue item", err)
	}
	return nil
}

// RemoveAudio deletes a voice blob after submission. Idempotent.
func (q *Queue) RemoveAudio(id string) error {
	if err := q.store.DeletePendingAudio(id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remove audio blob", err)
	}
	return nil
}

// MarkFailed records an attempt failure. Transient failures schedule a
// retry with exponential backoff until the retry bound, then the row moves
// to dead-letter. Permanent failures dead-letter immediately: retrying a
// business-rule rejection will never succeed.
func (q *Queue) MarkFailed(item *models.QueueItem, cause error, permanent bool) error {
	now := time.Now().Unix()
	item.RetryCount++
	item.LastError = cause.Error()
	item.UpdatedAt = now

	if permanent || item.RetryCount >= item.MaxRetries {
		item.Status = models.QueueStatusDead
		logging.ErrorWithCode("Queue item moved to dead-letter",
			string(apperrors.ErrSyncFailed), cause,
			map[string]interface{}{
				"item_id":   item.ID,
				"kind":      item.Kind,
				"retries":   item.RetryCount,
				"permanent": permanent,
			})
	} else {
		backoff := calculateBackoff(item.RetryCount)
		item.NextRetryAt = now + backoff
		item.Status = models.QueueStatusPending
		logging.Warn("Queue item failed, scheduled retry", map[string]interface{}{
			"item_id":         item.ID,
			"kind":            item.Kind,
			"retry":           item.RetryCount,
			"max_retries":     item.MaxRetries,
			"backoff_seconds": backoff,
		})
	}

	if err := q.store.UpdateQueueItemRetry(item); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to update queue item", err)
	}
	return nil
}

// calculateBackoff calculates exponential backoff delay in seconds.
// Formula: 2^retry_count * 60, capped at 3600 seconds (1 hour).
func calculateBackoff(retryCount int) int64 {
	backoff := int64(1) << uint(retryCount)
	backoff = backoff * 60

	maxBackoff := int64(3600)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}

// DeadLetters returns items that exhausted retries or were permanently
// rejected. They are retained for inspection, never retried automatically.
func (q *Queue) DeadLetters() ([]*models.QueueItem, error) {
	items, err := q.store.ListQueueItemsByStatus(models.QueueStatusDead)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read dead letters", err)
	}
	return items, nil
}

// CleanupExpired purges queue rows and audio blobs older than their
// retention windows. Abandoned sessions are dropped rather than retried
// forever. Counts are logged, not alerted.
func (q *Queue) CleanupExpired() (queueRemoved, audioRemoved int64, err error) {
	now := time.Now()

	queueRemoved, err = q.store.DeleteExpiredQueueItems(now.Add(-q.retention).Unix())
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrStorage, "failed to purge expired queue items", err)
	}

	audioRemoved, err = q.store.DeleteExpiredAudio(now.Add(-q.audioRetention).Unix())
	if err != nil {
		return queueRemoved, 0, apperrors.Wrap(apperrors.ErrStorage, "failed to purge expired audio", err)
	}

	if queueRemoved > 0 || audioRemoved > 0 {
		logging.Info("Purged expired offline data", map[string]interface{}{
			"queue_items": queueRemoved,
			"audio_blobs": audioRemoved,
		})
	}

	return queueRemoved, audioRemoved, nil
}

// Stats returns queue row counts keyed by status.
func (q *Queue) Stats() (map[models.QueueStatus]int, error) {
	counts, err := q.store.CountQueueByStatus()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to count queue items", err)
	}
	return counts, nil
}
