// Package db provides persistence operations for farmsync data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/meadowlark/farmsync/internal/models"
)

// Store provides persistence for queue rows, cache snapshots, and pending
// audio. Each data kind lives in its own table namespace so a storage-engine
// swap only touches this package, never the call sites.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine prepared this first, use theirs and close ours.
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Queue Operations
// =====================================================

// InsertQueueItem persists a queue row. The row is committed before this
// returns; Seq is filled in from the database.
func (s *Store) InsertQueueItem(item *models.QueueItem) error {
	query := `
	INSERT INTO sync_queue (id, kind, farm_id, payload, optimistic_id,
		retry_count, max_retries, next_retry_at, status, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Exec(query, item.ID, item.Kind, item.FarmID, string(item.Payload),
		item.OptimisticID, item.RetryCount, item.MaxRetries, item.NextRetryAt,
		item.Status, item.LastError, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	item.Seq = seq
	return nil
}

const queueColumns = `seq, id, kind, farm_id, payload, optimistic_id,
	retry_count, max_retries, next_retry_at, status, last_error, created_at, updated_at`

// scanQueueItem scans one queue row.
func scanQueueItem(scan func(dest ...interface{}) error) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload string
	err := scan(&item.Seq, &item.ID, &item.Kind, &item.FarmID, &payload,
		&item.OptimisticID, &item.RetryCount, &item.MaxRetries, &item.NextRetryAt,
		&item.Status, &item.LastError, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	return &item, nil
}

// ListReadyQueueItems returns pending rows whose retry time has passed,
// in insertion (seq) order.
func (s *Store) ListReadyQueueItems(now int64) ([]*models.QueueItem, error) {
	query := `
	SELECT ` + queueColumns + `
	FROM sync_queue
	WHERE status = ? AND next_retry_at <= ?
	ORDER BY seq
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(models.QueueStatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListQueueItemsByStatus returns all rows with the given status in seq order.
func (s *Store) ListQueueItemsByStatus(status models.QueueStatus) ([]*models.QueueItem, error) {
	query := `
	SELECT ` + queueColumns + `
	FROM sync_queue
	WHERE status = ?
	ORDER BY seq
	`
	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetQueueItem retrieves a queue row by id.
func (s *Store) GetQueueItem(id string) (*models.QueueItem, error) {
	query := `
	SELECT ` + queueColumns + `
	FROM sync_queue WHERE id = ?
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanQueueItem(stmt.QueryRow(id).Scan)
}

// UpdateQueueItemRetry updates a row's retry bookkeeping after an attempt.
func (s *Store) UpdateQueueItemRetry(item *models.QueueItem) error {
	query := `
	UPDATE sync_queue
	SET retry_count = ?, next_retry_at = ?, status = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	_, err := s.db.Exec(query, item.RetryCount, item.NextRetryAt, item.Status,
		item.LastError, item.UpdatedAt, item.ID)
	return err
}

// DeleteQueueItem removes a row. Deleting a missing id is a no-op.
func (s *Store) DeleteQueueItem(id string) error {
	_, err := s.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	return err
}

// DeleteExpiredQueueItems purges rows created before the cutoff, regardless
// of status. Returns the number of rows removed.
func (s *Store) DeleteExpiredQueueItems(cutoff int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM sync_queue WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountQueueByStatus returns row counts keyed by status.
func (s *Store) CountQueueByStatus() (map[models.QueueStatus]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// =====================================================
// Cache Snapshot Operations
// =====================================================

// UpsertSnapshot overwrites the snapshot for (entity kind, farm) wholesale.
func (s *Store) UpsertSnapshot(snap *models.CacheSnapshot) error {
	query := `
	INSERT INTO cache_snapshots (entity_kind, farm_id, items, summary, fetched_at, stale)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_kind, farm_id) DO UPDATE SET
		items = excluded.items,
		summary = excluded.summary,
		fetched_at = excluded.fetched_at,
		stale = excluded.stale
	`
	var summary interface{}
	if snap.Summary != nil {
		summary = string(snap.Summary)
	}
	_, err := s.db.Exec(query, snap.EntityKind, snap.FarmID, string(snap.Items),
		summary, snap.FetchedAt, snap.Stale)
	return err
}

// GetSnapshot retrieves the snapshot for (entity kind, farm).
// Returns sql.ErrNoRows when none exists.
func (s *Store) GetSnapshot(kind models.EntityKind, farmID string) (*models.CacheSnapshot, error) {
	query := `
	SELECT entity_kind, farm_id, items, summary, fetched_at, stale
	FROM cache_snapshots WHERE entity_kind = ? AND farm_id = ?
	`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	var snap models.CacheSnapshot
	var items string
	var summary sql.NullString
	err = stmt.QueryRow(kind, farmID).Scan(&snap.EntityKind, &snap.FarmID,
		&items, &summary, &snap.FetchedAt, &snap.Stale)
	if err != nil {
		return nil, err
	}
	snap.Items = []byte(items)
	if summary.Valid {
		snap.Summary = []byte(summary.String)
	}
	return &snap, nil
}

// MarkSnapshotStale flags a snapshot without deleting its data.
func (s *Store) MarkSnapshotStale(kind models.EntityKind, farmID string) error {
	_, err := s.db.Exec(
		"UPDATE cache_snapshots SET stale = 1 WHERE entity_kind = ? AND farm_id = ?",
		kind, farmID)
	return err
}

// =====================================================
// Pending Audio Operations
// =====================================================

// InsertPendingAudio persists a voice note blob.
func (s *Store) InsertPendingAudio(audio *models.PendingAudio) error {
	query := `
	INSERT INTO pending_audio (id, farm_id, optimistic_id, blob, mime_type, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, audio.ID, audio.FarmID, audio.OptimisticID,
		audio.Blob, audio.MimeType, audio.DurationMs, audio.CreatedAt)
	return err
}

// GetPendingAudio retrieves one blob by id.
func (s *Store) GetPendingAudio(id string) (*models.PendingAudio, error) {
	query := `
	SELECT id, farm_id, optimistic_id, blob, mime_type, duration_ms, created_at
	FROM pending_audio WHERE id = ?
	`
	var audio models.PendingAudio
	err := s.db.QueryRow(query, id).Scan(&audio.ID, &audio.FarmID,
		&audio.OptimisticID, &audio.Blob, &audio.MimeType, &audio.DurationMs, &audio.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &audio, nil
}

// ListPendingAudio returns all pending blobs in insertion order.
func (s *Store) ListPendingAudio() ([]*models.PendingAudio, error) {
	query := `
	SELECT id, farm_id, optimistic_id, blob, mime_type, duration_ms, created_at
	FROM pending_audio ORDER BY created_at, id
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.PendingAudio
	for rows.Next() {
		var audio models.PendingAudio
		err := rows.Scan(&audio.ID, &audio.FarmID, &audio.OptimisticID,
			&audio.Blob, &audio.MimeType, &audio.DurationMs, &audio.CreatedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, &audio)
	}
	return items, rows.Err()
}

// DeletePendingAudio removes a blob. Deleting a missing id is a no-op.
func (s *Store) DeletePendingAudio(id string) error {
	_, err := s.db.Exec("DELETE FROM pending_audio WHERE id = ?", id)
	return err
}

// DeleteExpiredAudio purges blobs created before the cutoff.
func (s *Store) DeleteExpiredAudio(cutoff int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM pending_audio WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
