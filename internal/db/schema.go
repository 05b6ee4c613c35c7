// Package db provides schema initialization for the local database.
package db

// The client ships a single schema version; tables are created idempotently
// on startup. seq is AUTOINCREMENT so the FIFO drain order survives
// same-second enqueues and row deletion never recycles an order position.
const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	farm_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	optimistic_id TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_farm ON sync_queue(farm_id);

CREATE TABLE IF NOT EXISTS cache_snapshots (
	entity_kind TEXT NOT NULL,
	farm_id TEXT NOT NULL,
	items TEXT NOT NULL,
	summary TEXT,
	fetched_at INTEGER NOT NULL,
	stale INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_kind, farm_id)
);

CREATE TABLE IF NOT EXISTS pending_audio (
	id TEXT PRIMARY KEY,
	farm_id TEXT NOT NULL,
	optimistic_id TEXT NOT NULL DEFAULT '',
	blob BLOB NOT NULL,
	mime_type TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_audio_farm ON pending_audio(farm_id);
`

// InitSchema creates all tables if they don't exist.
func (db *DB) InitSchema() error {
	_, err := db.Exec(schema)
	return err
}
