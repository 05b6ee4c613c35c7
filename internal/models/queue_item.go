// Package models provides data model definitions for the farmsync core.
package models

import "encoding/json"

// QueueStatus represents the status of a durable queue row.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusDead       QueueStatus = "dead"
)

// QueueItem represents one durable, not-yet-synced mutation.
//
// The SQLite row is the source of truth: an item survives process loss the
// moment Enqueue returns. Seq is assigned by the database and orders the
// FIFO drain; CreatedAt only drives the retention policy.
type QueueItem struct {
	ID           string          `db:"id" json:"id"`
	Seq          int64           `db:"seq" json:"seq"`
	Kind         string          `db:"kind" json:"kind"`
	FarmID       string          `db:"farm_id" json:"farm_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	OptimisticID string          `db:"optimistic_id" json:"optimistic_id"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	MaxRetries   int             `db:"max_retries" json:"max_retries"`
	NextRetryAt  int64           `db:"next_retry_at" json:"next_retry_at"`
	Status       QueueStatus     `db:"status" json:"status"`
	LastError    string          `db:"last_error" json:"last_error"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}
