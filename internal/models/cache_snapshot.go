package models

import "encoding/json"

// EntityKind names a cached entity collection.
type EntityKind string

const (
	EntityMilkInventory EntityKind = "milk_inventory"
	EntityFeedInventory EntityKind = "feed_inventory"
	EntityExpenses      EntityKind = "expenses"
	EntityExpenseTotals EntityKind = "expense_totals"
	EntityHealthLog     EntityKind = "health_log"
	EntityProfitability EntityKind = "profitability"
)

// CacheSnapshot is the last-known server state for one entity collection,
// scoped to a single farm. Snapshots are overwritten wholesale on refetch
// and never merged across farms.
type CacheSnapshot struct {
	EntityKind EntityKind      `db:"entity_kind" json:"entity_kind"`
	FarmID     string          `db:"farm_id" json:"farm_id"`
	Items      json.RawMessage `db:"items" json:"items"`
	Summary    json.RawMessage `db:"summary" json:"summary,omitempty"`
	FetchedAt  int64           `db:"fetched_at" json:"fetched_at"`
	Stale      bool            `db:"stale" json:"stale"`
}

// TableName returns the table name for CacheSnapshot.
func (CacheSnapshot) TableName() string {
	return "cache_snapshots"
}
