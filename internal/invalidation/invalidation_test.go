package invalidation

import (
	"testing"

	"github.com/meadowlark/farmsync/internal/cache"
	"github.com/meadowlark/farmsync/internal/db"
	"github.com/meadowlark/farmsync/internal/models"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return cache.New(db.NewStore(database.DB))
}

func seed(t *testing.T, c *cache.Cache, kind models.EntityKind, farmID string) {
	t.Helper()
	if err := c.Update(kind, farmID, []byte(`[]`), nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func stale(t *testing.T, c *cache.Cache, kind models.EntityKind, farmID string) bool {
	t.Helper()
	snap, err := c.Get(kind, farmID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap == nil {
		t.Fatalf("snapshot %s/%s missing", kind, farmID)
	}
	return snap.Stale
}

// An expense mutation invalidates the full dependent closure: the expense
// list, the category totals, and the profitability rollup.
func TestExpenseInvalidatesDerivedViews(t *testing.T) {
	c := newTestCache(t)
	for _, kind := range []models.EntityKind{
		models.EntityExpenses,
		models.EntityExpenseTotals,
		models.EntityProfitability,
		models.EntityMilkInventory,
	} {
		seed(t, c, kind, "f1")
	}

	m := NewManager(c, nil, nil)
	if err := m.InvalidateForMutation(models.MutationExpenseEntry, "f1"); err != nil {
		t.Fatalf("InvalidateForMutation failed: %v", err)
	}

	for _, kind := range []models.EntityKind{
		models.EntityExpenses,
		models.EntityExpenseTotals,
		models.EntityProfitability,
	} {
		if !stale(t, c, kind, "f1") {
			t.Errorf("%s should be stale after an expense entry", kind)
		}
	}
	if stale(t, c, models.EntityMilkInventory, "f1") {
		t.Error("milk inventory is not in the expense dependency set")
	}
}

func TestInvalidationIsTenantScoped(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, models.EntityExpenses, "f1")
	seed(t, c, models.EntityExpenses, "f2")

	m := NewManager(c, nil, nil)
	if err := m.InvalidateForMutation(models.MutationExpenseEntry, "f1"); err != nil {
		t.Fatalf("InvalidateForMutation failed: %v", err)
	}

	if !stale(t, c, models.EntityExpenses, "f1") {
		t.Error("mutating farm's view should be stale")
	}
	if stale(t, c, models.EntityExpenses, "f2") {
		t.Error("another farm's view must not be touched")
	}
}

func TestUnknownKindIsNoop(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, models.EntityExpenses, "f1")

	m := NewManager(c, nil, nil)
	if err := m.InvalidateForMutation(models.MutationKind("no_such_kind"), "f1"); err != nil {
		t.Fatalf("InvalidateForMutation failed: %v", err)
	}
	if stale(t, c, models.EntityExpenses, "f1") {
		t.Error("unknown mutation kind must not invalidate anything")
	}
}

func TestRefetchHookFiresPerView(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, models.EntityHealthLog, "f1")

	var refetched []models.EntityKind
	m := NewManager(c, nil, func(kind models.EntityKind, farmID string) {
		refetched = append(refetched, kind)
	})

	if err := m.InvalidateForMutation(models.MutationHealthEvent, "f1"); err != nil {
		t.Fatalf("InvalidateForMutation failed: %v", err)
	}
	if len(refetched) != 1 || refetched[0] != models.EntityHealthLog {
		t.Errorf("refetched = %v, want [health_log]", refetched)
	}
}

func TestDependenciesTableClosure(t *testing.T) {
	m := NewManager(newTestCache(t), nil, nil)

	deps := m.Dependencies(models.MutationFeedTransaction)
	want := map[models.EntityKind]bool{
		models.EntityFeedInventory: true,
		models.EntityExpenseTotals: true,
		models.EntityProfitability: true,
	}
	if len(deps) != len(want) {
		t.Fatalf("feed dependencies = %v, want 3 views", deps)
	}
	for _, kind := range deps {
		if !want[kind] {
			t.Errorf("unexpected dependency %s", kind)
		}
	}
}

// Fallback invalidates only the direct view when no manager is wired.
func TestFallbackDirectKeyOnly(t *testing.T) {
	c := newTestCache(t)
	seed(t, c, models.EntityExpenses, "f1")
	seed(t, c, models.EntityExpenseTotals, "f1")

	if err := Fallback(c, models.MutationExpenseEntry, "f1"); err != nil {
		t.Fatalf("Fallback failed: %v", err)
	}

	if !stale(t, c, models.EntityExpenses, "f1") {
		t.Error("direct view should be stale")
	}
	if stale(t, c, models.EntityExpenseTotals, "f1") {
		t.Error("fallback must not reach derived views")
	}
}

func TestDirectEntityUnknownKind(t *testing.T) {
	if got := DirectEntity(models.MutationKind("no_such_kind")); got != "" {
		t.Errorf("DirectEntity = %s, want empty", got)
	}
}
