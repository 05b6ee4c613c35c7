// Package syncer tests for queue draining.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meadowlark/farmsync/internal/db"
	"github.com/meadowlark/farmsync/internal/models"
	"github.com/meadowlark/farmsync/internal/queue"
	"github.com/meadowlark/farmsync/internal/remote"
)

// spyMutator records every remote call in order.
type spyMutator struct {
	mu       sync.Mutex
	payloads []string
	errFor   func(payload string) error
	delay    time.Duration
}

func (s *spyMutator) PerformMutation(ctx context.Context, kind models.MutationKind, farmID string, payload json.RawMessage) (*remote.Result, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.payloads = append(s.payloads, string(payload))
	errFor := s.errFor
	s.mu.Unlock()

	if errFor != nil {
		if err := errFor(string(payload)); err != nil {
			return nil, err
		}
	}
	return &remote.Result{ID: "server-1"}, nil
}

func (s *spyMutator) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// spyTracker records status transitions per correlation id.
type spyTracker struct {
	mu     sync.Mutex
	states map[string][]string
}

func newSpyTracker() *spyTracker {
	return &spyTracker{states: make(map[string][]string)}
}

func (s *spyTracker) record(id, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = append(s.states[id], state)
}

func (s *spyTracker) MarkSyncing(id string)             { s.record(id, "syncing") }
func (s *spyTracker) MarkSynced(id string)              { s.record(id, "synced") }
func (s *spyTracker) MarkError(id string, err error)    { s.record(id, "error") }
func (s *spyTracker) MarkConflict(id string, err error) { s.record(id, "conflict") }

func (s *spyTracker) last(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.states[id]
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

// fakeAudio accepts every blob.
type fakeAudio struct {
	mu    sync.Mutex
	blobs [][]byte
}

func (f *fakeAudio) SubmitAudio(ctx context.Context, farmID string, blob []byte, mimeType string) (*remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs = append(f.blobs, blob)
	return &remote.Result{ID: "transcript-1"}, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return queue.New(db.NewStore(database.DB), nil)
}

func expense(note string) models.ExpenseEntry {
	return models.ExpenseEntry{
		FarmID:     "f1",
		Category:   "feed",
		Amount:     10,
		Note:       note,
		RecordedAt: time.Now().Unix(),
	}
}

// Items enqueued A, B, C must be attempted in that order.
func TestSyncQueueFIFO(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{}
	s := New(Config{Queue: q, Mutator: mutator})

	for _, note := range []string{"A", "B", "C"} {
		if _, err := q.Enqueue(expense(note), ""); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := s.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if result.Synced != 3 {
		t.Errorf("synced = %d, want 3", result.Synced)
	}

	calls := mutator.calls()
	if len(calls) != 3 {
		t.Fatalf("remote calls = %d, want 3", len(calls))
	}
	for i, note := range []string{"A", "B", "C"} {
		if !strings.Contains(calls[i], `"note":"`+note+`"`) {
			t.Errorf("call %d = %s, want note %s (FIFO violated)", i, calls[i], note)
		}
	}

	items, err := q.PeekAll()
	if err != nil {
		t.Fatalf("PeekAll failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("queue should be empty after drain, has %d", len(items))
	}
}

// Two concurrent SyncQueue invocations attempt each item exactly once.
func TestNoDoubleDrain(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{delay: 30 * time.Millisecond}
	s := New(Config{Queue: q, Mutator: mutator})

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(expense("x"), ""); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.SyncQueue(context.Background())
			if err != nil {
				t.Errorf("SyncQueue failed: %v", err)
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	if got := len(mutator.calls()); got != 3 {
		t.Errorf("remote calls = %d, want exactly 3 (no double-drain)", got)
	}

	// One invocation drained, the other was a no-op.
	drained := 0
	for _, result := range results {
		if result != nil && result.Attempted > 0 {
			drained++
		}
	}
	if drained != 1 {
		t.Errorf("draining invocations = %d, want 1", drained)
	}
}

// Offline-to-online reconciliation: a queued milk record reaches the server
// exactly once and its optimistic record becomes synced.
func TestOfflineToOnlineReconciliation(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{}
	tracker := newSpyTracker()
	s := New(Config{Queue: q, Mutator: mutator, Tracker: tracker})

	m := models.MilkRecordBatch{
		FarmID:    "f1",
		SessionID: "s1",
		Records:   []models.MilkRecord{{AnimalID: "cow-7", Liters: 12, Shift: "morning"}},
	}
	item, err := q.Enqueue(m, "opt-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.Status != models.QueueStatusPending {
		t.Fatalf("status = %s, want pending before reconnect", item.Status)
	}
	if len(mutator.calls()) != 0 {
		t.Fatal("nothing should be sent while offline")
	}

	// Connectivity returns; one drain pass reconciles.
	result, err := s.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if result.Synced != 1 {
		t.Errorf("synced = %d, want 1", result.Synced)
	}

	calls := mutator.calls()
	if len(calls) != 1 {
		t.Fatalf("remote calls = %d, want exactly 1", len(calls))
	}
	if !strings.Contains(calls[0], `"farm_id":"f1"`) || !strings.Contains(calls[0], `"liters":12`) {
		t.Errorf("payload = %s, want farm f1 with 12 liters", calls[0])
	}

	if tracker.last("opt-1") != "synced" {
		t.Errorf("record state = %s, want synced", tracker.last("opt-1"))
	}

	items, err := q.PeekAll()
	if err != nil {
		t.Fatalf("PeekAll failed: %v", err)
	}
	if len(items) != 0 {
		t.Error("queue should be empty after reconciliation")
	}
}

// One item's failure never aborts the rest of the drain.
func TestDrainIsolatesFailures(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{errFor: func(payload string) error {
		if strings.Contains(payload, `"note":"bad"`) {
			return errors.New("connection reset")
		}
		return nil
	}}
	s := New(Config{Queue: q, Mutator: mutator})

	if _, err := q.Enqueue(expense("bad"), ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(expense("good"), ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := s.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if result.Attempted != 2 {
		t.Errorf("attempted = %d, want 2", result.Attempted)
	}
	if result.Synced != 1 {
		t.Errorf("synced = %d, want 1", result.Synced)
	}
	if result.Retried != 1 {
		t.Errorf("retried = %d, want 1", result.Retried)
	}
}

func TestPermanentRejectionDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{errFor: func(string) error {
		return &remote.PermanentError{Reason: "invalid foreign key"}
	}}
	tracker := newSpyTracker()
	s := New(Config{Queue: q, Mutator: mutator, Tracker: tracker})

	if _, err := q.Enqueue(expense("x"), "opt-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := s.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if result.Dead != 1 {
		t.Errorf("dead = %d, want 1", result.Dead)
	}
	if tracker.last("opt-1") != "error" {
		t.Errorf("record state = %s, want error", tracker.last("opt-1"))
	}

	// A second pass must not attempt the dead-lettered item.
	if _, err := s.SyncQueue(context.Background()); err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if got := len(mutator.calls()); got != 1 {
		t.Errorf("remote calls = %d, want 1 (no retry of permanent rejection)", got)
	}

	dead, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dead))
	}
}

func TestConflictRetainsForReconciliation(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{errFor: func(string) error {
		return &remote.ConflictError{Reason: "concurrent edit"}
	}}
	tracker := newSpyTracker()
	s := New(Config{Queue: q, Mutator: mutator, Tracker: tracker})

	if _, err := q.Enqueue(expense("x"), "opt-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := s.SyncQueue(context.Background()); err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}

	if tracker.last("opt-1") != "conflict" {
		t.Errorf("record state = %s, want conflict", tracker.last("opt-1"))
	}

	// Conflicts land in the dead-letter set for manual resolution.
	dead, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 {
		t.Errorf("dead letters = %d, want 1 retained conflict", len(dead))
	}
}

func TestVoiceNoteDispatch(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{}
	audio := &fakeAudio{}
	s := New(Config{Queue: q, Mutator: mutator, Audio: audio})

	blob, err := q.EnqueueAudio("f1", "opt-1", []byte{0xAA, 0xBB}, "audio/ogg", 2000)
	if err != nil {
		t.Fatalf("EnqueueAudio failed: %v", err)
	}
	note := models.VoiceNote{FarmID: "f1", AudioID: blob.ID, RecordedAt: time.Now().Unix()}
	if _, err := q.Enqueue(note, "opt-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := s.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if result.Synced != 1 {
		t.Errorf("synced = %d, want 1", result.Synced)
	}

	audio.mu.Lock()
	submitted := len(audio.blobs)
	audio.mu.Unlock()
	if submitted != 1 {
		t.Fatalf("submitted blobs = %d, want 1", submitted)
	}

	// Blob removed after submission.
	remaining, err := q.Audio(blob.ID)
	if err != nil {
		t.Fatalf("Audio failed: %v", err)
	}
	if remaining != nil {
		t.Error("audio blob should be removed after submission")
	}
}

func TestVoiceNoteMissingBlobIsPermanent(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{}
	audio := &fakeAudio{}
	s := New(Config{Queue: q, Mutator: mutator, Audio: audio})

	note := models.VoiceNote{FarmID: "f1", AudioID: "expired-blob"}
	if _, err := q.Enqueue(note, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := s.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if result.Dead != 1 {
		t.Errorf("dead = %d, want 1 for missing blob", result.Dead)
	}
}

func TestUndecodablePayloadDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	mutator := &spyMutator{}
	s := New(Config{Queue: q, Mutator: mutator})

	item, err := q.Enqueue(expense("x"), "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Corrupt the stored kind so it no longer decodes.
	item.Kind = "no_such_kind"

	result := &Result{}
	s.processItem(context.Background(), item, result)

	if result.Dead != 1 {
		t.Errorf("dead = %d, want 1 for undecodable item", result.Dead)
	}
	if got := len(mutator.calls()); got != 0 {
		t.Errorf("remote calls = %d, want 0", got)
	}
}
