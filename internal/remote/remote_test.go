package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meadowlark/farmsync/internal/models"
)

func TestErrorClassification(t *testing.T) {
	permanent := &PermanentError{Reason: "invalid foreign key"}
	conflict := &ConflictError{Reason: "concurrent edit"}
	transient := errors.New("connection reset")

	if !IsPermanent(permanent) {
		t.Error("PermanentError not classified as permanent")
	}
	if IsPermanent(conflict) || IsPermanent(transient) {
		t.Error("non-permanent error classified as permanent")
	}

	if !IsConflict(conflict) {
		t.Error("ConflictError not classified as conflict")
	}
	if IsConflict(permanent) || IsConflict(transient) {
		t.Error("non-conflict error classified as conflict")
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("mutation failed: %w", permanent)
	if !IsPermanent(wrapped) {
		t.Error("wrapped permanent error not classified")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		conflict  bool
		transient bool
	}{
		{status: 200},
		{status: 201},
		{status: 409, conflict: true},
		{status: 400, permanent: true},
		{status: 422, permanent: true},
		{status: 500, transient: true},
		{status: 503, transient: true},
	}

	for _, tt := range tests {
		err := classifyStatus(tt.status, []byte("detail"))
		switch {
		case tt.conflict:
			if !IsConflict(err) {
				t.Errorf("status %d: want conflict, got %v", tt.status, err)
			}
		case tt.permanent:
			if !IsPermanent(err) {
				t.Errorf("status %d: want permanent, got %v", tt.status, err)
			}
		case tt.transient:
			if err == nil || IsPermanent(err) || IsConflict(err) {
				t.Errorf("status %d: want transient error, got %v", tt.status, err)
			}
		default:
			if err != nil {
				t.Errorf("status %d: want nil, got %v", tt.status, err)
			}
		}
	}
}

func TestPerformMutationSuccess(t *testing.T) {
	var gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		json.NewEncoder(w).Encode(Result{ID: "server-42"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	result, err := client.PerformMutation(context.Background(),
		models.MutationExpenseEntry, "f1", json.RawMessage(`{"amount":10}`))
	if err != nil {
		t.Fatalf("PerformMutation failed: %v", err)
	}

	if result.ID != "server-42" {
		t.Errorf("result id = %s, want server-42", result.ID)
	}
	if gotPath != "/farms/f1/mutations/expense_entry" {
		t.Errorf("path = %s, want /farms/f1/mutations/expense_entry", gotPath)
	}
	if gotBody != `{"amount":10}` {
		t.Errorf("body = %s, want raw payload", gotBody)
	}
}

func TestPerformMutationConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "edited elsewhere", http.StatusConflict)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	_, err := client.PerformMutation(context.Background(),
		models.MutationExpenseEntry, "f1", json.RawMessage(`{}`))
	if !IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestFetchCollectionFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") != "100" {
			t.Errorf("missing since filter, query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"a":1},{"a":2}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	rows, err := client.FetchCollection(context.Background(),
		models.EntityExpenses, "f1", map[string]string{"since": "100"})
	if err != nil {
		t.Fatalf("FetchCollection failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
}

func TestDecodeChange(t *testing.T) {
	event, err := DecodeChange([]byte(`{"type":"change","data":{"entity_kind":"expenses","farm_id":"f1","op":"insert"}}`))
	if err != nil {
		t.Fatalf("DecodeChange failed: %v", err)
	}
	if event == nil {
		t.Fatal("expected an event")
	}
	if event.EntityKind != models.EntityExpenses || event.FarmID != "f1" || event.Op != "insert" {
		t.Errorf("event = %+v", event)
	}
}

func TestDecodeChangeNonChangeType(t *testing.T) {
	event, err := DecodeChange([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("DecodeChange failed: %v", err)
	}
	if event != nil {
		t.Errorf("non-change envelope should decode to nil, got %+v", event)
	}
}

func TestDecodeChangeMalformed(t *testing.T) {
	if _, err := DecodeChange([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed envelope")
	}
	if _, err := DecodeChange([]byte(`{"type":"change","data":{"op":"insert"}}`)); err == nil {
		t.Error("expected error for change event missing entity kind and farm id")
	}
}
