// Package remote defines the narrow contract to the hosted backend.
//
// The core only ever talks to the server through these interfaces: a typed
// mutation call, a tenant-scoped collection read, and a change feed used
// purely as a cache-invalidation signal. Everything behind them (transport,
// auth, the database's own guarantees) is an external collaborator.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meadowlark/farmsync/internal/models"
)

// Result is the canonical server-assigned record returned on success.
type Result struct {
	ID     string          `json:"id"`
	Record json.RawMessage `json:"record,omitempty"`
}

// Mutator performs remote mutations against named record collections.
// Implementations must return an error for any failure the queue should
// retry, and a Result with the server-assigned record on success.
type Mutator interface {
	PerformMutation(ctx context.Context, kind models.MutationKind, farmID string, payload json.RawMessage) (*Result, error)
}

// Querier reads tenant-scoped collections to populate the local cache.
type Querier interface {
	FetchCollection(ctx context.Context, kind models.EntityKind, farmID string, filters map[string]string) ([]json.RawMessage, error)
}

// AudioSubmitter uploads a voice blob for transcription.
type AudioSubmitter interface {
	SubmitAudio(ctx context.Context, farmID string, blob []byte, mimeType string) (*Result, error)
}

// PermanentError marks a server rejection that will not change on retry,
// e.g. a validation or business-rule failure. The queue must not retry it.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanently rejected: %s", e.Reason)
}

// ConflictError marks a concurrent-edit rejection. Distinct from a plain
// failure: the optimistic record is retained for reconciliation.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// IsPermanent reports whether err is a rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsConflict reports whether err is a concurrent-edit conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
