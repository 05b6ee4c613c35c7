package models

import (
	"encoding/json"
	"fmt"
)

// MutationKind discriminates the mutation variants a farm client can queue.
type MutationKind string

const (
	MutationMilkRecordBatch MutationKind = "milk_record_batch"
	MutationFeedTransaction MutationKind = "feed_transaction"
	MutationExpenseEntry    MutationKind = "expense_entry"
	MutationHealthEvent     MutationKind = "health_event"
	MutationVoiceNote       MutationKind = "voice_note"
)

// Mutation is one farm-data change a client wants applied remotely.
// Each variant carries its own strongly-typed payload; the sync processor
// dispatches on Kind with an exhaustive switch.
type Mutation interface {
	Kind() MutationKind
	Farm() string
}

// MilkRecordBatch records milking output for one or more animals in a session.
type MilkRecordBatch struct {
	FarmID     string       `json:"farm_id"`
	SessionID  string       `json:"session_id"`
	RecordedAt int64        `json:"recorded_at"`
	Records    []MilkRecord `json:"records"`
}

// MilkRecord is one animal's measurement within a batch.
type MilkRecord struct {
	AnimalID string  `json:"animal_id"`
	Liters   float64 `json:"liters"`
	Shift    string  `json:"shift"` // morning, evening
}

func (m MilkRecordBatch) Kind() MutationKind { return MutationMilkRecordBatch }
func (m MilkRecordBatch) Farm() string       { return m.FarmID }

// FeedTransaction records feed stock movement (purchase or consumption).
type FeedTransaction struct {
	FarmID     string  `json:"farm_id"`
	FeedType   string  `json:"feed_type"`
	QuantityKg float64 `json:"quantity_kg"`
	Direction  string  `json:"direction"` // in, out
	UnitCost   float64 `json:"unit_cost,omitempty"`
	RecordedAt int64   `json:"recorded_at"`
}

func (m FeedTransaction) Kind() MutationKind { return MutationFeedTransaction }
func (m FeedTransaction) Farm() string       { return m.FarmID }

// ExpenseEntry records a farm expense.
type ExpenseEntry struct {
	FarmID     string  `json:"farm_id"`
	Category   string  `json:"category"`
	Amount     float64 `json:"amount"`
	Note       string  `json:"note,omitempty"`
	RecordedAt int64   `json:"recorded_at"`
}

func (m ExpenseEntry) Kind() MutationKind { return MutationExpenseEntry }
func (m ExpenseEntry) Farm() string       { return m.FarmID }

// HealthEvent records a treatment or observation for an animal.
type HealthEvent struct {
	FarmID     string `json:"farm_id"`
	AnimalID   string `json:"animal_id"`
	EventType  string `json:"event_type"` // vaccination, treatment, observation
	Detail     string `json:"detail,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

func (m HealthEvent) Kind() MutationKind { return MutationHealthEvent }
func (m HealthEvent) Farm() string       { return m.FarmID }

// VoiceNote references a pending audio blob awaiting transcription.
// The blob itself lives in the pending_audio table; the mutation only
// carries its id so the text queue stays small.
type VoiceNote struct {
	FarmID     string `json:"farm_id"`
	AudioID    string `json:"audio_id"`
	RecordedAt int64  `json:"recorded_at"`
}

func (m VoiceNote) Kind() MutationKind { return MutationVoiceNote }
func (m VoiceNote) Farm() string       { return m.FarmID }

// MarshalMutation serializes a mutation payload for queue storage.
func MarshalMutation(m Mutation) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s mutation: %w", m.Kind(), err)
	}
	return data, nil
}

// UnmarshalMutation reconstructs a typed mutation from a queue row.
func UnmarshalMutation(kind MutationKind, payload json.RawMessage) (Mutation, error) {
	switch kind {
	case MutationMilkRecordBatch:
		var m MilkRecordBatch
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		return m, nil
	case MutationFeedTransaction:
		var m FeedTransaction
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		return m, nil
	case MutationExpenseEntry:
		var m ExpenseEntry
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		return m, nil
	case MutationHealthEvent:
		var m HealthEvent
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		return m, nil
	case MutationVoiceNote:
		var m VoiceNote
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown mutation kind: %q", kind)
	}
}
