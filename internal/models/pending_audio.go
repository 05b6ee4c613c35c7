package models

// PendingAudio is a recorded voice note awaiting transcription upload.
// Audio blobs carry a shorter retention window than text mutations because
// they are costly to keep around for abandoned sessions.
type PendingAudio struct {
	ID           string `db:"id" json:"id"`
	FarmID       string `db:"farm_id" json:"farm_id"`
	OptimisticID string `db:"optimistic_id" json:"optimistic_id"`
	Blob         []byte `db:"blob" json:"-"`
	MimeType     string `db:"mime_type" json:"mime_type"`
	DurationMs   int64  `db:"duration_ms" json:"duration_ms"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingAudio.
func (PendingAudio) TableName() string {
	return "pending_audio"
}
