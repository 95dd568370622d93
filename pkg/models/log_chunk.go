package models

import (
	"time"

	"github.com/google/uuid"
)

// LogChunk is an append-only fragment of job output.
type LogChunk struct {
	ID        int64     `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	Seq       int64     `json:"seq"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
