package models

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is a file produced by a job and retained after it finishes.
type Artifact struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentPath string    `json:"-"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"created_at"`
}
