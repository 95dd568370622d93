package models

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline is one triggered run of a repository's CI definition.
type Pipeline struct {
	ID           uuid.UUID         `json:"id"`
	RepositoryID string            `json:"repository_id"`
	CommitSHA    string            `json:"commit_sha,omitempty"`
	Ref          string            `json:"ref,omitempty"`
	Source       Source            `json:"source"`
	Status       Status            `json:"status"`
	ActorID      string            `json:"actor_id,omitempty"`
	CIContext    map[string]string `json:"ci_context"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`

	Jobs []*Job `json:"jobs,omitempty"`
}
