package models

import (
	"time"

	"github.com/google/uuid"
)

// Job is one schedulable unit of work inside a pipeline.
type Job struct {
	ID             uuid.UUID         `json:"id"`
	PipelineID     uuid.UUID         `json:"pipeline_id"`
	Name           string            `json:"name"`
	Stage          string            `json:"stage"`
	StageIndex     int               `json:"stage_index"`
	Position       int               `json:"position"`
	Image          string            `json:"image"`
	Script         []string          `json:"script"`
	Env            map[string]string `json:"env"`
	Needs          []string          `json:"needs"`
	Tags           []string          `json:"tags"`
	ArtifactPaths  []string          `json:"artifact_paths"`
	Status         Status            `json:"status"`
	Retries        int               `json:"retries"`
	MaxRetries     int               `json:"max_retries"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	When           When              `json:"when"`
	AllowFailure   bool              `json:"allow_failure"`
	StartInSeconds int               `json:"start_in_seconds,omitempty"`
	ManualReleased bool              `json:"manual_released"`
	RuleHint       string            `json:"rule_hint,omitempty"`
	RunnerID       *uuid.UUID        `json:"runner_id,omitempty"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Candidate is a queued job together with the facts the lease scan needs
// from its pipeline.
type Candidate struct {
	Job               *Job
	RepositoryID      string
	CommitSHA         string
	PipelineCreatedAt time.Time
	CIContext         map[string]string
}

// JobDescriptor is handed to a runner when it leases a job.
type JobDescriptor struct {
	JobID         uuid.UUID         `json:"job_id"`
	PipelineID    uuid.UUID         `json:"pipeline_id"`
	RepositoryID  string            `json:"repository_id"`
	Workspace     string            `json:"workspace"`
	CommitSHA     string            `json:"commit_sha,omitempty"`
	Image         string            `json:"image"`
	Script        []string          `json:"script"`
	Env           map[string]string `json:"env"`
	ArtifactPaths []string          `json:"artifact_paths,omitempty"`
	TimeoutSecs   int               `json:"timeout_seconds,omitempty"`
}
