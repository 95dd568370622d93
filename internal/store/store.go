package store

import (
	"cmp"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrClaimLost is returned by ClaimJob when another caller claimed the job
// first or it left the queued state.
var ErrClaimLost = errors.New("job claim lost")

// ErrInvalidTransition is returned when a conditional status update finds
// the row in a state that does not permit it.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
// Every status mutation is a single conditional update guarded by the
// current status, so concurrent callers cannot both succeed.
type Store interface {
	Ping(ctx context.Context) error

	// CreatePipeline persists the pipeline and all of its jobs atomically.
	CreatePipeline(ctx context.Context, p *models.Pipeline, jobs []*models.Job) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*models.Pipeline, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.Pipeline, int, error)
	// FinalizePipeline sets a terminal status on a queued or running pipeline.
	// It reports false when the pipeline was already terminal.
	FinalizePipeline(ctx context.Context, id uuid.UUID, status models.Status, at time.Time) (bool, error)
	// CancelPipeline cancels a non-terminal pipeline and all of its
	// non-terminal jobs. It reports false when the pipeline was already terminal.
	CancelPipeline(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, pipelineID uuid.UUID) ([]*models.Job, error)
	// ListLeaseCandidates returns queued jobs of active pipelines, oldest
	// pipeline first, then stage order, then declaration order. A non-nil
	// after resumes the scan past that position.
	ListLeaseCandidates(ctx context.Context, after *LeaseCursor, limit int) ([]*models.Candidate, error)
	// ClaimJob moves a queued job to running for runnerID and its pipeline
	// from queued to running. Returns ErrClaimLost if the job was not queued.
	ClaimJob(ctx context.Context, jobID, runnerID uuid.UUID, at time.Time) error
	// FinishJob settles a running job leased by runnerID.
	FinishJob(ctx context.Context, params FinishJobParams) error
	// RequeueJob returns a running job with retries left to the queue and
	// increments its retry counter.
	RequeueJob(ctx context.Context, jobID, runnerID uuid.UUID, at time.Time) error
	// CancelJobs cancels the listed jobs that are not yet terminal and
	// returns how many changed.
	CancelJobs(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error)
	// ReleaseManualJob marks a queued manual job as released.
	ReleaseManualJob(ctx context.Context, jobID uuid.UUID, at time.Time) error
	// ListTimedOutJobs returns running jobs whose timeout elapsed before now.
	ListTimedOutJobs(ctx context.Context, now time.Time) ([]*models.Job, error)

	AppendLogChunk(ctx context.Context, chunk *models.LogChunk) error
	// ListLogChunks returns chunks ordered by seq, ties broken by arrival.
	ListLogChunks(ctx context.Context, jobID uuid.UUID) ([]*models.LogChunk, error)

	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*models.Artifact, error)

	// GetRunnersByTokenPrefix returns active and disabled runners alike.
	GetRunnersByTokenPrefix(ctx context.Context, prefix string) ([]*models.Runner, error)
	ListRunners(ctx context.Context) ([]*models.Runner, error)
	GetRunner(ctx context.Context, id uuid.UUID) (*models.Runner, error)
	CreateRunner(ctx context.Context, r *models.Runner) error
	TouchRunner(ctx context.Context, id uuid.UUID, tags []string, at time.Time) error
	SetRunnerActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error
}

type PipelineFilter struct {
	RepositoryID string
	Status       models.Status
	Page         int
	Limit        int
}

// FinishJobParams describes a terminal settlement of a running job.
type FinishJobParams struct {
	JobID    uuid.UUID
	RunnerID uuid.UUID
	Status   models.Status
	ExitCode *int
	At       time.Time
}

// LeaseCursor is a position in lease candidate order.
type LeaseCursor struct {
	PipelineCreatedAt time.Time
	PipelineID        uuid.UUID
	StageIndex        int
	Position          int
}

// CursorAt returns the cursor positioned on c.
func CursorAt(c *models.Candidate) *LeaseCursor {
	return &LeaseCursor{
		PipelineCreatedAt: c.PipelineCreatedAt,
		PipelineID:        c.Job.PipelineID,
		StageIndex:        c.Job.StageIndex,
		Position:          c.Job.Position,
	}
}

func (a LeaseCursor) compare(b LeaseCursor) int {
	if c := a.PipelineCreatedAt.Compare(b.PipelineCreatedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.PipelineID.String(), b.PipelineID.String()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.StageIndex, b.StageIndex); c != 0 {
		return c
	}
	return cmp.Compare(a.Position, b.Position)
}

// normalizePage clamps pagination the same way for every implementation.
func normalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit
}
