package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// StatusTTL bounds how long a mirrored job status lives in the cache.
const StatusTTL = 10 * time.Minute

// StatusCache mirrors job statuses for cheap cancellation checks.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// MirrorStatus records status in c. Cache failures are logged and
// otherwise ignored; readers fall back to the store.
func MirrorStatus(ctx context.Context, c StatusCache, jobID uuid.UUID, status models.Status) {
	if c == nil {
		return
	}
	if err := c.SetJobStatus(ctx, jobID, string(status), StatusTTL); err != nil {
		slog.Warn("failed to cache job status", "job_id", jobID, "status", status, "error", err)
	}
}

// Settler recomputes a pipeline from the current statuses of its jobs.
// Settle is safe to call any number of times and from concurrent callers.
type Settler struct {
	store store.Store
	cache StatusCache
	clock clock.Clock
}

// NewSettler creates a Settler. c may be nil.
func NewSettler(s store.Store, c StatusCache, clk clock.Clock) *Settler {
	return &Settler{store: s, cache: c, clock: clk}
}

// Outcome describes what a Settle call changed.
type Outcome struct {
	Canceled []uuid.UUID
	Status   models.Status
	Done     bool
}

// Settle cancels queued jobs whose dependencies can no longer succeed and,
// once every job is terminal, finalizes the pipeline. A pipeline that is
// already terminal keeps its status.
func (s *Settler) Settle(ctx context.Context, pipelineID uuid.UUID) (*Outcome, error) {
	jobs, err := s.store.ListJobs(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	now := s.clock.Now()
	out := &Outcome{Canceled: Cascade(jobs)}
	if len(out.Canceled) > 0 {
		if _, err := s.store.CancelJobs(ctx, out.Canceled, now); err != nil {
			return nil, fmt.Errorf("canceling dependents: %w", err)
		}
		canceled := make(map[uuid.UUID]bool, len(out.Canceled))
		for _, id := range out.Canceled {
			canceled[id] = true
			MirrorStatus(ctx, s.cache, id, models.StatusCanceled)
		}
		for _, j := range jobs {
			if canceled[j.ID] {
				j.Status = models.StatusCanceled
			}
		}
		slog.Info("canceled jobs with failed dependencies",
			"pipeline_id", pipelineID, "count", len(out.Canceled))
	}

	out.Status, out.Done = Aggregate(jobs)
	if !out.Done {
		return out, nil
	}

	changed, err := s.store.FinalizePipeline(ctx, pipelineID, out.Status, now)
	if err != nil {
		return nil, fmt.Errorf("finalizing pipeline: %w", err)
	}
	if changed {
		slog.Info("pipeline settled", "pipeline_id", pipelineID, "status", out.Status)
	}
	return out, nil
}
