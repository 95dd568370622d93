package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/lifecycle"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
	"github.com/robfig/cron/v3"
)

// Sweeper cancels running jobs that outlived their timeout. The runner
// observes the cancellation on its next status check.
type Sweeper struct {
	store   store.Store
	settler *lifecycle.Settler
	cache   lifecycle.StatusCache
	clock   clock.Clock
	cron    *cron.Cron
}

// NewSweeper creates a Sweeper. c may be nil.
func NewSweeper(s store.Store, settler *lifecycle.Settler, c lifecycle.StatusCache, clk clock.Clock) *Sweeper {
	return &Sweeper{
		store:   s,
		settler: settler,
		cache:   c,
		clock:   clk,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Sweep runs one pass and returns how many jobs it canceled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.ListTimedOutJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing timed out jobs: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(expired))
	for _, j := range expired {
		ids = append(ids, j.ID)
	}
	canceled, err := s.store.CancelJobs(ctx, ids, now)
	if err != nil {
		return 0, fmt.Errorf("canceling timed out jobs: %w", err)
	}

	var pipelines []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, j := range expired {
		slog.Info("job timed out",
			"job_id", j.ID,
			"pipeline_id", j.PipelineID,
			"timeout_seconds", j.TimeoutSeconds,
		)
		lifecycle.MirrorStatus(ctx, s.cache, j.ID, models.StatusCanceled)
		if !seen[j.PipelineID] {
			seen[j.PipelineID] = true
			pipelines = append(pipelines, j.PipelineID)
		}
	}

	for _, id := range pipelines {
		if _, err := s.settler.Settle(ctx, id); err != nil {
			slog.Error("failed to settle pipeline after timeout", "pipeline_id", id, "error", err)
		}
	}
	return canceled, nil
}

// Start schedules Sweep every interval. A pass still running when the
// next is due is skipped.
func (s *Sweeper) Start(interval time.Duration) error {
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("timeout sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and returns a context that is done once any
// running pass has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}
