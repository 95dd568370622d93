// Package ingest accepts job output and status reports from runners and
// serves the job read paths.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/artifact"
	"github.com/kiranshivaraju/ciengine/internal/cache"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/lifecycle"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// ErrRunnerMismatch is returned when a runner reports on a job leased by
// another runner.
var ErrRunnerMismatch = errors.New("job is leased by another runner")

// ErrInvalidStatus is returned for a report whose status is not terminal.
var ErrInvalidStatus = errors.New("reported status must be success, failed or canceled")

// ErrInvalidSeq is returned for a negative log sequence number.
var ErrInvalidSeq = errors.New("log sequence must not be negative")

// Service implements the runner-facing ingestion operations.
type Service struct {
	store     store.Store
	cache     cache.Cache
	settler   *lifecycle.Settler
	artifacts *artifact.Store
	clock     clock.Clock

	followPoll time.Duration
}

// NewService creates a Service. c may be nil.
func NewService(s store.Store, c cache.Cache, settler *lifecycle.Settler, artifacts *artifact.Store, clk clock.Clock) *Service {
	return &Service{
		store:      s,
		cache:      c,
		settler:    settler,
		artifacts:  artifacts,
		clock:      clk,
		followPoll: defaultFollowPoll,
	}
}

// ReportStatus records the outcome of a job attempt. A failure with
// retries left requeues the job instead of settling it. Reports for a job
// that is already terminal are acknowledged without effect.
func (s *Service) ReportStatus(ctx context.Context, runner *models.Runner, jobID uuid.UUID, status models.Status, exitCode *int) (*models.Job, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidStatus, status)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	if job.Status != models.StatusRunning {
		return nil, fmt.Errorf("job is %s: %w", job.Status, store.ErrInvalidTransition)
	}
	if job.RunnerID == nil || *job.RunnerID != runner.ID {
		return nil, ErrRunnerMismatch
	}

	now := s.clock.Now()
	if status == models.StatusFailed && job.Retries < job.MaxRetries {
		err := s.store.RequeueJob(ctx, jobID, runner.ID, now)
		if err == nil {
			lifecycle.MirrorStatus(ctx, s.cache, jobID, models.StatusQueued)
			slog.Info("job requeued for retry",
				"job_id", jobID,
				"attempt", job.Retries+1,
				"max_retries", job.MaxRetries,
			)
			return s.store.GetJob(ctx, jobID)
		}
		if !errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("requeueing job: %w", err)
		}
		return s.settledConcurrently(ctx, jobID, err)
	}

	err = s.store.FinishJob(ctx, store.FinishJobParams{
		JobID:    jobID,
		RunnerID: runner.ID,
		Status:   status,
		ExitCode: exitCode,
		At:       now,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		return s.settledConcurrently(ctx, jobID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("finishing job: %w", err)
	}
	lifecycle.MirrorStatus(ctx, s.cache, jobID, status)
	slog.Info("job finished", "job_id", jobID, "status", status, "runner_id", runner.ID)

	if _, err := s.settler.Settle(ctx, job.PipelineID); err != nil {
		return nil, fmt.Errorf("settling pipeline: %w", err)
	}
	return s.store.GetJob(ctx, jobID)
}

// settledConcurrently handles a conditional update that lost to a cancel
// or sweep. If the job is now terminal the report is a no-op.
func (s *Service) settledConcurrently(ctx context.Context, jobID uuid.UUID, cause error) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	return nil, cause
}

// CancelPipeline cancels the pipeline and every job that has not finished.
// Running jobs stop when their runner next checks the job status.
// Canceling a finished pipeline returns it unchanged.
func (s *Service) CancelPipeline(ctx context.Context, pipelineID uuid.UUID) (*models.Pipeline, error) {
	before, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	changed, err := s.store.CancelPipeline(ctx, pipelineID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("canceling pipeline: %w", err)
	}
	if changed {
		for _, j := range before.Jobs {
			if !j.Status.IsTerminal() {
				lifecycle.MirrorStatus(ctx, s.cache, j.ID, models.StatusCanceled)
			}
		}
		slog.Info("pipeline canceled", "pipeline_id", pipelineID)
	}
	return s.store.GetPipeline(ctx, pipelineID)
}

// PlayJob releases a queued manual job so it can be leased.
func (s *Service) PlayJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	if err := s.store.ReleaseManualJob(ctx, jobID, s.clock.Now()); err != nil {
		return nil, err
	}
	slog.Info("manual job released", "job_id", jobID)
	return s.store.GetJob(ctx, jobID)
}

// JobStatus answers the runner's cancellation check. A cached terminal
// status is final and answered directly. Any other cached value may have
// been overwritten out of order, so the store decides.
func (s *Service) JobStatus(ctx context.Context, jobID uuid.UUID) (models.Status, error) {
	if s.cache != nil {
		if v, found, err := s.cache.GetJobStatus(ctx, jobID); err == nil && found {
			if status := models.Status(v); status.Valid() && status.IsTerminal() {
				return status, nil
			}
		}
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	lifecycle.MirrorStatus(ctx, s.cache, jobID, job.Status)
	return job.Status, nil
}

func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) GetPipeline(ctx context.Context, pipelineID uuid.UUID) (*models.Pipeline, error) {
	return s.store.GetPipeline(ctx, pipelineID)
}

func (s *Service) ListPipelines(ctx context.Context, filter store.PipelineFilter) ([]*models.Pipeline, int, error) {
	return s.store.ListPipelines(ctx, filter)
}
