// Package scheduler hands queued jobs to runners and enforces job
// timeouts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/lifecycle"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// Config controls the lease scan.
type Config struct {
	// WorkspaceRoot is joined with the repository id to form the
	// descriptor's workspace.
	WorkspaceRoot string
	// ScanLimit is the page size of the lease scan.
	ScanLimit int
}

// Manager is the lease manager. It keeps no state between calls.
type Manager struct {
	store store.Store
	cache lifecycle.StatusCache
	clock clock.Clock
	cfg   Config
}

// NewManager creates a Manager. c may be nil.
func NewManager(s store.Store, c lifecycle.StatusCache, clk clock.Clock, cfg Config) *Manager {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 200
	}
	return &Manager{store: s, cache: c, clock: clk, cfg: cfg}
}

// Lease claims the first ready job the runner can take and returns its
// descriptor. It returns nil, nil when nothing is ready. tags replaces the
// runner's stored tag set.
func (m *Manager) Lease(ctx context.Context, runner *models.Runner, tags []string) (*models.JobDescriptor, error) {
	now := m.clock.Now()
	if tags == nil {
		tags = []string{}
	}
	if err := m.store.TouchRunner(ctx, runner.ID, tags, now); err != nil {
		return nil, fmt.Errorf("touching runner: %w", err)
	}

	siblings := map[uuid.UUID]map[string]models.Status{}
	var after *store.LeaseCursor
	for {
		page, err := m.store.ListLeaseCandidates(ctx, after, m.cfg.ScanLimit)
		if err != nil {
			return nil, fmt.Errorf("listing candidates: %w", err)
		}
		desc, err := m.claimFirst(ctx, runner, tags, page, siblings, now)
		if desc != nil || err != nil {
			return desc, err
		}
		if len(page) < m.cfg.ScanLimit {
			return nil, nil
		}
		after = store.CursorAt(page[len(page)-1])
	}
}

// claimFirst claims the first ready candidate of one scan page. siblings
// caches pipeline job statuses across pages.
func (m *Manager) claimFirst(ctx context.Context, runner *models.Runner, tags []string, page []*models.Candidate, siblings map[uuid.UUID]map[string]models.Status, now time.Time) (*models.JobDescriptor, error) {
	for _, c := range page {
		if !gateOpen(c, now) || !hasTags(tags, c.Job.Tags) {
			continue
		}
		if len(c.Job.Needs) > 0 {
			statuses, ok := siblings[c.Job.PipelineID]
			if !ok {
				var err error
				statuses, err = m.jobStatuses(ctx, c.Job.PipelineID)
				if err != nil {
					return nil, err
				}
				siblings[c.Job.PipelineID] = statuses
			}
			if !needsMet(c.Job.Needs, statuses) {
				continue
			}
		}

		err := m.store.ClaimJob(ctx, c.Job.ID, runner.ID, now)
		if errors.Is(err, store.ErrClaimLost) {
			slog.Debug("lost job claim, trying next candidate", "job_id", c.Job.ID, "runner_id", runner.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}

		lifecycle.MirrorStatus(ctx, m.cache, c.Job.ID, models.StatusRunning)
		slog.Info("job leased",
			"job_id", c.Job.ID,
			"job_name", c.Job.Name,
			"pipeline_id", c.Job.PipelineID,
			"runner_id", runner.ID,
		)
		return m.describe(c), nil
	}
	return nil, nil
}

func (m *Manager) jobStatuses(ctx context.Context, pipelineID uuid.UUID) (map[string]models.Status, error) {
	jobs, err := m.store.ListJobs(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("listing pipeline jobs: %w", err)
	}
	out := make(map[string]models.Status, len(jobs))
	for _, j := range jobs {
		out[j.Name] = j.Status
	}
	return out, nil
}

// gateOpen applies the manual and delayed readiness gates.
func gateOpen(c *models.Candidate, now time.Time) bool {
	switch c.Job.When {
	case models.WhenManual:
		return c.Job.ManualReleased
	case models.WhenDelayed:
		ready := c.PipelineCreatedAt.Add(time.Duration(c.Job.StartInSeconds) * time.Second)
		return !now.Before(ready)
	}
	return true
}

func needsMet(needs []string, statuses map[string]models.Status) bool {
	for _, n := range needs {
		if statuses[n] != models.StatusSuccess {
			return false
		}
	}
	return true
}

// hasTags reports whether the runner offers every tag the job requires.
func hasTags(offered, required []string) bool {
	for _, t := range required {
		if !slices.Contains(offered, t) {
			return false
		}
	}
	return true
}

func (m *Manager) describe(c *models.Candidate) *models.JobDescriptor {
	j := c.Job
	env := maps.Clone(j.Env)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, c.CIContext)
	env["CI_JOB_ID"] = j.ID.String()
	env["CI_JOB_NAME"] = j.Name
	env["CI_JOB_STAGE"] = j.Stage

	return &models.JobDescriptor{
		JobID:         j.ID,
		PipelineID:    j.PipelineID,
		RepositoryID:  c.RepositoryID,
		Workspace:     path.Join(m.cfg.WorkspaceRoot, path.Clean("/"+c.RepositoryID)),
		CommitSHA:     c.CommitSHA,
		Image:         j.Image,
		Script:        slices.Clone(j.Script),
		Env:           env,
		ArtifactPaths: slices.Clone(j.ArtifactPaths),
		TimeoutSecs:   j.TimeoutSeconds,
	}
}
