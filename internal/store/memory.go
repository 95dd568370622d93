package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// MemoryStore is an in-process Store used by tests and single-node
// development setups. It applies the same conditional transitions as
// PostgresStore under one mutex.
type MemoryStore struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]*models.Pipeline
	jobs      map[uuid.UUID]*models.Job
	chunks    map[uuid.UUID][]*models.LogChunk
	artifacts map[uuid.UUID]*models.Artifact
	runners   map[uuid.UUID]*models.Runner
	nextChunk int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: map[uuid.UUID]*models.Pipeline{},
		jobs:      map[uuid.UUID]*models.Job{},
		chunks:    map[uuid.UUID][]*models.LogChunk{},
		artifacts: map[uuid.UUID]*models.Artifact{},
		runners:   map[uuid.UUID]*models.Runner{},
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func copyPipeline(p *models.Pipeline) *models.Pipeline {
	c := *p
	c.CIContext = maps.Clone(p.CIContext)
	c.Jobs = nil
	return &c
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Script = slices.Clone(j.Script)
	c.Env = maps.Clone(j.Env)
	c.Needs = slices.Clone(j.Needs)
	c.Tags = slices.Clone(j.Tags)
	c.ArtifactPaths = slices.Clone(j.ArtifactPaths)
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

// --- Pipelines ---

func (m *MemoryStore) CreatePipeline(_ context.Context, p *models.Pipeline, jobs []*models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[p.ID]; ok {
		return ErrDuplicateKey
	}
	names := map[string]bool{}
	for _, j := range jobs {
		if _, ok := m.jobs[j.ID]; ok || names[j.Name] {
			return ErrDuplicateKey
		}
		names[j.Name] = true
	}

	m.pipelines[p.ID] = copyPipeline(p)
	for _, j := range jobs {
		m.jobs[j.ID] = copyJob(j)
	}
	return nil
}

func (m *MemoryStore) GetPipeline(_ context.Context, id uuid.UUID) (*models.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyPipeline(p)
	out.Jobs = m.jobsOf(id)
	return out, nil
}

func (m *MemoryStore) ListPipelines(_ context.Context, filter PipelineFilter) ([]*models.Pipeline, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Pipeline
	for _, p := range m.pipelines {
		if filter.RepositoryID != "" && p.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		matched = append(matched, copyPipeline(p))
	}
	slices.SortFunc(matched, func(a, b *models.Pipeline) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	page, limit := normalizePage(filter.Page, filter.Limit)
	start := min((page-1)*limit, len(matched))
	end := min(start+limit, len(matched))
	return matched[start:end], len(matched), nil
}

func (m *MemoryStore) FinalizePipeline(_ context.Context, id uuid.UUID, status models.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status.IsTerminal() {
		return false, nil
	}
	p.Status = status
	p.FinishedAt = timePtr(at)
	p.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) CancelPipeline(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status.IsTerminal() {
		return false, nil
	}
	p.Status = models.StatusCanceled
	p.FinishedAt = timePtr(at)
	p.UpdatedAt = at
	for _, j := range m.jobs {
		if j.PipelineID == id && !j.Status.IsTerminal() {
			cancelJob(j, at)
		}
	}
	return true, nil
}

// --- Jobs ---

func (m *MemoryStore) jobsOf(pipelineID uuid.UUID) []*models.Job {
	var out []*models.Job
	for _, j := range m.jobs {
		if j.PipelineID == pipelineID {
			out = append(out, copyJob(j))
		}
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		if c := cmp.Compare(a.StageIndex, b.StageIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return out
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, pipelineID uuid.UUID) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobsOf(pipelineID), nil
}

func (m *MemoryStore) ListLeaseCandidates(_ context.Context, after *LeaseCursor, limit int) ([]*models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Candidate
	for _, j := range m.jobs {
		if j.Status != models.StatusQueued {
			continue
		}
		p := m.pipelines[j.PipelineID]
		if p == nil || p.Status.IsTerminal() {
			continue
		}
		c := &models.Candidate{
			Job:               copyJob(j),
			RepositoryID:      p.RepositoryID,
			CommitSHA:         p.CommitSHA,
			PipelineCreatedAt: p.CreatedAt,
			CIContext:         maps.Clone(p.CIContext),
		}
		if after != nil && CursorAt(c).compare(*after) <= 0 {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *models.Candidate) int {
		return CursorAt(a).compare(*CursorAt(b))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, jobID, runnerID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != models.StatusQueued {
		return ErrClaimLost
	}
	j.Status = models.StatusRunning
	j.RunnerID = &runnerID
	j.StartedAt = timePtr(at)
	j.FinishedAt = nil
	j.ExitCode = nil
	j.UpdatedAt = at

	if p := m.pipelines[j.PipelineID]; p != nil && p.Status == models.StatusQueued {
		p.Status = models.StatusRunning
		if p.StartedAt == nil {
			p.StartedAt = timePtr(at)
		}
		p.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) runningJob(jobID, runnerID uuid.UUID) (*models.Job, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != models.StatusRunning || j.RunnerID == nil || *j.RunnerID != runnerID {
		return nil, ErrInvalidTransition
	}
	return j, nil
}

func (m *MemoryStore) FinishJob(_ context.Context, params FinishJobParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.runningJob(params.JobID, params.RunnerID)
	if err != nil {
		return err
	}
	j.Status = params.Status
	if params.ExitCode != nil {
		code := *params.ExitCode
		j.ExitCode = &code
	} else {
		j.ExitCode = nil
	}
	j.FinishedAt = timePtr(params.At)
	j.UpdatedAt = params.At
	return nil
}

func (m *MemoryStore) RequeueJob(_ context.Context, jobID, runnerID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.runningJob(jobID, runnerID)
	if err != nil {
		return err
	}
	if j.Retries >= j.MaxRetries {
		return ErrInvalidTransition
	}
	j.Status = models.StatusQueued
	j.Retries++
	j.RunnerID = nil
	j.StartedAt = nil
	j.ExitCode = nil
	j.UpdatedAt = at
	return nil
}

func cancelJob(j *models.Job, at time.Time) {
	j.Status = models.StatusCanceled
	j.FinishedAt = timePtr(at)
	j.UpdatedAt = at
}

func (m *MemoryStore) CancelJobs(_ context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok && !j.Status.IsTerminal() {
			cancelJob(j, at)
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) ReleaseManualJob(_ context.Context, jobID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != models.StatusQueued || j.When != models.WhenManual || j.ManualReleased {
		return ErrInvalidTransition
	}
	j.ManualReleased = true
	j.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListTimedOutJobs(_ context.Context, now time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusRunning || j.TimeoutSeconds <= 0 || j.StartedAt == nil {
			continue
		}
		deadline := j.StartedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)
		if !deadline.After(now) {
			out = append(out, copyJob(j))
		}
	}
	slices.SortFunc(out, func(a, b *models.Job) int { return a.StartedAt.Compare(*b.StartedAt) })
	return out, nil
}

// --- Logs ---

func (m *MemoryStore) AppendLogChunk(_ context.Context, chunk *models.LogChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[chunk.JobID]; !ok {
		return ErrNotFound
	}
	m.nextChunk++
	chunk.ID = m.nextChunk
	c := *chunk
	m.chunks[chunk.JobID] = append(m.chunks[chunk.JobID], &c)
	return nil
}

func (m *MemoryStore) ListLogChunks(_ context.Context, jobID uuid.UUID) ([]*models.LogChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.LogChunk, 0, len(m.chunks[jobID]))
	for _, c := range m.chunks[jobID] {
		cc := *c
		out = append(out, &cc)
	}
	slices.SortStableFunc(out, func(a, b *models.LogChunk) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// --- Artifacts ---

func (m *MemoryStore) CreateArtifact(_ context.Context, a *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[a.JobID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.artifacts[a.ID]; ok {
		return ErrDuplicateKey
	}
	c := *a
	m.artifacts[a.ID] = &c
	return nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id uuid.UUID) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ListArtifacts(_ context.Context, jobID uuid.UUID) ([]*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Artifact
	for _, a := range m.artifacts {
		if a.JobID == jobID {
			c := *a
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Artifact) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	return out, nil
}

// --- Runners ---

func copyRunner(r *models.Runner) *models.Runner {
	c := *r
	c.Tags = slices.Clone(r.Tags)
	return &c
}

func (m *MemoryStore) GetRunnersByTokenPrefix(_ context.Context, prefix string) ([]*models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Runner
	for _, r := range m.runners {
		if r.TokenPrefix == prefix {
			out = append(out, copyRunner(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetRunner(_ context.Context, id uuid.UUID) (*models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRunner(r), nil
}

func (m *MemoryStore) CreateRunner(_ context.Context, r *models.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runners[r.ID]; ok {
		return ErrDuplicateKey
	}
	m.runners[r.ID] = copyRunner(r)
	return nil
}

func (m *MemoryStore) TouchRunner(_ context.Context, id uuid.UUID, tags []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok {
		return ErrNotFound
	}
	r.Tags = slices.Clone(tags)
	r.LastSeenAt = timePtr(at)
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListRunners(_ context.Context) ([]*models.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, copyRunner(r))
	}
	slices.SortFunc(out, func(a, b *models.Runner) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetRunnerActive(_ context.Context, id uuid.UUID, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok {
		return ErrNotFound
	}
	r.Active = active
	r.UpdatedAt = at
	return nil
}
