package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newPipeline(repo string, createdAt time.Time) *models.Pipeline {
	return &models.Pipeline{
		ID:           uuid.New(),
		RepositoryID: repo,
		CommitSHA:    "abc123",
		Ref:          "main",
		Source:       models.SourcePush,
		Status:       models.StatusQueued,
		CIContext:    map[string]string{"CI_COMMIT_BRANCH": "main"},
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func newJob(p *models.Pipeline, name string, stageIndex, position int, needs ...string) *models.Job {
	return &models.Job{
		ID:         uuid.New(),
		PipelineID: p.ID,
		Name:       name,
		Stage:      "test",
		StageIndex: stageIndex,
		Position:   position,
		Image:      "alpine:3",
		Script:     []string{"echo " + name},
		Env:        map[string]string{"NAME": name},
		Needs:      needs,
		Status:     models.StatusQueued,
		When:       models.WhenOnSuccess,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.CreatedAt,
	}
}

func seed(t *testing.T, s store.Store, p *models.Pipeline, jobs ...*models.Job) {
	t.Helper()
	require.NoError(t, s.CreatePipeline(context.Background(), p, jobs))
}

func newRunner(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	r := &models.Runner{
		ID:          uuid.New(),
		Name:        "runner",
		TokenPrefix: uuid.NewString()[:8],
		TokenHash:   "hash",
		Active:      true,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	require.NoError(t, s.CreateRunner(context.Background(), r))
	return r.ID
}

// runContract exercises behavior every Store implementation must share.
func runContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGetPipeline", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		test := newJob(p, "test", 1, 1, "build")
		build := newJob(p, "build", 0, 0)
		seed(t, s, p, test, build)

		got, err := s.GetPipeline(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Equal(t, "main", got.CIContext["CI_COMMIT_BRANCH"])
		require.Len(t, got.Jobs, 2)
		assert.Equal(t, "build", got.Jobs[0].Name)
		assert.Equal(t, "test", got.Jobs[1].Name)
		assert.Equal(t, []string{"build"}, got.Jobs[1].Needs)
		assert.Equal(t, map[string]string{"NAME": "test"}, got.Jobs[1].Env)

		_, err = s.GetPipeline(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetJob(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CreatePipelineIsAllOrNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		a := newJob(p, "dup", 0, 0)
		b := newJob(p, "dup", 0, 1)

		err := s.CreatePipeline(ctx, p, []*models.Job{a, b})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		_, err = s.GetPipeline(ctx, p.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ListPipelines", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			p := newPipeline("repo-1", baseTime.Add(time.Duration(i)*time.Minute))
			seed(t, s, p, newJob(p, "a", 0, 0))
		}
		other := newPipeline("repo-2", baseTime)
		seed(t, s, other, newJob(other, "a", 0, 0))

		list, total, err := s.ListPipelines(ctx, store.PipelineFilter{RepositoryID: "repo-1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, list, 2)
		assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

		list, _, err = s.ListPipelines(ctx, store.PipelineFilter{RepositoryID: "repo-1", Limit: 2, Page: 2})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("ClaimJobOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		j := newJob(p, "build", 0, 0)
		seed(t, s, p, j)
		r1, r2 := newRunner(t, s), newRunner(t, s)

		require.NoError(t, s.ClaimJob(ctx, j.ID, r1, baseTime.Add(time.Second)))
		assert.ErrorIs(t, s.ClaimJob(ctx, j.ID, r2, baseTime.Add(time.Second)), store.ErrClaimLost)

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		require.NotNil(t, got.RunnerID)
		assert.Equal(t, r1, *got.RunnerID)
		require.NotNil(t, got.StartedAt)

		pipe, err := s.GetPipeline(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, pipe.Status)
		require.NotNil(t, pipe.StartedAt)
	})

	t.Run("ConcurrentClaims", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		j := newJob(p, "build", 0, 0)
		seed(t, s, p, j)

		const n = 16
		runners := make([]uuid.UUID, n)
		for i := range runners {
			runners[i] = newRunner(t, s)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(runnerID uuid.UUID) {
				defer wg.Done()
				err := s.ClaimJob(ctx, j.ID, runnerID, baseTime)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, store.ErrClaimLost)
			}(runners[i])
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("FinishJobRequiresOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		j := newJob(p, "build", 0, 0)
		seed(t, s, p, j)
		owner, other := newRunner(t, s), newRunner(t, s)
		require.NoError(t, s.ClaimJob(ctx, j.ID, owner, baseTime))

		code := 0
		params := store.FinishJobParams{JobID: j.ID, RunnerID: other, Status: models.StatusSuccess, ExitCode: &code, At: baseTime.Add(time.Minute)}
		assert.ErrorIs(t, s.FinishJob(ctx, params), store.ErrInvalidTransition)

		params.RunnerID = owner
		require.NoError(t, s.FinishJob(ctx, params))
		assert.ErrorIs(t, s.FinishJob(ctx, params), store.ErrInvalidTransition)

		params.JobID = uuid.New()
		assert.ErrorIs(t, s.FinishJob(ctx, params), store.ErrNotFound)

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, got.Status)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 0, *got.ExitCode)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("RequeueJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		j := newJob(p, "flaky", 0, 0)
		j.MaxRetries = 1
		seed(t, s, p, j)
		runner := newRunner(t, s)

		require.NoError(t, s.ClaimJob(ctx, j.ID, runner, baseTime))
		require.NoError(t, s.RequeueJob(ctx, j.ID, runner, baseTime))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Equal(t, 1, got.Retries)
		assert.Nil(t, got.RunnerID)
		assert.Nil(t, got.StartedAt)

		require.NoError(t, s.ClaimJob(ctx, j.ID, runner, baseTime))
		assert.ErrorIs(t, s.RequeueJob(ctx, j.ID, runner, baseTime), store.ErrInvalidTransition)
	})

	t.Run("CancelPipeline", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		done := newJob(p, "done", 0, 0)
		running := newJob(p, "running", 0, 1)
		queued := newJob(p, "queued", 1, 0)
		seed(t, s, p, done, running, queued)
		runner := newRunner(t, s)

		require.NoError(t, s.ClaimJob(ctx, done.ID, runner, baseTime))
		require.NoError(t, s.FinishJob(ctx, store.FinishJobParams{JobID: done.ID, RunnerID: runner, Status: models.StatusSuccess, At: baseTime}))
		require.NoError(t, s.ClaimJob(ctx, running.ID, runner, baseTime))

		changed, err := s.CancelPipeline(ctx, p.ID, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := s.GetPipeline(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceled, got.Status)
		require.NotNil(t, got.FinishedAt)
		statuses := map[string]models.Status{}
		for _, j := range got.Jobs {
			statuses[j.Name] = j.Status
		}
		assert.Equal(t, map[string]models.Status{
			"done":    models.StatusSuccess,
			"running": models.StatusCanceled,
			"queued":  models.StatusCanceled,
		}, statuses)

		changed, err = s.CancelPipeline(ctx, p.ID, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)

		finalized, err := s.FinalizePipeline(ctx, p.ID, models.StatusSuccess, baseTime.Add(3*time.Minute))
		require.NoError(t, err)
		assert.False(t, finalized)

		_, err = s.CancelPipeline(ctx, uuid.New(), baseTime)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CancelJobsSkipsTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		a := newJob(p, "a", 0, 0)
		b := newJob(p, "b", 0, 1)
		seed(t, s, p, a, b)
		runner := newRunner(t, s)
		require.NoError(t, s.ClaimJob(ctx, a.ID, runner, baseTime))
		require.NoError(t, s.FinishJob(ctx, store.FinishJobParams{JobID: a.ID, RunnerID: runner, Status: models.StatusFailed, At: baseTime}))

		n, err := s.CancelJobs(ctx, []uuid.UUID{a.ID, b.ID}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetJob(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
	})

	t.Run("LeaseCandidateOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		newer := newPipeline("repo-1", baseTime.Add(time.Hour))
		seed(t, s, newer, newJob(newer, "newer", 0, 0))
		older := newPipeline("repo-1", baseTime)
		seed(t, s, older,
			newJob(older, "deploy", 2, 0),
			newJob(older, "test-b", 1, 1),
			newJob(older, "test-a", 1, 0),
		)
		finished := newPipeline("repo-1", baseTime.Add(-time.Hour))
		seed(t, s, finished, newJob(finished, "stale", 0, 0))
		_, err := s.CancelPipeline(ctx, finished.ID, baseTime)
		require.NoError(t, err)

		candidates, err := s.ListLeaseCandidates(ctx, nil, 10)
		require.NoError(t, err)
		var names []string
		for _, c := range candidates {
			names = append(names, c.Job.Name)
		}
		assert.Equal(t, []string{"test-a", "test-b", "deploy", "newer"}, names)
		assert.Equal(t, "repo-1", candidates[0].RepositoryID)
		assert.Equal(t, "main", candidates[0].CIContext["CI_COMMIT_BRANCH"])
		assert.WithinDuration(t, baseTime, candidates[0].PipelineCreatedAt, time.Millisecond)

		limited, err := s.ListLeaseCandidates(ctx, nil, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)

		rest, err := s.ListLeaseCandidates(ctx, store.CursorAt(limited[1]), 2)
		require.NoError(t, err)
		names = nil
		for _, c := range rest {
			names = append(names, c.Job.Name)
		}
		assert.Equal(t, []string{"deploy", "newer"}, names)

		tail, err := s.ListLeaseCandidates(ctx, store.CursorAt(rest[1]), 2)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})

	t.Run("ReleaseManualJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		manual := newJob(p, "manual", 0, 0)
		manual.When = models.WhenManual
		auto := newJob(p, "auto", 0, 1)
		seed(t, s, p, manual, auto)

		require.NoError(t, s.ReleaseManualJob(ctx, manual.ID, baseTime))
		assert.ErrorIs(t, s.ReleaseManualJob(ctx, manual.ID, baseTime), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.ReleaseManualJob(ctx, auto.ID, baseTime), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.ReleaseManualJob(ctx, uuid.New(), baseTime), store.ErrNotFound)

		got, err := s.GetJob(ctx, manual.ID)
		require.NoError(t, err)
		assert.True(t, got.ManualReleased)
	})

	t.Run("ListTimedOutJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		slow := newJob(p, "slow", 0, 0)
		slow.TimeoutSeconds = 60
		unbounded := newJob(p, "unbounded", 0, 1)
		seed(t, s, p, slow, unbounded)
		runner := newRunner(t, s)
		require.NoError(t, s.ClaimJob(ctx, slow.ID, runner, baseTime))
		require.NoError(t, s.ClaimJob(ctx, unbounded.ID, runner, baseTime))

		jobs, err := s.ListTimedOutJobs(ctx, baseTime.Add(59*time.Second))
		require.NoError(t, err)
		assert.Empty(t, jobs)

		jobs, err = s.ListTimedOutJobs(ctx, baseTime.Add(61*time.Second))
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, slow.ID, jobs[0].ID)
	})

	t.Run("LogChunkOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		j := newJob(p, "build", 0, 0)
		seed(t, s, p, j)

		for _, c := range []struct {
			seq     int64
			content string
		}{{2, "c"}, {0, "a"}, {1, "b1"}, {1, "b2"}} {
			require.NoError(t, s.AppendLogChunk(ctx, &models.LogChunk{JobID: j.ID, Seq: c.seq, Content: c.content, CreatedAt: baseTime}))
		}

		chunks, err := s.ListLogChunks(ctx, j.ID)
		require.NoError(t, err)
		var contents []string
		for _, c := range chunks {
			contents = append(contents, c.Content)
		}
		assert.Equal(t, []string{"a", "b1", "b2", "c"}, contents)

		err = s.AppendLogChunk(ctx, &models.LogChunk{JobID: uuid.New(), Seq: 0, Content: "x", CreatedAt: baseTime})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Artifacts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := newPipeline("repo-1", baseTime)
		j := newJob(p, "build", 0, 0)
		seed(t, s, p, j)

		a := &models.Artifact{ID: uuid.New(), JobID: j.ID, Path: "dist/app", Size: 42, ContentPath: "/tmp/x", Digest: "d", CreatedAt: baseTime}
		require.NoError(t, s.CreateArtifact(ctx, a))

		got, err := s.GetArtifact(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "dist/app", got.Path)
		assert.Equal(t, int64(42), got.Size)

		list, err := s.ListArtifacts(ctx, j.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		orphan := &models.Artifact{ID: uuid.New(), JobID: uuid.New(), Path: "x", ContentPath: "x", Digest: "d", CreatedAt: baseTime}
		assert.ErrorIs(t, s.CreateArtifact(ctx, orphan), store.ErrNotFound)
		_, err = s.GetArtifact(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Runners", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		r := &models.Runner{ID: uuid.New(), Name: "r1", TokenPrefix: "abcdefgh", TokenHash: "h", Active: true, CreatedAt: baseTime, UpdatedAt: baseTime}
		require.NoError(t, s.CreateRunner(ctx, r))

		found, err := s.GetRunnersByTokenPrefix(ctx, "abcdefgh")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, r.ID, found[0].ID)

		require.NoError(t, s.TouchRunner(ctx, r.ID, []string{"docker"}, baseTime.Add(time.Minute)))
		got, err := s.GetRunner(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"docker"}, got.Tags)
		require.NotNil(t, got.LastSeenAt)
		assert.WithinDuration(t, baseTime.Add(time.Minute), *got.LastSeenAt, time.Millisecond)

		assert.ErrorIs(t, s.TouchRunner(ctx, uuid.New(), nil, baseTime), store.ErrNotFound)

		require.NoError(t, s.SetRunnerActive(ctx, r.ID, false, baseTime.Add(2*time.Minute)))
		found, err = s.GetRunnersByTokenPrefix(ctx, "abcdefgh")
		require.NoError(t, err)
		require.Len(t, found, 1, "disabled runners are still found by prefix")
		assert.False(t, found[0].Active)

		all, err := s.ListRunners(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, r.ID, all[0].ID)

		assert.ErrorIs(t, s.SetRunnerActive(ctx, uuid.New(), true, baseTime), store.ErrNotFound)
	})
}
