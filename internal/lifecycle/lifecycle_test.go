package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/lifecycle"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func job(name string, status models.Status, needs ...string) *models.Job {
	return &models.Job{ID: uuid.New(), Name: name, Status: status, Needs: needs, When: models.WhenOnSuccess}
}

func TestCascade_Direct(t *testing.T) {
	build := job("build", models.StatusFailed)
	test := job("test", models.StatusQueued, "build")
	lint := job("lint", models.StatusQueued)

	got := lifecycle.Cascade([]*models.Job{build, test, lint})
	assert.Equal(t, []uuid.UUID{test.ID}, got)
}

func TestCascade_Transitive(t *testing.T) {
	// deploy appears before test so a single pass would miss it.
	build := job("build", models.StatusCanceled)
	deploy := job("deploy", models.StatusQueued, "test")
	test := job("test", models.StatusQueued, "build")

	got := lifecycle.Cascade([]*models.Job{build, deploy, test})
	assert.ElementsMatch(t, []uuid.UUID{deploy.ID, test.ID}, got)
}

func TestCascade_AllowFailureStillBlocksDependents(t *testing.T) {
	build := job("build", models.StatusFailed)
	build.AllowFailure = true
	test := job("test", models.StatusQueued, "build")

	assert.Equal(t, []uuid.UUID{test.ID}, lifecycle.Cascade([]*models.Job{build, test}))
}

func TestCascade_NothingToDo(t *testing.T) {
	jobs := []*models.Job{
		job("build", models.StatusSuccess),
		job("test", models.StatusQueued, "build"),
		job("pending", models.StatusQueued, "running"),
		job("running", models.StatusRunning),
		job("failed-but-running-dependent", models.StatusFailed),
	}
	jobs = append(jobs, job("already-running", models.StatusRunning, "failed-but-running-dependent"))

	assert.Empty(t, lifecycle.Cascade(jobs))
}

func TestAggregate(t *testing.T) {
	allowed := job("flaky", models.StatusFailed)
	allowed.AllowFailure = true

	tests := []struct {
		name   string
		jobs   []*models.Job
		status models.Status
		done   bool
	}{
		{"all success", []*models.Job{job("a", models.StatusSuccess), job("b", models.StatusSuccess)}, models.StatusSuccess, true},
		{"allowed failure", []*models.Job{job("a", models.StatusSuccess), allowed}, models.StatusSuccess, true},
		{"failure", []*models.Job{job("a", models.StatusSuccess), job("b", models.StatusFailed)}, models.StatusFailed, true},
		{"canceled", []*models.Job{job("a", models.StatusSuccess), job("b", models.StatusCanceled)}, models.StatusFailed, true},
		{"still running", []*models.Job{job("a", models.StatusFailed), job("b", models.StatusRunning)}, "", false},
		{"still queued", []*models.Job{job("a", models.StatusQueued)}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, done := lifecycle.Aggregate(tt.jobs)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.done, done)
		})
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	allowed := job("flaky", models.StatusFailed)
	allowed.AllowFailure = true
	jobs := []*models.Job{job("a", models.StatusSuccess), allowed, job("c", models.StatusCanceled)}

	want, _ := lifecycle.Aggregate(jobs)
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		ordered := []*models.Job{jobs[p[0]], jobs[p[1]], jobs[p[2]]}
		for range 3 {
			got, done := lifecycle.Aggregate(ordered)
			require.True(t, done)
			assert.Equal(t, want, got)
		}
	}
	assert.Equal(t, models.StatusFailed, want)
}

// --- Settler ---

type statusRecorder struct {
	statuses map[uuid.UUID]string
	err      error
}

func (r *statusRecorder) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	if r.err != nil {
		return r.err
	}
	if r.statuses == nil {
		r.statuses = map[uuid.UUID]string{}
	}
	r.statuses[jobID] = status
	return nil
}

func seedPipeline(t *testing.T, s store.Store, jobs ...*models.Job) *models.Pipeline {
	t.Helper()
	p := &models.Pipeline{
		ID:           uuid.New(),
		RepositoryID: "repo",
		Source:       models.SourcePush,
		Status:       models.StatusRunning,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	for i, j := range jobs {
		j.PipelineID = p.ID
		j.Position = i
		j.Image = "alpine:3"
		j.Script = []string{"true"}
		j.CreatedAt = t0
		j.UpdatedAt = t0
	}
	require.NoError(t, s.CreatePipeline(context.Background(), p, jobs))
	return p
}

func TestSettle_CascadesAndFinalizes(t *testing.T) {
	s := store.NewMemoryStore()
	rec := &statusRecorder{}
	clk := clock.NewFake(t0.Add(time.Hour))
	settler := lifecycle.NewSettler(s, rec, clk)

	build := job("build", models.StatusFailed)
	test := job("test", models.StatusQueued, "build")
	deploy := job("deploy", models.StatusQueued, "test")
	p := seedPipeline(t, s, build, test, deploy)

	out, err := settler.Settle(context.Background(), p.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{test.ID, deploy.ID}, out.Canceled)
	assert.True(t, out.Done)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, "canceled", rec.statuses[test.ID])

	got, err := s.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, t0.Add(time.Hour), *got.FinishedAt)
	for _, j := range got.Jobs[1:] {
		assert.Equal(t, models.StatusCanceled, j.Status)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	clk := clock.NewFake(t0)
	settler := lifecycle.NewSettler(s, nil, clk)
	p := seedPipeline(t, s, job("a", models.StatusSuccess), job("b", models.StatusSuccess))

	first, err := settler.Settle(context.Background(), p.ID)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	second, err := settler.Settle(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	got, err := s.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Equal(t, t0, *got.FinishedAt)
}

func TestSettle_NotDone(t *testing.T) {
	s := store.NewMemoryStore()
	settler := lifecycle.NewSettler(s, nil, clock.NewFake(t0))
	p := seedPipeline(t, s, job("a", models.StatusSuccess), job("b", models.StatusRunning))

	out, err := settler.Settle(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, out.Done)

	got, err := s.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
}

func TestSettle_KeepsCanceledPipeline(t *testing.T) {
	s := store.NewMemoryStore()
	settler := lifecycle.NewSettler(s, nil, clock.NewFake(t0))
	p := seedPipeline(t, s, job("a", models.StatusRunning))

	_, err := s.CancelPipeline(context.Background(), p.ID, t0)
	require.NoError(t, err)

	_, err = settler.Settle(context.Background(), p.ID)
	require.NoError(t, err)

	got, err := s.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.Status)
}

func TestMirrorStatus_IgnoresCacheErrors(t *testing.T) {
	rec := &statusRecorder{err: errors.New("redis down")}
	assert.NotPanics(t, func() {
		lifecycle.MirrorStatus(context.Background(), rec, uuid.New(), models.StatusRunning)
		lifecycle.MirrorStatus(context.Background(), nil, uuid.New(), models.StatusRunning)
	})
}
