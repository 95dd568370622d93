package trigger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/definition"
	"github.com/kiranshivaraju/ciengine/internal/revision"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/internal/trigger"
	"github.com/kiranshivaraju/ciengine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 7, 4, 15, 0, 0, 0, time.UTC)

// mockReader serves definitions from memory, keyed by "rev:path".
type mockReader struct {
	files      map[string]string
	commits    map[string]string
	changed    []string
	changedErr error
	readErr    error
}

func (m *mockReader) ReadFile(_ context.Context, _, rev, path string) ([]byte, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	content, ok := m.files[rev+":"+path]
	if !ok {
		return nil, revision.ErrRevisionNotFound
	}
	return []byte(content), nil
}

func (m *mockReader) DefaultBranch(context.Context, string) (string, error) { return "main", nil }

func (m *mockReader) Branches(context.Context, string) ([]string, error) {
	return []string{"main", "dev"}, nil
}

func (m *mockReader) ResolveCommit(_ context.Context, _, rev string) (string, error) {
	if sha, ok := m.commits[rev]; ok {
		return sha, nil
	}
	return "", revision.ErrRevisionNotFound
}

func (m *mockReader) ChangedPaths(context.Context, string, string) ([]string, error) {
	return m.changed, m.changedErr
}

func newEngine(r revision.Reader) (*trigger.Engine, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return trigger.NewEngine(r, s, clock.NewFake(t0), trigger.Config{DefaultImage: definition.DefaultImage}), s
}

func countPipelines(t *testing.T, s store.Store) int {
	t.Helper()
	_, total, err := s.ListPipelines(context.Background(), store.PipelineFilter{})
	require.NoError(t, err)
	return total
}

func jobsByName(p *models.Pipeline) map[string]*models.Job {
	out := map[string]*models.Job{}
	for _, j := range p.Jobs {
		out[j.Name] = j
	}
	return out
}

const roundTrip = `
jobs:
  build:
    script: make
    needs: []
  test:
    script: ["make test"]
    needs: ["build"]
`

func TestTrigger_RoundTrip(t *testing.T) {
	r := &mockReader{files: map[string]string{"abc123:.ci.yml": roundTrip}}
	e, s := newEngine(r)

	p, err := e.Trigger(context.Background(), trigger.Request{
		RepositoryID: "repo-1", Ref: "main", CommitSHA: "abc123", Source: models.SourcePush, ActorID: "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.StatusQueued, p.Status)
	assert.Equal(t, t0, p.CreatedAt)

	stored, err := s.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, stored.Jobs, 2)
	jobs := jobsByName(stored)
	assert.Empty(t, jobs["build"].Needs)
	assert.Equal(t, []string{"build"}, jobs["test"].Needs)
	assert.Equal(t, []string{"make"}, jobs["build"].Script)
	for _, j := range stored.Jobs {
		assert.Equal(t, models.StatusQueued, j.Status)
		assert.Equal(t, models.WhenOnSuccess, j.When)
		assert.Equal(t, definition.DefaultImage, j.Image)
	}
}

func TestTrigger_NoDefinition(t *testing.T) {
	e, s := newEngine(&mockReader{})

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo-1", Ref: "main", Source: models.SourcePush})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Zero(t, countPipelines(t, s))
}

func TestTrigger_EmptyDefinition(t *testing.T) {
	e, s := newEngine(&mockReader{files: map[string]string{"main:.ci.yml": "# nothing yet\n"}})

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo-1", Ref: "main"})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Zero(t, countPipelines(t, s))
}

func TestTrigger_InvalidDefinition(t *testing.T) {
	e, s := newEngine(&mockReader{files: map[string]string{"main:.ci.yml": "jobs:\n  a:\n    script: x\n    needs: [ghost]\n"}})

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo-1", Ref: "main"})
	assert.ErrorIs(t, err, definition.ErrDefinitionInvalid)
	assert.Nil(t, p)
	assert.Zero(t, countPipelines(t, s))
}

func TestTrigger_ReadFailure(t *testing.T) {
	e, _ := newEngine(&mockReader{readErr: errors.New("disk on fire")})

	_, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo-1", Ref: "main"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, revision.ErrRevisionNotFound)
}

func TestTrigger_InvalidRequest(t *testing.T) {
	e, _ := newEngine(&mockReader{})

	_, err := e.Trigger(context.Background(), trigger.Request{Ref: "main"})
	assert.ErrorIs(t, err, trigger.ErrInvalidRequest)

	_, err = e.Trigger(context.Background(), trigger.Request{RepositoryID: "r", Source: "tag"})
	assert.ErrorIs(t, err, trigger.ErrInvalidRequest)
}

func TestTrigger_RejectsOptionLikeRevisions(t *testing.T) {
	tests := []struct {
		name string
		req  trigger.Request
	}{
		{"ref as option", trigger.Request{RepositoryID: "r", Ref: "--output=/tmp/x"}},
		{"ref with range", trigger.Request{RepositoryID: "r", Ref: "main..dev"}},
		{"ref with colon", trigger.Request{RepositoryID: "r", Ref: "main:secrets"}},
		{"commit as option", trigger.Request{RepositoryID: "r", CommitSHA: "--output=/tmp/x"}},
		{"commit not hex", trigger.Request{RepositoryID: "r", CommitSHA: "HEAD~1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockReader{}
			e, _ := newEngine(r)
			_, err := e.Trigger(context.Background(), tt.req)
			assert.ErrorIs(t, err, trigger.ErrInvalidRequest)
		})
	}
}

const ruleDefinition = `
jobs:
  deploy:
    script: ./deploy.sh
    rules:
      - if: "$CI_COMMIT_BRANCH == 'main'"
        when: on_success
      - when: manual
`

func TestTrigger_RuleFirstMatch(t *testing.T) {
	tests := []struct {
		ref  string
		when models.When
		hint string
	}{
		{"main", models.WhenOnSuccess, "$CI_COMMIT_BRANCH == 'main'"},
		{"dev", models.WhenManual, ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			r := &mockReader{files: map[string]string{tt.ref + ":.ci.yml": ruleDefinition}}
			e, _ := newEngine(r)

			p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo", Ref: tt.ref})
			require.NoError(t, err)
			require.NotNil(t, p)
			require.Len(t, p.Jobs, 1)
			assert.Equal(t, tt.when, p.Jobs[0].When)
			assert.Equal(t, tt.hint, p.Jobs[0].RuleHint)
		})
	}
}

func TestTrigger_RulesExcludeJobs(t *testing.T) {
	def := `
jobs:
  docs:
    script: make docs
    rules:
      - if: '$CI_CHANGED_PATHS =~ /^docs\//'
  release:
    script: make release
    rules:
      - if: '$CI_COMMIT_TAG'
        when: delayed
        start_in: 5 minutes
  publish:
    script: make publish
    needs: [release]
  never:
    script: "true"
    when: never
  always:
    script: make lint
    allow_failure: true
`
	r := &mockReader{
		files:   map[string]string{"5ca1ab1e:.ci.yml": def},
		changed: []string{"src/main.go", "README.md"},
	}
	e, _ := newEngine(r)

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo", Ref: "refs/heads/main", CommitSHA: "5ca1ab1e"})
	require.NoError(t, err)
	require.NotNil(t, p)
	jobs := jobsByName(p)
	assert.Len(t, jobs, 1)
	require.Contains(t, jobs, "always")
	assert.True(t, jobs["always"].AllowFailure)

	r.changed = []string{"docs/index.md"}
	p, err = e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo", Ref: "refs/tags/v1.0", CommitSHA: "5ca1ab1e"})
	require.NoError(t, err)
	require.NotNil(t, p)
	jobs = jobsByName(p)
	assert.Len(t, jobs, 4)
	assert.Equal(t, models.WhenDelayed, jobs["release"].When)
	assert.Equal(t, 300, jobs["release"].StartInSeconds)
	assert.Contains(t, jobs, "publish")
	assert.Contains(t, jobs, "docs")
	assert.Equal(t, "v1.0", p.CIContext[trigger.VarCommitTag])
	assert.Empty(t, p.CIContext[trigger.VarCommitBranch])
}

func TestTrigger_NothingSelected(t *testing.T) {
	def := `
jobs:
  mr-only:
    script: make check
    only: [merge_requests]
`
	r := &mockReader{files: map[string]string{"main:.ci.yml": def}}
	e, s := newEngine(r)

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo", Ref: "main", Source: models.SourcePush})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Zero(t, countPipelines(t, s))

	p, err = e.Trigger(context.Background(), trigger.Request{
		RepositoryID: "repo", Ref: "main", Source: models.SourceMergeRequest,
		MergeRequest: &trigger.MergeRequest{SourceBranch: "feature", TargetBranch: "main"},
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "merge_request", p.CIContext[trigger.VarPipelineSource])
	assert.Equal(t, "feature", p.CIContext[trigger.VarMRSourceBranch])
	assert.Equal(t, "main", p.CIContext[trigger.VarMRTargetBranch])
}

func TestTrigger_ExceptBranch(t *testing.T) {
	def := `
jobs:
  unit:
    script: go test ./...
    except: [main]
  lint:
    script: golangci-lint run
`
	r := &mockReader{files: map[string]string{"main:.ci.yml": def, "dev:.ci.yml": def}}
	e, _ := newEngine(r)

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo", Ref: "main"})
	require.NoError(t, err)
	assert.Len(t, p.Jobs, 1)

	p, err = e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo", Ref: "dev"})
	require.NoError(t, err)
	assert.Len(t, p.Jobs, 2)
}

func TestTrigger_Context(t *testing.T) {
	r := &mockReader{
		files:   map[string]string{"main:.ci.yml": roundTrip},
		commits: map[string]string{"main": "deadbeef"},
		changed: []string{"a.go", "b/c.go"},
	}
	e, _ := newEngine(r)

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo-9", Ref: "main"})
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "deadbeef", p.CommitSHA)
	assert.Equal(t, map[string]string{
		"CI_PIPELINE_SOURCE":                  "push",
		"CI_PIPELINE_ID":                      p.ID.String(),
		"CI_REPO_ID":                          "repo-9",
		"CI_COMMIT_SHA":                       "deadbeef",
		"CI_COMMIT_BRANCH":                    "main",
		"CI_COMMIT_TAG":                       "",
		"CI_COMMIT_REF_NAME":                  "main",
		"CI_MERGE_REQUEST_SOURCE_BRANCH_NAME": "",
		"CI_MERGE_REQUEST_TARGET_BRANCH_NAME": "",
		"CI_CHANGED_PATHS":                    "a.go\nb/c.go",
		"CI_CONFIG_PATH":                      ".ci.yml",
	}, p.CIContext)
}

func TestTrigger_ChangedPathsBestEffort(t *testing.T) {
	r := &mockReader{
		files:      map[string]string{"c0ffee:.ci.yml": roundTrip},
		changedErr: errors.New("shallow clone"),
	}
	e, _ := newEngine(r)

	p, err := e.Trigger(context.Background(), trigger.Request{RepositoryID: "repo", CommitSHA: "c0ffee"})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "", p.CIContext[trigger.VarChangedPaths])
}
