// Package trigger turns a push or merge-request event into a persisted
// pipeline.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/definition"
	"github.com/kiranshivaraju/ciengine/internal/revision"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// ErrInvalidRequest is returned for a request missing the repository or
// carrying an unknown source.
var ErrInvalidRequest = errors.New("invalid trigger request")

// Request describes the event that triggers a pipeline.
type Request struct {
	RepositoryID string
	Ref          string
	CommitSHA    string
	Source       models.Source
	ActorID      string
	MergeRequest *MergeRequest
}

// MergeRequest carries the branches of a merge-request event.
type MergeRequest struct {
	SourceBranch string
	TargetBranch string
}

// Config holds the parts of the server configuration triggering needs.
type Config struct {
	DefinitionFiles []string
	DefaultImage    string
}

// Engine locates, parses and compiles pipeline definitions.
type Engine struct {
	reader revision.Reader
	store  store.Store
	clock  clock.Clock
	cfg    Config
}

// NewEngine creates an Engine.
func NewEngine(r revision.Reader, s store.Store, clk clock.Clock, cfg Config) *Engine {
	return &Engine{reader: r, store: s, clock: clk, cfg: cfg}
}

// Trigger compiles the repository's definition for the event and persists
// a pipeline with the jobs that survive rule evaluation. It returns nil
// without error when the repository has no definition, the definition is
// empty, or no job survives.
func (e *Engine) Trigger(ctx context.Context, req Request) (*models.Pipeline, error) {
	if req.RepositoryID == "" {
		return nil, fmt.Errorf("%w: repository_id is required", ErrInvalidRequest)
	}
	if req.Source == "" {
		req.Source = models.SourcePush
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, req.Source)
	}
	if req.Ref != "" && !revision.ValidRef(req.Ref) {
		return nil, fmt.Errorf("%w: malformed ref %q", ErrInvalidRequest, req.Ref)
	}
	if req.CommitSHA != "" && !revision.ValidCommit(req.CommitSHA) {
		return nil, fmt.Errorf("%w: commit_sha must be a hex object name", ErrInvalidRequest)
	}

	found, err := revision.Locate(ctx, e.reader, req.RepositoryID, e.cfg.DefinitionFiles, req.Ref, req.CommitSHA)
	if errors.Is(err, revision.ErrRevisionNotFound) {
		slog.Debug("no pipeline definition", "repository_id", req.RepositoryID, "ref", req.Ref)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locating definition: %w", err)
	}

	def, err := definition.Parse(found.Content, definition.Options{DefaultImage: e.cfg.DefaultImage})
	if err != nil {
		return nil, fmt.Errorf("%s at %s: %w", found.Filename, found.Revision, err)
	}
	if def == nil {
		return nil, nil
	}

	commit := req.CommitSHA
	if commit == "" {
		if resolved, err := e.reader.ResolveCommit(ctx, req.RepositoryID, found.Revision); err == nil {
			commit = resolved
		}
	}

	now := e.clock.Now()
	pipeline := &models.Pipeline{
		ID:           uuid.New(),
		RepositoryID: req.RepositoryID,
		CommitSHA:    commit,
		Ref:          req.Ref,
		Source:       req.Source,
		Status:       models.StatusQueued,
		ActorID:      req.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	pipeline.CIContext = buildContext(ctx, e.reader, req, pipeline.ID, commit, found.Filename)

	jobs := compile(def, pipeline, now)
	if len(jobs) == 0 {
		slog.Info("no jobs selected, pipeline skipped",
			"repository_id", req.RepositoryID, "ref", req.Ref, "source", req.Source)
		return nil, nil
	}

	if err := e.store.CreatePipeline(ctx, pipeline, jobs); err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	pipeline.Jobs = jobs

	slog.Info("pipeline created",
		"pipeline_id", pipeline.ID,
		"repository_id", req.RepositoryID,
		"ref", req.Ref,
		"source", req.Source,
		"jobs", len(jobs),
	)
	return pipeline, nil
}

// compile applies source filters and rules to every job spec and drops
// jobs whose needs were dropped.
func compile(def *definition.Definition, p *models.Pipeline, now time.Time) []*models.Job {
	branch := p.CIContext[VarCommitBranch]

	decided := map[string]decision{}
	for _, spec := range def.Jobs {
		if !sourceAllowed(spec, p.Source, branch) {
			continue
		}
		if d, ok := decide(spec, p.CIContext); ok {
			decided[spec.Name] = d
		}
	}

	for changed := true; changed; {
		changed = false
		for _, spec := range def.Jobs {
			if _, ok := decided[spec.Name]; !ok {
				continue
			}
			for _, need := range spec.Needs {
				if _, ok := decided[need]; !ok {
					slog.Debug("job dropped with its dependency", "job", spec.Name, "needs", need)
					delete(decided, spec.Name)
					changed = true
					break
				}
			}
		}
	}

	var jobs []*models.Job
	for _, spec := range def.Jobs {
		d, ok := decided[spec.Name]
		if !ok {
			continue
		}
		jobs = append(jobs, &models.Job{
			ID:             uuid.New(),
			PipelineID:     p.ID,
			Name:           spec.Name,
			Stage:          spec.Stage,
			StageIndex:     spec.StageIndex,
			Position:       spec.Position,
			Image:          spec.Image,
			Script:         slices.Clone(spec.Script),
			Env:            maps.Clone(spec.Env),
			Needs:          slices.Clone(spec.Needs),
			Tags:           slices.Clone(spec.Tags),
			ArtifactPaths:  slices.Clone(spec.ArtifactPaths),
			Status:         models.StatusQueued,
			MaxRetries:     spec.MaxRetries,
			TimeoutSeconds: spec.TimeoutSeconds,
			When:           d.when,
			AllowFailure:   d.allowFailure,
			StartInSeconds: d.startIn,
			RuleHint:       d.hint,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return jobs
}
