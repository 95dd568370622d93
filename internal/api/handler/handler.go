// Package handler implements the HTTP endpoints of the CI engine.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/api/response"
	"github.com/kiranshivaraju/ciengine/internal/artifact"
	"github.com/kiranshivaraju/ciengine/internal/definition"
	"github.com/kiranshivaraju/ciengine/internal/ingest"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/internal/trigger"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// PipelineTrigger creates pipelines from repository events.
type PipelineTrigger interface {
	Trigger(ctx context.Context, req trigger.Request) (*models.Pipeline, error)
}

// JobLeaser hands queued jobs to runners.
type JobLeaser interface {
	Lease(ctx context.Context, runner *models.Runner, tags []string) (*models.JobDescriptor, error)
}

// RunnerReports accepts runner output and outcomes.
type RunnerReports interface {
	AppendLog(ctx context.Context, jobID uuid.UUID, seq int64, content string) (*models.LogChunk, error)
	ReportStatus(ctx context.Context, runner *models.Runner, jobID uuid.UUID, status models.Status, exitCode *int) (*models.Job, error)
	UploadArtifact(ctx context.Context, jobID uuid.UUID, filename string, r io.Reader) (*models.Artifact, error)
}

// Pipelines serves pipeline reads and user actions.
type Pipelines interface {
	GetPipeline(ctx context.Context, id uuid.UUID) (*models.Pipeline, error)
	ListPipelines(ctx context.Context, filter store.PipelineFilter) ([]*models.Pipeline, int, error)
	CancelPipeline(ctx context.Context, id uuid.UUID) (*models.Pipeline, error)
	PlayJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

// Jobs serves job reads.
type Jobs interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobLogs(ctx context.Context, jobID uuid.UUID) (string, error)
	JobStatus(ctx context.Context, jobID uuid.UUID) (models.Status, error)
	Follow(ctx context.Context, jobID uuid.UUID, emit func(*models.LogChunk) error) error
	ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*models.Artifact, error)
	OpenArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, []byte, error)
}

// writeError maps service errors to the response envelope.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, definition.ErrDefinitionInvalid):
		response.Error(w, http.StatusUnprocessableEntity, "DEFINITION_INVALID",
			"Pipeline definition is invalid", map[string]string{"reason": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, ingest.ErrRunnerMismatch):
		response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, trigger.ErrInvalidRequest),
		errors.Is(err, ingest.ErrInvalidStatus),
		errors.Is(err, ingest.ErrInvalidSeq),
		errors.Is(err, artifact.ErrInvalidPath):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, artifact.ErrTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "ARTIFACT_TOO_LARGE", err.Error(), nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// uuidParam parses a UUID URL parameter, answering 400 when malformed.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
