package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/kiranshivaraju/ciengine/internal/api/response"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/status. Runners poll it to notice cancellation.
func NewJobStatusHandler(svc Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		status, err := svc.JobStatus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, map[string]any{"job_id": id, "status": status})
	}
}

// NewJobLogsHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/logs. The body is the plain concatenated output.
func NewJobLogsHandler(svc Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		logs, err := svc.GetJobLogs(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, logs)
	}
}

// NewStreamLogsHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/logs/stream. Chunks are sent as server-sent
// "log" events, followed by one "end" event carrying the final status.
func NewStreamLogsHandler(svc Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		if _, err := svc.GetJob(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}

		rc := http.NewResponseController(w)
		// The stream outlives the server's write timeout.
		rc.SetWriteDeadline(time.Time{})
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		rc.Flush()

		err := svc.Follow(r.Context(), id, func(c *models.LogChunk) error {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", c.Seq, data); err != nil {
				return err
			}
			return rc.Flush()
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("log stream ended early", "job_id", id, "error", err)
			}
			return
		}

		status, err := svc.JobStatus(r.Context(), id)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: end\ndata: {\"status\":%q}\n\n", status)
		rc.Flush()
	}
}

// NewListArtifactsHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/artifacts.
func NewListArtifactsHandler(svc Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		artifacts, err := svc.ListArtifacts(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if artifacts == nil {
			artifacts = []*models.Artifact{}
		}
		response.JSON(w, artifacts)
	}
}

// NewDownloadArtifactHandler returns an http.HandlerFunc for
// GET /api/v1/artifacts/{artifactID}.
func NewDownloadArtifactHandler(svc Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "artifactID")
		if !ok {
			return
		}
		a, data, err := svc.OpenArtifact(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(a.Path)))
		w.Header().Set("X-Artifact-Digest", "blake3:"+a.Digest)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}
