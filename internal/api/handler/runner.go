package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	mw "github.com/kiranshivaraju/ciengine/internal/api/middleware"
	"github.com/kiranshivaraju/ciengine/internal/api/response"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// maxUploadMemory bounds the multipart form held in memory; larger files
// spill to temporary files.
const maxUploadMemory = 32 << 20

// multipartOverhead is allowed on top of the artifact limit for part
// headers and the path field.
const multipartOverhead = 64 << 10

func requireRunner(w http.ResponseWriter, r *http.Request) (*models.Runner, bool) {
	runner, ok := mw.GetRunner(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing runner", nil)
	}
	return runner, ok
}

// NewLeaseHandler returns an http.HandlerFunc for POST /api/v1/runner/lease.
// It answers 204 when no job is ready.
func NewLeaseHandler(l JobLeaser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runner, ok := requireRunner(w, r)
		if !ok {
			return
		}

		var req struct {
			Tags []string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		desc, err := l.Lease(r.Context(), runner, req.Tags)
		if err != nil {
			writeError(w, err)
			return
		}
		if desc == nil {
			response.NoContent(w)
			return
		}
		response.JSON(w, desc)
	}
}

// NewAppendLogHandler returns an http.HandlerFunc for
// POST /api/v1/runner/jobs/{jobID}/logs.
func NewAppendLogHandler(svc RunnerReports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireRunner(w, r); !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		var req struct {
			Seq     *int64 `json:"seq"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Seq == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "seq is required", nil)
			return
		}

		chunk, err := svc.AppendLog(r.Context(), jobID, *req.Seq, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, map[string]any{"id": chunk.ID, "seq": chunk.Seq})
	}
}

// NewReportStatusHandler returns an http.HandlerFunc for
// POST /api/v1/runner/jobs/{jobID}/status.
func NewReportStatusHandler(svc RunnerReports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runner, ok := requireRunner(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		var req struct {
			Status   models.Status `json:"status"`
			ExitCode *int          `json:"exit_code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.ReportStatus(r.Context(), runner, jobID, req.Status, req.ExitCode)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewUploadArtifactHandler returns an http.HandlerFunc for
// POST /api/v1/runner/jobs/{jobID}/artifacts. The body is a multipart form
// with the content in "file" and the workspace-relative path in "path".
// Bodies larger than maxBytes plus multipart overhead are cut off while
// reading; maxBytes <= 0 disables the cap.
func NewUploadArtifactHandler(svc RunnerReports, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireRunner(w, r); !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
		}
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "ARTIFACT_TOO_LARGE", "Artifact exceeds the upload limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid multipart body", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
			return
		}
		defer file.Close()

		name := r.FormValue("path")
		if name == "" {
			name = header.Filename
		}

		a, err := svc.UploadArtifact(r.Context(), jobID, name, file)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, a)
	}
}
