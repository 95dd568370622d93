package handler

import (
	"encoding/json"
	"net/http"

	mw "github.com/kiranshivaraju/ciengine/internal/api/middleware"
	"github.com/kiranshivaraju/ciengine/internal/api/response"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/internal/trigger"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type triggerRequest struct {
	RepositoryID string `json:"repository_id"`
	Ref          string `json:"ref"`
	CommitSHA    string `json:"commit_sha"`
	Source       string `json:"source"`
	MergeRequest *struct {
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
	} `json:"merge_request"`
}

// NewTriggerHandler returns an http.HandlerFunc for POST /api/v1/pipelines.
// It answers 204 when the revision has no definition or no job survives
// rule evaluation.
func NewTriggerHandler(t PipelineTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.RepositoryID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "repository_id is required", nil)
			return
		}

		actor, _ := mw.GetUserID(r)
		treq := trigger.Request{
			RepositoryID: req.RepositoryID,
			Ref:          req.Ref,
			CommitSHA:    req.CommitSHA,
			Source:       models.Source(req.Source),
			ActorID:      actor,
		}
		if req.MergeRequest != nil {
			treq.MergeRequest = &trigger.MergeRequest{
				SourceBranch: req.MergeRequest.SourceBranch,
				TargetBranch: req.MergeRequest.TargetBranch,
			}
		}

		p, err := t.Trigger(r.Context(), treq)
		if err != nil {
			writeError(w, err)
			return
		}
		if p == nil {
			response.NoContent(w)
			return
		}
		response.Created(w, p)
	}
}

// NewListPipelinesHandler returns an http.HandlerFunc for GET /api/v1/pipelines.
func NewListPipelinesHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		status := models.Status(q.Get("status"))
		if status != "" && !status.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status is not a valid pipeline status", nil)
			return
		}

		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		limit := queryInt(r, "limit", defaultPageSize)
		if limit < 1 {
			limit = defaultPageSize
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}

		pipelines, total, err := svc.ListPipelines(r.Context(), store.PipelineFilter{
			RepositoryID: q.Get("repository_id"),
			Status:       status,
			Page:         page,
			Limit:        limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if pipelines == nil {
			pipelines = []*models.Pipeline{}
		}

		response.Collection(w, pipelines, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewGetPipelineHandler returns an http.HandlerFunc for
// GET /api/v1/pipelines/{pipelineID}.
func NewGetPipelineHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "pipelineID")
		if !ok {
			return
		}
		p, err := svc.GetPipeline(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, p)
	}
}

// NewCancelPipelineHandler returns an http.HandlerFunc for
// POST /api/v1/pipelines/{pipelineID}/cancel.
func NewCancelPipelineHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "pipelineID")
		if !ok {
			return
		}
		p, err := svc.CancelPipeline(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, p)
	}
}

// NewPlayJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/play.
func NewPlayJobHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.PlayJob(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, job)
	}
}
