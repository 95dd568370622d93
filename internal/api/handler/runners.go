package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/api/response"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// Runners manages registered runners.
type Runners interface {
	List(ctx context.Context) ([]*models.Runner, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*models.Runner, error)
}

// NewListRunnersHandler returns an http.HandlerFunc for GET /api/v1/runners.
func NewListRunnersHandler(svc Runners) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runners, err := svc.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if runners == nil {
			runners = []*models.Runner{}
		}
		response.JSON(w, runners)
	}
}

// NewUpdateRunnerHandler returns an http.HandlerFunc for
// PATCH /api/v1/runners/{runnerID}. Only the active flag can change.
func NewUpdateRunnerHandler(svc Runners) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "runnerID")
		if !ok {
			return
		}
		var req struct {
			Active *bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Active == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "active is required", nil)
			return
		}
		runner, err := svc.SetActive(r.Context(), id, *req.Active)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, runner)
	}
}
