// Package lifecycle holds the settlement rules shared by every path that
// moves a job into a terminal state: dependency-failure cascade and
// pipeline aggregation.
package lifecycle

import (
	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// Blocked reports whether a dependency in this status can never be
// satisfied.
func Blocked(s models.Status) bool {
	return s == models.StatusFailed || s == models.StatusCanceled
}

// Cascade returns the queued jobs that can never run because a job they
// need, directly or transitively, ended failed or canceled. Jobs are
// returned in the order they appear in jobs.
func Cascade(jobs []*models.Job) []uuid.UUID {
	status := make(map[string]models.Status, len(jobs))
	for _, j := range jobs {
		status[j.Name] = j.Status
	}

	doomed := map[uuid.UUID]bool{}
	for changed := true; changed; {
		changed = false
		for _, j := range jobs {
			if j.Status != models.StatusQueued || doomed[j.ID] {
				continue
			}
			for _, need := range j.Needs {
				if Blocked(status[need]) {
					doomed[j.ID] = true
					status[j.Name] = models.StatusCanceled
					changed = true
					break
				}
			}
		}
	}

	var out []uuid.UUID
	for _, j := range jobs {
		if doomed[j.ID] {
			out = append(out, j.ID)
		}
	}
	return out
}

// Aggregate derives a pipeline status from its jobs. done is false while
// any job is still queued or running. A failed job with allow_failure
// does not block success; anything else short of success fails the
// pipeline.
func Aggregate(jobs []*models.Job) (status models.Status, done bool) {
	status = models.StatusSuccess
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			return "", false
		}
		switch {
		case j.Status == models.StatusSuccess:
		case j.Status == models.StatusFailed && j.AllowFailure:
		default:
			status = models.StatusFailed
		}
	}
	return status, true
}
