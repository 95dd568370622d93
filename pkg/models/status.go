package models

// Status is the lifecycle state shared by pipelines and jobs.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Source identifies the event that triggered a pipeline.
type Source string

const (
	SourcePush         Source = "push"
	SourceMergeRequest Source = "merge_request"
)

func (s Source) Valid() bool {
	return s == SourcePush || s == SourceMergeRequest
}

// When is a job's readiness mode.
type When string

const (
	WhenOnSuccess When = "on_success"
	WhenManual    When = "manual"
	WhenDelayed   When = "delayed"
	WhenNever     When = "never"
)
