package models

import (
	"time"

	"github.com/google/uuid"
)

// Runner is an external worker that leases and executes jobs.
type Runner struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	TokenPrefix string     `json:"-"`
	TokenHash   string     `json:"-"`
	Active      bool       `json:"active"`
	Tags        []string   `json:"tags"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
