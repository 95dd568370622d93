// Package definition parses pipeline definition documents into a normalized
// list of job specifications.
package definition

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// ErrDefinitionInvalid is returned when the definition text cannot be
// normalized. No partial result accompanies it.
var ErrDefinitionInvalid = errors.New("definition invalid")

// DefaultImage is used when neither the job nor the default section names one.
const DefaultImage = "alpine:3"

const defaultStage = "test"

var defaultStages = []string{"build", "test", "deploy"}

// Definition is a parsed pipeline document.
type Definition struct {
	Stages    []string
	Variables map[string]string
	Jobs      []JobSpec
}

// JobSpec is one normalized job.
type JobSpec struct {
	Name           string
	Stage          string
	StageIndex     int
	Position       int
	Image          string
	Script         []string
	Needs          []string
	Env            map[string]string
	ArtifactPaths  []string
	Tags           []string
	Only           []string
	Except         []string
	MaxRetries     int
	TimeoutSeconds int

	// When, AllowFailure and StartInSeconds apply when Rules is empty.
	When           models.When
	AllowFailure   bool
	StartInSeconds int

	Rules []Rule
}

// Rule is one entry of a job's ordered rules list. An empty If always matches.
type Rule struct {
	If             string
	When           models.When
	AllowFailure   bool
	StartInSeconds int
}

// Options configures parsing.
type Options struct {
	DefaultImage string
}

// Job returns the spec with the given name.
func (d *Definition) Job(name string) (JobSpec, bool) {
	for _, j := range d.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobSpec{}, false
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDefinitionInvalid, fmt.Sprintf(format, args...))
}
