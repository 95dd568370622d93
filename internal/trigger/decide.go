package trigger

import (
	"slices"

	"github.com/kiranshivaraju/ciengine/internal/definition"
	"github.com/kiranshivaraju/ciengine/internal/rules"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

type decision struct {
	when         models.When
	allowFailure bool
	startIn      int
	hint         string
}

// sourceAllowed applies the legacy only/except filters. An entry matches
// the pipeline source or the branch name.
func sourceAllowed(spec definition.JobSpec, source models.Source, branch string) bool {
	matches := func(list []string) bool {
		return slices.Contains(list, string(source)) || (branch != "" && slices.Contains(list, branch))
	}
	if len(spec.Only) > 0 && !matches(spec.Only) {
		return false
	}
	if len(spec.Except) > 0 && matches(spec.Except) {
		return false
	}
	return true
}

// decide picks the job's readiness from the first matching rule. A job
// with rules but no match, or whose decision is never, is excluded.
func decide(spec definition.JobSpec, vars map[string]string) (decision, bool) {
	if len(spec.Rules) == 0 {
		d := decision{when: spec.When, allowFailure: spec.AllowFailure, startIn: spec.StartInSeconds}
		return normalize(d)
	}

	for _, r := range spec.Rules {
		if r.If != "" && !rules.Evaluate(r.If, vars) {
			continue
		}
		return normalize(decision{
			when:         r.When,
			allowFailure: r.AllowFailure,
			startIn:      r.StartInSeconds,
			hint:         r.If,
		})
	}
	return decision{}, false
}

func normalize(d decision) (decision, bool) {
	switch d.when {
	case models.WhenNever:
		return d, false
	case "":
		d.when = models.WhenOnSuccess
	}
	if d.when != models.WhenDelayed {
		d.startIn = 0
	}
	return d, true
}
