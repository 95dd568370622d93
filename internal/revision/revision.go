// Package revision locates pipeline definitions in repository revisions.
package revision

import (
	"context"
	"errors"
	"fmt"
)

// ErrRevisionNotFound means the requested file or revision does not exist.
// Triggering treats it as "no pipeline", not as a failure.
var ErrRevisionNotFound = errors.New("revision not found")

// ErrInvalidRevision is returned for a revision git could read as an
// option.
var ErrInvalidRevision = errors.New("invalid revision")

// DefaultFilenames are the conventional definition filenames, in lookup order.
var DefaultFilenames = []string{
	".pm-ci.yml", ".pm-ci.yaml",
	".ci.yml", ".ci.yaml",
	".nit-ci.yml", ".nit-ci.yaml",
}

// fallbackBranches are tried after the default branch.
var fallbackBranches = []string{"main", "master"}

// Reader reads repository content at a revision.
type Reader interface {
	ReadFile(ctx context.Context, repositoryID, rev, path string) ([]byte, error)
	DefaultBranch(ctx context.Context, repositoryID string) (string, error)
	Branches(ctx context.Context, repositoryID string) ([]string, error)
	ResolveCommit(ctx context.Context, repositoryID, rev string) (string, error)
	ChangedPaths(ctx context.Context, repositoryID, commit string) ([]string, error)
}

// Found is a located definition.
type Found struct {
	Revision string
	Filename string
	Content  []byte
}

// Locate returns the first definition found, trying the commit, then the
// ref, then the default branch, then every other branch. Each revision is
// probed with every filename before moving on.
func Locate(ctx context.Context, r Reader, repositoryID string, filenames []string, ref, commit string) (*Found, error) {
	if len(filenames) == 0 {
		filenames = DefaultFilenames
	}

	for _, rev := range candidateRevisions(ctx, r, repositoryID, ref, commit) {
		for _, name := range filenames {
			content, err := r.ReadFile(ctx, repositoryID, rev, name)
			if errors.Is(err, ErrRevisionNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read %s at %s: %w", name, rev, err)
			}
			return &Found{Revision: rev, Filename: name, Content: content}, nil
		}
	}
	return nil, ErrRevisionNotFound
}

func candidateRevisions(ctx context.Context, r Reader, repositoryID, ref, commit string) []string {
	var revs []string
	seen := map[string]bool{}
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				revs = append(revs, n)
			}
		}
	}
	branch := func(name string) {
		if name != "" {
			add(name, "refs/heads/"+name)
		}
	}

	add(commit)
	branch(ref)
	if def, err := r.DefaultBranch(ctx, repositoryID); err == nil {
		branch(def)
	}
	for _, b := range fallbackBranches {
		branch(b)
	}
	if branches, err := r.Branches(ctx, repositoryID); err == nil {
		for _, b := range branches {
			branch(b)
		}
	}
	return revs
}
