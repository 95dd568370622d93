package revision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitReader reads revisions from bare or working-tree repositories stored
// under a base directory, one directory per repository id.
type GitReader struct {
	baseDir string
}

// NewGitReader returns a GitReader rooted at baseDir.
func NewGitReader(baseDir string) *GitReader {
	return &GitReader{baseDir: baseDir}
}

func (g *GitReader) ReadFile(ctx context.Context, repositoryID, rev, path string) ([]byte, error) {
	if !safeRevision(rev) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	out, err := g.run(ctx, repositoryID, "show", "--end-of-options", rev+":"+path)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GitReader) DefaultBranch(ctx context.Context, repositoryID string) (string, error) {
	out, err := g.run(ctx, repositoryID, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitReader) Branches(ctx context.Context, repositoryID string) ([]string, error) {
	out, err := g.run(ctx, repositoryID, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (g *GitReader) ResolveCommit(ctx context.Context, repositoryID, rev string) (string, error) {
	if !safeRevision(rev) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	out, err := g.run(ctx, repositoryID, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitReader) ChangedPaths(ctx context.Context, repositoryID, commit string) ([]string, error) {
	if !safeRevision(commit) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRevision, commit)
	}
	out, err := g.run(ctx, repositoryID, "diff-tree", "--no-commit-id", "--name-only", "-r", "--root", "--end-of-options", commit)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// run executes git against the repository directory. A non-zero exit is
// reported as ErrRevisionNotFound; a missing repository likewise.
func (g *GitReader) run(ctx context.Context, repositoryID string, args ...string) ([]byte, error) {
	if !filepath.IsLocal(repositoryID) {
		return nil, fmt.Errorf("%w: invalid repository id %q", ErrRevisionNotFound, repositoryID)
	}
	dir := filepath.Join(g.baseDir, repositoryID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: repository %s: %v", ErrRevisionNotFound, repositoryID, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: git %s: %s", ErrRevisionNotFound, args[0], strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), dir, err)
	}
	return stdout.Bytes(), nil
}

func lines(out []byte) []string {
	var result []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}
	return result
}
