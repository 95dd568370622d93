package trigger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/revision"
	"github.com/kiranshivaraju/ciengine/internal/rules"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// CI context variable names.
const (
	VarPipelineSource = "CI_PIPELINE_SOURCE"
	VarPipelineID     = "CI_PIPELINE_ID"
	VarRepoID         = "CI_REPO_ID"
	VarCommitSHA      = "CI_COMMIT_SHA"
	VarCommitBranch   = "CI_COMMIT_BRANCH"
	VarCommitTag      = "CI_COMMIT_TAG"
	VarCommitRefName  = "CI_COMMIT_REF_NAME"
	VarMRSourceBranch = "CI_MERGE_REQUEST_SOURCE_BRANCH_NAME"
	VarMRTargetBranch = "CI_MERGE_REQUEST_TARGET_BRANCH_NAME"
	VarChangedPaths   = "CI_CHANGED_PATHS"
	VarDefinitionFile = "CI_CONFIG_PATH"
)

// splitRef separates a ref into branch and tag names. A bare name is a
// branch.
func splitRef(ref string) (branch, tag string) {
	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		return strings.TrimPrefix(ref, "refs/heads/"), ""
	case strings.HasPrefix(ref, "refs/tags/"):
		return "", strings.TrimPrefix(ref, "refs/tags/")
	}
	return ref, ""
}

// buildContext assembles the variables rules are evaluated against and
// that every job of the pipeline receives. Unknown facts are empty.
func buildContext(ctx context.Context, reader revision.Reader, req Request, pipelineID uuid.UUID, commit, definitionFile string) map[string]string {
	branch, tag := splitRef(req.Ref)
	refName := branch
	if tag != "" {
		refName = tag
	}

	vars := map[string]string{
		VarPipelineSource: string(req.Source),
		VarPipelineID:     pipelineID.String(),
		VarRepoID:         req.RepositoryID,
		VarCommitSHA:      commit,
		VarCommitBranch:   branch,
		VarCommitTag:      tag,
		VarCommitRefName:  refName,
		VarMRSourceBranch: "",
		VarMRTargetBranch: "",
		VarChangedPaths:   "",
		VarDefinitionFile: definitionFile,
	}
	if req.Source == models.SourceMergeRequest && req.MergeRequest != nil {
		vars[VarMRSourceBranch] = req.MergeRequest.SourceBranch
		vars[VarMRTargetBranch] = req.MergeRequest.TargetBranch
	}

	if commit != "" {
		paths, err := reader.ChangedPaths(ctx, req.RepositoryID, commit)
		if err != nil {
			slog.Warn("changed paths unavailable",
				"repository_id", req.RepositoryID, "commit", commit, "error", err)
		} else {
			vars[VarChangedPaths] = strings.Join(paths, rules.ListSeparator)
		}
	}
	return vars
}
