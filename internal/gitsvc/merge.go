package gitsvc

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentz/agentz/internal/common/errors"
)

// MergeResult reports the outcome of MergeBranch.
type MergeResult struct {
	MergeCommit  string   `json:"merge_commit,omitempty"`
	HasConflicts bool     `json:"has_conflicts"`
	Conflicts    []string `json:"conflicts,omitempty"`
}

// MergeBranch merges source into target with --no-ff. On conflict the
// merge is aborted and the conflicting paths are returned instead of an
// error. The branch checked out before the call is always restored.
func (s *Service) MergeBranch(ctx context.Context, cwd, source, target string) (*MergeResult, error) {
	if err := ValidateBranchName(source); err != nil {
		return nil, err
	}
	if err := ValidateBranchName(target); err != nil {
		return nil, err
	}
	if !s.BranchExists(ctx, cwd, source) {
		return nil, apperrors.NotFound("branch", source)
	}
	if !s.BranchExists(ctx, cwd, target) {
		return nil, apperrors.NotFound("branch", target)
	}

	startBranch, err := s.CurrentBranch(ctx, cwd)
	if err != nil {
		return nil, err
	}
	restore := func() {
		if startBranch == "" || startBranch == "HEAD" {
			return
		}
		if _, err := s.run(ctx, cwd, "checkout", startBranch); err != nil {
			s.logger.Warn("failed to restore starting branch",
				zap.String("branch", startBranch), zap.Error(err))
		}
	}

	if startBranch != target {
		if _, err := s.run(ctx, cwd, "checkout", target); err != nil {
			return nil, err
		}
	}

	msg := fmt.Sprintf("Merge branch '%s' into %s", source, target)
	if _, err := s.run(ctx, cwd, "merge", "--no-ff", "-m", msg, source); err != nil {
		conflicts := s.conflictedPaths(ctx, cwd)
		if len(conflicts) > 0 {
			if _, aerr := s.run(ctx, cwd, "merge", "--abort"); aerr != nil {
				s.logger.Warn("merge abort failed", zap.Error(aerr))
			}
			restore()
			return &MergeResult{HasConflicts: true, Conflicts: conflicts}, nil
		}
		restore()
		return nil, err
	}

	hash, err := s.run(ctx, cwd, "rev-parse", "HEAD")
	if err != nil {
		restore()
		return nil, err
	}
	restore()
	return &MergeResult{MergeCommit: strings.TrimSpace(hash)}, nil
}

// conflictedPaths lists unmerged paths, empty when no merge is underway.
func (s *Service) conflictedPaths(ctx context.Context, cwd string) []string {
	out, err := s.run(ctx, cwd, "diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// RevertMerge reverts a merge commit against its first parent and
// returns the revert commit's full hash.
func (s *Service) RevertMerge(ctx context.Context, cwd, mergeCommit string) (string, error) {
	if strings.TrimSpace(mergeCommit) == "" {
		return "", apperrors.BadRequest("empty merge commit")
	}
	if _, err := s.run(ctx, cwd, "revert", "-m", "1", "--no-edit", mergeCommit); err != nil {
		return "", err
	}
	out, err := s.run(ctx, cwd, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
