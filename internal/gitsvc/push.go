package gitsvc

import (
	"context"
	"strings"

	apperrors "github.com/agentz/agentz/internal/common/errors"
)

// Push pushes the current branch. The remote is resolved in order: the
// branch's configured upstream, a remote named "origin", then the first
// remote listed. Pushes never prompt; credential failures surface as
// sanitised errors.
func (s *Service) Push(ctx context.Context, cwd string) error {
	branch, err := s.CurrentBranch(ctx, cwd)
	if err != nil {
		return err
	}

	if s.hasUpstream(ctx, cwd) {
		_, err = s.run(ctx, cwd, "push")
		return err
	}

	remote, err := s.resolveRemote(ctx, cwd)
	if err != nil {
		return err
	}
	_, err = s.run(ctx, cwd, "push", "--set-upstream", remote, branch)
	return err
}

func (s *Service) hasUpstream(ctx context.Context, cwd string) bool {
	_, err := s.run(ctx, cwd, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	return err == nil
}

// resolveRemote picks origin when present, otherwise the first remote.
func (s *Service) resolveRemote(ctx context.Context, cwd string) (string, error) {
	out, err := s.run(ctx, cwd, "remote")
	if err != nil {
		return "", err
	}
	remotes := strings.Fields(out)
	if len(remotes) == 0 {
		return "", apperrors.BadRequest("repository has no remotes")
	}
	for _, r := range remotes {
		if r == "origin" {
			return r, nil
		}
	}
	return remotes[0], nil
}
