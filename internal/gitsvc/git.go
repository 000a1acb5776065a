// Package gitsvc is a validated wrapper over the installed git binary.
// Every operation checks paths against the repo root and branch names
// against git's ref rules before git is invoked, and git's error text is
// sanitised before it is surfaced.
package gitsvc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
)

// commandTimeout bounds every git invocation.
const commandTimeout = 30 * time.Second

// Service executes git operations with validation and sanitised errors.
type Service struct {
	logger  *logger.Logger
	timeout time.Duration
}

// NewService creates a git service.
func NewService(log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		logger:  log.WithFields(zap.String("component", "git-service")),
		timeout: commandTimeout,
	}
}

// run invokes git in cwd with prompts disabled and stdio captured.
func (s *Service) run(ctx context.Context, cwd string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	cmd.Env = append(cmd.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=true",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := Sanitize(strings.TrimSpace(stderr.String()), cwd)
		if msg == "" {
			msg = fmt.Sprintf("git %s failed", args[0])
		}
		s.logger.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("stderr", msg))
		return stdout.String(), apperrors.GitFailure(msg, err)
	}
	return stdout.String(), nil
}

// Run executes an arbitrary git command in cwd with the service's
// timeout and sanitisation. Callers must validate user-supplied
// arguments first.
func (s *Service) Run(ctx context.Context, cwd string, args ...string) (string, error) {
	return s.run(ctx, cwd, args...)
}

// IsRepo reports whether cwd is inside a git working tree.
func (s *Service) IsRepo(ctx context.Context, cwd string) bool {
	out, err := s.run(ctx, cwd, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// RepoRoot returns the top-level directory of the working tree at cwd.
func (s *Service) RepoRoot(ctx context.Context, cwd string) (string, error) {
	out, err := s.run(ctx, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", apperrors.NotARepo(cwd)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name at cwd.
func (s *Service) CurrentBranch(ctx context.Context, cwd string) (string, error) {
	out, err := s.run(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists.
func (s *Service) BranchExists(ctx context.Context, cwd, branch string) bool {
	if !IsValidBranchName(branch) {
		return false
	}
	_, err := s.run(ctx, cwd, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

var (
	credentialURLRe = regexp.MustCompile(`(https?://)[^/@\s]+@`)
	absPathRe       = regexp.MustCompile(`(^|[\s'"(])(/[\w.@-]+(?:/[\w.@-]+)+)`)
)

// Sanitize strips credential tokens and absolute paths from git output
// so raw filesystem layout and secrets never reach clients.
func Sanitize(text, cwd string) string {
	text = credentialURLRe.ReplaceAllString(text, "${1}***@")
	if cwd != "" {
		text = strings.ReplaceAll(text, cwd, ".")
	}
	text = absPathRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := absPathRe.FindStringSubmatch(m)
		return sub[1] + filepath.Base(sub[2])
	})
	return text
}
