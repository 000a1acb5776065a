// Package worktree isolates each agent session in its own git worktree
// so concurrent sessions never contend for the same checkout. Worktrees
// live beside the repository rather than inside it, and each is pinned
// to a session branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/common/config"
	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/gitsvc"
)

const (
	branchPrefix = "agentz/session-"
	worktreeDir  = ".agentz-worktrees"
)

// BranchForSession returns the dedicated branch name for a session.
func BranchForSession(sessionID string) string {
	return branchPrefix + sessionID
}

// PathForSession returns the worktree path for a session: a sibling of
// the repository root, so the worktree is never inside the repo itself.
func PathForSession(repoRoot, sessionID string) string {
	return filepath.Join(filepath.Dir(repoRoot), worktreeDir, sessionID)
}

// Manager creates, tracks, and removes session worktrees.
type Manager struct {
	cfg    config.WorktreeConfig
	git    *gitsvc.Service
	store  *Store
	logger *logger.Logger

	mu        sync.Mutex
	worktrees map[string]*Info
}

// NewManager builds a manager and rebuilds its in-memory table from the
// store. A nil store disables persistence.
func NewManager(cfg config.WorktreeConfig, git *gitsvc.Service, store *Store, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		cfg:       cfg,
		git:       git,
		store:     store,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		worktrees: make(map[string]*Info),
	}
	if store != nil {
		infos, err := store.List(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to load worktree records: %w", err)
		}
		for _, info := range infos {
			m.worktrees[info.SessionID] = info
		}
	}
	return m, nil
}

// Enabled reports whether worktree isolation is on.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// Ensure returns the working directory a session should run in. With
// isolation disabled this is the repository root itself. Otherwise the
// session's worktree and branch are created if missing; repeated calls
// for the same session return the same path.
func (m *Manager) Ensure(ctx context.Context, sessionID, repoRoot string) (*Info, error) {
	if !m.cfg.Enabled {
		return &Info{SessionID: sessionID, RepoRoot: repoRoot, Path: repoRoot}, nil
	}

	root, err := m.git.RepoRoot(ctx, repoRoot)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.worktrees[sessionID]; ok {
		if _, statErr := os.Stat(info.Path); statErr == nil {
			return info, nil
		}
		// Stale record: the directory is gone, rebuild below.
		delete(m.worktrees, sessionID)
	}

	branch := BranchForSession(sessionID)
	path := PathForSession(root, sessionID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.InternalError("create worktree parent", err)
	}

	branchExisted := m.git.BranchExists(ctx, root, branch)
	if branchExisted {
		_, err = m.git.Run(ctx, root, "worktree", "add", path, branch)
	} else {
		_, err = m.git.Run(ctx, root, "worktree", "add", "-b", branch, path, "HEAD")
	}
	if err != nil {
		m.rollback(ctx, root, path, branch, branchExisted)
		return nil, err
	}

	info := &Info{
		SessionID: sessionID,
		RepoRoot:  root,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now().UTC(),
	}
	if m.store != nil {
		if err := m.store.Put(ctx, info); err != nil {
			m.rollback(ctx, root, path, branch, branchExisted)
			return nil, apperrors.InternalError("persist worktree record", err)
		}
	}
	m.worktrees[sessionID] = info
	m.logger.Info("worktree created",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.String("branch", branch))
	return info, nil
}

// rollback undoes a partially created worktree so a failed Ensure
// leaves no residue.
func (m *Manager) rollback(ctx context.Context, root, path, branch string, branchExisted bool) {
	if _, err := m.git.Run(ctx, root, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.git.Run(ctx, root, "worktree", "prune")
	}
	if !branchExisted {
		_, _ = m.git.Run(ctx, root, "branch", "-D", branch)
	}
}

// Lookup returns the tracked worktree for a session, if any.
func (m *Manager) Lookup(sessionID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.worktrees[sessionID]
	return info, ok
}

// List returns all tracked worktrees.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]*Info, 0, len(m.worktrees))
	for _, info := range m.worktrees {
		infos = append(infos, info)
	}
	return infos
}

// Delete removes a session's worktree. The session branch is deleted
// with -d (merged only) unless force, which uses -D and also forces the
// worktree removal past uncommitted changes.
func (m *Manager) Delete(ctx context.Context, sessionID string, force bool) error {
	m.mu.Lock()
	info, ok := m.worktrees[sessionID]
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("worktree", sessionID)
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, info.Path)
	if _, err := m.git.Run(ctx, info.RepoRoot, args...); err != nil {
		if !force {
			return err
		}
		_ = os.RemoveAll(info.Path)
		_, _ = m.git.Run(ctx, info.RepoRoot, "worktree", "prune")
	}

	delFlag := "-d"
	if force {
		delFlag = "-D"
	}
	if _, err := m.git.Run(ctx, info.RepoRoot, "branch", delFlag, info.Branch); err != nil {
		m.logger.Debug("branch not deleted",
			zap.String("branch", info.Branch), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.worktrees, sessionID)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("failed to delete worktree record",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	m.logger.Info("worktree removed", zap.String("session_id", sessionID))
	return nil
}

// DetailedInfo is one entry of `git worktree list --porcelain`.
type DetailedInfo struct {
	Path     string `json:"path"`
	Head     string `json:"head"`
	Branch   string `json:"branch,omitempty"`
	Detached bool   `json:"detached"`
	Locked   bool   `json:"locked"`
	Prunable bool   `json:"prunable"`
	Reason   string `json:"reason,omitempty"`
}

// ListDetailed reports every worktree git knows about for the repo,
// including the main checkout.
func (m *Manager) ListDetailed(ctx context.Context, repoRoot string) ([]DetailedInfo, error) {
	out, err := m.git.Run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses porcelain worktree output: blank-line
// separated blocks of "key value" lines.
func parseWorktreeList(out string) []DetailedInfo {
	var list []DetailedInfo
	var cur *DetailedInfo
	flush := func() {
		if cur != nil {
			list = append(list, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			flush()
			cur = &DetailedInfo{Path: value}
		case "HEAD":
			if cur != nil {
				cur.Head = value
			}
		case "branch":
			if cur != nil {
				cur.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "detached":
			if cur != nil {
				cur.Detached = true
			}
		case "locked":
			if cur != nil {
				cur.Locked = true
				cur.Reason = value
			}
		case "prunable":
			if cur != nil {
				cur.Prunable = true
				cur.Reason = value
			}
		}
	}
	flush()
	return list
}

// CleanupOrphaned removes worktrees whose sessions are no longer
// active. Dirty worktrees are skipped unless force. Returns the session
// ids actually cleaned.
func (m *Manager) CleanupOrphaned(ctx context.Context, active map[string]bool, force bool) []string {
	m.mu.Lock()
	var orphans []*Info
	for id, info := range m.worktrees {
		if !active[id] {
			orphans = append(orphans, info)
		}
	}
	m.mu.Unlock()

	var cleaned []string
	for _, info := range orphans {
		if !force {
			st, err := m.git.Status(ctx, info.Path)
			if err == nil && !st.IsClean() {
				m.logger.Debug("skipping dirty worktree",
					zap.String("session_id", info.SessionID))
				continue
			}
		}
		if err := m.Delete(ctx, info.SessionID, force); err != nil {
			m.logger.Warn("orphan cleanup failed",
				zap.String("session_id", info.SessionID), zap.Error(err))
			continue
		}
		cleaned = append(cleaned, info.SessionID)
	}
	return cleaned
}
