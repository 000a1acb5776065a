// Package commitflow ties sessions, tasks, and git together: scoped
// commits of a task's touched files, merge-to-main bookkeeping, reverts,
// and task archival.
package commitflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/gitsvc"
	sessionview "github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/task"
	"github.com/agentz/agentz/internal/worktree"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// defaultMainBranch is the merge target when none is configured.
const defaultMainBranch = "main"

// SessionSource supplies the non-deleted sessions bound to a task.
type SessionSource interface {
	SessionsForTask(ctx context.Context, taskPath string) ([]*v1.Session, error)
}

// Workflow runs the commit, merge, revert, and archive paths.
type Workflow struct {
	git       *gitsvc.Service
	worktrees *worktree.Manager
	tasks     *task.Store
	sessions  SessionSource
	repoRoot  string
	logger    *logger.Logger
}

// NewWorkflow wires the collaborators. repoRoot is the primary checkout
// the scoped commits run in.
func NewWorkflow(git *gitsvc.Service, wt *worktree.Manager, tasks *task.Store, sessions SessionSource, repoRoot string, log *logger.Logger) *Workflow {
	if log == nil {
		log = logger.Default()
	}
	return &Workflow{
		git:       git,
		worktrees: wt,
		tasks:     tasks,
		sessions:  sessions,
		repoRoot:  repoRoot,
		logger:    log.WithFields(zap.String("component", "commit-workflow")),
	}
}

// taskFiles computes the union of repo-relative paths touched by every
// non-deleted session of the task, sorted for determinism.
func (w *Workflow) taskFiles(ctx context.Context, taskPath string) ([]string, error) {
	sessions, err := w.sessions.SessionsForTask(ctx, taskPath)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, s := range sessions {
		for _, f := range sessionview.ChangedFiles(s) {
			seen[f.Path] = true
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// CommitTaskFiles commits the task's touched files plus the task file
// itself when modified, scoped to exactly those paths. Returns the
// short commit hash.
func (w *Workflow) CommitTaskFiles(ctx context.Context, taskPath string) (string, error) {
	files, err := w.taskFiles(ctx, taskPath)
	if err != nil {
		return "", err
	}

	st, err := w.git.Status(ctx, w.repoRoot)
	if err != nil {
		return "", err
	}
	if st.Has(taskPath) {
		files = append(files, taskPath)
	}

	var present []string
	for _, f := range files {
		if st.Has(f) {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return "", apperrors.BadRequest("no uncommitted changes")
	}

	t, err := w.tasks.Load(taskPath)
	if err != nil {
		return "", err
	}
	message := fmt.Sprintf("task: %s\n\nFiles committed by agentz for %s.", t.Title, taskPath)
	hash, err := w.git.CommitScoped(ctx, w.repoRoot, present, message)
	if err != nil {
		return "", err
	}
	w.logger.Info("task files committed",
		zap.String("task", taskPath),
		zap.String("commit", hash),
		zap.Int("files", len(present)))
	return hash, nil
}

// MergeToMain merges a session's worktree branch into main with --no-ff
// and records the merge on the owning task. A conflict aborts cleanly
// and records nothing.
func (w *Workflow) MergeToMain(ctx context.Context, taskPath string, session *v1.Session) (*v1.MergeRecord, error) {
	if session == nil || session.WorktreeBranch == "" {
		return nil, apperrors.BadRequest("session has no worktree branch")
	}

	res, err := w.git.MergeBranch(ctx, w.repoRoot, session.WorktreeBranch, defaultMainBranch)
	if err != nil {
		return nil, err
	}
	if res.HasConflicts {
		return nil, apperrors.MergeConflict(fmt.Sprintf(
			"merge of %s conflicts in %d file(s); resolve manually",
			session.WorktreeBranch, len(res.Conflicts)))
	}

	rec := v1.MergeRecord{
		SessionID:  session.ID,
		CommitHash: res.MergeCommit,
		MergedAt:   time.Now().UTC(),
	}
	if _, err := w.tasks.AppendMerge(taskPath, rec); err != nil {
		return nil, err
	}
	w.logger.Info("session merged to main",
		zap.String("task", taskPath),
		zap.String("session_id", session.ID),
		zap.String("commit", rec.CommitHash))
	return &rec, nil
}

// Revert reverts a recorded merge commit and pairs the revert hash with
// the merge record, flipping qaStatus to fail.
func (w *Workflow) Revert(ctx context.Context, taskPath, mergeCommit string) (string, error) {
	revertHash, err := w.git.RevertMerge(ctx, w.repoRoot, mergeCommit)
	if err != nil {
		return "", err
	}
	if _, err := w.tasks.RecordRevert(taskPath, mergeCommit, revertHash); err != nil {
		return "", err
	}
	w.logger.Info("merge reverted",
		zap.String("task", taskPath),
		zap.String("merge_commit", mergeCommit),
		zap.String("revert_commit", revertHash))
	return revertHash, nil
}

// Archive retires a task: refuses while task files are uncommitted or
// unrelated files are staged, force-deletes the task's worktrees
// best-effort, moves the file under tasks/archive/YYYY-MM/, and commits
// the rename.
func (w *Workflow) Archive(ctx context.Context, taskPath string, expectedVersion int) (*task.Task, error) {
	files, err := w.taskFiles(ctx, taskPath)
	if err != nil {
		return nil, err
	}

	st, err := w.git.Status(ctx, w.repoRoot)
	if err != nil {
		return nil, err
	}
	for _, f := range append(files, taskPath) {
		if st.Has(f) {
			return nil, apperrors.Conflict(fmt.Sprintf(
				"cannot archive: %s has uncommitted changes", f))
		}
	}
	taskSet := make(map[string]bool, len(files))
	for _, f := range files {
		taskSet[f] = true
	}
	for _, staged := range st.Staged {
		if !taskSet[staged] && staged != taskPath {
			return nil, apperrors.Conflict(fmt.Sprintf(
				"cannot archive: unrelated file %s is staged", staged))
		}
	}

	sessions, err := w.sessions.SessionsForTask(ctx, taskPath)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if w.worktrees == nil {
			break
		}
		if _, ok := w.worktrees.Lookup(s.ID); !ok {
			continue
		}
		if err := w.worktrees.Delete(ctx, s.ID, true); err != nil {
			w.logger.Warn("worktree cleanup during archive failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	archived, err := w.tasks.Archive(taskPath, expectedVersion, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("chore: archive task %s", filepath.Base(taskPath))
	if _, err := w.git.CommitScoped(ctx, w.repoRoot, []string{taskPath, archived.Path}, message); err != nil {
		return nil, err
	}
	return archived, nil
}
