package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

const (
	tasksDir   = "tasks"
	archiveDir = "tasks/archive"
)

// Store reads and mutates Markdown task files under a repository root.
// A single mutex serialises writers; the files themselves are shared
// with the user, so reads always come from disk.
type Store struct {
	root   string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewStore creates a task store rooted at the repository root.
func NewStore(root string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "task-store")),
	}
}

// TaskPath normalises a task name to its repo-relative path.
func TaskPath(name string) string {
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	return filepath.ToSlash(filepath.Join(tasksDir, name))
}

// ArchivePath places a task file under tasks/archive/YYYY-MM/.
func ArchivePath(path string, at time.Time) string {
	return filepath.ToSlash(filepath.Join(archiveDir, at.Format("2006-01"), filepath.Base(path)))
}

// Load parses the task at the repo-relative path.
func (s *Store) Load(path string) (*Task, error) {
	data, err := os.ReadFile(filepath.Join(s.root, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("task", path)
		}
		return nil, apperrors.InternalError("read task file", err)
	}
	return Parse(path, data)
}

// List returns every non-archived task, sorted by path.
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, tasksDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.InternalError("list tasks", err)
	}
	var tasks []*Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		t, err := s.Load(filepath.ToSlash(filepath.Join(tasksDir, e.Name())))
		if err != nil {
			s.logger.Warn("skipping unparsable task",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Path < tasks[j].Path })
	return tasks, nil
}

// Create writes a new task file. Fails if the file already exists.
func (s *Store) Create(name, title, body string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := TaskPath(name)
	abs := filepath.Join(s.root, path)
	if _, err := os.Stat(abs); err == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("task %s already exists", path))
	}
	t := &Task{
		Path:        path,
		FrontMatter: FrontMatter{Version: 1},
		Title:       title,
		Body:        body,
	}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// mutate applies fn to the current on-disk task under the version
// check, bumps the version, and writes the result atomically.
// expectedVersion < 0 skips the check (internal callers only).
func (s *Store) mutate(path string, expectedVersion int, fn func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(path, expectedVersion, fn)
}

func (s *Store) mutateLocked(path string, expectedVersion int, fn func(*Task) error) (*Task, error) {
	t, err := s.Load(path)
	if err != nil {
		return nil, err
	}
	if expectedVersion >= 0 && t.FrontMatter.Version != expectedVersion {
		return nil, apperrors.VersionConflict(path, t.FrontMatter.Version)
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.FrontMatter.Version++
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// write renders and atomically replaces the task's file.
func (s *Store) write(t *Task) error {
	data, err := Render(t)
	if err != nil {
		return apperrors.InternalError("render task", err)
	}
	abs := filepath.Join(s.root, t.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return apperrors.InternalError("create task directory", err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.InternalError("write task file", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return apperrors.InternalError("replace task file", err)
	}
	return nil
}

// UpdateContent replaces the title and body under the version check.
// The Subtasks block is untouched.
func (s *Store) UpdateContent(path string, expectedVersion int, title, body string) (*Task, error) {
	return s.mutate(path, expectedVersion, func(t *Task) error {
		if title != "" {
			t.Title = title
		}
		t.Body = body
		return nil
	})
}

// SetAutoRun flips the autoRun flag.
func (s *Store) SetAutoRun(path string, expectedVersion int, autoRun bool) (*Task, error) {
	return s.mutate(path, expectedVersion, func(t *Task) error {
		t.FrontMatter.AutoRun = autoRun
		return nil
	})
}

// AddSubtask appends a pending subtask and returns the updated task.
func (s *Store) AddSubtask(path string, expectedVersion int, title string) (*Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperrors.ValidationError("title", "subtask title is required")
	}
	return s.mutate(path, expectedVersion, func(t *Task) error {
		t.Subtasks = append(t.Subtasks, Subtask{
			ID:     newSubtaskID(),
			Title:  title,
			Status: SubtaskPending,
		})
		return nil
	})
}

// UpdateSubtask changes a subtask's title and/or status in place.
func (s *Store) UpdateSubtask(path string, expectedVersion int, id, title string, status SubtaskStatus) (*Task, error) {
	if status != "" && !ValidSubtaskStatus(status) {
		return nil, apperrors.ValidationError("status", fmt.Sprintf("unknown subtask status %q", status))
	}
	return s.mutate(path, expectedVersion, func(t *Task) error {
		st := t.Subtask(id)
		if st == nil {
			return apperrors.NotFound("subtask", id)
		}
		if title != "" {
			st.Title = title
		}
		if status != "" {
			st.Status = status
		}
		return nil
	})
}

// DeleteSubtask removes a subtask from the block.
func (s *Store) DeleteSubtask(path string, expectedVersion int, id string) (*Task, error) {
	return s.mutate(path, expectedVersion, func(t *Task) error {
		for i := range t.Subtasks {
			if t.Subtasks[i].ID == id {
				t.Subtasks = append(t.Subtasks[:i], t.Subtasks[i+1:]...)
				return nil
			}
		}
		return apperrors.NotFound("subtask", id)
	})
}

// Archive marks the task archived and moves it under
// tasks/archive/YYYY-MM/. Returns the task at its new path.
func (s *Store) Archive(path string, expectedVersion int, at time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newPath := ArchivePath(path, at)
	t, err := s.mutateLocked(path, expectedVersion, func(t *Task) error {
		if t.FrontMatter.Archived {
			return apperrors.Conflict(fmt.Sprintf("task %s is already archived", path))
		}
		archivedAt := at.UTC()
		t.FrontMatter.Archived = true
		t.FrontMatter.ArchivedAt = &archivedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.move(t, newPath); err != nil {
		return nil, err
	}
	s.logger.Info("task archived", zap.String("from", path), zap.String("to", newPath))
	return t, nil
}

// Restore moves an archived task back to tasks/ and clears the flags.
func (s *Store) Restore(path string, expectedVersion int) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.mutateLocked(path, expectedVersion, func(t *Task) error {
		if !t.FrontMatter.Archived {
			return apperrors.Conflict(fmt.Sprintf("task %s is not archived", path))
		}
		t.FrontMatter.Archived = false
		t.FrontMatter.ArchivedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	newPath := filepath.ToSlash(filepath.Join(tasksDir, filepath.Base(path)))
	if err := s.move(t, newPath); err != nil {
		return nil, err
	}
	return t, nil
}

// move renames the task's file on disk and updates t.Path.
func (s *Store) move(t *Task, newPath string) error {
	oldAbs := filepath.Join(s.root, t.Path)
	newAbs := filepath.Join(s.root, newPath)
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return apperrors.InternalError("create archive directory", err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return apperrors.InternalError("move task file", err)
	}
	t.Path = newPath
	return nil
}

// SplitSections creates one subtask per selected heading found in the
// body. Headings are matched on their text, H2 or H3.
func (s *Store) SplitSections(path string, expectedVersion int, headings []string) (*Task, error) {
	if len(headings) == 0 {
		return nil, apperrors.BadRequest("no headings selected")
	}
	return s.mutate(path, expectedVersion, func(t *Task) error {
		present := bodyHeadings(t.Body)
		for _, h := range headings {
			if !present[h] {
				return apperrors.NotFound("heading", h)
			}
			t.Subtasks = append(t.Subtasks, Subtask{
				ID:     newSubtaskID(),
				Title:  h,
				Status: SubtaskPending,
			})
		}
		return nil
	})
}

// bodyHeadings collects H2/H3 heading texts from a markdown body.
func bodyHeadings(body string) map[string]bool {
	out := make(map[string]bool)
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "### "); ok {
			out[strings.TrimSpace(rest)] = true
		} else if rest, ok := strings.CutPrefix(trimmed, "## "); ok {
			out[strings.TrimSpace(rest)] = true
		}
	}
	return out
}

// MigrateSplitFrom folds child task files whose splitFrom names the
// parent back into the parent as subtasks, then deletes the child
// files. Archived children arrive completed, others pending.
func (s *Store) MigrateSplitFrom(parentPath string) (*Task, error) {
	children, err := s.childrenOf(parentPath)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return s.Load(parentPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.mutateLocked(parentPath, -1, func(t *Task) error {
		for _, child := range children {
			status := SubtaskPending
			if child.FrontMatter.Archived {
				status = SubtaskCompleted
			}
			t.Subtasks = append(t.Subtasks, Subtask{
				ID:     newSubtaskID(),
				Title:  child.Title,
				Status: status,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if err := os.Remove(filepath.Join(s.root, child.Path)); err != nil {
			s.logger.Warn("failed to remove migrated child",
				zap.String("path", child.Path), zap.Error(err))
		}
	}
	return t, nil
}

// childrenOf lists tasks whose splitFrom references parentPath.
func (s *Store) childrenOf(parentPath string) ([]*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var children []*Task
	for _, t := range all {
		if t.FrontMatter.SplitFrom == parentPath {
			children = append(children, t)
		}
	}
	return children, nil
}

// AppendMerge records a merge-to-main on the task and resets qaStatus
// to pending. Not version-checked: the commit workflow owns this write.
func (s *Store) AppendMerge(path string, rec v1.MergeRecord) (*Task, error) {
	return s.mutate(path, -1, func(t *Task) error {
		t.FrontMatter.Merges = append(t.FrontMatter.Merges, rec)
		t.FrontMatter.QAStatus = v1.QAPending
		return nil
	})
}

// RecordRevert pairs a revert hash with the matching merge record and
// sets qaStatus to fail.
func (s *Store) RecordRevert(path, mergeCommit, revertHash string) (*Task, error) {
	return s.mutate(path, -1, func(t *Task) error {
		for i := range t.FrontMatter.Merges {
			if t.FrontMatter.Merges[i].CommitHash == mergeCommit {
				t.FrontMatter.Merges[i].RevertedBy = revertHash
				t.FrontMatter.QAStatus = v1.QAFail
				return nil
			}
		}
		return apperrors.NotFound("merge record", mergeCommit)
	})
}

func newSubtaskID() string {
	return "st-" + uuid.NewString()[:8]
}
