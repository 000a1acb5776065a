package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentz/agentz/internal/common/errors"
	sessionfold "github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/task"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// sessionFiles lists the repo-relative paths a session touched.
func sessionFiles(sess *v1.Session) []string {
	changed := sessionfold.ChangedFiles(sess)
	out := make([]string, 0, len(changed))
	for _, f := range changed {
		out = append(out, f.Path)
	}
	return out
}

// taskPath resolves the :name route param to a repo-relative path.
func taskPath(c *gin.Context) string {
	return task.TaskPath(c.Param("name"))
}

// ListTasks lists every non-archived task.
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.tasks.List()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// CreateTask writes a new task file.
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.Create(req.Name, req.Title, req.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GetTask loads one task.
// GET /api/v1/tasks/:name
func (h *Handler) GetTask(c *gin.Context) {
	t, err := h.tasks.Load(taskPath(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateTask replaces a task's title and body under the version check.
// PUT /api/v1/tasks/:name
func (h *Handler) UpdateTask(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.UpdateContent(taskPath(c), req.Version, req.Title, req.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// SetTaskAutoRun flips the autoRun flag.
// PUT /api/v1/tasks/:name/auto-run
func (h *Handler) SetTaskAutoRun(c *gin.Context) {
	var req AutoRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.SetAutoRun(taskPath(c), req.Version, req.AutoRun)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// AddSubtask appends a pending subtask.
// POST /api/v1/tasks/:name/subtasks
func (h *Handler) AddSubtask(c *gin.Context) {
	var req AddSubtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.AddSubtask(taskPath(c), req.Version, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// UpdateSubtask changes a subtask's title or status.
// PUT /api/v1/tasks/:name/subtasks/:subtaskId
func (h *Handler) UpdateSubtask(c *gin.Context) {
	var req UpdateSubtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.UpdateSubtask(taskPath(c), req.Version, c.Param("subtaskId"), req.Title, task.SubtaskStatus(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeleteSubtask removes a subtask.
// DELETE /api/v1/tasks/:name/subtasks/:subtaskId
func (h *Handler) DeleteSubtask(c *gin.Context) {
	var req VersionedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.DeleteSubtask(taskPath(c), req.Version, c.Param("subtaskId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// SplitTask turns selected body headings into subtasks.
// POST /api/v1/tasks/:name/split
func (h *Handler) SplitTask(c *gin.Context) {
	var req SplitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.SplitSections(taskPath(c), req.Version, req.Headings)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// MigrateTask folds split-off child task files back into the parent.
// POST /api/v1/tasks/:name/migrate
func (h *Handler) MigrateTask(c *gin.Context) {
	t, err := h.tasks.MigrateSplitFrom(taskPath(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// RestoreTask moves an archived task back into tasks/. The archived
// path includes the month directory, so it is carried in the query.
// POST /api/v1/tasks/restore?path=tasks/archive/2026-08/name.md
func (h *Handler) RestoreTask(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		h.writeError(c, errors.BadRequest("path query parameter is required"))
		return
	}
	var req VersionedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.tasks.Restore(path, req.Version)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Commit workflow endpoints

// CommitTask commits the task's uncommitted session files.
// POST /api/v1/tasks/:name/commit
func (h *Handler) CommitTask(c *gin.Context) {
	hash, err := h.workflow.CommitTaskFiles(c.Request.Context(), taskPath(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commit": hash})
}

// MergeTask merges one session's worktree branch into main.
// POST /api/v1/tasks/:name/merge
func (h *Handler) MergeTask(c *gin.Context) {
	var req MergeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	rec, err := h.workflow.MergeToMain(c.Request.Context(), taskPath(c), sess)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RevertTask reverts a recorded merge commit.
// POST /api/v1/tasks/:name/revert
func (h *Handler) RevertTask(c *gin.Context) {
	var req RevertTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	hash, err := h.workflow.Revert(c.Request.Context(), taskPath(c), req.MergeCommit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revert": hash})
}

// ArchiveTask runs the archive workflow: cleanliness checks, worktree
// cleanup, file move, and the archive commit.
// POST /api/v1/tasks/:name/archive
func (h *Handler) ArchiveTask(c *gin.Context) {
	var req VersionedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	t, err := h.workflow.Archive(c.Request.Context(), taskPath(c), req.Version)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// TaskCommits lists commits touching the task's session files.
// GET /api/v1/tasks/:name/commits?limit=20
func (h *Handler) TaskCommits(c *gin.Context) {
	path := taskPath(c)
	sessions, err := h.sessions.SessionsForTask(c.Request.Context(), path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	files := map[string]bool{path: true}
	for _, sess := range sessions {
		for _, f := range sessionFiles(sess) {
			files[f] = true
		}
	}
	list := make([]string, 0, len(files))
	for f := range files {
		list = append(list, f)
	}
	limit := 20
	commits, err := h.git.CommitsForFiles(c.Request.Context(), h.repoRoot, list, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits, "generated_at": time.Now().UTC()})
}
