package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/commitflow"
	"github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/gitsvc"
	"github.com/agentz/agentz/internal/orchestrator"
	"github.com/agentz/agentz/internal/orchestrator/streaming"
	"github.com/agentz/agentz/internal/task"
)

// Handler contains the HTTP handlers of the public API.
type Handler struct {
	sessions *orchestrator.Service
	tasks    *task.Store
	workflow *commitflow.Workflow
	git      *gitsvc.Service
	hub      *streaming.Hub
	repoRoot string
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sessions *orchestrator.Service, tasks *task.Store, workflow *commitflow.Workflow, git *gitsvc.Service, hub *streaming.Hub, repoRoot string, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		tasks:    tasks,
		workflow: workflow,
		git:      git,
		hub:      hub,
		repoRoot: repoRoot,
		logger:   log,
	}
}

// writeError maps an error onto its HTTP response.
func (h *Handler) writeError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("request failed", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Session endpoints

// ListSessions lists all non-deleted sessions, newest first.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// SpawnSession creates a session and launches its worker.
// POST /api/v1/sessions
func (h *Handler) SpawnSession(c *gin.Context) {
	var req SpawnSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}

	res, err := h.sessions.Spawn(c.Request.Context(), orchestrator.SpawnRequest{
		Prompt:      req.Prompt,
		AgentType:   req.AgentType,
		Model:       req.Model,
		Title:       req.Title,
		TaskPath:    req.TaskPath,
		SourceFile:  req.SourceFile,
		SourceLine:  req.SourceLine,
		WorkingDir:  req.WorkingDir,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetSession returns one reconstructed session. ?metadata=true attaches
// derived metadata for live sessions.
// GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	var err error
	var sess interface{}
	if c.Query("metadata") == "true" {
		sess, err = h.sessions.GetWithMetadata(c.Request.Context(), id)
	} else {
		sess, err = h.sessions.Get(c.Request.Context(), id)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession soft-deletes a session.
// DELETE /api/v1/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// CancelSession stops a session's worker.
// POST /api/v1/sessions/:id/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	res, err := h.sessions.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SendMessage resumes a session with a follow-up message.
// POST /api/v1/sessions/:id/message
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	res, err := h.sessions.SendMessage(c.Request.Context(), c.Param("id"), req.Message, req.Attachments)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Approve answers a pending tool approval.
// POST /api/v1/sessions/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := h.sessions.Approve(c.Request.Context(), c.Param("id"), req.Approved); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": req.Approved})
}

// GetSessionFiles lists the files a session touched.
// GET /api/v1/sessions/:id/files
func (h *Handler) GetSessionFiles(c *gin.Context) {
	files, err := h.sessions.GetChangedFiles(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// GetSessionToolCalls lists a session's tool invocations.
// GET /api/v1/sessions/:id/tool-calls
func (h *Handler) GetSessionToolCalls(c *gin.Context) {
	calls, err := h.sessions.GetToolCallDetails(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": calls})
}

// Debug endpoints

// CreateDebugRun fans one prompt out to several agents.
// POST /api/v1/debug
func (h *Handler) CreateDebugRun(c *gin.Context) {
	var req DebugSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}
	run, err := h.sessions.DebugWithAgents(c.Request.Context(), orchestrator.DebugRequest{
		Title:      req.Title,
		Prompt:     req.Prompt,
		Agents:     req.Agents,
		WorkingDir: req.WorkingDir,
		TaskPath:   req.TaskPath,
		SourceFile: req.SourceFile,
		SourceLine: req.SourceLine,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// GetDebugRun reports one run's sessions and terminal state.
// GET /api/v1/debug/:runId
func (h *Handler) GetDebugRun(c *gin.Context) {
	st, err := h.sessions.GetDebugRunStatus(c.Request.Context(), c.Param("runId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// OrchestrateDebugRun spawns the synthesis session for a finished run.
// POST /api/v1/debug/:runId/orchestrate
func (h *Handler) OrchestrateDebugRun(c *gin.Context) {
	var req OrchestrateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.writeError(c, errors.BadRequest(err.Error()))
			return
		}
	}
	res, err := h.sessions.OrchestrateDebugRun(c.Request.Context(), c.Param("runId"), req.Force)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Stats endpoints

// GetOverview returns the headline session rollup.
// GET /api/v1/stats/overview
func (h *Handler) GetOverview(c *gin.Context) {
	ov, err := h.sessions.GetOverview(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// GetToolStats returns merged tool usage across sessions.
// GET /api/v1/stats/tools
func (h *Handler) GetToolStats(c *gin.Context) {
	stats, err := h.sessions.GetToolStats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetHotFiles ranks the most touched files.
// GET /api/v1/stats/hot-files?limit=20
func (h *Handler) GetHotFiles(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	files, err := h.sessions.GetHotFiles(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// GetDailyActivity buckets session starts per local day.
// GET /api/v1/stats/daily?days=30
func (h *Handler) GetDailyActivity(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	buckets, err := h.sessions.GetDailyActivity(c.Request.Context(), days)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": buckets})
}

// GetSessionStats returns one stats row per session.
// GET /api/v1/stats/sessions
func (h *Handler) GetSessionStats(c *gin.Context) {
	rows, err := h.sessions.GetSessionStats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

// Git endpoints

// GetGitStatus returns the primary checkout's porcelain status.
// GET /api/v1/git/status
func (h *Handler) GetGitStatus(c *gin.Context) {
	st, err := h.git.Status(c.Request.Context(), h.repoRoot)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetGitDiff returns one file's diff.
// GET /api/v1/git/diff?path=...&view=auto|staged|working
func (h *Handler) GetGitDiff(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		h.writeError(c, errors.BadRequest("path query parameter is required"))
		return
	}
	view := gitsvc.DiffView(c.DefaultQuery("view", string(gitsvc.DiffAuto)))
	diff, err := h.git.Diff(c.Request.Context(), h.repoRoot, path, view)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

// PushBranch pushes the current branch, setting upstream when needed.
// POST /api/v1/git/push
func (h *Handler) PushBranch(c *gin.Context) {
	if err := h.git.Push(c.Request.Context(), h.repoRoot); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pushed": true})
}

// WebSocket

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and attaches it to the hub.
// GET /ws
func (h *Handler) HandleWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := streaming.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
