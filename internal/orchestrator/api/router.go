package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/ratelimit"
)

// SetupRouter builds the gin engine with the full public surface. The
// internal ingest route is mounted separately by the caller so it stays
// outside the rate limiter.
func SetupRouter(h *Handler, limiter *ratelimit.Limiter, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS())

	router.GET("/ws", h.HandleWS)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	if limiter != nil {
		api.Use(RateLimit(limiter))
	}

	sessions := api.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.POST("", h.SpawnSession)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.DeleteSession)
		sessions.POST("/:id/cancel", h.CancelSession)
		sessions.POST("/:id/message", h.SendMessage)
		sessions.POST("/:id/approve", h.Approve)
		sessions.GET("/:id/files", h.GetSessionFiles)
		sessions.GET("/:id/tool-calls", h.GetSessionToolCalls)
	}

	debug := api.Group("/debug")
	{
		debug.POST("", h.CreateDebugRun)
		debug.GET("/:runId", h.GetDebugRun)
		debug.POST("/:runId/orchestrate", h.OrchestrateDebugRun)
	}

	stats := api.Group("/stats")
	{
		stats.GET("/overview", h.GetOverview)
		stats.GET("/tools", h.GetToolStats)
		stats.GET("/hot-files", h.GetHotFiles)
		stats.GET("/daily", h.GetDailyActivity)
		stats.GET("/sessions", h.GetSessionStats)
	}

	git := api.Group("/git")
	{
		git.GET("/status", h.GetGitStatus)
		git.GET("/diff", h.GetGitDiff)
		git.POST("/push", h.PushBranch)
	}

	tasks := api.Group("/tasks")
	{
		tasks.GET("", h.ListTasks)
		tasks.POST("", h.CreateTask)
		tasks.POST("/restore", h.RestoreTask)
		tasks.GET("/:name", h.GetTask)
		tasks.PUT("/:name", h.UpdateTask)
		tasks.PUT("/:name/auto-run", h.SetTaskAutoRun)
		tasks.POST("/:name/subtasks", h.AddSubtask)
		tasks.PUT("/:name/subtasks/:subtaskId", h.UpdateSubtask)
		tasks.DELETE("/:name/subtasks/:subtaskId", h.DeleteSubtask)
		tasks.POST("/:name/split", h.SplitTask)
		tasks.POST("/:name/migrate", h.MigrateTask)
		tasks.POST("/:name/commit", h.CommitTask)
		tasks.POST("/:name/merge", h.MergeTask)
		tasks.POST("/:name/revert", h.RevertTask)
		tasks.POST("/:name/archive", h.ArchiveTask)
		tasks.GET("/:name/commits", h.TaskCommits)
	}

	return router
}
