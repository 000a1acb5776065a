package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/common/config"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/daemon"
	"github.com/agentz/agentz/internal/events/bus"
	"github.com/agentz/agentz/internal/orchestrator"
	"github.com/agentz/agentz/internal/ratelimit"
	"github.com/agentz/agentz/internal/stream"
	"github.com/agentz/agentz/internal/task"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

func setupTestRouter(t *testing.T, limiter *ratelimit.Limiter) (*gin.Engine, *task.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Default()
	store, err := stream.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Worker.Binary = "true"
	cfg.Worker.MaxConcurrentAgents = 4
	cfg.Worker.MaxOutputSizeBytes = 10 * 1024 * 1024

	monitor := daemon.NewMonitor(cfg.Worker, log)
	repoRoot := t.TempDir()
	sessions := orchestrator.NewService(cfg, store, monitor, nil, bus.NewMemoryBus(log),
		"http://127.0.0.1:8080/internal/v1/chunks", repoRoot, log)
	tasks := task.NewStore(repoRoot, log)

	h := NewHandler(sessions, tasks, nil, nil, nil, repoRoot, log)
	return SetupRouter(h, limiter, log), tasks
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSpawnSessionEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", SpawnSessionRequest{
		Prompt:    "write a haiku",
		AgentType: v1.AgentClaude,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var res orchestrator.SpawnResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.SessionID, 12)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+res.SessionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSpawnSessionRejectsEmptyPrompt(t *testing.T) {
	router, _ := setupTestRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	router, _ := setupTestRouter(t, nil)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/ffffffffffff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionsEmpty(t *testing.T) {
	router, _ := setupTestRouter(t, nil)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Sessions []*v1.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Empty(t, res.Sessions)
}

func TestTaskLifecycleEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		Name:  "fix-auth",
		Title: "Fix authentication",
		Body:  "Tokens expire too early.",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/fix-auth", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Version())

	w = doJSON(t, router, http.MethodPut, "/api/v1/tasks/fix-auth", UpdateTaskRequest{
		Version: 1,
		Body:    "Tokens expire too early. Refresh flow is broken.",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Stale version is refused.
	w = doJSON(t, router, http.MethodPut, "/api/v1/tasks/fix-auth", UpdateTaskRequest{
		Version: 1,
		Body:    "lost update",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubtaskEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		Name: "split-me", Title: "Split me",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/split-me/subtasks", AddSubtaskRequest{
		Version: 1, Title: "first step",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Subtasks, 1)

	w = doJSON(t, router, http.MethodPut,
		"/api/v1/tasks/split-me/subtasks/"+got.Subtasks[0].ID,
		UpdateSubtaskRequest{Version: 2, Status: "completed"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	log := logger.Default()
	rcfg := config.RateLimitConfig{
		RequestsPerMinute:    2,
		MaxTokensPerRequest:  50_000,
		TokensPerMinute:      200_000,
		TokensPerHour:        1_000_000,
		SuspensionDurationMs: 900_000,
		MaxViolations:        5,
	}
	limiter := ratelimit.NewLimiter(rcfg, log)
	router, _ := setupTestRouter(t, limiter)

	for i := 0; i < 2; i++ {
		w := doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimitSeparateUsers(t *testing.T) {
	log := logger.Default()
	rcfg := config.RateLimitConfig{
		RequestsPerMinute:    1,
		MaxTokensPerRequest:  50_000,
		TokensPerMinute:      200_000,
		TokensPerHour:        1_000_000,
		SuspensionDurationMs: 900_000,
		MaxViolations:        5,
	}
	limiter := ratelimit.NewLimiter(rcfg, log)
	router, _ := setupTestRouter(t, limiter)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-User-ID", "bob")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
