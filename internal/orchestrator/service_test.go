package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/common/config"
	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/daemon"
	"github.com/agentz/agentz/internal/events"
	"github.com/agentz/agentz/internal/events/bus"
	"github.com/agentz/agentz/internal/stream"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// newTestService wires a service against a temp stream store, an
// in-memory bus, and a worker binary that exits immediately.
func newTestService(t *testing.T, binary string, maxConcurrent int) *Service {
	t.Helper()
	log := logger.Default()
	store, err := stream.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Worker.Binary = binary
	cfg.Worker.MaxConcurrentAgents = maxConcurrent
	cfg.Worker.MaxOutputSizeBytes = 10 * 1024 * 1024

	monitor := daemon.NewMonitor(cfg.Worker, log)
	return NewService(cfg, store, monitor, nil, bus.NewMemoryBus(log),
		"http://127.0.0.1:8080/internal/v1/chunks", t.TempDir(), log)
}

// sleepWorker is a stand-in worker that stays alive, for cap tests.
func sleepWorker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	return path
}

func (s *Service) appendForTest(t *testing.T, ev events.RegistryEvent) {
	t.Helper()
	frame, err := events.EncodeRegistry(ev)
	require.NoError(t, err)
	require.NoError(t, s.store.Append(stream.RegistryLog, frame))
}

func (s *Service) appendOutputForTest(t *testing.T, sessionID string, chunk v1.AgentOutputChunk) {
	t.Helper()
	frame, err := events.EncodeSession(events.NewOutputEvent(sessionID, chunk))
	require.NoError(t, err)
	require.NoError(t, s.store.Append(stream.SessionLog(sessionID), frame))
}

func TestSpawnAndGet(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{
		Prompt:    "fix the flaky test",
		AgentType: v1.AgentCodex,
		Title:     "flaky test",
	})
	require.NoError(t, err)
	assert.Len(t, res.SessionID, 12)
	assert.Equal(t, v1.StatusPending, res.Status)
	assert.NotZero(t, res.PID)

	sess, err := svc.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "fix the flaky test", sess.Prompt)
	assert.Equal(t, v1.AgentCodex, sess.AgentType)
	assert.Equal(t, "flaky test", sess.Title)
	assert.Equal(t, v1.StatusPending, sess.Status)
}

func TestSpawnValidation(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	_, err := svc.Spawn(ctx, SpawnRequest{Prompt: ""})
	assert.Error(t, err)

	_, err = svc.Spawn(ctx, SpawnRequest{Prompt: "hi", AgentType: "hal9000"})
	assert.Error(t, err)
}

func TestSpawnDefaultsAgentType(t *testing.T) {
	svc := newTestService(t, "true", 4)

	res, err := svc.Spawn(context.Background(), SpawnRequest{Prompt: "hello"})
	require.NoError(t, err)
	sess, err := svc.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.DefaultAgentType, sess.AgentType)
}

func TestSpawnBusyAtCap(t *testing.T) {
	svc := newTestService(t, sleepWorker(t), 1)
	ctx := context.Background()

	first, err := svc.Spawn(ctx, SpawnRequest{Prompt: "occupy the slot"})
	require.NoError(t, err)

	_, err = svc.Spawn(ctx, SpawnRequest{Prompt: "wait your turn"})
	require.Error(t, err)
	assert.True(t, apperrors.IsBusy(err))

	svc.monitor.KillDaemon(first.SessionID)
}

func TestCancelIdempotent(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{Prompt: "short lived"})
	require.NoError(t, err)

	// Worker ("true") is already gone; cancel still lands the tombstone.
	cr, err := svc.Cancel(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, cr.Success)

	sess, err := svc.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusCancelled, sess.Status)
	assert.False(t, sess.Resumable)

	// Second cancel is a no-op, not an error.
	_, err = svc.Cancel(ctx, res.SessionID)
	require.NoError(t, err)
}

func TestCancelUnknownSession(t *testing.T) {
	svc := newTestService(t, "true", 4)
	_, err := svc.Cancel(context.Background(), "ffffffffffff")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteHidesSession(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{Prompt: "to be deleted"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, res.SessionID))

	_, err = svc.Get(ctx, res.SessionID)
	assert.True(t, apperrors.IsNotFound(err))

	sessions, err := svc.List(ctx)
	require.NoError(t, err)
	for _, sess := range sessions {
		assert.NotEqual(t, res.SessionID, sess.ID)
	}
}

func TestSendMessageRefusesCancelled(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{Prompt: "first round"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, res.SessionID)
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, res.SessionID, "second round", nil)
	assert.Error(t, err)
	assert.False(t, apperrors.IsBusy(err))
}

func TestSendMessageResumesCompleted(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{Prompt: "first round"})
	require.NoError(t, err)

	done := events.NewRegistryEvent(events.SessionCompleted, res.SessionID)
	done.TokensUsed = &v1.TokensUsed{Input: 100, Output: 50}
	svc.appendForTest(t, done)

	out, err := svc.SendMessage(ctx, res.SessionID, "one more thing", nil)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, out.SessionID)
	assert.Equal(t, v1.StatusPending, out.Status)

	sess, err := svc.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusPending, sess.Status)
}

func TestReconstructedMessagesCarryAgentState(t *testing.T) {
	sess := &v1.Session{
		ID:           "abcdef012345",
		CLISessionID: "cli-7",
		Output: []v1.AgentOutputChunk{
			{Kind: v1.ChunkText, Content: "first answer"},
		},
	}

	raw, err := reconstructedMessages(sess, json.RawMessage(`{"step":3}`))
	require.NoError(t, err)

	var payload struct {
		Output       []v1.AgentOutputChunk `json:"output"`
		CLISessionID string                `json:"cli_session_id"`
		AgentState   json.RawMessage       `json:"agent_state"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Len(t, payload.Output, 1)
	assert.Equal(t, "first answer", payload.Output[0].Content)
	assert.Equal(t, "cli-7", payload.CLISessionID)
	assert.JSONEq(t, `{"step":3}`, string(payload.AgentState))

	// Sessions that never reported state omit the field entirely.
	raw, err = reconstructedMessages(sess, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "agent_state")
}

func TestApproveRequiresLiveWorker(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{Prompt: "needs approval"})
	require.NoError(t, err)

	err = svc.Approve(ctx, res.SessionID, true)
	assert.Error(t, err)
}

func TestGetWithMetadataDerives(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{Prompt: "derive me"})
	require.NoError(t, err)

	sess, err := svc.GetWithMetadata(ctx, res.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, sess.Metadata)
}

func TestOverviewCounts(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	a, err := svc.Spawn(ctx, SpawnRequest{Prompt: "one"})
	require.NoError(t, err)
	b, err := svc.Spawn(ctx, SpawnRequest{Prompt: "two"})
	require.NoError(t, err)

	done := events.NewRegistryEvent(events.SessionCompleted, a.SessionID)
	done.TokensUsed = &v1.TokensUsed{Input: 120, Output: 30}
	svc.appendForTest(t, done)

	failed := events.NewRegistryEvent(events.SessionFailed, b.SessionID)
	failed.Error = "worker crashed"
	svc.appendForTest(t, failed)

	ov, err := svc.GetOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ov.TotalSessions)
	assert.Equal(t, 1, ov.Completed)
	assert.Equal(t, 1, ov.Failed)
	assert.Equal(t, 120, ov.TokensUsed.Input)
	assert.Equal(t, 30, ov.TokensUsed.Output)
}

func TestSessionsForTask(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	res, err := svc.Spawn(ctx, SpawnRequest{Prompt: "task work", TaskPath: "tasks/fix-auth.md"})
	require.NoError(t, err)
	_, err = svc.Spawn(ctx, SpawnRequest{Prompt: "unrelated"})
	require.NoError(t, err)

	sessions, err := svc.SessionsForTask(ctx, "tasks/fix-auth.md")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, res.SessionID, sessions[0].ID)
}

func TestDebugRunLifecycle(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	run, err := svc.DebugWithAgents(ctx, DebugRequest{
		Title:  "intermittent 502s",
		Prompt: "find the cause of the intermittent 502s",
		Agents: []v1.AgentType{v1.AgentClaude, v1.AgentCodex},
	})
	require.NoError(t, err)
	assert.Len(t, run.RunID, 12)
	require.Len(t, run.SessionIDs, 2)

	st, err := svc.GetDebugRunStatus(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, st.Sessions, 2)
	assert.False(t, st.AllTerminal)
	assert.False(t, st.Orchestrated)

	// Orchestration is refused while siblings are still running.
	_, err = svc.OrchestrateDebugRun(ctx, run.RunID, false)
	assert.Error(t, err)

	for _, id := range run.SessionIDs {
		svc.appendForTest(t, events.NewRegistryEvent(events.SessionCompleted, id))
	}

	st, err = svc.GetDebugRunStatus(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, st.AllTerminal)

	orch, err := svc.OrchestrateDebugRun(ctx, run.RunID, false)
	require.NoError(t, err)
	assert.NotContains(t, run.SessionIDs, orch.SessionID)
	assert.True(t, orch.IsNew)

	// Second orchestration returns the existing session.
	again, err := svc.OrchestrateDebugRun(ctx, run.RunID, false)
	require.NoError(t, err)
	assert.Equal(t, orch.SessionID, again.SessionID)
	assert.False(t, again.IsNew)

	st, err = svc.GetDebugRunStatus(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, st.Orchestrated)
}

func TestDebugRunValidation(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	_, err := svc.DebugWithAgents(ctx, DebugRequest{Prompt: "no agents"})
	assert.Error(t, err)

	_, err = svc.GetDebugRunStatus(ctx, "000000000000")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestHotFilesCountOnlyFinishedSessions(t *testing.T) {
	svc := newTestService(t, "true", 4)
	ctx := context.Background()

	editChunk := func(path string) v1.AgentOutputChunk {
		return v1.AgentOutputChunk{
			Kind:    v1.ChunkToolUse,
			Content: `{"file_path":"` + path + `","tool":"edit_file"}`,
		}
	}

	done, err := svc.Spawn(ctx, SpawnRequest{Prompt: "finish the refactor"})
	require.NoError(t, err)
	svc.appendOutputForTest(t, done.SessionID, editChunk("internal/auth/login.go"))
	svc.appendForTest(t, events.NewRegistryEvent(events.SessionCompleted, done.SessionID))

	live, err := svc.Spawn(ctx, SpawnRequest{Prompt: "still working"})
	require.NoError(t, err)
	svc.appendOutputForTest(t, live.SessionID, editChunk("internal/auth/login.go"))
	svc.appendOutputForTest(t, live.SessionID, editChunk("cmd/agentzd/main.go"))

	hot, err := svc.GetHotFiles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hot, 1)
	assert.Equal(t, "internal/auth/login.go", hot[0].Path)
	assert.Equal(t, 1, hot[0].Touches)
	assert.Equal(t, 1, hot[0].Sessions)

	// Once the live session finishes, its edits join the ranking.
	svc.appendForTest(t, events.NewRegistryEvent(events.SessionCompleted, live.SessionID))
	hot, err = svc.GetHotFiles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hot, 2)
	assert.Equal(t, "internal/auth/login.go", hot[0].Path)
	assert.Equal(t, 2, hot[0].Touches)
	assert.Equal(t, 2, hot[0].Sessions)
}

func TestBuildOrchestratorPromptBudgets(t *testing.T) {
	big := make([]byte, maxGatherPerSession)
	for i := range big {
		big[i] = 'x'
	}
	sess := &v1.Session{
		ID:        "aaaaaaaaaaaa",
		AgentType: v1.AgentClaude,
		Status:    v1.StatusCompleted,
		Output: []v1.AgentOutputChunk{
			{Kind: v1.ChunkText, Content: string(big)},
			{Kind: v1.ChunkText, Content: "the real conclusion"},
		},
	}
	prompt := buildOrchestratorPrompt("budget check", []*v1.Session{sess})
	// Newest chunk survives; the oversized older one is dropped.
	assert.Contains(t, prompt, "the real conclusion")
	assert.Less(t, len(prompt), maxGatherPerSession)
}
