package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/orchestrator/queue"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

const (
	// orchestratorTitlePrefix marks the synthesis session of a debug run.
	orchestratorTitlePrefix = "Orchestrator: "

	// Per-session and total text budgets when gathering sibling output
	// for the orchestrator prompt.
	maxGatherPerSession = 30 * 1024
	maxGatherTotal      = 100 * 1024

	drainInterval = 2 * time.Second
)

// DebugRequest fans one prompt out to several agents in parallel.
type DebugRequest struct {
	Title      string         `json:"title"`
	Prompt     string         `json:"prompt"`
	Agents     []v1.AgentType `json:"agents"`
	WorkingDir string         `json:"working_dir,omitempty"`
	TaskPath   string         `json:"task_path,omitempty"`
	SourceFile string         `json:"source_file,omitempty"`
	SourceLine int            `json:"source_line,omitempty"`
}

// DebugRun reports the sessions a debug request produced.
type DebugRun struct {
	RunID      string   `json:"run_id"`
	SessionIDs []string `json:"session_ids"`
	// Queued lists siblings deferred past the concurrency cap; they
	// start as capacity frees up.
	Queued []string `json:"queued,omitempty"`
}

// DebugRunStatus is the live view of one run.
type DebugRunStatus struct {
	RunID        string        `json:"run_id"`
	Sessions     []*v1.Session `json:"sessions"`
	QueuedCount  int           `json:"queued_count"`
	AllTerminal  bool          `json:"all_terminal"`
	Orchestrated bool          `json:"orchestrated"`
}

// EnableSpawnQueue attaches the deferred-spawn queue and starts its
// drain loop. Without it, over-cap debug siblings fail instead of
// waiting.
func (s *Service) EnableSpawnQueue(ctx context.Context, maxSize int) {
	s.spawnQueue = queue.NewSpawnQueue(maxSize)
	go s.drainLoop(ctx)
}

func (s *Service) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainQueue(ctx)
		}
	}
}

// drainQueue starts deferred spawns while capacity is available.
func (s *Service) drainQueue(ctx context.Context) {
	if s.spawnQueue == nil {
		return
	}
	for s.monitor.RunningCount() < s.cfg.Worker.MaxConcurrentAgents {
		qs := s.spawnQueue.Dequeue()
		if qs == nil {
			return
		}
		req, ok := qs.Payload.(SpawnRequest)
		if !ok {
			continue
		}
		if _, err := s.Spawn(ctx, req); err != nil {
			if apperrors.IsBusy(err) {
				// Capacity raced away; push back and stop for this tick.
				_ = s.spawnQueue.Enqueue(qs.SessionID, qs.Priority, qs.Payload)
				return
			}
			s.logger.Warn("deferred spawn failed",
				zap.String("queued_as", qs.SessionID), zap.Error(err))
		}
	}
}

// DebugWithAgents spawns one session per requested agent, all sharing a
// fresh debug run id. Siblings beyond the concurrency cap are queued
// when the spawn queue is enabled.
func (s *Service) DebugWithAgents(ctx context.Context, req DebugRequest) (*DebugRun, error) {
	if req.Prompt == "" {
		return nil, apperrors.ValidationError("prompt", "prompt is required")
	}
	if len(req.Agents) == 0 {
		return nil, apperrors.ValidationError("agents", "at least one agent is required")
	}
	for _, a := range req.Agents {
		if !v1.ValidAgentType(a) {
			return nil, apperrors.ValidationError("agents", fmt.Sprintf("unknown agent type %q", a))
		}
	}

	runID := newHexID(12)
	run := &DebugRun{RunID: runID}
	for _, agent := range req.Agents {
		spawnReq := SpawnRequest{
			Prompt:     req.Prompt,
			AgentType:  agent,
			Title:      req.Title,
			TaskPath:   req.TaskPath,
			SourceFile: req.SourceFile,
			SourceLine: req.SourceLine,
			WorkingDir: req.WorkingDir,
			DebugRunID: runID,
		}
		res, err := s.Spawn(ctx, spawnReq)
		if err == nil {
			run.SessionIDs = append(run.SessionIDs, res.SessionID)
			continue
		}
		if apperrors.IsBusy(err) && s.spawnQueue != nil {
			ticket := fmt.Sprintf("%s-%s", runID, agent)
			if qerr := s.spawnQueue.Enqueue(ticket, 0, spawnReq); qerr == nil {
				run.Queued = append(run.Queued, string(agent))
				continue
			}
		}
		return nil, err
	}

	s.logger.Info("debug run started",
		zap.String("run_id", runID),
		zap.Int("spawned", len(run.SessionIDs)),
		zap.Int("queued", len(run.Queued)))
	return run, nil
}

// runSessions splits a run's sessions into siblings and the
// orchestrator session, if present.
func (s *Service) runSessions(ctx context.Context, runID string) (siblings []*v1.Session, orch *v1.Session, err error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, sess := range all {
		if sess.DebugRunID != runID {
			continue
		}
		if strings.HasPrefix(sess.Title, orchestratorTitlePrefix) {
			orch = sess
			continue
		}
		siblings = append(siblings, sess)
	}
	return siblings, orch, nil
}

// GetDebugRunStatus reports the sessions of one run and whether every
// sibling has reached a terminal status.
func (s *Service) GetDebugRunStatus(ctx context.Context, runID string) (*DebugRunStatus, error) {
	siblings, orch, err := s.runSessions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(siblings) == 0 && orch == nil {
		return nil, apperrors.NotFound("debug run", runID)
	}

	st := &DebugRunStatus{
		RunID:        runID,
		Sessions:     siblings,
		Orchestrated: orch != nil,
		AllTerminal:  true,
	}
	for _, sess := range siblings {
		if !sess.Status.Terminal() {
			st.AllTerminal = false
			break
		}
	}
	if s.spawnQueue != nil {
		st.QueuedCount = s.queuedForRun(runID)
	}
	if st.QueuedCount > 0 {
		st.AllTerminal = false
	}
	return st, nil
}

func (s *Service) queuedForRun(runID string) int {
	// Queue tickets are "<runID>-<agent>"; counting them is enough for
	// status display.
	n := 0
	for _, agent := range []v1.AgentType{v1.AgentClaude, v1.AgentCodex, v1.AgentOpencode, v1.AgentCerebras, v1.AgentGemini, v1.AgentMcporter} {
		if s.spawnQueue.Contains(fmt.Sprintf("%s-%s", runID, agent)) {
			n++
		}
	}
	return n
}

// OrchestrateResult reports the synthesis session and whether this call
// created it, as opposed to replaying an earlier orchestration.
type OrchestrateResult struct {
	SessionID string           `json:"session_id"`
	Status    v1.SessionStatus `json:"status"`
	PID       int              `json:"pid,omitempty"`
	IsNew     bool             `json:"is_new"`
}

// OrchestrateDebugRun spawns the synthesis session that reads every
// sibling's findings. Idempotent: a second call returns the existing
// orchestrator session unless force. Refused while any sibling is
// still running.
func (s *Service) OrchestrateDebugRun(ctx context.Context, runID string, force bool) (*OrchestrateResult, error) {
	siblings, orch, err := s.runSessions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(siblings) == 0 {
		return nil, apperrors.NotFound("debug run", runID)
	}
	if orch != nil && !force {
		return &OrchestrateResult{SessionID: orch.ID, Status: orch.Status}, nil
	}
	for _, sess := range siblings {
		if !sess.Status.Terminal() {
			return nil, apperrors.Conflict(fmt.Sprintf(
				"debug run %s still has running sessions", runID))
		}
	}

	title := siblings[0].Title
	prompt := buildOrchestratorPrompt(title, siblings)
	res, err := s.Spawn(ctx, SpawnRequest{
		Prompt:     prompt,
		AgentType:  v1.DefaultAgentType,
		Title:      orchestratorTitlePrefix + title,
		TaskPath:   siblings[0].TaskPath,
		WorkingDir: siblings[0].WorkingDir,
		DebugRunID: runID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("debug run orchestrated",
		zap.String("run_id", runID),
		zap.String("session_id", res.SessionID))
	return &OrchestrateResult{
		SessionID: res.SessionID,
		Status:    res.Status,
		PID:       res.PID,
		IsNew:     true,
	}, nil
}

// buildOrchestratorPrompt gathers each sibling's text output under the
// per-session and total budgets.
func buildOrchestratorPrompt(title string, siblings []*v1.Session) string {
	var b strings.Builder
	b.WriteString("Several agents investigated the same problem in parallel: ")
	b.WriteString(title)
	b.WriteString("\n\nReview their findings below, reconcile disagreements, and produce a single recommended fix.\n")

	total := 0
	for _, sess := range siblings {
		if total >= maxGatherTotal {
			break
		}
		text := gatherText(sess, maxGatherPerSession)
		if remaining := maxGatherTotal - total; len(text) > remaining {
			text = text[:remaining]
		}
		total += len(text)
		fmt.Fprintf(&b, "\n--- Agent %s (session %s, %s) ---\n%s\n",
			sess.AgentType, sess.ID, sess.Status, text)
	}
	return b.String()
}

// gatherText concatenates a session's text and error chunks, keeping
// the most recent content when over budget.
func gatherText(sess *v1.Session, budget int) string {
	var parts []string
	size := 0
	for i := len(sess.Output) - 1; i >= 0; i-- {
		chunk := &sess.Output[i]
		if chunk.Kind != v1.ChunkText && chunk.Kind != v1.ChunkError {
			continue
		}
		if size+len(chunk.Content) > budget {
			break
		}
		size += len(chunk.Content)
		parts = append(parts, chunk.Content)
	}
	// Restore stream order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}
