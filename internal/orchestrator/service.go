// Package orchestrator is the request surface of the control plane. It
// owns session lifecycle: spawning workers, folding the event streams
// into snapshots, cancellation, resume, and the aggregate views.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/common/config"
	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/daemon"
	"github.com/agentz/agentz/internal/events"
	"github.com/agentz/agentz/internal/events/bus"
	"github.com/agentz/agentz/internal/orchestrator/queue"
	sessionfold "github.com/agentz/agentz/internal/session"
	"github.com/agentz/agentz/internal/stream"
	"github.com/agentz/agentz/internal/worktree"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// Service coordinates the stream store, the process monitor, and the
// worktree manager behind the API.
type Service struct {
	cfg       *config.Config
	store     *stream.Store
	monitor   *daemon.Monitor
	worktrees *worktree.Manager
	bus       bus.Bus
	recon     *sessionfold.Reconstructor
	logger    *logger.Logger

	// spawnQueue defers over-cap spawns; nil until EnableSpawnQueue.
	spawnQueue *queue.SpawnQueue

	// streamURL is handed to every worker so it can post chunks back.
	streamURL string
	// repoRoot is the default working directory for spawned sessions.
	repoRoot string
}

// NewService wires the orchestrator.
func NewService(cfg *config.Config, store *stream.Store, monitor *daemon.Monitor, wt *worktree.Manager, b bus.Bus, streamURL, repoRoot string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		monitor:   monitor,
		worktrees: wt,
		bus:       b,
		recon:     &sessionfold.Reconstructor{MaxOutputBytes: cfg.Worker.MaxOutputSizeBytes},
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		streamURL: streamURL,
		repoRoot:  repoRoot,
	}
}

// newHexID returns n random lowercase hex characters.
func newHexID(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)[:n]
}

// NewSessionID returns a fresh 12-character session id.
func NewSessionID() string { return newHexID(12) }

// NewNonce returns a fresh 32-character daemon nonce.
func NewNonce() string { return newHexID(32) }

// registry reads and decodes the full registry stream.
func (s *Service) registry() ([]events.RegistryEvent, error) {
	res, err := s.store.Read(stream.RegistryLog)
	if err != nil {
		return nil, apperrors.InternalError("read registry", err)
	}
	evs, corrupted := events.DecodeRegistryStream(res.Frames)
	if corrupted {
		s.logger.Warn("registry stream has a corrupt suffix",
			zap.Int("decoded", len(evs)))
	}
	return evs, nil
}

// sessionEvents reads and decodes one per-session stream.
func (s *Service) sessionEvents(id string) ([]events.SessionEvent, error) {
	res, err := s.store.Read(stream.SessionLog(id))
	if err != nil {
		return nil, apperrors.InternalError("read session stream", err)
	}
	evs, corrupted := events.DecodeSessionStream(res.Frames)
	if corrupted {
		s.logger.Warn("session stream has a corrupt suffix",
			zap.String("session_id", id), zap.Int("decoded", len(evs)))
	}
	return evs, nil
}

// reconstruct folds both streams for one id. Returns nil when the
// session does not exist or is deleted.
func (s *Service) reconstruct(id string) (*sessionfold.Reconstruction, error) {
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	evs, err := s.sessionEvents(id)
	if err != nil {
		return nil, err
	}
	return s.recon.Reconstruct(reg, evs, id), nil
}

// appendRegistry encodes and durably appends one registry event.
func (s *Service) appendRegistry(ev events.RegistryEvent) error {
	frame, err := events.EncodeRegistry(ev)
	if err != nil {
		return apperrors.InternalError("encode registry event", err)
	}
	if err := s.store.Append(stream.RegistryLog, frame); err != nil {
		return apperrors.InternalError("append registry event", err)
	}
	return nil
}

// publish fires a bus notification; delivery is best-effort.
func (s *Service) publish(ctx context.Context, subject, sessionID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewNotification(subject, sessionID, data)); err != nil {
		s.logger.Debug("bus publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}

// List returns every non-deleted session, newest first.
func (s *Service) List(ctx context.Context) ([]*v1.Session, error) {
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	ids := sessionfold.SessionIDs(reg)
	sessions := make([]*v1.Session, 0, len(ids))
	for _, id := range ids {
		evs, err := s.sessionEvents(id)
		if err != nil {
			return nil, err
		}
		if rec := s.recon.Reconstruct(reg, evs, id); rec != nil {
			sessions = append(sessions, rec.Session)
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Get returns one reconstructed session.
func (s *Service) Get(ctx context.Context, id string) (*v1.Session, error) {
	rec, err := s.reconstruct(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NotFound("session", id)
	}
	return rec.Session, nil
}

// GetWithMetadata returns the session with derived metadata attached.
// Terminal sessions keep the metadata carried by their terminal event;
// live sessions derive it from current output.
func (s *Service) GetWithMetadata(ctx context.Context, id string) (*v1.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Metadata == nil {
		md := sessionfold.DeriveMetadata(sess)
		sess.Metadata = &md
	}
	return sess, nil
}

// SessionsForTask lists non-deleted sessions bound to a task file.
func (s *Service) SessionsForTask(ctx context.Context, taskPath string) ([]*v1.Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*v1.Session
	for _, sess := range all {
		if sess.TaskPath == taskPath {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SpawnRequest is the input of Spawn.
type SpawnRequest struct {
	Prompt      string               `json:"prompt"`
	AgentType   v1.AgentType         `json:"agent_type,omitempty"`
	Model       string               `json:"model,omitempty"`
	Title       string               `json:"title,omitempty"`
	TaskPath    string               `json:"task_path,omitempty"`
	SourceFile  string               `json:"source_file,omitempty"`
	SourceLine  int                  `json:"source_line,omitempty"`
	WorkingDir  string               `json:"working_dir,omitempty"`
	DebugRunID  string               `json:"debug_run_id,omitempty"`
	Attachments []v1.ImageAttachment `json:"attachments,omitempty"`
}

// SpawnResult is the output of Spawn.
type SpawnResult struct {
	SessionID string           `json:"session_id"`
	Status    v1.SessionStatus `json:"status"`
	PID       int              `json:"pid"`
}

// Spawn creates a session and launches its worker. Fails with Busy when
// the host is at the concurrent-agent cap.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if req.Prompt == "" {
		return nil, apperrors.ValidationError("prompt", "prompt is required")
	}
	if req.AgentType == "" {
		req.AgentType = v1.DefaultAgentType
	}
	if !v1.ValidAgentType(req.AgentType) {
		return nil, apperrors.ValidationError("agent_type", fmt.Sprintf("unknown agent type %q", req.AgentType))
	}
	if err := s.checkSpawnSafety(req.WorkingDir, req.Prompt); err != nil {
		return nil, err
	}
	if s.monitor.RunningCount() >= s.cfg.Worker.MaxConcurrentAgents {
		return nil, apperrors.Busy(fmt.Sprintf(
			"concurrent agent limit (%d) reached", s.cfg.Worker.MaxConcurrentAgents))
	}

	sessionID := NewSessionID()
	nonce := NewNonce()

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = s.repoRoot
	}
	var worktreePath, worktreeBranch string
	if s.worktrees != nil && s.worktrees.Enabled() {
		info, err := s.worktrees.Ensure(ctx, sessionID, workingDir)
		if err != nil {
			return nil, err
		}
		workingDir = info.Path
		worktreePath = info.Path
		worktreeBranch = info.Branch
	}

	created := events.NewRegistryEvent(events.SessionCreated, sessionID)
	created.Prompt = req.Prompt
	created.AgentType = req.AgentType
	created.WorkingDir = workingDir
	created.Title = req.Title
	created.TaskPath = req.TaskPath
	created.SourceFile = req.SourceFile
	created.SourceLine = req.SourceLine
	created.DebugRunID = req.DebugRunID
	created.Model = req.Model
	created.WorktreePath = worktreePath
	created.WorktreeBranch = worktreeBranch
	if err := s.appendRegistry(created); err != nil {
		return nil, err
	}

	d, err := s.monitor.Spawn(ctx, daemon.SpawnConfig{
		SessionID:   sessionID,
		AgentType:   req.AgentType,
		Prompt:      req.Prompt,
		WorkingDir:  workingDir,
		Model:       req.Model,
		StreamURL:   s.streamURL,
		Nonce:       nonce,
		TaskPath:    req.TaskPath,
		Title:       req.Title,
		DebugRunID:  req.DebugRunID,
		Attachments: req.Attachments,
	})
	if err != nil {
		// The created event stays; the session surfaces as pending with
		// no live daemon, which operators can delete.
		return nil, err
	}

	s.publish(ctx, bus.SubjectSessionCreated, sessionID, map[string]interface{}{
		"agent_type": string(req.AgentType),
		"title":      req.Title,
	})
	return &SpawnResult{SessionID: sessionID, Status: v1.StatusPending, PID: d.PID}, nil
}

// CancelResult reports whether a live worker was actually signalled.
type CancelResult struct {
	Success bool `json:"success"`
}

// Cancel stops a session's worker. Idempotent: when the worker is
// already gone it still appends the session_cancelled tombstone and
// reports success=false.
func (s *Service) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	killed := s.monitor.KillDaemon(id)
	if err := s.appendRegistry(events.NewRegistryEvent(events.SessionCancelled, id)); err != nil {
		return nil, err
	}
	s.publish(ctx, bus.SubjectSessionCancelled, id, nil)
	s.logger.Info("session cancelled",
		zap.String("session_id", id), zap.Bool("worker_killed", killed))
	return &CancelResult{Success: killed}, nil
}

// Delete soft-deletes a session: SIGTERM if a worker is alive, then a
// session_deleted tombstone. Streams stay on disk; readers treat the
// session as absent.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.monitor.KillDaemon(id)
	if err := s.appendRegistry(events.NewRegistryEvent(events.SessionDeleted, id)); err != nil {
		return err
	}
	s.publish(ctx, bus.SubjectSessionDeleted, id, nil)
	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// SendMessage resumes a session with a new message. Fails Busy while
// the previous worker is still alive, and refuses non-resumable
// (cancelled) sessions.
func (s *Service) SendMessage(ctx context.Context, id, message string, attachments []v1.ImageAttachment) (*SpawnResult, error) {
	rec, err := s.reconstruct(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NotFound("session", id)
	}
	sess := rec.Session
	if s.monitor.IsAlive(id) {
		return nil, apperrors.Busy("session worker is still running")
	}
	if !sess.Resumable {
		return nil, apperrors.BadRequest("session is not resumable")
	}
	if err := s.checkSpawnSafety("", message); err != nil {
		return nil, err
	}
	if s.monitor.RunningCount() >= s.cfg.Worker.MaxConcurrentAgents {
		return nil, apperrors.Busy(fmt.Sprintf(
			"concurrent agent limit (%d) reached", s.cfg.Worker.MaxConcurrentAgents))
	}

	nonce := NewNonce()
	messages, err := reconstructedMessages(sess, rec.AgentState)
	if err != nil {
		return nil, apperrors.InternalError("marshal reconstructed messages", err)
	}

	updated := events.NewRegistryEvent(events.SessionUpdated, id)
	updated.Status = v1.StatusPending
	updated.Resumed = true
	if err := s.appendRegistry(updated); err != nil {
		return nil, err
	}

	d, err := s.monitor.Spawn(ctx, daemon.SpawnConfig{
		SessionID:             id,
		AgentType:             sess.AgentType,
		Prompt:                message,
		WorkingDir:            sess.WorkingDir,
		Model:                 sess.Model,
		StreamURL:             s.streamURL,
		Nonce:                 nonce,
		CLISessionID:          sess.CLISessionID,
		Resume:                true,
		ReconstructedMessages: messages,
		TaskPath:              sess.TaskPath,
		Title:                 sess.Title,
		DebugRunID:            sess.DebugRunID,
		Attachments:           attachments,
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectSessionStatus, id, map[string]interface{}{
		"status":  string(v1.StatusPending),
		"resumed": true,
	})
	return &SpawnResult{SessionID: id, Status: v1.StatusPending, PID: d.PID}, nil
}

// reconstructedMessages serialises the session's transcript plus the
// latest agent state for the resuming worker.
func reconstructedMessages(sess *v1.Session, agentState json.RawMessage) (json.RawMessage, error) {
	payload := struct {
		Output       []v1.AgentOutputChunk `json:"output"`
		CLISessionID string                `json:"cli_session_id,omitempty"`
		AgentState   json.RawMessage       `json:"agent_state,omitempty"`
	}{
		Output:       sess.Output,
		CLISessionID: sess.CLISessionID,
		AgentState:   agentState,
	}
	return json.Marshal(payload)
}

// Approve answers a pending tool approval. The worker must be alive to
// consume it; otherwise the approval would be lost.
func (s *Service) Approve(ctx context.Context, id string, approved bool) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if !s.monitor.IsAlive(id) {
		return apperrors.WorkerLost(id)
	}
	ev := events.NewApprovalEvent(id, approved)
	frame, err := events.EncodeControl(ev)
	if err != nil {
		return apperrors.InternalError("encode approval", err)
	}
	if err := s.store.Append(stream.ControlLog(id), frame); err != nil {
		return apperrors.InternalError("append approval", err)
	}
	s.publish(ctx, bus.SubjectSessionStatus, id, map[string]interface{}{
		"approval": approved,
	})
	return nil
}

// GetChangedFiles returns the files a session touched, preferring
// terminal metadata and deriving live otherwise.
func (s *Service) GetChangedFiles(ctx context.Context, id string) ([]v1.EditedFileInfo, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sessionfold.ChangedFiles(sess), nil
}
