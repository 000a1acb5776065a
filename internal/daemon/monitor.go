// Package daemon spawns and tracks worker processes. Workers are fully
// detached children: they outlive a control-plane restart, never share
// stdio with this process, and report output only through the chunk
// ingester using their one-time nonce.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/common/config"
	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// killGracePeriod is how long a worker gets between SIGTERM and SIGKILL.
const killGracePeriod = 5 * time.Second

// SpawnConfig carries everything a worker needs at boot.
type SpawnConfig struct {
	SessionID  string
	AgentType  v1.AgentType
	Prompt     string
	WorkingDir string
	Model      string
	StreamURL  string
	Nonce      string

	// Resume parameters.
	CLISessionID          string
	Resume                bool
	ReconstructedMessages json.RawMessage

	// Context handed through to the worker untouched.
	TaskPath    string
	Title       string
	DebugRunID  string
	Attachments []v1.ImageAttachment
}

// Daemon is one tracked worker process.
type Daemon struct {
	SessionID string       `json:"session_id"`
	PID       int          `json:"pid"`
	Nonce     string       `json:"-"`
	AgentType v1.AgentType `json:"agent_type"`
	StartedAt time.Time    `json:"started_at"`
}

// Monitor spawns detached workers and tracks pid and nonce per session.
// The table is in-memory only; after a restart, sessions whose workers
// are still alive simply report no daemon.
type Monitor struct {
	cfg    config.WorkerConfig
	logger *logger.Logger

	mu      sync.Mutex
	daemons map[string]*Daemon
}

// NewMonitor creates a process monitor.
func NewMonitor(cfg config.WorkerConfig, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "process-monitor")),
		daemons: make(map[string]*Daemon),
	}
}

// Spawn launches a detached worker for sc and records it. The prompt,
// reconstructed messages, and attachments travel via temp files so
// arbitrary content never hits the command line.
func (m *Monitor) Spawn(ctx context.Context, sc SpawnConfig) (*Daemon, error) {
	if sc.SessionID == "" || sc.Nonce == "" {
		return nil, apperrors.BadRequest("spawn requires session id and nonce")
	}

	promptFile, err := writeTempFile("agentz-prompt-", []byte(sc.Prompt))
	if err != nil {
		return nil, apperrors.InternalError("write prompt file", err)
	}

	args := []string{
		"--session-id", sc.SessionID,
		"--agent-type", string(sc.AgentType),
		"--prompt-file", promptFile,
		"--working-dir", sc.WorkingDir,
		"--stream-url", sc.StreamURL,
		"--nonce", sc.Nonce,
	}
	if sc.Model != "" {
		args = append(args, "--model", sc.Model)
	}
	if sc.CLISessionID != "" {
		args = append(args, "--cli-session-id", sc.CLISessionID)
	}
	if sc.Resume {
		args = append(args, "--resume")
	}
	if sc.TaskPath != "" {
		args = append(args, "--task-path", sc.TaskPath)
	}
	if sc.Title != "" {
		args = append(args, "--title", sc.Title)
	}
	if sc.DebugRunID != "" {
		args = append(args, "--debug-run-id", sc.DebugRunID)
	}
	if len(sc.ReconstructedMessages) > 0 {
		msgFile, err := writeTempFile("agentz-messages-", sc.ReconstructedMessages)
		if err != nil {
			return nil, apperrors.InternalError("write messages file", err)
		}
		args = append(args, "--reconstructed-messages", msgFile)
	}
	if len(sc.Attachments) > 0 {
		data, err := json.Marshal(sc.Attachments)
		if err != nil {
			return nil, apperrors.InternalError("marshal attachments", err)
		}
		attFile, err := writeTempFile("agentz-attachments-", data)
		if err != nil {
			return nil, apperrors.InternalError("write attachments file", err)
		}
		args = append(args, "--attachments", attFile)
	}

	cmd := exec.Command(m.cfg.Binary, args...)
	cmd.Dir = sc.WorkingDir
	cmd.Env = workerEnv()
	// New session so the worker survives our exit and never receives
	// our terminal signals. Stdio stays nil, which means /dev/null.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.InternalError(
			fmt.Sprintf("failed to start worker %s", m.cfg.Binary), err)
	}
	pid := cmd.Process.Pid
	// Release so the detached child is not waited on by us.
	if err := cmd.Process.Release(); err != nil {
		m.logger.Warn("process release failed", zap.Int("pid", pid), zap.Error(err))
	}

	d := &Daemon{
		SessionID: sc.SessionID,
		PID:       pid,
		Nonce:     sc.Nonce,
		AgentType: sc.AgentType,
		StartedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.daemons[sc.SessionID] = d
	m.mu.Unlock()

	m.logger.Info("worker spawned",
		zap.String("session_id", sc.SessionID),
		zap.Int("pid", pid),
		zap.String("agent_type", string(sc.AgentType)))
	return d, nil
}

// GetDaemon returns the tracked worker for a session, if any.
func (m *Monitor) GetDaemon(sessionID string) (*Daemon, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.daemons[sessionID]
	return d, ok
}

// ValidNonce reports whether nonce matches the one issued at spawn.
func (m *Monitor) ValidNonce(sessionID, nonce string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.daemons[sessionID]
	return ok && nonce != "" && d.Nonce == nonce
}

// IsAlive reports whether the session's worker is tracked and its
// process still exists.
func (m *Monitor) IsAlive(sessionID string) bool {
	d, ok := m.GetDaemon(sessionID)
	return ok && IsProcessRunning(d.PID)
}

// RunningCount returns how many tracked workers are still alive,
// pruning dead entries as a side effect.
func (m *Monitor) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, d := range m.daemons {
		if IsProcessRunning(d.PID) {
			count++
		} else {
			delete(m.daemons, id)
		}
	}
	return count
}

// Untrack drops the session from the table without signalling.
func (m *Monitor) Untrack(sessionID string) {
	m.mu.Lock()
	delete(m.daemons, sessionID)
	m.mu.Unlock()
}

// KillDaemon sends SIGTERM to the session's worker, schedules a SIGKILL
// after the grace period, and untracks the session. Returns false when
// no live worker was found.
func (m *Monitor) KillDaemon(sessionID string) bool {
	d, ok := m.GetDaemon(sessionID)
	m.Untrack(sessionID)
	if !ok || !IsProcessRunning(d.PID) {
		return false
	}

	if err := syscall.Kill(d.PID, syscall.SIGTERM); err != nil {
		m.logger.Warn("SIGTERM failed",
			zap.String("session_id", sessionID), zap.Int("pid", d.PID), zap.Error(err))
		return false
	}
	pid := d.PID
	go func() {
		time.Sleep(killGracePeriod)
		if IsProcessRunning(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}()
	m.logger.Info("worker signalled",
		zap.String("session_id", sessionID), zap.Int("pid", pid))
	return true
}

// IsProcessRunning probes a pid with signal 0.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == syscall.EPERM
}

func writeTempFile(prefix string, data []byte) (string, error) {
	f, err := os.CreateTemp("", prefix+"*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
