// Package events defines the tagged event variants written to the
// registry, per-session, and control streams, plus their codec.
package events

import (
	"encoding/json"
	"time"

	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// SchemaVersion is stamped into every encoded frame.
const SchemaVersion = 1

// RegistryEventType discriminates the session-lifecycle variants.
type RegistryEventType string

const (
	SessionCreated   RegistryEventType = "session_created"
	SessionUpdated   RegistryEventType = "session_updated"
	SessionCompleted RegistryEventType = "session_completed"
	SessionFailed    RegistryEventType = "session_failed"
	SessionCancelled RegistryEventType = "session_cancelled"
	SessionDeleted   RegistryEventType = "session_deleted"
)

// RegistryEvent is one frame in the global registry stream. The registry
// is the sole source of truth for session status, title, and lifecycle
// timestamps.
type RegistryEvent struct {
	Type      RegistryEventType `json:"type"`
	V         int               `json:"v"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"ts"`

	// session_created payload
	Prompt         string       `json:"prompt,omitempty"`
	AgentType      v1.AgentType `json:"agent_type,omitempty"`
	WorkingDir     string       `json:"working_dir,omitempty"`
	Title          string       `json:"title,omitempty"`
	TaskPath       string       `json:"task_path,omitempty"`
	SourceFile     string       `json:"source_file,omitempty"`
	SourceLine     int          `json:"source_line,omitempty"`
	DebugRunID     string       `json:"debug_run_id,omitempty"`
	Model          string       `json:"model,omitempty"`
	WorktreePath   string       `json:"worktree_path,omitempty"`
	WorktreeBranch string       `json:"worktree_branch,omitempty"`

	// session_updated payload
	Status v1.SessionStatus `json:"status,omitempty"`
	// Resumed marks a session_updated appended by a resume (send-message).
	Resumed bool `json:"resumed,omitempty"`

	// terminal payloads
	Metadata   *v1.AgentSessionMetadata `json:"metadata,omitempty"`
	TokensUsed *v1.TokensUsed           `json:"tokens_used,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// SessionEventType discriminates the per-session stream variants.
type SessionEventType string

const (
	Output       SessionEventType = "output"
	CLISessionID SessionEventType = "cli_session_id"
	AgentState   SessionEventType = "agent_state"
)

// SessionEvent is one frame in a per-session stream. A per-session
// stream may only contain events whose SessionID matches the stream
// identity.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	V         int              `json:"v"`
	SessionID string           `json:"session_id"`
	Timestamp time.Time        `json:"ts"`

	// output payload
	Chunk *v1.AgentOutputChunk `json:"chunk,omitempty"`

	// cli_session_id payload: the worker-supplied resume handle.
	CLISessionID string `json:"cli_session_id,omitempty"`

	// agent_state payload: an opaque snapshot the worker publishes so a
	// later resume can restore its own conversation.
	AgentState json.RawMessage `json:"agent_state,omitempty"`
}

// ControlEventType discriminates the control stream variants.
type ControlEventType string

const (
	ApprovalResponse ControlEventType = "approval_response"
)

// ControlEvent is one frame in a session's control stream, written by
// the control plane for the worker to consume.
type ControlEvent struct {
	Type      ControlEventType `json:"type"`
	V         int              `json:"v"`
	SessionID string           `json:"session_id"`
	Timestamp time.Time        `json:"ts"`
	Approved  bool             `json:"approved"`
}

// NewRegistryEvent stamps the version and timestamp onto a registry event.
func NewRegistryEvent(t RegistryEventType, sessionID string) RegistryEvent {
	return RegistryEvent{
		Type:      t,
		V:         SchemaVersion,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

// NewOutputEvent wraps a chunk into a per-session output event.
func NewOutputEvent(sessionID string, chunk v1.AgentOutputChunk) SessionEvent {
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now().UTC()
	}
	return SessionEvent{
		Type:      Output,
		V:         SchemaVersion,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Chunk:     &chunk,
	}
}

// NewApprovalEvent builds an approval_response control event.
func NewApprovalEvent(sessionID string, approved bool) ControlEvent {
	return ControlEvent{
		Type:      ApprovalResponse,
		V:         SchemaVersion,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Approved:  approved,
	}
}
