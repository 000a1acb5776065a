// Package v1 defines the wire types shared between the control plane,
// its clients, and the spawned worker processes.
package v1

import "time"

// AgentType identifies which worker implementation runs a session.
type AgentType string

const (
	AgentClaude   AgentType = "claude"
	AgentCodex    AgentType = "codex"
	AgentOpencode AgentType = "opencode"
	AgentCerebras AgentType = "cerebras"
	AgentGemini   AgentType = "gemini"
	AgentMcporter AgentType = "mcporter"
)

// DefaultAgentType is used when a spawn request does not name one.
const DefaultAgentType = AgentClaude

// ValidAgentType reports whether t is a member of the closed enum.
func ValidAgentType(t AgentType) bool {
	switch t {
	case AgentClaude, AgentCodex, AgentOpencode, AgentCerebras, AgentGemini, AgentMcporter:
		return true
	}
	return false
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusPending         SessionStatus = "pending"
	StatusRunning         SessionStatus = "running"
	StatusWorking         SessionStatus = "working"
	StatusWaitingApproval SessionStatus = "waiting_approval"
	StatusWaitingInput    SessionStatus = "waiting_input"
	StatusIdle            SessionStatus = "idle"
	StatusCompleted       SessionStatus = "completed"
	StatusFailed          SessionStatus = "failed"
	StatusCancelled       SessionStatus = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a non-deleted session in this status counts as active.
func (s SessionStatus) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWorking, StatusWaitingApproval, StatusWaitingInput, StatusIdle:
		return true
	}
	return false
}

// ValidSessionStatus reports whether s is a member of the closed enum.
func ValidSessionStatus(s SessionStatus) bool {
	return s.Active() || s.Terminal()
}

// ChunkKind classifies a single piece of worker output.
type ChunkKind string

const (
	ChunkText        ChunkKind = "text"
	ChunkToolUse     ChunkKind = "tool_use"
	ChunkToolResult  ChunkKind = "tool_result"
	ChunkSystem      ChunkKind = "system"
	ChunkError       ChunkKind = "error"
	ChunkThinking    ChunkKind = "thinking"
	ChunkUserMessage ChunkKind = "user_message"
)

// ValidChunkKind reports whether k is a member of the closed enum.
func ValidChunkKind(k ChunkKind) bool {
	switch k {
	case ChunkText, ChunkToolUse, ChunkToolResult, ChunkSystem, ChunkError, ChunkThinking, ChunkUserMessage:
		return true
	}
	return false
}

// ImageAttachment is an inline image carried by a chunk or a spawn request.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// AgentOutputChunk is one unit of worker output.
type AgentOutputChunk struct {
	Kind        ChunkKind              `json:"type"`
	Content     string                 `json:"content"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Attachments []ImageAttachment      `json:"attachments,omitempty"`
}

// TokensUsed is the last-known token consumption of a session.
type TokensUsed struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// FileOperation classifies an edit surfaced from tool invocations.
type FileOperation string

const (
	FileOpCreate FileOperation = "create"
	FileOpEdit   FileOperation = "edit"
	FileOpDelete FileOperation = "delete"
)

// EditedFileInfo describes one file a session touched.
type EditedFileInfo struct {
	Path      string        `json:"path"` // repo-relative
	Operation FileOperation `json:"operation"`
	ToolUsed  string        `json:"tool_used"`
	Timestamp time.Time     `json:"timestamp"`
}

// ToolClass buckets tool invocations for aggregate stats.
type ToolClass string

const (
	ToolClassRead    ToolClass = "read"
	ToolClassWrite   ToolClass = "write"
	ToolClassExecute ToolClass = "execute"
	ToolClassOther   ToolClass = "other"
)

// ToolStats aggregates tool usage for one session.
type ToolStats struct {
	ByName  map[string]int    `json:"by_name"`
	ByClass map[ToolClass]int `json:"by_class"`
	Total   int               `json:"total"`
}

// OutputMetrics estimates the size of a session's output per chunk class.
type OutputMetrics struct {
	CharsByKind  map[ChunkKind]int `json:"chars_by_kind"`
	TokensByKind map[ChunkKind]int `json:"tokens_by_kind"` // rough estimate, chars/4
	TotalChars   int               `json:"total_chars"`
	TotalTokens  int               `json:"total_tokens"`
}

// TurnSummary captures one assistant turn for metadata rollups.
type TurnSummary struct {
	Index     int       `json:"index"`
	Chunks    int       `json:"chunks"`
	Chars     int       `json:"chars"`
	StartedAt time.Time `json:"started_at"`
}

// AgentSessionMetadata is derived from a session's output and attached to
// terminal registry events.
type AgentSessionMetadata struct {
	EditedFiles        []EditedFileInfo `json:"edited_files,omitempty"`
	ToolStats          ToolStats        `json:"tool_stats"`
	OutputMetrics      OutputMetrics    `json:"output_metrics"`
	ContextUtilization float64          `json:"context_utilization,omitempty"`
	DurationMs         int64            `json:"duration_ms"`
	MessageCount       int              `json:"message_count"`
	TurnSummaries      []TurnSummary    `json:"turn_summaries,omitempty"`
}

// Session is the reconstructed snapshot of one agent run.
type Session struct {
	ID             string                `json:"id"` // 12 lowercase hex chars
	Prompt         string                `json:"prompt"`
	Title          string                `json:"title,omitempty"`
	Status         SessionStatus         `json:"status"`
	WorkingDir     string                `json:"working_dir"`
	WorktreePath   string                `json:"worktree_path,omitempty"`
	WorktreeBranch string                `json:"worktree_branch,omitempty"`
	AgentType      AgentType             `json:"agent_type"`
	Model          string                `json:"model,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	TokensUsed     TokensUsed            `json:"tokens_used"`
	CLISessionID   string                `json:"cli_session_id,omitempty"`
	TaskPath       string                `json:"task_path,omitempty"`
	SourceFile     string                `json:"source_file,omitempty"`
	SourceLine     int                   `json:"source_line,omitempty"`
	DebugRunID     string                `json:"debug_run_id,omitempty"`
	Resumable      bool                  `json:"resumable"`
	ResumeHistory  []time.Time           `json:"resume_history,omitempty"`
	Error          string                `json:"error,omitempty"`
	Output         []AgentOutputChunk    `json:"output,omitempty"`
	Metadata       *AgentSessionMetadata `json:"metadata,omitempty"`
}

// MergeRecord ties a session's merge commit to the owning task.
type MergeRecord struct {
	SessionID  string    `json:"sessionId" yaml:"sessionId"`
	CommitHash string    `json:"commitHash" yaml:"commitHash"`
	MergedAt   time.Time `json:"mergedAt" yaml:"mergedAt"`
	RevertedBy string    `json:"revertedBy,omitempty" yaml:"revertedBy,omitempty"`
}

// QAStatus is the per-task review marker after a merge to main.
type QAStatus string

const (
	QAPending QAStatus = "pending"
	QAPass    QAStatus = "pass"
	QAFail    QAStatus = "fail"
)
