package api

import (
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// SpawnSessionRequest is the body of POST /sessions.
type SpawnSessionRequest struct {
	Prompt      string               `json:"prompt" binding:"required"`
	AgentType   v1.AgentType         `json:"agent_type"`
	Model       string               `json:"model"`
	Title       string               `json:"title"`
	TaskPath    string               `json:"task_path"`
	SourceFile  string               `json:"source_file"`
	SourceLine  int                  `json:"source_line"`
	WorkingDir  string               `json:"working_dir"`
	Attachments []v1.ImageAttachment `json:"attachments"`
}

// SendMessageRequest is the body of POST /sessions/:id/message.
type SendMessageRequest struct {
	Message     string               `json:"message" binding:"required"`
	Attachments []v1.ImageAttachment `json:"attachments"`
}

// ApproveRequest is the body of POST /sessions/:id/approve.
type ApproveRequest struct {
	Approved bool `json:"approved"`
}

// DebugSessionRequest is the body of POST /debug.
type DebugSessionRequest struct {
	Title      string         `json:"title"`
	Prompt     string         `json:"prompt" binding:"required"`
	Agents     []v1.AgentType `json:"agents" binding:"required"`
	WorkingDir string         `json:"working_dir"`
	TaskPath   string         `json:"task_path"`
	SourceFile string         `json:"source_file"`
	SourceLine int            `json:"source_line"`
}

// OrchestrateRequest is the body of POST /debug/:runId/orchestrate.
type OrchestrateRequest struct {
	Force bool `json:"force"`
}

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	Name  string `json:"name" binding:"required"`
	Title string `json:"title" binding:"required"`
	Body  string `json:"body"`
}

// UpdateTaskRequest is the body of PUT /tasks/:name.
type UpdateTaskRequest struct {
	Version int    `json:"version" binding:"required"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// AutoRunRequest is the body of PUT /tasks/:name/auto-run.
type AutoRunRequest struct {
	Version int  `json:"version" binding:"required"`
	AutoRun bool `json:"auto_run"`
}

// AddSubtaskRequest is the body of POST /tasks/:name/subtasks.
type AddSubtaskRequest struct {
	Version int    `json:"version" binding:"required"`
	Title   string `json:"title" binding:"required"`
}

// UpdateSubtaskRequest is the body of PUT /tasks/:name/subtasks/:subtaskId.
type UpdateSubtaskRequest struct {
	Version int    `json:"version" binding:"required"`
	Title   string `json:"title"`
	Status  string `json:"status"`
}

// VersionedRequest carries just the optimistic-concurrency version.
type VersionedRequest struct {
	Version int `json:"version" binding:"required"`
}

// SplitTaskRequest is the body of POST /tasks/:name/split.
type SplitTaskRequest struct {
	Version  int      `json:"version" binding:"required"`
	Headings []string `json:"headings" binding:"required"`
}

// MergeTaskRequest is the body of POST /tasks/:name/merge.
type MergeTaskRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// RevertTaskRequest is the body of POST /tasks/:name/revert.
type RevertTaskRequest struct {
	MergeCommit string `json:"merge_commit" binding:"required"`
}
