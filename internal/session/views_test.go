package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentz/agentz/pkg/api/v1"
)

func toolUse(tool, content string) v1.AgentOutputChunk {
	return v1.AgentOutputChunk{
		Kind:      v1.ChunkToolUse,
		Content:   content,
		Timestamp: t0,
		Metadata:  map[string]interface{}{"tool_name": tool},
	}
}

func TestDeriveEditedFiles(t *testing.T) {
	output := []v1.AgentOutputChunk{
		toolUse("Write", `{"file_path":"src/x.ts","content":"..."}`),
		toolUse("Edit", `{"path":"src/y.ts","old":"a","new":"b"}`),
		toolUse("Read", `{"file_path":"src/z.ts"}`),            // read class, skipped
		toolUse("Bash", `{"command":"ls"}`),                    // no path key
		toolUse("NotebookEdit", `{"notebook_path":"nb.ipynb"}`), // notebook key
		{Kind: v1.ChunkText, Content: "not a tool", Timestamp: t0},
		toolUse("DeleteFile", `{"file":"old.txt"}`),
	}

	files := DeriveEditedFiles(output)
	require.Len(t, files, 4)

	assert.Equal(t, "src/x.ts", files[0].Path)
	assert.Equal(t, v1.FileOpCreate, files[0].Operation)
	assert.Equal(t, "Write", files[0].ToolUsed)

	assert.Equal(t, "src/y.ts", files[1].Path)
	assert.Equal(t, v1.FileOpEdit, files[1].Operation)

	assert.Equal(t, "nb.ipynb", files[2].Path)
	assert.Equal(t, v1.FileOpEdit, files[2].Operation)

	assert.Equal(t, "old.txt", files[3].Path)
	assert.Equal(t, v1.FileOpDelete, files[3].Operation)
}

func TestDeriveEditedFilesToolNameFromContent(t *testing.T) {
	output := []v1.AgentOutputChunk{
		{
			Kind:      v1.ChunkToolUse,
			Content:   `{"tool":"write_file","path":"a.go"}`,
			Timestamp: t0,
		},
	}
	files := DeriveEditedFiles(output)
	require.Len(t, files, 1)
	assert.Equal(t, "write_file", files[0].ToolUsed)
	assert.Equal(t, v1.FileOpCreate, files[0].Operation)
}

func TestChangedFilesPrefersTerminalMetadata(t *testing.T) {
	metaFiles := []v1.EditedFileInfo{{Path: "from/meta.go", Operation: v1.FileOpEdit, ToolUsed: "Edit", Timestamp: t0}}
	s := &v1.Session{
		Status:   v1.StatusCompleted,
		Metadata: &v1.AgentSessionMetadata{EditedFiles: metaFiles},
		Output: []v1.AgentOutputChunk{
			toolUse("Write", `{"file_path":"from/output.go"}`),
		},
	}
	assert.Equal(t, metaFiles, ChangedFiles(s))
}

func TestChangedFilesFallsBackWhenMetadataEmpty(t *testing.T) {
	s := &v1.Session{
		Status:   v1.StatusCompleted,
		Metadata: &v1.AgentSessionMetadata{},
		Output: []v1.AgentOutputChunk{
			toolUse("Write", `{"file_path":"from/output.go"}`),
		},
	}
	files := ChangedFiles(s)
	require.Len(t, files, 1)
	assert.Equal(t, "from/output.go", files[0].Path)
}

func TestChangedFilesRunningDerivesLive(t *testing.T) {
	s := &v1.Session{
		Status: v1.StatusWorking,
		Output: []v1.AgentOutputChunk{
			toolUse("Edit", `{"path":"live.go"}`),
		},
	}
	files := ChangedFiles(s)
	require.Len(t, files, 1)
	assert.Equal(t, "live.go", files[0].Path)
}

func TestClassifyTool(t *testing.T) {
	cases := map[string]v1.ToolClass{
		"Write":      v1.ToolClassWrite,
		"str_replace": v1.ToolClassWrite,
		"Read":       v1.ToolClassRead,
		"GrepSearch": v1.ToolClassRead,
		"Bash":       v1.ToolClassExecute,
		"RunCommand": v1.ToolClassExecute,
		"WebBrowser": v1.ToolClassOther,
	}
	for tool, want := range cases {
		assert.Equal(t, want, ClassifyTool(tool), "tool %s", tool)
	}
}

func TestActiveSessions(t *testing.T) {
	sessions := []*v1.Session{
		{ID: "a", Status: v1.StatusPending},
		{ID: "b", Status: v1.StatusCompleted},
		{ID: "c", Status: v1.StatusWaitingApproval},
		{ID: "d", Status: v1.StatusCancelled},
		nil,
		{ID: "e", Status: v1.StatusIdle},
	}
	active := ActiveSessions(sessions)
	require.Len(t, active, 3)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
	assert.Equal(t, "e", active[2].ID)
}

func TestDeriveMetadata(t *testing.T) {
	done := t0.Add(90 * time.Second)
	s := &v1.Session{
		StartedAt:   t0,
		CompletedAt: &done,
		TokensUsed:  v1.TokensUsed{Input: 1000, Output: 500},
		Output: []v1.AgentOutputChunk{
			{Kind: v1.ChunkUserMessage, Content: "do the thing", Timestamp: t0},
			{Kind: v1.ChunkText, Content: "working on it", Timestamp: t0},
			toolUse("Write", `{"file_path":"a.go"}`),
			toolUse("Bash", `{"command":"go test"}`),
			{Kind: v1.ChunkText, Content: "done", Timestamp: t0},
		},
	}

	md := DeriveMetadata(s)

	assert.Len(t, md.EditedFiles, 1)
	assert.Equal(t, 2, md.ToolStats.Total)
	assert.Equal(t, 1, md.ToolStats.ByName["Write"])
	assert.Equal(t, 1, md.ToolStats.ByClass[v1.ToolClassWrite])
	assert.Equal(t, 1, md.ToolStats.ByClass[v1.ToolClassExecute])
	assert.Equal(t, int64(90_000), md.DurationMs)
	assert.Equal(t, 3, md.MessageCount)
	assert.Greater(t, md.OutputMetrics.TotalChars, 0)
	assert.InDelta(t, 1500.0/200_000, md.ContextUtilization, 1e-9)
	require.NotEmpty(t, md.TurnSummaries)
}
