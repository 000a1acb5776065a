package session

import (
	"encoding/json"
	"strings"

	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// filePathKeys are the content JSON keys recognised as file paths in
// tool_use chunks.
var filePathKeys = []string{"path", "file_path", "file", "notebook_path"}

// toolNameKeys are the content JSON keys a tool invocation may carry its
// own name under, used when chunk metadata has none.
var toolNameKeys = []string{"tool_name", "tool", "name"}

// ChangedFiles returns the files a session touched. Terminal sessions
// prefer the metadata carried by their completion/failure event; running
// sessions (and terminal sessions whose metadata list is empty) derive
// the list live from tool_use chunks.
func ChangedFiles(s *v1.Session) []v1.EditedFileInfo {
	if s == nil {
		return nil
	}
	if s.Status.Terminal() && s.Metadata != nil && len(s.Metadata.EditedFiles) > 0 {
		return s.Metadata.EditedFiles
	}
	return DeriveEditedFiles(s.Output)
}

// DeriveEditedFiles parses every tool_use chunk for a recognised
// file-path key and a create/edit/delete tool class.
func DeriveEditedFiles(output []v1.AgentOutputChunk) []v1.EditedFileInfo {
	var files []v1.EditedFileInfo
	for i := range output {
		chunk := &output[i]
		if chunk.Kind != v1.ChunkToolUse {
			continue
		}
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(chunk.Content), &input); err != nil {
			continue
		}
		path := extractString(input, filePathKeys)
		if path == "" {
			continue
		}
		tool := toolName(chunk, input)
		op, ok := classifyFileOperation(tool)
		if !ok {
			continue
		}
		files = append(files, v1.EditedFileInfo{
			Path:      path,
			Operation: op,
			ToolUsed:  tool,
			Timestamp: chunk.Timestamp,
		})
	}
	return files
}

// toolName resolves the invoked tool's name from chunk metadata or the
// content JSON itself.
func toolName(chunk *v1.AgentOutputChunk, input map[string]interface{}) string {
	if chunk.Metadata != nil {
		if name, ok := chunk.Metadata["tool_name"].(string); ok && name != "" {
			return name
		}
	}
	return extractString(input, toolNameKeys)
}

func extractString(m map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// classifyFileOperation maps a tool name onto a file operation by
// substring test on the lower-cased name.
func classifyFileOperation(tool string) (v1.FileOperation, bool) {
	name := strings.ToLower(tool)
	switch {
	case containsAny(name, "delete", "remove", "unlink"):
		return v1.FileOpDelete, true
	case containsAny(name, "edit", "update", "patch", "replace", "apply"):
		return v1.FileOpEdit, true
	case containsAny(name, "write", "create", "touch"):
		return v1.FileOpCreate, true
	}
	return "", false
}

// ClassifyTool buckets a tool name for aggregate stats.
func ClassifyTool(tool string) v1.ToolClass {
	name := strings.ToLower(tool)
	switch {
	case containsAny(name, "write", "create", "edit", "update", "patch", "replace", "delete", "remove", "apply"):
		return v1.ToolClassWrite
	case containsAny(name, "read", "cat", "view", "grep", "search", "glob", "list", "ls", "fetch"):
		return v1.ToolClassRead
	case containsAny(name, "bash", "exec", "run", "shell", "command", "terminal"):
		return v1.ToolClassExecute
	}
	return v1.ToolClassOther
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ActiveSessions filters snapshots down to the active set: not deleted
// and in a non-terminal status.
func ActiveSessions(sessions []*v1.Session) []*v1.Session {
	var active []*v1.Session
	for _, s := range sessions {
		if s != nil && s.Status.Active() {
			active = append(active, s)
		}
	}
	return active
}
