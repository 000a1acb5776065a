package session

import (
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// contextWindowTokens is the assumed context budget used for the
// utilisation estimate on terminal metadata.
const contextWindowTokens = 200_000

// DeriveMetadata computes the terminal metadata for a session from its
// accumulated output. It is attached to session_completed and
// session_failed registry events.
func DeriveMetadata(s *v1.Session) v1.AgentSessionMetadata {
	md := v1.AgentSessionMetadata{
		EditedFiles: DeriveEditedFiles(s.Output),
		ToolStats: v1.ToolStats{
			ByName:  make(map[string]int),
			ByClass: make(map[v1.ToolClass]int),
		},
		OutputMetrics: v1.OutputMetrics{
			CharsByKind:  make(map[v1.ChunkKind]int),
			TokensByKind: make(map[v1.ChunkKind]int),
		},
	}

	var turn *v1.TurnSummary
	for i := range s.Output {
		chunk := &s.Output[i]

		chars := len(chunk.Content)
		md.OutputMetrics.CharsByKind[chunk.Kind] += chars
		md.OutputMetrics.TokensByKind[chunk.Kind] += estimateTokens(chars)
		md.OutputMetrics.TotalChars += chars
		md.OutputMetrics.TotalTokens += estimateTokens(chars)

		switch chunk.Kind {
		case v1.ChunkToolUse:
			tool := toolNameFromChunk(chunk)
			md.ToolStats.ByName[tool]++
			md.ToolStats.ByClass[ClassifyTool(tool)]++
			md.ToolStats.Total++
		case v1.ChunkUserMessage:
			md.MessageCount++
			// A user message opens a new turn.
			if turn != nil {
				md.TurnSummaries = append(md.TurnSummaries, *turn)
			}
			turn = &v1.TurnSummary{
				Index:     len(md.TurnSummaries) + 1,
				StartedAt: chunk.Timestamp,
			}
			continue
		case v1.ChunkText:
			md.MessageCount++
		}

		if turn == nil {
			turn = &v1.TurnSummary{Index: 1, StartedAt: chunk.Timestamp}
		}
		turn.Chunks++
		turn.Chars += chars
	}
	if turn != nil {
		md.TurnSummaries = append(md.TurnSummaries, *turn)
	}

	if s.CompletedAt != nil {
		md.DurationMs = s.CompletedAt.Sub(s.StartedAt).Milliseconds()
	}

	totalTokens := s.TokensUsed.Input + s.TokensUsed.Output
	if totalTokens == 0 {
		totalTokens = md.OutputMetrics.TotalTokens
	}
	md.ContextUtilization = float64(totalTokens) / float64(contextWindowTokens)
	if md.ContextUtilization > 1 {
		md.ContextUtilization = 1
	}

	return md
}

// estimateTokens is the rough chars/4 heuristic used for output metrics.
func estimateTokens(chars int) int {
	return (chars + 3) / 4
}

func toolNameFromChunk(chunk *v1.AgentOutputChunk) string {
	if chunk.Metadata != nil {
		if name, ok := chunk.Metadata["tool_name"].(string); ok && name != "" {
			return name
		}
	}
	return "unknown"
}
