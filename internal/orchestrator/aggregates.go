package orchestrator

import (
	"context"
	"sort"
	"time"

	sessionfold "github.com/agentz/agentz/internal/session"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// Overview is the headline rollup across all non-deleted sessions.
type Overview struct {
	TotalSessions int `json:"total_sessions"`
	Active        int `json:"active"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`

	TokensUsed v1.TokensUsed `json:"tokens_used"`
	ToolCalls  int           `json:"tool_calls"`
}

// GetOverview aggregates counts and token totals.
func (s *Service) GetOverview(ctx context.Context) (*Overview, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ov := &Overview{TotalSessions: len(sessions)}
	for _, sess := range sessions {
		switch {
		case sess.Status == v1.StatusCompleted:
			ov.Completed++
		case sess.Status == v1.StatusFailed:
			ov.Failed++
		case sess.Status == v1.StatusCancelled:
			ov.Cancelled++
		case sess.Status.Active():
			ov.Active++
		}
		ov.TokensUsed.Input += sess.TokensUsed.Input
		ov.TokensUsed.Output += sess.TokensUsed.Output
		ov.ToolCalls += countToolCalls(sess)
	}
	return ov, nil
}

func countToolCalls(sess *v1.Session) int {
	if sess.Metadata != nil && sess.Metadata.ToolStats.Total > 0 {
		return sess.Metadata.ToolStats.Total
	}
	n := 0
	for i := range sess.Output {
		if sess.Output[i].Kind == v1.ChunkToolUse {
			n++
		}
	}
	return n
}

// GetToolStats merges per-session tool stats across all sessions.
func (s *Service) GetToolStats(ctx context.Context) (*v1.ToolStats, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	agg := &v1.ToolStats{
		ByName:  make(map[string]int),
		ByClass: make(map[v1.ToolClass]int),
	}
	for _, sess := range sessions {
		md := sess.Metadata
		if md == nil {
			derived := sessionfold.DeriveMetadata(sess)
			md = &derived
		}
		for name, n := range md.ToolStats.ByName {
			agg.ByName[name] += n
		}
		for class, n := range md.ToolStats.ByClass {
			agg.ByClass[class] += n
		}
		agg.Total += md.ToolStats.Total
	}
	return agg, nil
}

// HotFile is one frequently touched path.
type HotFile struct {
	Path     string `json:"path"`
	Touches  int    `json:"touches"`
	Sessions int    `json:"sessions"`
}

// GetHotFiles ranks files by how often terminal sessions touched them.
// Live sessions are excluded so the ranking only reflects finished work.
func (s *Service) GetHotFiles(ctx context.Context, limit int) ([]HotFile, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	touches := make(map[string]int)
	bySession := make(map[string]map[string]bool)
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			continue
		}
		for _, f := range sessionfold.ChangedFiles(sess) {
			touches[f.Path]++
			if bySession[f.Path] == nil {
				bySession[f.Path] = make(map[string]bool)
			}
			bySession[f.Path][sess.ID] = true
		}
	}
	out := make([]HotFile, 0, len(touches))
	for path, n := range touches {
		out = append(out, HotFile{Path: path, Touches: n, Sessions: len(bySession[path])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Touches != out[j].Touches {
			return out[i].Touches > out[j].Touches
		}
		return out[i].Path < out[j].Path
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DailyBucket counts sessions started on one local-timezone day.
type DailyBucket struct {
	Date     string `json:"date"` // YYYY-MM-DD, local timezone
	Sessions int    `json:"sessions"`
}

// GetDailyActivity buckets session starts by local calendar day over
// the trailing number of days.
func (s *Service) GetDailyActivity(ctx context.Context, days int) ([]DailyBucket, error) {
	if days <= 0 {
		days = 30
	}
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	counts := make(map[string]int)
	for _, sess := range sessions {
		if sess.StartedAt.Before(cutoff) {
			continue
		}
		day := sess.StartedAt.Local().Format("2006-01-02")
		counts[day]++
	}
	out := make([]DailyBucket, 0, len(counts))
	for day, n := range counts {
		out = append(out, DailyBucket{Date: day, Sessions: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// SessionStats is the per-session row of the stats view.
type SessionStats struct {
	SessionID    string           `json:"session_id"`
	Title        string           `json:"title,omitempty"`
	AgentType    v1.AgentType     `json:"agent_type"`
	Status       v1.SessionStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	DurationMs   int64            `json:"duration_ms"`
	TokensUsed   v1.TokensUsed    `json:"tokens_used"`
	ToolCalls    int              `json:"tool_calls"`
	FilesTouched int              `json:"files_touched"`
}

// GetSessionStats returns one stats row per session, newest first.
func (s *Service) GetSessionStats(ctx context.Context) ([]SessionStats, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionStats, 0, len(sessions))
	for _, sess := range sessions {
		row := SessionStats{
			SessionID:  sess.ID,
			Title:      sess.Title,
			AgentType:  sess.AgentType,
			Status:     sess.Status,
			StartedAt:  sess.StartedAt,
			TokensUsed: sess.TokensUsed,
			ToolCalls:  countToolCalls(sess),
		}
		row.FilesTouched = len(sessionfold.ChangedFiles(sess))
		if sess.CompletedAt != nil {
			row.DurationMs = sess.CompletedAt.Sub(sess.StartedAt).Milliseconds()
		}
		out = append(out, row)
	}
	return out, nil
}

// ToolCallDetail is one tool invocation surfaced for inspection.
type ToolCallDetail struct {
	SessionID string       `json:"session_id"`
	Tool      string       `json:"tool"`
	Class     v1.ToolClass `json:"class"`
	Timestamp time.Time    `json:"timestamp"`
	Content   string       `json:"content,omitempty"`
}

// maxToolCallContent bounds the surfaced invocation payload.
const maxToolCallContent = 2048

// GetToolCallDetails lists a session's tool invocations in stream order.
func (s *Service) GetToolCallDetails(ctx context.Context, id string) ([]ToolCallDetail, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []ToolCallDetail
	for i := range sess.Output {
		chunk := &sess.Output[i]
		if chunk.Kind != v1.ChunkToolUse {
			continue
		}
		tool := ""
		if chunk.Metadata != nil {
			tool, _ = chunk.Metadata["tool_name"].(string)
		}
		content := chunk.Content
		if len(content) > maxToolCallContent {
			content = content[:maxToolCallContent]
		}
		out = append(out, ToolCallDetail{
			SessionID: sess.ID,
			Tool:      tool,
			Class:     sessionfold.ClassifyTool(tool),
			Timestamp: chunk.Timestamp,
			Content:   content,
		})
	}
	return out, nil
}
