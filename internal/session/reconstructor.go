// Package session reconstructs session snapshots from the registry and
// per-session event streams. Reconstruction is a pure fold: identical
// inputs yield identical snapshots regardless of wall-clock.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/agentz/agentz/internal/events"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// DefaultMaxOutputBytes caps retained output per session.
const DefaultMaxOutputBytes = 10_000_000

// truncationKeepRatio is the share of the cap kept (most recent first)
// when the output cap is hit.
const truncationKeepRatio = 0.6

// Reconstruction is the result of folding both streams for one session.
type Reconstruction struct {
	Session *v1.Session
	// AgentState is the latest opaque snapshot the worker published,
	// retained for resume.
	AgentState json.RawMessage
}

// Reconstructor folds event streams into session snapshots.
type Reconstructor struct {
	// MaxOutputBytes caps the retained output. Zero means the default.
	MaxOutputBytes int
}

func (r *Reconstructor) maxOutput() int {
	if r.MaxOutputBytes > 0 {
		return r.MaxOutputBytes
	}
	return DefaultMaxOutputBytes
}

// Reconstruct builds the snapshot for one session id. It returns nil
// when no session_created exists for the id or when any session_deleted
// tombstone is present, regardless of event order.
func (r *Reconstructor) Reconstruct(registry []events.RegistryEvent, sessionEvents []events.SessionEvent, id string) *Reconstruction {
	var created *events.RegistryEvent
	for i := range registry {
		ev := &registry[i]
		if ev.SessionID != id {
			continue
		}
		if ev.Type == events.SessionDeleted {
			return nil
		}
		if ev.Type == events.SessionCreated && created == nil {
			created = ev
		}
	}
	if created == nil {
		return nil
	}

	s := &v1.Session{
		ID:             id,
		Prompt:         created.Prompt,
		Title:          created.Title,
		Status:         v1.StatusPending,
		WorkingDir:     created.WorkingDir,
		WorktreePath:   created.WorktreePath,
		WorktreeBranch: created.WorktreeBranch,
		AgentType:      created.AgentType,
		Model:          created.Model,
		StartedAt:      created.Timestamp,
		TaskPath:       created.TaskPath,
		SourceFile:     created.SourceFile,
		SourceLine:     created.SourceLine,
		DebugRunID:     created.DebugRunID,
	}

	for i := range registry {
		ev := &registry[i]
		if ev.SessionID != id {
			continue
		}
		switch ev.Type {
		case events.SessionUpdated:
			s.Status = ev.Status
			if ev.Resumed {
				s.ResumeHistory = append(s.ResumeHistory, ev.Timestamp)
			}
		case events.SessionCompleted:
			s.Status = v1.StatusCompleted
			ts := ev.Timestamp
			s.CompletedAt = &ts
			s.Metadata = ev.Metadata
			if ev.TokensUsed != nil {
				s.TokensUsed = *ev.TokensUsed
			}
		case events.SessionFailed:
			s.Status = v1.StatusFailed
			ts := ev.Timestamp
			s.CompletedAt = &ts
			s.Error = ev.Error
			s.Metadata = ev.Metadata
			if ev.TokensUsed != nil {
				s.TokensUsed = *ev.TokensUsed
			}
		case events.SessionCancelled:
			s.Status = v1.StatusCancelled
			ts := ev.Timestamp
			s.CompletedAt = &ts
		}
	}

	rec := &Reconstruction{Session: s}
	for i := range sessionEvents {
		ev := &sessionEvents[i]
		if ev.SessionID != id {
			// A per-session stream may only carry its own id; foreign
			// frames are ignored rather than trusted.
			continue
		}
		switch ev.Type {
		case events.Output:
			if ev.Chunk != nil {
				s.Output = append(s.Output, *ev.Chunk)
			}
		case events.CLISessionID:
			s.CLISessionID = ev.CLISessionID
		case events.AgentState:
			rec.AgentState = ev.AgentState
		}
	}

	s.Output = capOutput(s.Output, r.maxOutput())
	s.Resumable = s.Status != v1.StatusCancelled
	return rec
}

// capOutput enforces the retained-output cap with a sliding-window
// truncation that keeps the most recent ~60% and prepends a system
// chunk announcing the cut.
func capOutput(output []v1.AgentOutputChunk, maxBytes int) []v1.AgentOutputChunk {
	total := 0
	for i := range output {
		total += len(output[i].Content)
	}
	if total <= maxBytes {
		return output
	}

	keepBudget := int(float64(maxBytes) * truncationKeepRatio)
	kept := 0
	cut := len(output)
	for i := len(output) - 1; i >= 0; i-- {
		if kept+len(output[i].Content) > keepBudget {
			break
		}
		kept += len(output[i].Content)
		cut = i
	}

	dropped := cut
	notice := v1.AgentOutputChunk{
		Kind:    v1.ChunkSystem,
		Content: truncationNotice(dropped),
	}
	if cut < len(output) {
		notice.Timestamp = output[cut].Timestamp
	}
	return append([]v1.AgentOutputChunk{notice}, output[cut:]...)
}

func truncationNotice(dropped int) string {
	return fmt.Sprintf("[output truncated: %d earlier chunks removed to stay under the retention cap]", dropped)
}

// SessionIDs returns the ids of every non-deleted session in the
// registry, in first-created order.
func SessionIDs(registry []events.RegistryEvent) []string {
	deleted := make(map[string]bool)
	for i := range registry {
		if registry[i].Type == events.SessionDeleted {
			deleted[registry[i].SessionID] = true
		}
	}
	seen := make(map[string]bool)
	var ids []string
	for i := range registry {
		ev := &registry[i]
		if ev.Type != events.SessionCreated || deleted[ev.SessionID] || seen[ev.SessionID] {
			continue
		}
		seen[ev.SessionID] = true
		ids = append(ids, ev.SessionID)
	}
	return ids
}
