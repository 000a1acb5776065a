package session

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/events"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func created(id string) events.RegistryEvent {
	return events.RegistryEvent{
		Type:       events.SessionCreated,
		V:          1,
		SessionID:  id,
		Timestamp:  t0,
		Prompt:     "list files",
		AgentType:  v1.AgentClaude,
		WorkingDir: "/repo",
	}
}

func registryEvent(t events.RegistryEventType, id string, at time.Time) events.RegistryEvent {
	return events.RegistryEvent{Type: t, V: 1, SessionID: id, Timestamp: at}
}

func outputEvent(id, content string) events.SessionEvent {
	return events.SessionEvent{
		Type:      events.Output,
		V:         1,
		SessionID: id,
		Timestamp: t0,
		Chunk:     &v1.AgentOutputChunk{Kind: v1.ChunkText, Content: content, Timestamp: t0},
	}
}

func TestReconstructLifecycle(t *testing.T) {
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"

	completed := registryEvent(events.SessionCompleted, id, t0.Add(time.Minute))
	completed.TokensUsed = &v1.TokensUsed{Input: 5, Output: 3}

	registry := []events.RegistryEvent{
		created(id),
		{Type: events.SessionUpdated, V: 1, SessionID: id, Timestamp: t0.Add(time.Second), Status: v1.StatusWorking},
		completed,
	}
	sessionEvents := []events.SessionEvent{outputEvent(id, "hello")}

	rec := r.Reconstruct(registry, sessionEvents, id)
	require.NotNil(t, rec)
	s := rec.Session

	assert.Equal(t, v1.StatusCompleted, s.Status)
	assert.Equal(t, "list files", s.Prompt)
	assert.Equal(t, t0, s.StartedAt)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, t0.Add(time.Minute), *s.CompletedAt)
	assert.Equal(t, v1.TokensUsed{Input: 5, Output: 3}, s.TokensUsed)
	require.Len(t, s.Output, 1)
	assert.Equal(t, "hello", s.Output[0].Content)
	assert.True(t, s.Resumable)
}

func TestReconstructAbsentWithoutCreated(t *testing.T) {
	r := &Reconstructor{}
	registry := []events.RegistryEvent{
		registryEvent(events.SessionCancelled, "aaaaaaaaaaaa", t0),
	}
	assert.Nil(t, r.Reconstruct(registry, nil, "aaaaaaaaaaaa"))
}

func TestReconstructTombstoneWinsRegardlessOfOrder(t *testing.T) {
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"

	// Tombstone before later events for the same id still hides it.
	registry := []events.RegistryEvent{
		created(id),
		registryEvent(events.SessionDeleted, id, t0.Add(time.Second)),
		registryEvent(events.SessionCompleted, id, t0.Add(time.Minute)),
	}
	assert.Nil(t, r.Reconstruct(registry, nil, id))
}

func TestReconstructCancelledNotResumable(t *testing.T) {
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"
	registry := []events.RegistryEvent{
		created(id),
		registryEvent(events.SessionCancelled, id, t0.Add(time.Second)),
	}
	rec := r.Reconstruct(registry, nil, id)
	require.NotNil(t, rec)
	assert.Equal(t, v1.StatusCancelled, rec.Session.Status)
	assert.False(t, rec.Session.Resumable)
}

func TestReconstructIgnoresOtherSessions(t *testing.T) {
	// P1: the fold depends only on the sub-sequence pertaining to the id.
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"
	other := "bbbbbbbbbbbb"

	base := []events.RegistryEvent{created(id)}
	baseRec := r.Reconstruct(base, nil, id)

	noisy := append([]events.RegistryEvent{}, base...)
	noisy = append(noisy,
		created(other),
		registryEvent(events.SessionFailed, other, t0.Add(time.Second)),
		registryEvent(events.SessionDeleted, other, t0.Add(time.Minute)),
	)
	noisyRec := r.Reconstruct(noisy, nil, id)

	assert.Equal(t, baseRec.Session, noisyRec.Session)
}

func TestReconstructDeterministic(t *testing.T) {
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"
	registry := []events.RegistryEvent{
		created(id),
		registryEvent(events.SessionCompleted, id, t0.Add(time.Minute)),
	}
	sessionEvents := []events.SessionEvent{outputEvent(id, "a"), outputEvent(id, "b")}

	first := r.Reconstruct(registry, sessionEvents, id)
	second := r.Reconstruct(registry, sessionEvents, id)
	assert.Equal(t, first.Session, second.Session)
}

func TestReconstructSkipsForeignFramesInSessionStream(t *testing.T) {
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"
	registry := []events.RegistryEvent{created(id)}
	sessionEvents := []events.SessionEvent{
		outputEvent(id, "mine"),
		outputEvent("bbbbbbbbbbbb", "foreign"),
	}
	rec := r.Reconstruct(registry, sessionEvents, id)
	require.Len(t, rec.Session.Output, 1)
	assert.Equal(t, "mine", rec.Session.Output[0].Content)
}

func TestReconstructCLISessionIDAndAgentState(t *testing.T) {
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"
	registry := []events.RegistryEvent{created(id)}
	sessionEvents := []events.SessionEvent{
		{Type: events.CLISessionID, V: 1, SessionID: id, Timestamp: t0, CLISessionID: "first"},
		{Type: events.AgentState, V: 1, SessionID: id, Timestamp: t0, AgentState: []byte(`{"seq":1}`)},
		{Type: events.CLISessionID, V: 1, SessionID: id, Timestamp: t0, CLISessionID: "second"},
		{Type: events.AgentState, V: 1, SessionID: id, Timestamp: t0, AgentState: []byte(`{"seq":2}`)},
	}
	rec := r.Reconstruct(registry, sessionEvents, id)
	assert.Equal(t, "second", rec.Session.CLISessionID)
	assert.JSONEq(t, `{"seq":2}`, string(rec.AgentState))
}

func TestOutputCapTruncation(t *testing.T) {
	r := &Reconstructor{MaxOutputBytes: 1000}
	id := "aaaaaaaaaaaa"
	registry := []events.RegistryEvent{created(id)}

	var sessionEvents []events.SessionEvent
	for i := 0; i < 20; i++ {
		sessionEvents = append(sessionEvents, outputEvent(id, strings.Repeat("x", 100)))
	}

	rec := r.Reconstruct(registry, sessionEvents, id)
	out := rec.Session.Output

	// First chunk announces the truncation.
	require.NotEmpty(t, out)
	assert.Equal(t, v1.ChunkSystem, out[0].Kind)
	assert.Contains(t, out[0].Content, "truncated")

	kept := 0
	for _, c := range out[1:] {
		kept += len(c.Content)
	}
	assert.LessOrEqual(t, kept, 600, "keeps at most ~60%% of the cap")
	assert.Greater(t, kept, 0)
}

func TestSessionIDsExcludesDeleted(t *testing.T) {
	registry := []events.RegistryEvent{
		created("aaaaaaaaaaaa"),
		created("bbbbbbbbbbbb"),
		registryEvent(events.SessionDeleted, "aaaaaaaaaaaa", t0.Add(time.Second)),
		created("cccccccccccc"),
	}
	assert.Equal(t, []string{"bbbbbbbbbbbb", "cccccccccccc"}, SessionIDs(registry))
}

func TestResumeHistory(t *testing.T) {
	r := &Reconstructor{}
	id := "aaaaaaaaaaaa"
	resume := events.RegistryEvent{
		Type: events.SessionUpdated, V: 1, SessionID: id,
		Timestamp: t0.Add(time.Hour), Status: v1.StatusPending, Resumed: true,
	}
	registry := []events.RegistryEvent{created(id), resume}
	rec := r.Reconstruct(registry, nil, id)
	require.Len(t, rec.Session.ResumeHistory, 1)
	assert.Equal(t, t0.Add(time.Hour), rec.Session.ResumeHistory[0])
}

func TestReconstructManySessionsIndependence(t *testing.T) {
	// Randomised variant of P1 over a batch of interleaved sessions.
	r := &Reconstructor{}
	var registry []events.RegistryEvent
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("%012x", i+1)
		registry = append(registry, created(ids[i]))
		if i%2 == 0 {
			registry = append(registry, registryEvent(events.SessionCompleted, ids[i], t0.Add(time.Minute)))
		}
		if i%3 == 0 {
			registry = append(registry, registryEvent(events.SessionDeleted, ids[i], t0.Add(2*time.Minute)))
		}
	}
	for i, id := range ids {
		rec := r.Reconstruct(registry, nil, id)
		if i%3 == 0 {
			assert.Nil(t, rec, "id %s should be tombstoned", id)
			continue
		}
		require.NotNil(t, rec)
		if i%2 == 0 {
			assert.Equal(t, v1.StatusCompleted, rec.Session.Status)
		} else {
			assert.Equal(t, v1.StatusPending, rec.Session.Status)
		}
	}
}
