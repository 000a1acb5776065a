package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/events"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// completedAt appends a created+completed pair with a chosen start time.
func (s *Service) completedAt(t *testing.T, id string, started time.Time) {
	t.Helper()
	created := events.NewRegistryEvent(events.SessionCreated, id)
	created.Prompt = "retained work"
	created.AgentType = v1.AgentClaude
	created.WorkingDir = s.repoRoot
	created.Timestamp = started
	s.appendForTest(t, created)

	done := events.NewRegistryEvent(events.SessionCompleted, id)
	done.Timestamp = started.Add(time.Minute)
	s.appendForTest(t, done)
}

func TestSweepRetentionByAge(t *testing.T) {
	svc := newTestService(t, "true", 4)
	svc.cfg.Worker.MaxSessionAgeMs = int64(24 * time.Hour / time.Millisecond)
	ctx := context.Background()

	svc.completedAt(t, "aaaaaaaaaaaa", time.Now().Add(-48*time.Hour))
	svc.completedAt(t, "bbbbbbbbbbbb", time.Now().Add(-time.Hour))

	n, err := svc.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Get(ctx, "aaaaaaaaaaaa")
	assert.Error(t, err)
	_, err = svc.Get(ctx, "bbbbbbbbbbbb")
	assert.NoError(t, err)
}

func TestSweepRetentionByCount(t *testing.T) {
	svc := newTestService(t, "true", 4)
	svc.cfg.Worker.MaxSessionsCount = 1
	ctx := context.Background()

	svc.completedAt(t, "aaaaaaaaaaaa", time.Now().Add(-3*time.Hour))
	svc.completedAt(t, "bbbbbbbbbbbb", time.Now().Add(-2*time.Hour))
	svc.completedAt(t, "cccccccccccc", time.Now().Add(-time.Hour))

	n, err := svc.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The newest session survives.
	_, err = svc.Get(ctx, "cccccccccccc")
	assert.NoError(t, err)
}

func TestSweepRetentionSkipsLiveSessions(t *testing.T) {
	svc := newTestService(t, "true", 4)
	svc.cfg.Worker.MaxSessionAgeMs = 1
	ctx := context.Background()

	created := events.NewRegistryEvent(events.SessionCreated, "dddddddddddd")
	created.Prompt = "still running"
	created.AgentType = v1.AgentClaude
	created.WorkingDir = svc.repoRoot
	created.Timestamp = time.Now().Add(-48 * time.Hour)
	svc.appendForTest(t, created)

	n, err := svc.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.Get(ctx, "dddddddddddd")
	assert.NoError(t, err)
}
