package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRejectsDenylistedPrompt(t *testing.T) {
	svc := newTestService(t, "true", 4)
	svc.cfg.Safety.DangerousCommands = []string{"rm -rf /"}

	_, err := svc.Spawn(context.Background(), SpawnRequest{
		Prompt: "please run rm -rf / to clean up",
	})
	assert.Error(t, err)
}

func TestSpawnRejectsWorkingDirOutsidePrefix(t *testing.T) {
	svc := newTestService(t, "true", 4)
	allowed := t.TempDir()
	svc.cfg.Safety.AllowedPathPrefix = allowed

	_, err := svc.Spawn(context.Background(), SpawnRequest{
		Prompt:     "do the thing",
		WorkingDir: t.TempDir(),
	})
	assert.Error(t, err)
}

func TestSpawnAllowsWorkingDirUnderPrefix(t *testing.T) {
	svc := newTestService(t, "true", 4)
	allowed := t.TempDir()
	svc.cfg.Safety.AllowedPathPrefix = allowed

	res, err := svc.Spawn(context.Background(), SpawnRequest{
		Prompt:     "do the thing",
		WorkingDir: allowed,
	})
	require.NoError(t, err)
	assert.Len(t, res.SessionID, 12)
}
