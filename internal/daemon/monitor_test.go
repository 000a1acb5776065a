package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/common/config"
	v1 "github.com/agentz/agentz/pkg/api/v1"
)

func newTestMonitor(binary string) *Monitor {
	return NewMonitor(config.WorkerConfig{Binary: binary}, nil)
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}

func TestSpawnRecordsDaemon(t *testing.T) {
	m := newTestMonitor("true")

	d, err := m.Spawn(context.Background(), SpawnConfig{
		SessionID:  "a1b2c3d4e5f6",
		AgentType:  v1.AgentClaude,
		Prompt:     "fix the login bug",
		WorkingDir: t.TempDir(),
		StreamURL:  "http://127.0.0.1:8080/internal/v1/chunks",
		Nonce:      "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)
	assert.Greater(t, d.PID, 0)
	assert.Equal(t, v1.AgentClaude, d.AgentType)
	assert.False(t, d.StartedAt.IsZero())

	got, ok := m.GetDaemon("a1b2c3d4e5f6")
	require.True(t, ok)
	assert.Equal(t, d.PID, got.PID)
}

func TestSpawnRequiresIdentity(t *testing.T) {
	m := newTestMonitor("true")

	_, err := m.Spawn(context.Background(), SpawnConfig{SessionID: "", Nonce: "x"})
	assert.Error(t, err)
	_, err = m.Spawn(context.Background(), SpawnConfig{SessionID: "a1b2c3d4e5f6"})
	assert.Error(t, err)
}

func TestValidNonce(t *testing.T) {
	m := newTestMonitor("true")
	m.daemons["a1b2c3d4e5f6"] = &Daemon{
		SessionID: "a1b2c3d4e5f6",
		PID:       os.Getpid(),
		Nonce:     "deadbeefdeadbeefdeadbeefdeadbeef",
	}

	assert.True(t, m.ValidNonce("a1b2c3d4e5f6", "deadbeefdeadbeefdeadbeefdeadbeef"))
	assert.False(t, m.ValidNonce("a1b2c3d4e5f6", "wrong"))
	assert.False(t, m.ValidNonce("a1b2c3d4e5f6", ""))
	assert.False(t, m.ValidNonce("unknown", "deadbeefdeadbeefdeadbeefdeadbeef"))
}

func TestRunningCountPrunesDead(t *testing.T) {
	m := newTestMonitor("true")
	m.daemons["alive0000001"] = &Daemon{SessionID: "alive0000001", PID: os.Getpid()}
	// A pid from the far end of the range is almost certainly unused.
	m.daemons["dead00000001"] = &Daemon{SessionID: "dead00000001", PID: 1 << 22}

	assert.Equal(t, 1, m.RunningCount())
	_, ok := m.GetDaemon("dead00000001")
	assert.False(t, ok)
}

func TestKillDaemonDeadProcess(t *testing.T) {
	m := newTestMonitor("true")
	m.daemons["dead00000001"] = &Daemon{SessionID: "dead00000001", PID: 1 << 22}

	assert.False(t, m.KillDaemon("dead00000001"))
	_, ok := m.GetDaemon("dead00000001")
	assert.False(t, ok, "kill untracks even when the process is gone")
}

func TestKillDaemonUnknownSession(t *testing.T) {
	m := newTestMonitor("true")
	assert.False(t, m.KillDaemon("nobody000000"))
}

func TestUntrack(t *testing.T) {
	m := newTestMonitor("true")
	m.daemons["a1b2c3d4e5f6"] = &Daemon{SessionID: "a1b2c3d4e5f6", PID: os.Getpid()}
	m.Untrack("a1b2c3d4e5f6")
	assert.False(t, m.IsAlive("a1b2c3d4e5f6"))
}

func TestSpawnWritesPromptFile(t *testing.T) {
	m := newTestMonitor("true")

	start := time.Now()
	d, err := m.Spawn(context.Background(), SpawnConfig{
		SessionID:  "b2c3d4e5f6a1",
		AgentType:  v1.AgentCodex,
		Prompt:     "long prompt content that must not appear on the command line",
		WorkingDir: t.TempDir(),
		StreamURL:  "http://127.0.0.1:8080/internal/v1/chunks",
		Nonce:      "ffffffffffffffffffffffffffffffff",
		Resume:     true,
		CLISessionID: "cli-42",
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), d.StartedAt, time.Since(start)+time.Second)
}
