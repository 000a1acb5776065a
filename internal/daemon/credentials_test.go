package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerEnvMapsPrefixedCredentials(t *testing.T) {
	t.Setenv(credentialPrefix+"ANTHROPIC_API_KEY", "sk-test-123")
	t.Setenv("ANTHROPIC_API_KEY", "stale-inherited")

	env := workerEnv()
	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-test-123")
	assert.NotContains(t, env, "ANTHROPIC_API_KEY=stale-inherited")
}

func TestWorkerEnvPassthroughWithoutPrefix(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-inherited")

	env := workerEnv()
	assert.Contains(t, env, "OPENAI_API_KEY=sk-inherited")
}

func TestWorkerEnvIgnoresEmptyPrefixedValue(t *testing.T) {
	t.Setenv(credentialPrefix+"GITHUB_TOKEN", "")

	env := workerEnv()
	assert.NotContains(t, env, "GITHUB_TOKEN=")
}

func TestAvailableCredentials(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv(credentialPrefix+"GITHUB_TOKEN", "t")

	got := AvailableCredentials()
	assert.Contains(t, got, "GEMINI_API_KEY")
	assert.Contains(t, got, "GITHUB_TOKEN")
}
