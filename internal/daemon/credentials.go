package daemon

import (
	"os"
	"strings"
)

// credentialPrefix lets operators namespace worker credentials: a
// variable AGENTZ_CRED_ANTHROPIC_API_KEY is handed to workers as
// ANTHROPIC_API_KEY without polluting the control plane's own env.
const credentialPrefix = "AGENTZ_CRED_"

// knownAPIKeys are unprefixed credential variables passed through to
// workers when present.
var knownAPIKeys = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"CEREBRAS_API_KEY",
	"MISTRAL_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
}

// workerEnv builds the environment for a spawned worker: the parent
// environment, plus prefixed credentials mapped to their bare names.
// A prefixed credential wins over an inherited bare one.
func workerEnv() []string {
	base := os.Environ()
	mapped := make(map[string]string)
	for _, kv := range base {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, credentialPrefix) {
			continue
		}
		bare := strings.TrimPrefix(name, credentialPrefix)
		if bare != "" && value != "" {
			mapped[bare] = value
		}
	}
	if len(mapped) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(mapped))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := mapped[name]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for name, value := range mapped {
		env = append(env, name+"="+value)
	}
	return env
}

// AvailableCredentials lists which known credential variables a worker
// would receive, for diagnostics. Values are never returned.
func AvailableCredentials() []string {
	var out []string
	for _, key := range knownAPIKeys {
		if os.Getenv(key) != "" || os.Getenv(credentialPrefix+key) != "" {
			out = append(out, key)
		}
	}
	return out
}
