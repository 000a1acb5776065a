package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"

	apperrors "github.com/agentz/agentz/internal/common/errors"
)

// checkSpawnSafety applies the configured guard rails to a spawn or
// resume request: the working directory must live under the allowed
// prefix, and the prompt must not contain a denylisted command. The
// denylist is a safety net against accidents, not a security boundary.
func (s *Service) checkSpawnSafety(workingDir, prompt string) error {
	if prefix := s.cfg.Safety.AllowedPathPrefix; prefix != "" && workingDir != "" {
		abs, err := filepath.Abs(workingDir)
		if err != nil {
			return apperrors.ValidationError("working_dir", "working directory could not be resolved")
		}
		if abs != prefix && !strings.HasPrefix(abs, prefix+string(filepath.Separator)) {
			return apperrors.ValidationError("working_dir", fmt.Sprintf(
				"working directory must be under %s", prefix))
		}
	}
	lowered := strings.ToLower(prompt)
	for _, pattern := range s.cfg.Safety.DangerousCommands {
		if pattern != "" && strings.Contains(lowered, strings.ToLower(pattern)) {
			return apperrors.BadRequest(fmt.Sprintf(
				"prompt contains denylisted command %q", pattern))
		}
	}
	return nil
}
