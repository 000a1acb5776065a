package gitsvc

import (
	"path/filepath"
	"regexp"
	"strings"

	apperrors "github.com/agentz/agentz/internal/common/errors"
)

// branchCharsRe matches the characters allowed in a branch name after
// the structural rules below have passed.
var branchCharsRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// IsValidBranchName applies git's ref rules plus local extras: no
// leading '.' or '-', no "..", no whitespace or control characters, no
// ".lock" suffix, no "//", no trailing '/'.
func IsValidBranchName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") {
		return false
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	if strings.ContainsAny(name, "~^:?*[\\") {
		return false
	}
	// Each slash-separated component must not start with '.' or end with ".lock".
	for _, part := range strings.Split(name, "/") {
		if part == "" || strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return false
		}
	}
	return branchCharsRe.MatchString(name)
}

// ValidateBranchName returns an InvalidBranch error when name fails the rules.
func ValidateBranchName(name string) error {
	if !IsValidBranchName(name) {
		return apperrors.InvalidBranch(name)
	}
	return nil
}

// ValidatePath checks that a repo-relative path stays inside root after
// normalisation. Absolute paths and any form of '..' escape are refused
// before git is invoked.
func ValidatePath(root, path string) error {
	if path == "" || strings.ContainsRune(path, 0) {
		return apperrors.InvalidPath(path)
	}
	if filepath.IsAbs(path) {
		return apperrors.InvalidPath(path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return apperrors.InvalidPath(path)
	}
	joined := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperrors.InvalidPath(path)
	}
	return nil
}

// ValidatePaths validates a batch, failing on the first offender.
func ValidatePaths(root string, paths []string) error {
	for _, p := range paths {
		if err := ValidatePath(root, p); err != nil {
			return err
		}
	}
	return nil
}
