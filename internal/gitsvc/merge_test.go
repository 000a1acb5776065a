package gitsvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fullHashRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// initTestRepo builds a repo with a main branch and one commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitIn(t, dir, "init")
	gitIn(t, dir, "config", "user.email", "test@example.com")
	gitIn(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	gitIn(t, dir, "add", "README.md")
	gitIn(t, dir, "commit", "-m", "initial")
	gitIn(t, dir, "checkout", "-B", "main")
	return dir
}

func gitIn(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestMergeBranchReturnsFullHash(t *testing.T) {
	dir := initTestRepo(t)
	svc := NewService(nil)
	ctx := context.Background()

	gitIn(t, dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("work\n"), 0o644))
	gitIn(t, dir, "add", "feature.txt")
	gitIn(t, dir, "commit", "-m", "feature work")
	gitIn(t, dir, "checkout", "main")

	res, err := svc.MergeBranch(ctx, dir, "feature", "main")
	require.NoError(t, err)
	require.False(t, res.HasConflicts)
	assert.Regexp(t, fullHashRe, res.MergeCommit)

	revert, err := svc.RevertMerge(ctx, dir, res.MergeCommit)
	require.NoError(t, err)
	assert.Regexp(t, fullHashRe, revert)
	assert.NotEqual(t, res.MergeCommit, revert)
}

func TestMergeBranchConflict(t *testing.T) {
	dir := initTestRepo(t)
	svc := NewService(nil)
	ctx := context.Background()

	gitIn(t, dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("feature side\n"), 0o644))
	gitIn(t, dir, "add", "README.md")
	gitIn(t, dir, "commit", "-m", "feature edit")
	gitIn(t, dir, "checkout", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("main side\n"), 0o644))
	gitIn(t, dir, "add", "README.md")
	gitIn(t, dir, "commit", "-m", "main edit")

	res, err := svc.MergeBranch(ctx, dir, "feature", "main")
	require.NoError(t, err)
	assert.True(t, res.HasConflicts)
	assert.Contains(t, res.Conflicts, "README.md")
	assert.Empty(t, res.MergeCommit)
}
