package gitsvc

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "github.com/agentz/agentz/internal/common/errors"
)

// CommitInfo is one commit as returned by CommitsForFiles.
type CommitInfo struct {
	Hash      string   `json:"hash"`
	Message   string   `json:"message"`
	Author    string   `json:"author"`
	Date      string   `json:"date"`
	Timestamp int64    `json:"timestamp"`
	Files     []string `json:"files,omitempty"`
}

// CommitScoped stages exactly the given files and commits them, returning
// the short hash. The commit message goes through a temp file so shell
// metacharacters in it are inert.
func (s *Service) CommitScoped(ctx context.Context, cwd string, files []string, message string) (string, error) {
	if len(files) == 0 {
		return "", apperrors.BadRequest("no files to commit")
	}
	if strings.TrimSpace(message) == "" {
		return "", apperrors.BadRequest("empty commit message")
	}
	root, err := s.RepoRoot(ctx, cwd)
	if err != nil {
		return "", err
	}
	if err := ValidatePaths(root, files); err != nil {
		return "", err
	}

	addArgs := append([]string{"add", "--"}, files...)
	if _, err := s.run(ctx, cwd, addArgs...); err != nil {
		return "", err
	}

	msgFile, err := writeMessageFile(message)
	if err != nil {
		return "", apperrors.InternalError("write commit message", err)
	}
	defer os.Remove(msgFile)

	commitArgs := append([]string{"commit", "-F", msgFile, "--"}, files...)
	if _, err := s.run(ctx, cwd, commitArgs...); err != nil {
		return "", err
	}

	out, err := s.run(ctx, cwd, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// writeMessageFile stores the commit message in a 0600 temp file.
func writeMessageFile(message string) (string, error) {
	f, err := os.CreateTemp("", "agentz-commit-*.txt")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if _, err := f.WriteString(message); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// logRecordSep and logFieldSep delimit records and fields in the custom
// log format below. Unit and record separators cannot appear in commit
// metadata, unlike newlines.
const (
	logRecordSep = "\x1e"
	logFieldSep  = "\x1f"
)

// CommitsForFiles lists the most recent commits touching any of the
// given files, newest first.
func (s *Service) CommitsForFiles(ctx context.Context, cwd string, files []string, limit int) ([]CommitInfo, error) {
	root, err := s.RepoRoot(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if err := ValidatePaths(root, files); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	format := strings.Join([]string{"%h", "%s", "%an", "%ad", "%at"}, logFieldSep)
	args := []string{
		"log",
		"-n", strconv.Itoa(limit),
		"--date=iso-strict",
		"--name-only",
		"--pretty=format:" + logRecordSep + format,
	}
	if len(files) > 0 {
		args = append(args, "--")
		args = append(args, files...)
	}
	out, err := s.run(ctx, cwd, args...)
	if err != nil {
		return nil, err
	}
	return parseCommitLog(out), nil
}

// parseCommitLog splits the record-separated log output into CommitInfo
// values. Each record is a header line of field-separated metadata
// followed by the touched file names, one per line.
func parseCommitLog(out string) []CommitInfo {
	var commits []CommitInfo
	for _, record := range strings.Split(out, logRecordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		lines := strings.Split(record, "\n")
		fields := strings.Split(lines[0], logFieldSep)
		if len(fields) < 5 {
			continue
		}
		ts, _ := strconv.ParseInt(strings.TrimSpace(fields[4]), 10, 64)
		ci := CommitInfo{
			Hash:      fields[0],
			Message:   fields[1],
			Author:    fields[2],
			Date:      fields[3],
			Timestamp: ts,
		}
		for _, line := range lines[1:] {
			line = strings.TrimSpace(line)
			if line != "" {
				ci.Files = append(ci.Files, filepath.ToSlash(line))
			}
		}
		commits = append(commits, ci)
	}
	return commits
}
