package gitsvc

import (
	"context"
	"strconv"
	"strings"

	apperrors "github.com/agentz/agentz/internal/common/errors"
)

// Status is the parsed working-tree state of one checkout.
type Status struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Staged    []string `json:"staged"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
}

// IsClean reports whether nothing is staged, modified, or untracked.
func (st *Status) IsClean() bool {
	return len(st.Staged) == 0 && len(st.Modified) == 0 && len(st.Untracked) == 0
}

// Has reports whether path appears anywhere in the status.
func (st *Status) Has(path string) bool {
	for _, list := range [][]string{st.Staged, st.Modified, st.Untracked} {
		for _, p := range list {
			if p == path {
				return true
			}
		}
	}
	return false
}

// Status runs `git status --porcelain=v2 -z -u --branch` and parses it.
// Rename entries report the new path only.
func (s *Service) Status(ctx context.Context, cwd string) (*Status, error) {
	if !s.IsRepo(ctx, cwd) {
		return nil, apperrors.NotARepo(cwd)
	}
	out, err := s.run(ctx, cwd, "status", "--porcelain=v2", "-z", "-u", "--branch")
	if err != nil {
		return nil, err
	}
	return parsePorcelainV2(out), nil
}

// parsePorcelainV2 parses NUL-terminated porcelain v2 output.
func parsePorcelainV2(out string) *Status {
	st := &Status{}
	tokens := strings.Split(out, "\x00")
	for i := 0; i < len(tokens); i++ {
		entry := tokens[i]
		if entry == "" {
			continue
		}
		switch {
		case strings.HasPrefix(entry, "# branch.head "):
			st.Branch = strings.TrimPrefix(entry, "# branch.head ")
		case strings.HasPrefix(entry, "# branch.ab "):
			fields := strings.Fields(strings.TrimPrefix(entry, "# branch.ab "))
			for _, f := range fields {
				if n, err := strconv.Atoi(f); err == nil {
					if n >= 0 && strings.HasPrefix(f, "+") {
						st.Ahead = n
					} else {
						st.Behind = -n
					}
				}
			}
		case strings.HasPrefix(entry, "# "):
			// other branch headers ignored
		case strings.HasPrefix(entry, "1 "):
			fields := strings.SplitN(entry, " ", 9)
			if len(fields) < 9 {
				continue
			}
			recordXY(st, fields[1], fields[8])
		case strings.HasPrefix(entry, "2 "):
			fields := strings.SplitN(entry, " ", 10)
			if len(fields) < 10 {
				continue
			}
			// The rename entry carries "newPath" here; the following
			// NUL-separated token is the original path, which we skip.
			recordXY(st, fields[1], fields[9])
			i++
		case strings.HasPrefix(entry, "u "):
			fields := strings.SplitN(entry, " ", 11)
			if len(fields) < 11 {
				continue
			}
			st.Modified = append(st.Modified, fields[10])
		case strings.HasPrefix(entry, "? "):
			st.Untracked = append(st.Untracked, strings.TrimPrefix(entry, "? "))
		}
	}
	return st
}

// recordXY files a porcelain XY pair into staged/modified buckets.
func recordXY(st *Status, xy, path string) {
	if len(xy) != 2 {
		return
	}
	if xy[0] != '.' {
		st.Staged = append(st.Staged, path)
	}
	if xy[1] != '.' {
		st.Modified = append(st.Modified, path)
	}
}

