package gitsvc

import (
	"context"
	"encoding/base64"
	"mime"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/agentz/agentz/internal/common/errors"
)

// DiffView selects which sides of the index a diff compares.
type DiffView string

const (
	DiffAuto    DiffView = "auto"
	DiffStaged  DiffView = "staged"
	DiffWorking DiffView = "working"
)

// DiffResult is one file's diff, with binary and image handling.
type DiffResult struct {
	Path     string `json:"path"`
	Patch    string `json:"patch,omitempty"`
	IsBinary bool   `json:"is_binary"`
	IsImage  bool   `json:"is_image"`
	// OldImage and NewImage are base64 data URLs for image files.
	OldImage string `json:"old_image,omitempty"`
	NewImage string `json:"new_image,omitempty"`
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".ico": true,
}

// Diff produces the diff of one file. The auto view prefers the working
// tree and falls back to the staged diff when the working diff is empty.
func (s *Service) Diff(ctx context.Context, cwd, file string, view DiffView) (*DiffResult, error) {
	root, err := s.RepoRoot(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if err := ValidatePath(root, file); err != nil {
		return nil, err
	}

	res := &DiffResult{Path: file}

	if imageExtensions[strings.ToLower(filepath.Ext(file))] {
		res.IsImage = true
		res.IsBinary = true
		s.loadImageSides(ctx, cwd, file, res)
		return res, nil
	}

	binary, err := s.isBinaryDiff(ctx, cwd, file)
	if err != nil {
		return nil, err
	}
	if binary {
		res.IsBinary = true
		return res, nil
	}

	switch view {
	case DiffStaged:
		res.Patch, err = s.run(ctx, cwd, "diff", "--cached", "--", file)
	case DiffWorking:
		res.Patch, err = s.run(ctx, cwd, "diff", "--", file)
	case DiffAuto, "":
		res.Patch, err = s.run(ctx, cwd, "diff", "--", file)
		if err == nil && strings.TrimSpace(res.Patch) == "" {
			res.Patch, err = s.run(ctx, cwd, "diff", "--cached", "--", file)
		}
	default:
		return nil, apperrors.BadRequest("unknown diff view: " + string(view))
	}
	if err != nil {
		return nil, err
	}

	// Untracked files have no diff against the index; synthesise one
	// against /dev/null so new files render.
	if strings.TrimSpace(res.Patch) == "" {
		if noIndex, nerr := s.run(ctx, cwd, "diff", "--no-index", "--", "/dev/null", file); nerr == nil || noIndex != "" {
			res.Patch = noIndex
		}
	}
	return res, nil
}

// isBinaryDiff detects binary content via numstat's "-" markers.
func (s *Service) isBinaryDiff(ctx context.Context, cwd, file string) (bool, error) {
	out, err := s.run(ctx, cwd, "diff", "--numstat", "--", file)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "-" && fields[1] == "-" {
			return true, nil
		}
	}
	return false, nil
}

// loadImageSides fills base64 data URLs for the committed and working
// sides of an image file. Either side may be absent.
func (s *Service) loadImageSides(ctx context.Context, cwd, file string, res *DiffResult) {
	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(file)))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	if old, err := s.run(ctx, cwd, "show", "HEAD:"+file); err == nil && old != "" {
		res.OldImage = dataURL(mediaType, []byte(old))
	}
	if data, err := os.ReadFile(filepath.Join(cwd, file)); err == nil {
		res.NewImage = dataURL(mediaType, data)
	}
}

func dataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
