// Package stream implements the durable, append-only event logs backing
// the session registry and the per-session chunk streams.
//
// Each log is a newline-delimited sequence of JSON frames, one event per
// line, UTF-8. Appends are serialised per path and fsynced before they
// are acknowledged; reads return every durable frame in append order and
// tolerate a torn trailing frame left by a mid-write crash.
package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/common/logger"
)

const (
	// RegistryLog is the single global log of session lifecycle events,
	// relative to the store root.
	RegistryLog = "registry.log"
)

// SessionLog returns the per-session stream path relative to the store root.
func SessionLog(sessionID string) string {
	return filepath.Join("sessions", sessionID+".log")
}

// ControlLog returns the control stream path (approvals in) relative to
// the store root.
func ControlLog(sessionID string) string {
	return filepath.Join("control", sessionID+".log")
}

// ReadResult carries the frames of one read plus a torn-tail warning.
type ReadResult struct {
	Frames [][]byte
	// Truncated is true when the log ended in a torn frame that was
	// dropped from Frames.
	Truncated bool
}

// Store is an append-only log store keyed by path relative to its root.
type Store struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// validLen records, per path, the byte offset of the last known good
	// frame boundary. An append after a torn read truncates to it first
	// so corruption is never re-exposed.
	validLen map[string]int64
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	for _, sub := range []string{"", "sessions", "control"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating stream root: %w", err)
		}
	}
	return &Store{
		root:     dir,
		logger:   log.WithFields(zap.String("component", "stream-store")),
		locks:    make(map[string]*sync.Mutex),
		validLen: make(map[string]int64),
	}, nil
}

// Root returns the directory holding the logs.
func (s *Store) Root() string {
	return s.root
}

// pathLock returns the mutex serialising appends for one path.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[path] = l
	return l
}

func (s *Store) setValidLen(path string, n int64) {
	s.mu.Lock()
	s.validLen[path] = n
	s.mu.Unlock()
}

func (s *Store) knownValidLen(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.validLen[path]
	return n, ok
}

// Append durably writes one frame to the log at path. The frame must be
// a single JSON document without embedded newlines. On error the event
// is not durable and the caller must not publish it.
func (s *Store) Append(path string, frame []byte) error {
	if bytes.ContainsRune(frame, '\n') {
		return fmt.Errorf("frame contains a newline")
	}

	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	full := filepath.Join(s.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	// A previous read may have found a torn tail. Overwrite from the
	// last good frame boundary instead of appending after garbage.
	offset, err := s.appendOffset(path, f)
	if err != nil {
		return err
	}

	if _, err := f.WriteAt(append(frame, '\n'), offset); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	newLen := offset + int64(len(frame)) + 1
	if err := f.Truncate(newLen); err != nil {
		return fmt.Errorf("truncating log: %w", err)
	}
	if err := f.Sync(); err != nil {
		// Not durable. The caller must treat the event as unwritten.
		return fmt.Errorf("fsync failed, event not durable: %w", err)
	}
	s.setValidLen(path, newLen)
	return nil
}

// appendOffset determines where the next frame starts, honouring a
// recorded torn-tail boundary.
func (s *Store) appendOffset(path string, f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log: %w", err)
	}
	size := st.Size()
	if n, ok := s.knownValidLen(path); ok && n < size {
		s.logger.Warn("overwriting torn tail",
			zap.String("path", path),
			zap.Int64("valid_len", n),
			zap.Int64("file_len", size))
		return n, nil
	}
	return size, nil
}

// Read returns every durable frame at path in append order. A missing
// log reads as empty. A torn trailing frame is dropped and reported via
// Truncated; the valid length is recorded so the next Append overwrites it.
func (s *Store) Read(path string) (ReadResult, error) {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	full := filepath.Join(s.root, path)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return ReadResult{}, nil
		}
		return ReadResult{}, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	var (
		res      ReadResult
		validLen int64
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == nil {
			frame := bytes.TrimSuffix(line, []byte{'\n'})
			res.Frames = append(res.Frames, frame)
			validLen += int64(len(line))
			continue
		}
		// EOF without a trailing newline means the last frame is torn.
		if len(line) > 0 {
			res.Truncated = true
			s.logger.Warn("dropping torn trailing frame",
				zap.String("path", path),
				zap.Int("torn_bytes", len(line)))
		}
		break
	}
	s.setValidLen(path, validLen)
	return res, nil
}

// Exists reports whether a log file is present on disk.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(filepath.Join(s.root, path))
	return err == nil
}
