package worktree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Info is one tracked worktree.
type Info struct {
	SessionID string    `db:"session_id" json:"session_id"`
	RepoRoot  string    `db:"repo_root" json:"repo_root"`
	Path      string    `db:"path" json:"path"`
	Branch    string    `db:"branch" json:"branch"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store persists worktree rows in sqlite so the manager survives
// restarts. The manager's in-memory map stays the fast path; the store
// rebuilds it on startup.
type Store struct {
	db *sqlx.DB
}

const busyTimeout = 5 * time.Second

// OpenStore opens (creating if needed) the sqlite database at dbPath.
// A single writer connection serializes writes and avoids SQLITE_BUSY.
func OpenStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS worktrees (
		session_id TEXT PRIMARY KEY,
		repo_root TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the row for info's session.
func (s *Store) Put(ctx context.Context, info *Info) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO worktrees (session_id, repo_root, path, branch, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			repo_root = excluded.repo_root,
			path = excluded.path,
			branch = excluded.branch,
			created_at = excluded.created_at
	`), info.SessionID, info.RepoRoot, info.Path, info.Branch, info.CreatedAt.UTC())
	return err
}

// Get returns the row for sessionID, or nil when absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*Info, error) {
	var info Info
	err := s.db.GetContext(ctx, &info, s.db.Rebind(`
		SELECT session_id, repo_root, path, branch, created_at
		FROM worktrees WHERE session_id = ?
	`), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

// List returns every row, oldest first.
func (s *Store) List(ctx context.Context) ([]*Info, error) {
	var infos []*Info
	err := s.db.SelectContext(ctx, &infos, `
		SELECT session_id, repo_root, path, branch, created_at
		FROM worktrees ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Delete removes the row for sessionID. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM worktrees WHERE session_id = ?`), sessionID)
	return err
}
