// Package sqlite adapts the teacher's state/sqlite.Store (embedded schema,
// WAL + busy_timeout pragmas, RFC3339Nano timestamps, ON CONFLICT upserts)
// into a checkpoint.Store backing the Run Executor's resumable snapshots.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchestrahub/hub/internal/checkpoint"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) { s.enableWAL = enabled }
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	s := &Store{busyTimeout: defaultBusyTimeout, enableWAL: true, maxOpenConn: 1}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	if snap.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if snap.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if snap.State == nil {
		snap.State = map[string]any{}
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	stateRaw, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	const q = `
INSERT INTO checkpoints (run_id, seq, status, current_handler, thread_cursor, state, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, seq) DO UPDATE SET
  status=excluded.status,
  current_handler=excluded.current_handler,
  thread_cursor=excluded.thread_cursor,
  state=excluded.state,
  created_at=excluded.created_at;
`
	_, err = s.db.ExecContext(ctx, q,
		snap.RunID, snap.Seq, snap.Status, snap.CurrentHandler, snap.ThreadCursor,
		string(stateRaw), snap.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatest(ctx context.Context, runID string) (checkpoint.Snapshot, error) {
	if runID == "" {
		return checkpoint.Snapshot{}, fmt.Errorf("run_id is required")
	}
	const q = `
SELECT run_id, seq, status, current_handler, thread_cursor, state, created_at
FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1;
`
	var (
		snap       checkpoint.Snapshot
		handler    sql.NullString
		stateRaw   string
		createdRaw string
	)
	err := s.db.QueryRowContext(ctx, q, runID).Scan(
		&snap.RunID, &snap.Seq, &snap.Status, &handler, &snap.ThreadCursor, &stateRaw, &createdRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Snapshot{}, checkpoint.ErrNotFound
		}
		return checkpoint.Snapshot{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if handler.Valid {
		snap.CurrentHandler = handler.String
	}
	snap.CreatedAt, err = parseRequiredTime(createdRaw)
	if err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stateRaw), &snap.State); err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return snap, nil
}

func (s *Store) List(ctx context.Context, runID string, limit int) ([]checkpoint.Snapshot, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	const q = `
SELECT run_id, seq, status, current_handler, thread_cursor, state, created_at
FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]checkpoint.Snapshot, 0, limit)
	for rows.Next() {
		var (
			snap       checkpoint.Snapshot
			handler    sql.NullString
			stateRaw   string
			createdRaw string
		)
		if err := rows.Scan(&snap.RunID, &snap.Seq, &snap.Status, &handler, &snap.ThreadCursor, &stateRaw, &createdRaw); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		if handler.Valid {
			snap.CurrentHandler = handler.String
		}
		snap.CreatedAt, err = parseRequiredTime(createdRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint time: %w", err)
		}
		if err := json.Unmarshal([]byte(stateRaw), &snap.State); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var _ checkpoint.Store = (*Store)(nil)
