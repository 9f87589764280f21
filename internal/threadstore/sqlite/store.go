// Package sqlite adapts the teacher's state/sqlite.Store idiom (embedded
// schema, WAL + busy_timeout, RFC3339Nano timestamps) into the Thread
// Store's persistence backend.
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

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/threadstore"
	"github.com/orchestrahub/hub/internal/types"
)

//go:embed schema.sql
var schemaSQL string

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

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	s := &Store{busyTimeout: 5 * time.Second, enableWAL: true, maxOpenConn: 1}
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

func (s *Store) SaveThread(ctx context.Context, thread types.Thread) error {
	metaRaw, err := json.Marshal(thread.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal thread metadata: %w", err)
	}
	var summaryRaw []byte
	if thread.Summary != nil {
		summaryRaw, err = json.Marshal(thread.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal thread summary: %w", err)
		}
	}
	const q = `
INSERT INTO threads (thread_id, agent_id, status, metadata, summary, resolution, next_seq, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  status=excluded.status,
  metadata=excluded.metadata,
  summary=excluded.summary,
  resolution=excluded.resolution,
  next_seq=excluded.next_seq,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(ctx, q,
		thread.ThreadID, thread.AgentID, string(thread.Status), string(metaRaw), nullableString(summaryRaw),
		thread.Resolution, thread.NextSeq,
		thread.CreatedAt.UTC().Format(time.RFC3339Nano), thread.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

func (s *Store) LoadThread(ctx context.Context, threadID string) (types.Thread, error) {
	const q = `
SELECT thread_id, agent_id, status, metadata, summary, resolution, next_seq, created_at, updated_at
FROM threads WHERE thread_id = ?;
`
	var (
		thread     types.Thread
		statusRaw  string
		metaRaw    string
		summaryRaw sql.NullString
		createdRaw string
		updatedRaw string
	)
	err := s.db.QueryRowContext(ctx, q, threadID).Scan(
		&thread.ThreadID, &thread.AgentID, &statusRaw, &metaRaw, &summaryRaw, &thread.Resolution,
		&thread.NextSeq, &createdRaw, &updatedRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Thread{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
		}
		return types.Thread{}, fmt.Errorf("failed to load thread: %w", err)
	}
	thread.Status = types.ThreadStatus(statusRaw)
	if metaRaw != "" && metaRaw != "null" {
		if err := json.Unmarshal([]byte(metaRaw), &thread.Metadata); err != nil {
			return types.Thread{}, fmt.Errorf("failed to decode thread metadata: %w", err)
		}
	}
	if summaryRaw.Valid && summaryRaw.String != "" {
		var summary types.ThreadSummary
		if err := json.Unmarshal([]byte(summaryRaw.String), &summary); err != nil {
			return types.Thread{}, fmt.Errorf("failed to decode thread summary: %w", err)
		}
		thread.Summary = &summary
	}
	thread.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return types.Thread{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	thread.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedRaw)
	if err != nil {
		return types.Thread{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return thread, nil
}

func (s *Store) AppendMessage(ctx context.Context, message types.Message) error {
	metaRaw, err := json.Marshal(message.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	const q = `
INSERT INTO thread_messages (message_id, thread_id, sequence, role, content, metadata, idempotency_key, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		message.MessageID, message.ThreadID, message.Sequence, string(message.Role), message.Content,
		string(metaRaw), nullableKey(message.IdempotencyKey), message.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string) ([]types.Message, error) {
	const q = `
SELECT message_id, thread_id, sequence, role, content, metadata, idempotency_key, created_at
FROM thread_messages WHERE thread_id = ? ORDER BY sequence ASC;
`
	rows, err := s.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var (
			m          types.Message
			roleRaw    string
			metaRaw    string
			idemKey    sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&m.MessageID, &m.ThreadID, &m.Sequence, &roleRaw, &m.Content, &metaRaw, &idemKey, &createdRaw); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = types.Role(roleRaw)
		if metaRaw != "" && metaRaw != "null" {
			if err := json.Unmarshal([]byte(metaRaw), &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		if idemKey.Valid {
			m.IdempotencyKey = idemKey.String
		}
		m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message created_at: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableString(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableKey(key string) any {
	if key == "" {
		return nil
	}
	return key
}

var _ threadstore.Store = (*Store)(nil)
