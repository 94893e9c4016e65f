// Package postgres implements tyler.ThreadStore using PostgreSQL with
// JSONB columns for nested message structures.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool. Open builds a pool
// from a database URL for callers that do not manage one themselves.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyler-ai/tyler"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithFileStore sets the file store used to persist pending message
// attachments during Save. Without one, saving a thread that still has
// pending attachments is an error.
func WithFileStore(fs tyler.FileStore) Option {
	return func(s *Store) { s.files = fs }
}

// Store implements tyler.ThreadStore backed by PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	files    tyler.FileStore
	ownsPool bool
}

var _ tyler.ThreadStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates a Store with its own pool built from databaseURL. Pool
// sizing follows TYLER_DB_POOL_SIZE and TYLER_DB_MAX_OVERFLOW (defaults
// 5 and 10); their sum caps the pool's open connections. Close releases
// the pool.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = int32(envInt("TYLER_DB_POOL_SIZE", 5) + envInt("TYLER_DB_MAX_OVERFLOW", 10))
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := New(pool, opts...)
	s.ownsPool = true
	return s, nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Initialize creates the thread and message tables and their indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			attributes JSONB,
			source JSONB,
			platforms JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS threads_updated_idx ON threads(updated_at)`,
		`CREATE INDEX IF NOT EXISTS threads_attributes_idx ON threads USING gin(attributes)`,
		`CREATE INDEX IF NOT EXISTS threads_source_idx ON threads USING gin(source)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			parts JSONB,
			name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			attachments JSONB,
			attributes JSONB,
			source JSONB,
			metrics JSONB NOT NULL,
			reactions JSONB,
			timestamp BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, sequence)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Save writes the thread and its full message set in one transaction.
// Pending attachments are persisted to the file store first; when any of
// them fails the thread is not committed. System messages are never
// written; the caller's thread is returned untouched.
func (s *Store) Save(ctx context.Context, t *tyler.Thread) (*tyler.Thread, error) {
	if s.files != nil {
		if err := tyler.StoreAttachments(ctx, t, s.files); err != nil {
			return nil, fmt.Errorf("postgres: save thread %s: %w", t.ID, err)
		}
	} else if hasPendingAttachments(t) {
		return nil, fmt.Errorf("postgres: save thread %s: pending attachments with no file store configured", t.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO threads (id, title, attributes, source, platforms, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   attributes = EXCLUDED.attributes,
		   source = EXCLUDED.source,
		   platforms = EXCLUDED.platforms,
		   created_at = EXCLUDED.created_at,
		   updated_at = EXCLUDED.updated_at`,
		t.ID, t.Title,
		jsonCol(t.Attributes, len(t.Attributes) > 0),
		jsonCol(t.Source, len(t.Source) > 0),
		jsonCol(t.Platforms, len(t.Platforms) > 0),
		t.CreatedAt.UTC().UnixNano(), t.UpdatedAt.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert thread: %w", err)
	}

	// Replace the full message set; sequences may have been rewritten.
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE thread_id = $1`, t.ID); err != nil {
		return nil, fmt.Errorf("postgres: clear messages: %w", err)
	}

	for _, m := range t.Messages {
		if m.Role == tyler.RoleSystem {
			// Never persisted; the agent re-injects the system prompt.
			continue
		}
		metrics, merr := json.Marshal(m.Metrics)
		if merr != nil {
			return nil, fmt.Errorf("postgres: marshal metrics for message %s: %w", m.ID, merr)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, thread_id, sequence, role, content, parts, name, tool_call_id,
				tool_calls, attachments, attributes, source, metrics, reactions, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb, $13::jsonb, $14::jsonb, $15)`,
			m.ID, t.ID, m.Sequence, m.Role, m.Content,
			jsonCol(m.Parts, len(m.Parts) > 0),
			m.Name, m.ToolCallID,
			jsonCol(m.ToolCalls, len(m.ToolCalls) > 0),
			jsonCol(m.Attachments, len(m.Attachments) > 0),
			jsonCol(m.Attributes, len(m.Attributes) > 0),
			jsonCol(m.Source, len(m.Source) > 0),
			string(metrics),
			jsonCol(m.Reactions, len(m.Reactions) > 0),
			m.Timestamp.UTC().UnixNano())
		if err != nil {
			return nil, fmt.Errorf("postgres: insert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return t, nil
}

// Get returns the stored thread, or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*tyler.Thread, error) {
	threads, err := s.queryThreads(ctx,
		`SELECT id, title, attributes, source, platforms, created_at, updated_at
		 FROM threads WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, nil
	}
	return threads[0], nil
}

// Delete removes the thread and its messages. Returns false when the
// thread did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE thread_id = $1`, id); err != nil {
		return false, fmt.Errorf("postgres: delete thread messages: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: delete thread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns threads newest-first by updated_at. limit <= 0 means no
// limit.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*tyler.Thread, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryThreads(ctx,
		`SELECT id, title, attributes, source, platforms, created_at, updated_at
		 FROM threads ORDER BY updated_at DESC, id DESC LIMIT $1 OFFSET $2`,
		lim, offset)
}

// ListRecent returns the most recently updated threads.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*tyler.Thread, error) {
	return s.List(ctx, limit, 0)
}

// FindByAttributes returns threads whose attributes contain every given
// key with exactly the given value, newest-first. JSONB equality compares
// by value, so numbers, booleans, and nested objects all match sanely.
func (s *Store) FindByAttributes(ctx context.Context, attrs map[string]any) ([]*tyler.Thread, error) {
	query := `SELECT id, title, attributes, source, platforms, created_at, updated_at FROM threads`
	where, args := jsonbConditions("attributes", attrs, 1)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	return s.queryThreads(ctx, query, args...)
}

// FindBySource returns threads whose source name matches and whose source
// contains every given property, newest-first.
func (s *Store) FindBySource(ctx context.Context, name string, props map[string]any) ([]*tyler.Thread, error) {
	where := []string{`source ->> 'name' = $1`}
	args := []any{name}
	condWhere, condArgs := jsonbConditions("source", props, 2)
	where = append(where, condWhere...)
	args = append(args, condArgs...)

	query := `SELECT id, title, attributes, source, platforms, created_at, updated_at FROM threads
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_at DESC, id DESC`
	return s.queryThreads(ctx, query, args...)
}

// Pool exposes the underlying pool for callers that need raw SQL access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool when the store created it via Open; pools
// passed to New stay owned by the caller.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// --- internal helpers ---

// queryThreads runs a thread SELECT and loads each thread's messages.
func (s *Store) queryThreads(ctx context.Context, query string, args ...any) ([]*tyler.Thread, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query threads: %w", err)
	}
	defer rows.Close()

	var threads []*tyler.Thread
	for rows.Next() {
		var t tyler.Thread
		var attrs, source, platforms []byte
		var createdNanos, updatedNanos int64
		if err := rows.Scan(&t.ID, &t.Title, &attrs, &source, &platforms, &createdNanos, &updatedNanos); err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		if attrs != nil {
			_ = json.Unmarshal(attrs, &t.Attributes)
		}
		if source != nil {
			_ = json.Unmarshal(source, &t.Source)
		}
		if platforms != nil {
			_ = json.Unmarshal(platforms, &t.Platforms)
		}
		t.CreatedAt = time.Unix(0, createdNanos).UTC()
		t.UpdatedAt = time.Unix(0, updatedNanos).UTC()
		threads = append(threads, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate threads: %w", err)
	}

	for _, t := range threads {
		msgs, err := s.messagesFor(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Messages = msgs
	}
	return threads, nil
}

// messagesFor loads a thread's messages in sequence order.
func (s *Store) messagesFor(ctx context.Context, threadID string) ([]*tyler.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sequence, role, content, parts, name, tool_call_id,
			tool_calls, attachments, attributes, source, metrics, reactions, timestamp
		 FROM messages WHERE thread_id = $1 ORDER BY sequence`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	var messages []*tyler.Message
	for rows.Next() {
		var m tyler.Message
		var parts, toolCalls, attachments, attrs, source, metrics, reactions []byte
		var tsNanos int64
		if err := rows.Scan(&m.ID, &m.Sequence, &m.Role, &m.Content, &parts, &m.Name, &m.ToolCallID,
			&toolCalls, &attachments, &attrs, &source, &metrics, &reactions, &tsNanos); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if parts != nil {
			_ = json.Unmarshal(parts, &m.Parts)
		}
		if toolCalls != nil {
			_ = json.Unmarshal(toolCalls, &m.ToolCalls)
		}
		if attachments != nil {
			_ = json.Unmarshal(attachments, &m.Attachments)
		}
		if attrs != nil {
			_ = json.Unmarshal(attrs, &m.Attributes)
		}
		if source != nil {
			_ = json.Unmarshal(source, &m.Source)
		}
		if err := json.Unmarshal(metrics, &m.Metrics); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal metrics for message %s: %w", m.ID, err)
		}
		if reactions != nil {
			_ = json.Unmarshal(reactions, &m.Reactions)
		}
		m.Timestamp = time.Unix(0, tsNanos).UTC()
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// jsonCol marshals v for a nullable JSONB column. Empty values map to
// NULL so that round-trips preserve nil maps and slices.
func jsonCol(v any, nonEmpty bool) *string {
	if !nonEmpty {
		return nil
	}
	data, _ := json.Marshal(v)
	out := string(data)
	return &out
}

// jsonbConditions builds one exact-equality JSONB condition per key,
// numbering placeholders from startParam.
func jsonbConditions(column string, want map[string]any, startParam int) ([]string, []any) {
	var where []string
	var args []any
	p := startParam
	for key, value := range want {
		data, _ := json.Marshal(value)
		where = append(where, fmt.Sprintf(`%s -> $%d = $%d::jsonb`, column, p, p+1))
		args = append(args, key, string(data))
		p += 2
	}
	return where, args
}

// hasPendingAttachments reports whether any message still carries an
// attachment that has not been persisted.
func hasPendingAttachments(t *tyler.Thread) bool {
	for _, m := range t.Messages {
		for _, a := range m.Attachments {
			if a != nil && a.Status == tyler.AttachmentPending {
				return true
			}
		}
	}
	return false
}
