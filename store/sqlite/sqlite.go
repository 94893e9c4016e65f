// Package sqlite implements tyler.ThreadStore on a local SQLite file
// using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tyler-ai/tyler"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted
// unless TYLER_DB_ECHO=true.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithFileStore sets the file store used to persist pending message
// attachments during Save. Without one, saving a thread that still has
// pending attachments is an error.
func WithFileStore(fs tyler.FileStore) StoreOption {
	return func(s *Store) { s.files = fs }
}

// Store implements tyler.ThreadStore backed by a local SQLite file.
// Threads and messages live in two tables; nested structures (tool calls,
// attachments, metrics, reactions) are stored as JSON text columns.
type Store struct {
	db     *sql.DB
	files  tyler.FileStore
	logger *slog.Logger
}

var _ tyler.ThreadStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
//
// Setting TYLER_DB_ECHO=true routes operation logs to slog.Default; an
// explicit WithLogger overrides it.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	if strings.EqualFold(os.Getenv("TYLER_DB_ECHO"), "true") {
		s.logger = slog.Default()
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Initialize creates the thread and message tables. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			attributes TEXT,
			source TEXT,
			platforms TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			parts TEXT,
			name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			attachments TEXT,
			attributes TEXT,
			source TEXT,
			metrics TEXT NOT NULL,
			reactions TEXT,
			timestamp INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied)
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE threads ADD COLUMN platforms TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN parts TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN reactions TEXT")

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, sequence)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Save writes the thread and its full message set in one transaction.
// Pending attachments are persisted to the file store first; when any of
// them fails the thread is not committed. System messages are never
// written, the caller's thread is returned untouched.
func (s *Store) Save(ctx context.Context, t *tyler.Thread) (*tyler.Thread, error) {
	start := time.Now()
	s.logger.Debug("sqlite: save thread", "id", t.ID, "messages", len(t.Messages))

	if s.files != nil {
		if err := tyler.StoreAttachments(ctx, t, s.files); err != nil {
			s.logger.Error("sqlite: save thread failed", "id", t.ID, "error", err, "duration", time.Since(start))
			return nil, fmt.Errorf("save thread %s: %w", t.ID, err)
		}
	} else if hasPendingAttachments(t) {
		return nil, fmt.Errorf("save thread %s: pending attachments with no file store configured", t.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO threads (id, title, attributes, source, platforms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title,
		jsonCol(t.Attributes, len(t.Attributes) > 0),
		jsonCol(t.Source, len(t.Source) > 0),
		jsonCol(t.Platforms, len(t.Platforms) > 0),
		t.CreatedAt.UTC().UnixNano(), t.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		s.logger.Error("sqlite: upsert thread failed", "id", t.ID, "error", err)
		return nil, fmt.Errorf("upsert thread: %w", err)
	}

	// Replace the full message set; sequences may have been rewritten.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, t.ID); err != nil {
		return nil, fmt.Errorf("clear messages: %w", err)
	}

	for _, m := range t.Messages {
		if m.Role == tyler.RoleSystem {
			// Never persisted; the agent re-injects the system prompt.
			continue
		}
		metrics, merr := json.Marshal(m.Metrics)
		if merr != nil {
			return nil, fmt.Errorf("marshal metrics for message %s: %w", m.ID, merr)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, sequence, role, content, parts, name, tool_call_id,
				tool_calls, attachments, attributes, source, metrics, reactions, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, t.ID, m.Sequence, m.Role, m.Content,
			jsonCol(m.Parts, len(m.Parts) > 0),
			m.Name, m.ToolCallID,
			jsonCol(m.ToolCalls, len(m.ToolCalls) > 0),
			jsonCol(m.Attachments, len(m.Attachments) > 0),
			jsonCol(m.Attributes, len(m.Attributes) > 0),
			jsonCol(m.Source, len(m.Source) > 0),
			string(metrics),
			jsonCol(m.Reactions, len(m.Reactions) > 0),
			m.Timestamp.UTC().UnixNano(),
		)
		if err != nil {
			s.logger.Error("sqlite: insert message failed", "message_id", m.ID, "thread_id", t.ID, "error", err)
			return nil, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: save thread commit failed", "id", t.ID, "error", err)
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: save thread ok", "id", t.ID, "duration", time.Since(start))
	return t, nil
}

// Get returns the stored thread, or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*tyler.Thread, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get thread", "id", id)

	threads, err := s.queryThreads(ctx,
		`SELECT id, title, attributes, source, platforms, created_at, updated_at
		 FROM threads WHERE id = ?`, id)
	if err != nil {
		s.logger.Error("sqlite: get thread failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, err
	}
	if len(threads) == 0 {
		s.logger.Debug("sqlite: get thread miss", "id", id, "duration", time.Since(start))
		return nil, nil
	}
	s.logger.Debug("sqlite: get thread ok", "id", id, "messages", len(threads[0].Messages), "duration", time.Since(start))
	return threads[0], nil
}

// Delete removes the thread and its messages. Returns false when the
// thread did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: delete thread", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete thread ok", "id", id, "deleted", affected > 0, "duration", time.Since(start))
	return affected > 0, nil
}

// List returns threads newest-first by updated_at. limit <= 0 means no
// limit.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*tyler.Thread, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list threads", "limit", limit, "offset", offset)

	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT disables it
	}
	threads, err := s.queryThreads(ctx,
		`SELECT id, title, attributes, source, platforms, created_at, updated_at
		 FROM threads ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		s.logger.Error("sqlite: list threads failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: list threads ok", "count", len(threads), "duration", time.Since(start))
	return threads, nil
}

// ListRecent returns the most recently updated threads.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*tyler.Thread, error) {
	return s.List(ctx, limit, 0)
}

// FindByAttributes returns threads whose attributes contain every given
// key with exactly the given value, newest-first.
func (s *Store) FindByAttributes(ctx context.Context, attrs map[string]any) ([]*tyler.Thread, error) {
	start := time.Now()
	s.logger.Debug("sqlite: find by attributes", "keys", len(attrs))

	query := `SELECT id, title, attributes, source, platforms, created_at, updated_at FROM threads`
	where, args := jsonConditions("attributes", attrs)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"

	threads, err := s.queryThreads(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: find by attributes failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: find by attributes ok", "count", len(threads), "duration", time.Since(start))
	return threads, nil
}

// FindBySource returns threads whose source name matches and whose source
// contains every given property, newest-first.
func (s *Store) FindBySource(ctx context.Context, name string, props map[string]any) ([]*tyler.Thread, error) {
	start := time.Now()
	s.logger.Debug("sqlite: find by source", "name", name, "keys", len(props))

	where := []string{`json_extract(source, '$.name') = ?`}
	args := []any{name}
	condWhere, condArgs := jsonConditions("source", props)
	where = append(where, condWhere...)
	args = append(args, condArgs...)

	query := `SELECT id, title, attributes, source, platforms, created_at, updated_at FROM threads
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_at DESC, id DESC`

	threads, err := s.queryThreads(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: find by source failed", "name", name, "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: find by source ok", "name", name, "count", len(threads), "duration", time.Since(start))
	return threads, nil
}

// DB exposes the underlying handle for callers that need raw SQL access,
// such as tests or migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- internal helpers ---

// queryThreads runs a thread SELECT and loads each thread's messages.
func (s *Store) queryThreads(ctx context.Context, query string, args ...any) ([]*tyler.Thread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []*tyler.Thread
	for rows.Next() {
		var t tyler.Thread
		var attrs, source, platforms sql.NullString
		var createdNanos, updatedNanos int64
		if err := rows.Scan(&t.ID, &t.Title, &attrs, &source, &platforms, &createdNanos, &updatedNanos); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if attrs.Valid {
			_ = json.Unmarshal([]byte(attrs.String), &t.Attributes)
		}
		if source.Valid {
			_ = json.Unmarshal([]byte(source.String), &t.Source)
		}
		if platforms.Valid {
			_ = json.Unmarshal([]byte(platforms.String), &t.Platforms)
		}
		t.CreatedAt = time.Unix(0, createdNanos).UTC()
		t.UpdatedAt = time.Unix(0, updatedNanos).UTC()
		threads = append(threads, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence, role, content, parts, name, tool_call_id,
			tool_calls, attachments, attributes, source, metrics, reactions, timestamp
		 FROM messages WHERE thread_id = ? ORDER BY sequence`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*tyler.Message
	for rows.Next() {
		var m tyler.Message
		var parts, toolCalls, attachments, attrs, source, reactions sql.NullString
		var metrics string
		var tsNanos int64
		if err := rows.Scan(&m.ID, &m.Sequence, &m.Role, &m.Content, &parts, &m.Name, &m.ToolCallID,
			&toolCalls, &attachments, &attrs, &source, &metrics, &reactions, &tsNanos); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if parts.Valid {
			_ = json.Unmarshal([]byte(parts.String), &m.Parts)
		}
		if toolCalls.Valid {
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		if attachments.Valid {
			_ = json.Unmarshal([]byte(attachments.String), &m.Attachments)
		}
		if attrs.Valid {
			_ = json.Unmarshal([]byte(attrs.String), &m.Attributes)
		}
		if source.Valid {
			_ = json.Unmarshal([]byte(source.String), &m.Source)
		}
		if err := json.Unmarshal([]byte(metrics), &m.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics for message %s: %w", m.ID, err)
		}
		if reactions.Valid {
			_ = json.Unmarshal([]byte(reactions.String), &m.Reactions)
		}
		m.Timestamp = time.Unix(0, tsNanos).UTC()
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// jsonCol marshals v for a nullable JSON text column. Empty values map to
// NULL so that round-trips preserve nil maps and slices.
func jsonCol(v any, nonEmpty bool) *string {
	if !nonEmpty {
		return nil
	}
	data, _ := json.Marshal(v)
	out := string(data)
	return &out
}

// jsonConditions builds one json_extract equality condition per key. Both
// sides go through json_extract so that strings, numbers, booleans, and
// nested objects all compare by value rather than by SQL text.
func jsonConditions(column string, want map[string]any) ([]string, []any) {
	var where []string
	var args []any
	for key, value := range want {
		data, _ := json.Marshal(value)
		where = append(where, fmt.Sprintf(`json_extract(%s, ?) = json_extract(?, '$')`, column))
		args = append(args, `$."`+key+`"`, string(data))
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
