package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samsaffron/toolstream/internal/llm"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Schema for the sessions database.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT,
    summary TEXT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    status TEXT DEFAULT 'active',
    runs INTEGER DEFAULT 0,
    iterations INTEGER DEFAULT 0,
    tool_calls INTEGER DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT,
    tool_calls TEXT,
    tool_call_id TEXT,
    name TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_sequence ON messages(session_id, sequence);

-- Full-text search on message content
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    content='messages',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;
`

// NewSQLiteStore creates a new SQLite-based session store.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		var err error
		if dbPath, err = GetDBPath(); err != nil {
			return nil, fmt.Errorf("get db path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	store := &SQLiteStore{db: db, cfg: cfg}
	if err := store.cleanup(); err != nil {
		slog.Warn("session cleanup failed", "error", err)
	}
	return store, nil
}

// schemaVersion is the current schema version. Fresh databases get the
// full schema and start here; older ones run the migrations above their
// recorded version.
const schemaVersion = 1

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. Each entry
// must bump schemaVersion and the schema const must already hold its result.
var migrations []migration

// initSchema initializes the database schema and runs any pending migrations.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil && (errors.Is(versionErr, sql.ErrNoRows) || strings.Contains(versionErr.Error(), "no such table")) {
		currentVersion = schemaVersion
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if versionErr != nil {
		return fmt.Errorf("get current version: %w", versionErr)
	}
	return migrate(db, currentVersion, migrations)
}

func migrate(db *sql.DB, currentVersion int, pending []migration) error {
	for _, m := range pending {
		if m.version <= currentVersion {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

// cleanup removes old sessions based on configuration.
func (s *SQLiteStore) cleanup() error {
	ctx := context.Background()

	if s.cfg.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxAgeDays)
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE updated_at < ?", cutoff); err != nil {
			return fmt.Errorf("delete old sessions: %w", err)
		}
	}

	if s.cfg.MaxCount > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM sessions WHERE id IN (
				SELECT id FROM sessions
				ORDER BY updated_at DESC
				LIMIT -1 OFFSET ?
			)`, s.cfg.MaxCount)
		if err != nil {
			return fmt.Errorf("enforce max count: %w", err)
		}
	}
	return nil
}

// Create inserts a new session.
func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, summary, provider, model, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullString(sess.Name), nullString(sess.Summary), sess.Provider, sess.Model,
		sess.CreatedAt, sess.UpdatedAt, string(sess.Status))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID. Missing sessions yield ErrSessionNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var name, summary, status sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, summary, provider, model, created_at, updated_at, status,
		       runs, iterations, tool_calls, input_tokens, output_tokens
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &name, &summary, &sess.Provider, &sess.Model, &sess.CreatedAt, &sess.UpdatedAt, &status,
		&sess.Runs, &sess.Iterations, &sess.ToolCalls, &sess.InputTokens, &sess.OutputTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Name = name.String
	sess.Summary = summary.String
	sess.Status = Status(status.String)
	return &sess, nil
}

// Delete removes a session and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// RecordRun adds one run's metrics to the session and sets its status.
func (s *SQLiteStore) RecordRun(ctx context.Context, id string, m RunMetrics) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			runs = runs + 1,
			iterations = iterations + ?,
			tool_calls = tool_calls + ?,
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			status = ?,
			updated_at = ?
		WHERE id = ?`,
		m.Iterations, m.ToolCalls, m.InputTokens, m.OutputTokens, string(m.Status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// List returns sessions, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	query := `
		SELECT s.id, s.name, s.summary, s.provider, s.model, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages WHERE session_id = s.id) as message_count, s.status
		FROM sessions s
		WHERE 1=1`
	args := []any{}

	if opts.Status != "" {
		query += " AND s.status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY s.updated_at DESC"

	limit := opts.Limit
	if limit == 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var name, summary, status sql.NullString
		if err := rows.Scan(&sum.ID, &name, &summary, &sum.Provider, &sum.Model,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount, &status); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Name = name.String
		sum.Summary = summary.String
		sum.Status = Status(status.String)
		results = append(results, sum)
	}
	return results, rows.Err()
}

// Search finds messages matching the query using FTS5.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit == 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.session_id, m.id, s.summary, snippet(messages_fts, 0, '**', '**', '...', 32),
		       s.model, m.created_at
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var summary sql.NullString
		if err := rows.Scan(&r.SessionID, &r.MessageID, &summary, &r.Snippet, &r.Model, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.Summary = summary.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// AppendMessages stores msgs after the session's existing messages in one
// transaction. The first user message becomes the session summary when
// none is set.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), -1) + 1 FROM messages WHERE session_id = ?",
		sessionID).Scan(&next); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	now := time.Now()
	for i, msg := range msgs {
		var calls sql.NullString
		if len(msg.ToolCalls) > 0 {
			b, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			calls = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, name, created_at, sequence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, string(msg.Role), msg.Content, calls,
			nullString(msg.ToolCallID), nullString(msg.Name), now, next+i); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	summary := ""
	for _, msg := range msgs {
		if msg.Role == llm.RoleUser && strings.TrimSpace(msg.Content) != "" {
			summary = TruncateSummary(msg.Content)
			break
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ?,
			summary = CASE WHEN COALESCE(summary, '') = '' THEN ? ELSE summary END
		WHERE id = ?`, now, nullString(summary), sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	return tx.Commit()
}

// Messages returns the stored conversation in order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, name
		FROM messages WHERE session_id = ?
		ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var role string
		var content, calls, callID, name sql.NullString
		if err := rows.Scan(&role, &content, &calls, &callID, &name); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := llm.Message{
			Role:       llm.Role(role),
			Content:    content.String,
			ToolCallID: callID.String,
			Name:       name.String,
		}
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
