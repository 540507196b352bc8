package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT    PRIMARY KEY,
		agent_id    TEXT    NOT NULL,
		model       TEXT    NOT NULL,
		provider    TEXT    NOT NULL,
		created_at  INTEGER NOT NULL,
		metadata    TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT    NOT NULL REFERENCES sessions(id),
		agent_id     TEXT    NOT NULL,
		turn         INTEGER NOT NULL,
		role         TEXT    NOT NULL,
		content      TEXT    NOT NULL,
		tool_call_id TEXT,
		tool_name    TEXT,
		tool_args    TEXT,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS token_usage (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT    NOT NULL REFERENCES sessions(id),
		agent_id      TEXT    NOT NULL,
		turn          INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_usage_session ON token_usage(session_id);

	CREATE TABLE IF NOT EXISTS errors (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT    NOT NULL REFERENCES sessions(id),
		agent_id   TEXT    NOT NULL,
		turn       INTEGER NOT NULL,
		context    TEXT    NOT NULL,
		message    TEXT    NOT NULL,
		attempt    INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_errors_session ON errors(session_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT    NOT NULL REFERENCES sessions(id),
		agent_id    TEXT    NOT NULL,
		turn        INTEGER NOT NULL,
		last_msg_id INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, id);
`

// Config holds store configuration.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Store owns the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at cfg.Path and applies the schema. It is
// idempotent.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer per process.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.Path).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// Older databases lack the attempt column; fails harmlessly when present.
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE errors ADD COLUMN attempt INTEGER NOT NULL DEFAULT 0")
	return nil
}

// DB exposes the handle for packages that keep their own tables in the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewSession creates a session with a fresh UUID.
func (s *Store) NewSession(ctx context.Context, agentID, model, provider string) (*Session, error) {
	ctx, done := s.op(ctx, "new_session")
	sess := &Session{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Model:     model,
		Provider:  provider,
		CreatedAt: time.Unix(time.Now().Unix(), 0),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, agent_id, model, provider, created_at) VALUES (?, ?, ?, ?, ?)",
		sess.ID, sess.AgentID, sess.Model, sess.Provider, sess.CreatedAt.Unix(),
	)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// LoadSession returns the session or ErrNotFound.
func (s *Store) LoadSession(ctx context.Context, id string) (*Session, error) {
	ctx, done := s.op(ctx, "load_session")
	var (
		sess    Session
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, agent_id, model, provider, created_at FROM sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.AgentID, &sess.Model, &sess.Provider, &created)
	if errors.Is(err, sql.ErrNoRows) {
		done(nil)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.CreatedAt = time.Unix(created, 0)
	return &sess, nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.agent_id, s.model, s.provider, s.created_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
		       (SELECT COALESCE(MAX(turn), 0) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.created_at DESC, s.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum     SessionSummary
			created int64
		)
		if err := rows.Scan(&sum.ID, &sum.AgentID, &sum.Model, &sum.Provider, &created, &sum.Messages, &sum.LastTurn); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.Unix(created, 0)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Search returns messages whose content contains query. An empty sessionID
// searches every session; a negative limit returns every match.
func (s *Store) Search(ctx context.Context, sessionID, query string, limit int) ([]Message, error) {
	if limit == 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = s.db.QueryContext(ctx, selectMessages+" WHERE content LIKE ? ORDER BY id ASC LIMIT ?", pattern, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectMessages+" WHERE session_id = ? AND content LIKE ? ORDER BY id ASC LIMIT ?", sessionID, pattern, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return scanMessages(rows)
}

// PruneAudit deletes error rows and superseded checkpoints created before cutoff.
// The latest checkpoint of every session and all messages are kept.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	ctx, done := s.op(ctx, "prune_audit")
	var res PruneResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		done(err)
		return res, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, "DELETE FROM errors WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		done(err)
		return res, fmt.Errorf("failed to prune errors: %w", err)
	}
	res.Errors, _ = r.RowsAffected()

	r, err = tx.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE created_at < ?
		  AND id NOT IN (SELECT MAX(id) FROM checkpoints GROUP BY session_id)`, cutoff.Unix())
	if err != nil {
		done(err)
		return res, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	res.Checkpoints, _ = r.RowsAffected()

	err = tx.Commit()
	done(err)
	if err != nil {
		return PruneResult{}, fmt.Errorf("failed to commit prune: %w", err)
	}
	return res, nil
}

// op starts a span for a store operation and returns the finisher that records
// its duration.
func (s *Store) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "keel.store", "store."+name, attrs...)
	return ctx, func(err error) {
		observability.RecordStoreOp(name, time.Since(start))
		tracing.EndSpan(span, err)
	}
}
