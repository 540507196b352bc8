package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory (
    agent_id   TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (agent_id, key)
);`

// Store keeps one agent's memory entries.
type Store struct {
	db      *sql.DB
	agentID string
	logger  zerolog.Logger
}

// New creates the table if needed. The database is shared and not closed by Store.
func New(ctx context.Context, db *sql.DB, agentID string, logger zerolog.Logger) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create memory table: %w", err)
	}
	observability.EnsureRegistered()
	return &Store{
		db:      db,
		agentID: agentID,
		logger:  logger.With().Str("component", "memory").Logger(),
	}, nil
}

func (s *Store) Set(ctx context.Context, key, value string) (err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("memory key is required")
	}
	ctx, done := s.op(ctx, "memory_set", key)
	defer func() { done(err) }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory (agent_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.agentID, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set memory %q: %w", key, err)
	}
	return nil
}

// Get returns the value and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	ctx, done := s.op(ctx, "memory_get", key)
	defer func() { done(err) }()

	err = s.db.QueryRowContext(ctx, `SELECT value FROM memory WHERE agent_id = ? AND key = ?`, s.agentID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get memory %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) (err error) {
	ctx, done := s.op(ctx, "memory_delete", key)
	defer func() { done(err) }()

	if _, err = s.db.ExecContext(ctx, `DELETE FROM memory WHERE agent_id = ? AND key = ?`, s.agentID, key); err != nil {
		return fmt.Errorf("failed to delete memory %q: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) (keys []string, err error) {
	ctx, done := s.op(ctx, "memory_keys", "")
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM memory WHERE agent_id = ? ORDER BY key`, s.agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) op(ctx context.Context, name, key string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "keel.memory", "memory."+strings.TrimPrefix(name, "memory_"),
		attribute.String("agent_id", s.agentID), attribute.String("key", key))
	return ctx, func(err error) {
		observability.RecordStoreOp(name, time.Since(start))
		tracing.EndSpan(span, err)
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Warn().Err(err).Str("op", name).Str("key", key).Msg("Memory operation failed")
		}
	}
}
