package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
)

const selectMessages = `SELECT id, session_id, agent_id, turn, role, content, tool_call_id, tool_name, tool_args, created_at FROM messages`

// SessionLog is the per-session view of the store used by the agent loop.
type SessionLog struct {
	store   *Store
	session Session
}

// Log returns the log for sess.
func (s *Store) Log(sess *Session) *SessionLog {
	return &SessionLog{store: s, session: *sess}
}

// Session returns the session this log writes to.
func (l *SessionLog) Session() Session {
	return l.session
}

// PersistMessage appends msg and returns its id. Every role is persisted,
// including system messages, so replay reconstructs the exact prompt.
func (l *SessionLog) PersistMessage(ctx context.Context, turn int, msg llm.Message) (int64, error) {
	ctx, done := l.store.op(ctx, "persist_message", attribute.String("role", string(msg.Role)), attribute.Int("turn", turn))

	var toolArgs sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			done(err)
			return 0, fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolArgs = sql.NullString{String: string(data), Valid: true}
	}

	res, err := l.store.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, agent_id, turn, role, content, tool_call_id, tool_name, tool_args, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.session.ID, l.session.AgentID, turn, string(msg.Role), msg.Content,
		nullString(msg.ToolCallID), nullString(msg.ToolName), toolArgs, time.Now().Unix(),
	)
	if err != nil {
		done(err)
		return 0, fmt.Errorf("failed to persist message: %w", err)
	}
	id, err := res.LastInsertId()
	done(err)
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}
	return id, nil
}

// PersistTokenUsage appends the usage of one turn.
func (l *SessionLog) PersistTokenUsage(ctx context.Context, turn int, usage llm.Usage) error {
	ctx, done := l.store.op(ctx, "persist_token_usage")
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO token_usage (session_id, agent_id, turn, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.session.ID, l.session.AgentID, turn, usage.InputTokens, usage.OutputTokens, time.Now().Unix(),
	)
	done(err)
	if err != nil {
		return fmt.Errorf("failed to persist token usage: %w", err)
	}
	return nil
}

// PersistError appends one failed attempt of the operation named by tag.
// attempt is zero-indexed.
func (l *SessionLog) PersistError(ctx context.Context, turn int, tag string, cause error, attempt int) error {
	ctx, done := l.store.op(ctx, "persist_error")
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO errors (session_id, agent_id, turn, context, message, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.session.ID, l.session.AgentID, turn, tag, msg, attempt, time.Now().Unix(),
	)
	done(err)
	if err != nil {
		return fmt.Errorf("failed to persist error: %w", err)
	}
	return nil
}

// RecordError implements retry.Recorder.
func (l *SessionLog) RecordError(ctx context.Context, turn int, tag string, cause error, attempt int) error {
	return l.PersistError(ctx, turn, tag, cause, attempt)
}

// WriteCheckpoint records that every message persisted so far is complete
// through turn. Call it only after all of the turn's messages are persisted.
func (l *SessionLog) WriteCheckpoint(ctx context.Context, turn int) (*Checkpoint, error) {
	ctx, done := l.store.op(ctx, "write_checkpoint", attribute.Int("turn", turn))

	var lastID int64
	if err := l.store.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM messages WHERE session_id = ?", l.session.ID,
	).Scan(&lastID); err != nil {
		done(err)
		return nil, fmt.Errorf("failed to read last message id: %w", err)
	}

	now := time.Now().Unix()
	res, err := l.store.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, agent_id, turn, last_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		l.session.ID, l.session.AgentID, turn, lastID, now,
	)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}
	id, _ := res.LastInsertId()
	done(nil)
	observability.RecordCheckpoint()

	return &Checkpoint{
		ID:        id,
		SessionID: l.session.ID,
		AgentID:   l.session.AgentID,
		Turn:      turn,
		LastMsgID: lastID,
		CreatedAt: time.Unix(now, 0),
	}, nil
}

// LatestCheckpoint returns the newest checkpoint, or nil when none exists.
func (l *SessionLog) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	ctx, done := l.store.op(ctx, "latest_checkpoint")
	var (
		cp      Checkpoint
		created int64
	)
	err := l.store.db.QueryRowContext(ctx, `
		SELECT id, session_id, agent_id, turn, last_msg_id, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY id DESC LIMIT 1`, l.session.ID,
	).Scan(&cp.ID, &cp.SessionID, &cp.AgentID, &cp.Turn, &cp.LastMsgID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		done(nil)
		return nil, nil
	}
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.CreatedAt = time.Unix(created, 0)
	return &cp, nil
}

// Checkpoints returns every checkpoint of the session, oldest first.
func (l *SessionLog) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, turn, last_msg_id, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY id ASC`, l.session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp      Checkpoint
			created int64
		)
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.AgentID, &cp.Turn, &cp.LastMsgID, &created); err != nil {
			return nil, err
		}
		cp.CreatedAt = time.Unix(created, 0)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// MessagesUpTo returns the messages with id <= lastMsgID in id order.
func (l *SessionLog) MessagesUpTo(ctx context.Context, lastMsgID int64) ([]Message, error) {
	ctx, done := l.store.op(ctx, "messages_up_to")
	rows, err := l.store.db.QueryContext(ctx,
		selectMessages+" WHERE session_id = ? AND id <= ? ORDER BY id ASC", l.session.ID, lastMsgID)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	done(err)
	return msgs, err
}

// AllMessages returns every message of the session in id order.
func (l *SessionLog) AllMessages(ctx context.Context) ([]Message, error) {
	rows, err := l.store.db.QueryContext(ctx,
		selectMessages+" WHERE session_id = ? ORDER BY id ASC", l.session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return scanMessages(rows)
}

// RollbackTo deletes every message with id > lastMsgID and returns how many
// were removed. It is irreversible.
func (l *SessionLog) RollbackTo(ctx context.Context, lastMsgID int64) (int64, error) {
	ctx, done := l.store.op(ctx, "rollback_to")
	res, err := l.store.db.ExecContext(ctx,
		"DELETE FROM messages WHERE session_id = ? AND id > ?", l.session.ID, lastMsgID)
	if err != nil {
		done(err)
		return 0, fmt.Errorf("failed to roll back messages: %w", err)
	}
	n, err := res.RowsAffected()
	done(err)
	if err != nil {
		return 0, err
	}
	observability.RecordRollback(n)
	return n, nil
}

// Search returns this session's messages whose content contains query.
func (l *SessionLog) Search(ctx context.Context, query string) ([]Message, error) {
	return l.store.Search(ctx, l.session.ID, query, -1)
}

// TokenUsage returns the per-turn usage rows ordered by turn.
func (l *SessionLog) TokenUsage(ctx context.Context) ([]TokenUsage, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, turn, input_tokens, output_tokens, created_at
		FROM token_usage WHERE session_id = ? ORDER BY turn ASC, id ASC`, l.session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load token usage: %w", err)
	}
	defer rows.Close()

	var out []TokenUsage
	for rows.Next() {
		var (
			u       TokenUsage
			created int64
		)
		if err := rows.Scan(&u.ID, &u.SessionID, &u.AgentID, &u.Turn, &u.InputTokens, &u.OutputTokens, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(created, 0)
		out = append(out, u)
	}
	return out, rows.Err()
}

// TotalTokenUsage sums the session's usage rows.
func (l *SessionLog) TotalTokenUsage(ctx context.Context) (llm.Usage, error) {
	var u llm.Usage
	err := l.store.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM token_usage WHERE session_id = ?`, l.session.ID,
	).Scan(&u.InputTokens, &u.OutputTokens)
	if err != nil {
		return llm.Usage{}, fmt.Errorf("failed to sum token usage: %w", err)
	}
	return u, nil
}

// Errors returns the session's error audit trail, oldest first.
func (l *SessionLog) Errors(ctx context.Context) ([]ErrorRecord, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, turn, context, message, attempt, created_at
		FROM errors WHERE session_id = ? ORDER BY id ASC`, l.session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var (
			e       ErrorRecord
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentID, &e.Turn, &e.Context, &e.Message, &e.Attempt, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxTurn returns the highest turn that has a message, 0 if none.
func (l *SessionLog) MaxTurn(ctx context.Context) (int, error) {
	var turn int
	err := l.store.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(turn), 0) FROM messages WHERE session_id = ?", l.session.ID,
	).Scan(&turn)
	if err != nil {
		return 0, fmt.Errorf("failed to read max turn: %w", err)
	}
	return turn, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                              Message
			role                           string
			toolCallID, toolName, toolArgs sql.NullString
			created                        int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AgentID, &m.Turn, &role, &m.Content,
			&toolCallID, &toolName, &toolArgs, &created); err != nil {
			return nil, err
		}
		m.Role = llm.Role(role)
		m.ToolCallID = toolCallID.String
		m.ToolName = toolName.String
		m.CreatedAt = time.Unix(created, 0)
		if toolArgs.Valid && toolArgs.String != "" {
			if err := json.Unmarshal([]byte(toolArgs.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls of message %d: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
