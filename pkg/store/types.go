package store

import (
	"errors"
	"time"

	"github.com/harun/keel/pkg/llm"
)

// ErrNotFound is returned when a session id is absent.
var ErrNotFound = errors.New("session not found")

// Session identifies one continuous task.
type Session struct {
	ID        string
	AgentID   string
	Model     string
	Provider  string
	CreatedAt time.Time
}

// SessionSummary is a session with aggregate counters for listings.
type SessionSummary struct {
	Session
	Messages int
	LastTurn int
}

// Message is a stored conversation entry.
type Message struct {
	ID         int64
	SessionID  string
	AgentID    string
	Turn       int
	Role       llm.Role
	Content    string
	ToolCallID string
	ToolName   string
	ToolCalls  []llm.ToolCall
	CreatedAt  time.Time
}

// LLM converts the row back to the in-memory message.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
}

// Checkpoint marks every message with id <= LastMsgID as complete through Turn.
type Checkpoint struct {
	ID        int64
	SessionID string
	AgentID   string
	Turn      int
	LastMsgID int64
	CreatedAt time.Time
}

// ErrorRecord is one failed attempt of an operation.
type ErrorRecord struct {
	ID        int64
	SessionID string
	AgentID   string
	Turn      int
	Context   string
	Message   string
	Attempt   int
	CreatedAt time.Time
}

// TokenUsage is the usage recorded for one turn.
type TokenUsage struct {
	ID           int64
	SessionID    string
	AgentID      string
	Turn         int
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// PruneResult reports rows removed by PruneAudit.
type PruneResult struct {
	Errors      int64
	Checkpoints int64
}
