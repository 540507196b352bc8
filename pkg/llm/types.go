package llm

import (
	"context"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one conversation entry.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }

func Assistant(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

func ToolResult(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Usage is the token accounting of one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the element-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Response is a completed model reply.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ToolDef describes a tool to the model. Parameters is a JSON Schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChunkKind tags a streaming chunk.
type ChunkKind string

const (
	ChunkDelta    ChunkKind = "delta"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkDone     ChunkKind = "done"
	ChunkStatus   ChunkKind = "status"
)

// Chunk is an incremental piece of a streamed reply.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
}

// Sink receives chunks in order. It must not block for long.
type Sink func(Chunk)

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)
	// StreamComplete delivers text deltas to sink as they arrive and returns the
	// assembled response.
	StreamComplete(ctx context.Context, messages []Message, tools []ToolDef, sink Sink) (*Response, error)
}

// EstimateTokens approximates the token count of messages at four characters per token.
func EstimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name)
			for k, v := range tc.Args {
				chars += len(k)
				if s, ok := v.(string); ok {
					chars += len(s)
				} else {
					chars += 8
				}
			}
		}
	}
	return (chars + 3) / 4
}

// SystemPrompt returns the concatenated content of the system messages.
func SystemPrompt(messages []Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
