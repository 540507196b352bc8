package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, Role("developer").Valid())
}

func TestEstimateTokens(t *testing.T) {
	t.Run("should round up at four characters per token", func(t *testing.T) {
		assert.Equal(t, 0, EstimateTokens(nil))
		assert.Equal(t, 1, EstimateTokens([]Message{User("abc")}))
		assert.Equal(t, 2, EstimateTokens([]Message{User("abcd"), Assistant("e")}))
	})

	t.Run("should count tool call arguments", func(t *testing.T) {
		bare := EstimateTokens([]Message{Assistant("")})
		withCall := EstimateTokens([]Message{Assistant("", ToolCall{ID: "1", Name: "read", Args: map[string]any{"path": "/tmp/file.txt"}})})
		assert.Greater(t, withCall, bare)
	})
}

func TestSystemPrompt(t *testing.T) {
	msgs := []Message{System("a"), User("u"), System("b"), System("")}
	assert.Equal(t, "a\n\nb", SystemPrompt(msgs))
}

func TestUsage_Add(t *testing.T) {
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 5}, Usage{1, 2}.Add(Usage{2, 3}))
}
