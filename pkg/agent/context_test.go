package agent

import (
	"strings"
	"testing"

	"github.com/harun/keel/pkg/llm"
	"github.com/stretchr/testify/assert"
)

func TestTrimContext(t *testing.T) {
	big := strings.Repeat("x", 400) // 100 tokens

	t.Run("should leave small histories alone", func(t *testing.T) {
		msgs := []llm.Message{llm.System("sys"), llm.User("hi")}
		out, dropped := trimContext(msgs, 1000)
		assert.Zero(t, dropped)
		assert.Equal(t, msgs, out)
	})

	t.Run("should drop the oldest messages but keep system ones", func(t *testing.T) {
		msgs := []llm.Message{
			llm.System("sys"),
			llm.User(big),
			llm.Assistant(big),
			llm.User(big),
			llm.Assistant("short"),
		}
		out, dropped := trimContext(msgs, 150)
		assert.Equal(t, 2, dropped)
		assert.Equal(t, []llm.Message{msgs[0], msgs[3], msgs[4]}, out)
	})

	t.Run("should drop a tool call together with its results", func(t *testing.T) {
		call := llm.ToolCall{ID: "c1", Name: "read_file"}
		msgs := []llm.Message{
			llm.System("sys"),
			llm.Assistant("", call),
			llm.ToolResult("c1", "read_file", big),
			llm.User(big),
			llm.Assistant("ok"),
		}
		out, dropped := trimContext(msgs, 120)
		assert.Equal(t, 2, dropped)
		assert.Equal(t, []llm.Message{msgs[0], msgs[3], msgs[4]}, out)
		for _, m := range out {
			assert.NotEqual(t, llm.RoleTool, m.Role)
		}
	})

	t.Run("should always keep the last two units", func(t *testing.T) {
		msgs := []llm.Message{llm.User(big), llm.Assistant(big), llm.User(big)}
		out, dropped := trimContext(msgs, 10)
		assert.Equal(t, 1, dropped)
		assert.Equal(t, msgs[1:], out)
	})

	t.Run("should keep injected system messages in place", func(t *testing.T) {
		msgs := []llm.Message{
			llm.User(big),
			llm.System("note"),
			llm.User(big),
			llm.Assistant(big),
		}
		out, dropped := trimContext(msgs, 50)
		assert.Equal(t, 1, dropped)
		assert.Equal(t, msgs[1:], out)
	})
}
