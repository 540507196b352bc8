package agent

import "github.com/harun/keel/pkg/llm"

// minUnits is the number of trailing conversation units trimming always keeps.
const minUnits = 2

// trimContext drops the oldest non-system messages while the estimate exceeds
// limit. An assistant message with tool calls and the tool results that follow
// it form one unit and are dropped together. System messages are never dropped
// and keep their position.
func trimContext(messages []llm.Message, limit int) ([]llm.Message, int) {
	tokens := llm.EstimateTokens(messages)
	if limit <= 0 || tokens <= limit {
		return messages, 0
	}

	type span struct{ start, end int }
	var units []span
	for i := 0; i < len(messages); i++ {
		m := messages[i]
		if m.Role == llm.RoleSystem {
			continue
		}
		u := span{start: i, end: i + 1}
		if m.Role == llm.RoleAssistant && m.HasToolCalls() {
			for u.end < len(messages) && messages[u.end].Role == llm.RoleTool {
				u.end++
			}
			i = u.end - 1
		}
		units = append(units, u)
	}

	drop := make(map[int]bool)
	for len(units) > minUnits && tokens > limit {
		u := units[0]
		units = units[1:]
		tokens -= llm.EstimateTokens(messages[u.start:u.end])
		for i := u.start; i < u.end; i++ {
			drop[i] = true
		}
	}
	if len(drop) == 0 {
		return messages, 0
	}

	out := make([]llm.Message, 0, len(messages)-len(drop))
	for i, m := range messages {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out, len(drop)
}
