package progress

import "time"

// Kind identifies a progress event.
type Kind string

const (
	KindRunStart   Kind = "run_start"
	KindTurnStart  Kind = "turn_start"
	KindTextDelta  Kind = "text_delta"
	KindRetry      Kind = "retry"
	KindToolStart  Kind = "tool_start"
	KindToolEnd    Kind = "tool_end"
	KindCheckpoint Kind = "checkpoint"
	KindTurnEnd    Kind = "turn_end"
	KindWarning    Kind = "warning"
	KindRunEnd     Kind = "run_end"
)

// Event is one progress notification.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Turn      int            `json:"turn,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// Observer receives progress events. Implementations must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(ev Event) { f(ev) }

// Fanout forwards each event to every non-nil observer in order.
type Fanout []Observer

func (f Fanout) Notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, o := range f {
		if o != nil {
			o.Notify(ev)
		}
	}
}

// Nop discards events.
var Nop Observer = ObserverFunc(func(Event) {})
