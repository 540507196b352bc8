package hooks

import (
	"context"

	"github.com/harun/keel/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// TelemetryHook exports every event to an audit stream and never alters the flow.
type TelemetryHook struct {
	audit *observability.AuditLogger
}

func NewTelemetryHook(audit *observability.AuditLogger) *TelemetryHook {
	return &TelemetryHook{audit: audit}
}

func (h *TelemetryHook) Name() string { return "telemetry" }

func (h *TelemetryHook) Matches(string) bool { return true }

func (h *TelemetryHook) Handle(ctx context.Context, ev Event) (Outcome, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Continue(), err
	}

	action := string(ev.Kind)
	if ev.Kind.IsTool() {
		action = ev.ToolName
	}
	status := "ok"
	if ev.Kind == PostToolUseFailure {
		status = "error"
	}

	h.audit.Record(ctx, observability.AuditEvent{
		ID:        id,
		Type:      string(ev.Kind),
		SessionID: ev.SessionID,
		Turn:      ev.Turn,
		Action:    action,
		Status:    status,
		Metadata:  ev.Data(),
	})
	return Continue(), nil
}
