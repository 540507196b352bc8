package resume

import (
	"context"
	"fmt"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/llm"
	"github.com/harun/keel/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State is what the agent loop needs to continue a session.
type State struct {
	Session    store.Session
	Log        *store.SessionLog
	Messages   []llm.Message
	NextTurn   int
	Checkpoint *store.Checkpoint
	// RolledBack counts messages deleted because they followed the checkpoint.
	RolledBack int64
}

// Controller runs the resume protocol.
type Controller struct {
	store  *store.Store
	logger zerolog.Logger
}

func NewController(st *store.Store, logger zerolog.Logger) *Controller {
	return &Controller{
		store:  st,
		logger: logger.With().Str("component", "resume").Logger(),
	}
}

// Resume loads sessionID, discards any incomplete turn after the latest
// checkpoint and returns the reconstructed history. It returns an error
// wrapping store.ErrNotFound for unknown sessions.
func (c *Controller) Resume(ctx context.Context, sessionID string) (st *State, err error) {
	ctx, span := tracing.StartSpan(ctx, "keel.resume", "resume.resume", attribute.String("session_id", sessionID))
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, c.logger).With().Str("session_id", sessionID).Logger()

	sess, err := c.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	log := c.store.Log(sess)

	cp, err := log.LatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	var (
		rows       []store.Message
		rolledBack int64
		mode       string
	)
	if cp != nil {
		mode = "checkpoint"
		rolledBack, err = log.RollbackTo(ctx, cp.LastMsgID)
		if err != nil {
			return nil, err
		}
		rows, err = log.MessagesUpTo(ctx, cp.LastMsgID)
		if err != nil {
			return nil, err
		}
	} else {
		mode = "legacy"
		rows, err = log.AllMessages(ctx)
		if err != nil {
			return nil, err
		}
	}
	observability.RecordResume(mode)

	next := 1
	if cp != nil && cp.Turn+1 > next {
		next = cp.Turn + 1
	}
	for _, r := range rows {
		if r.Turn+1 > next {
			next = r.Turn + 1
		}
	}

	logger.Info().
		Str("mode", mode).
		Int("messages", len(rows)).
		Int64("rolled_back", rolledBack).
		Int("next_turn", next).
		Msg("Session resumed")

	return &State{
		Session:    *sess,
		Log:        log,
		Messages:   Reconstruct(rows),
		NextTurn:   next,
		Checkpoint: cp,
		RolledBack: rolledBack,
	}, nil
}

// Reconstruct converts stored rows into in-memory messages. Unknown roles are
// dropped; an assistant row with a tool-call payload becomes an assistant
// message with tool calls.
func Reconstruct(rows []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(rows))
	for _, r := range rows {
		if !r.Role.Valid() {
			continue
		}
		out = append(out, r.LLM())
	}
	return out
}

// Describe summarizes a resume for display.
func (s *State) Describe() string {
	if s.Checkpoint == nil {
		return fmt.Sprintf("session %s: %d messages (no checkpoint), next turn %d", s.Session.ID, len(s.Messages), s.NextTurn)
	}
	return fmt.Sprintf("session %s: %d messages through turn %d, %d rolled back, next turn %d",
		s.Session.ID, len(s.Messages), s.Checkpoint.Turn, s.RolledBack, s.NextTurn)
}
