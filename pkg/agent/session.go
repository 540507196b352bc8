package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/harun/keel/pkg/commandqueue"
	"github.com/harun/keel/pkg/resume"
)

// Session is an interactive conversation bound to one stored session. Messages
// submitted while a turn is in flight wait in a per-conversation lane and then
// run as new turns of the same session.
type Session struct {
	loop  *Loop
	queue *commandqueue.CommandQueue
	lane  string

	mu     sync.Mutex
	id     string
	closed bool
}

// NewSession returns a conversation on queue. sessionID may be empty, in which
// case the first message starts a new session.
func NewSession(loop *Loop, queue *commandqueue.CommandQueue, sessionID string) *Session {
	return &Session{
		loop:  loop,
		queue: queue,
		lane:  "conversation:" + uuid.NewString(),
		id:    sessionID,
	}
}

// ID returns the current session id, empty before the first message.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Submit queues msg and waits for the turns it triggers.
func (s *Session) Submit(ctx context.Context, msg string) (*Output, error) {
	ch, err := s.SubmitAsync(ctx, msg)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		out, _ := res.Value.(*Output)
		return out, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitAsync queues msg and returns immediately. The channel receives the
// *Output of the run.
func (s *Session) SubmitAsync(ctx context.Context, msg string) (<-chan commandqueue.Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queue.EnqueueAsync(ctx, s.lane, func(ctx context.Context) (any, error) {
		id := s.ID()
		var (
			out *Output
			err error
		)
		if id == "" {
			out, err = s.loop.Run(ctx, msg)
		} else {
			out, err = s.loop.Resume(ctx, id, msg)
		}
		if out != nil && out.SessionID != "" {
			s.setID(out.SessionID)
		}
		return out, err
	})
}

// SwitchTo resumes sessionID once queued work finishes. Later messages
// continue that session.
func (s *Session) SwitchTo(ctx context.Context, sessionID string) (*resume.State, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	v, err := s.queue.Enqueue(ctx, s.lane, func(ctx context.Context) (any, error) {
		state, err := s.loop.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		s.setID(state.Session.ID)
		return state, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to switch to session %s: %w", sessionID, err)
	}
	return v.(*resume.State), nil
}

// Reset detaches from the current session; the next message starts a new one.
func (s *Session) Reset() {
	s.setID("")
}

// Pending returns the number of queued messages.
func (s *Session) Pending() int {
	return s.queue.QueueSize(s.lane)
}

// Close drops queued messages. A turn already running completes.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.queue.ClearLane(s.lane)
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}
	return nil
}
