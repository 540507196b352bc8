package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLaneCleared is returned for tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned for tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("command queue closed")
)

// Task is one unit of work.
type Task func(ctx context.Context) (any, error)

// Result is the outcome of a task.
type Result struct {
	Value any
	Err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan Result
}

type laneState struct {
	mu         sync.Mutex
	generation int
	queue      []*taskRecord
	running    bool
}

// CommandQueue runs tasks in named lanes.
type CommandQueue struct {
	logger zerolog.Logger

	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		logger: logger.With().Str("component", "commandqueue").Logger(),
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds task to lane and waits for its result. Cancelling ctx stops
// waiting and is seen by the task; a queued task still runs in order.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (any, error) {
	ch, err := cq.EnqueueAsync(ctx, lane, task)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EnqueueAsync adds task to lane and returns a channel that receives exactly one Result.
func (cq *CommandQueue) EnqueueAsync(ctx context.Context, lane string, task Task) (<-chan Result, error) {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		result:     make(chan Result, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	cq.processLane(lane, ls)
	return record.result, nil
}

// processLane starts the next task if the lane is idle.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for !ls.running && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- Result{Err: ErrLaneReset}
			continue
		}

		ls.running = true
		cq.wg.Add(1)
		go cq.execute(lane, ls, record)
	}
}

func (cq *CommandQueue) execute(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, "keel.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane), attribute.String("task_id", record.id))

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	stop()
	cancel()
	tracing.EndSpan(span, err)

	ls.mu.Lock()
	ls.running = false
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- Result{Value: value, Err: err}

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Dur("waited", start.Sub(record.enqueuedAt)).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

func (cq *CommandQueue) run(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) lane(name string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[name]
	return ls, ok
}

// QueueSize returns the number of tasks waiting in lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running reports whether lane has a task executing.
func (cq *CommandQueue) Running(lane string) bool {
	ls, ok := cq.lane(lane)
	if !ok {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// ClearLane fails every queued task in lane with ErrLaneCleared and returns how many were dropped.
func (cq *CommandQueue) ClearLane(lane string) int {
	return cq.drop(lane, ErrLaneCleared, false)
}

// ResetLane bumps the lane generation and fails queued tasks with ErrLaneReset.
func (cq *CommandQueue) ResetLane(lane string) int {
	return cq.drop(lane, ErrLaneReset, true)
}

func (cq *CommandQueue) drop(lane string, reason error, bump bool) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	if bump {
		ls.generation++
	}
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- Result{Err: reason}
	}

	cq.logger.Info().Str("lane", lane).Int("dropped", len(dropped)).Err(reason).Msg("Lane drained")
	observability.SetQueueSize(lane, 0)
	return len(dropped)
}

// Close cancels running tasks, fails queued ones and waits for workers.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.Unlock()

	for _, name := range names {
		cq.drop(name, ErrClosed, true)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
