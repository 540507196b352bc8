// Package commandqueue serializes tasks per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - Clearing or resetting a lane fails queued tasks without running them; the
//   running task is never interrupted by a clear.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	})
package commandqueue
