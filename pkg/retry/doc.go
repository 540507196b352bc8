// Package retry runs fallible operations with bounded exponential backoff.
//
// Invariants:
// - An operation runs at most MaxRetries+1 times.
// - The delay before retry n (zero-indexed failed attempt) is BaseDelay * 2^n.
// - No sleep follows the final failed attempt.
// - Every hard failure is handed to the Recorder with its zero-indexed attempt.
// - ToolExecutor retries soft results too but never records them.
//
// Usage:
//
//	exec := retry.NewExecutor(retry.Config{Policy: retry.Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}, Recorder: log})
//	resp, err := retry.Do(ctx, exec, turn, "llm_complete", func(ctx context.Context) (*llm.Response, error) {
//		return provider.Complete(ctx, msgs, defs)
//	})
package retry
