// Package agent implements the turn loop that drives a durable agent session.
//
// Invariants:
// - Turns of one session run strictly in sequence; tool calls within a turn may
//   run concurrently and are joined before their results are persisted.
// - Every message is persisted before the checkpoint that covers it. A turn whose
//   messages could not all be persisted gets no checkpoint.
// - Only model-call exhaustion, an exceeded turn limit and an unknown resume
//   target end a run with an error. Tool failures become tool results.
// - The sandbox gate admits a call before PreToolUse hooks see it.
//
// Usage:
//
//	loop, err := agent.New(agent.Config{Store: st, Provider: p, Tools: reg, Hooks: hooks, Logger: logger})
//	out, err := loop.Run(ctx, "summarize README.md")
//	out, err = loop.Resume(ctx, out.SessionID, "now translate it")
package agent
