// Package llm defines the conversation types shared by the store, the providers
// and the agent loop.
//
// Invariants:
// - A tool message always carries the ToolCallID of the assistant call it answers.
// - Provider implementations return Usage for every successful completion.
//
// Usage:
//
//	resp, err := provider.Complete(ctx, []llm.Message{llm.User("hi")}, defs)
package llm
