// Package memory is a small key/value store the agent uses across sessions.
//
// Invariants:
// - Keys are scoped per agent id.
// - Set overwrites; Delete of a missing key is not an error.
// - Keys are returned sorted.
//
// Usage:
//
//	mem, _ := memory.New(ctx, st.DB(), "keel", logger)
//	_ = mem.Set(ctx, "deploy-target", "staging")
//	for _, t := range mem.Tools() {
//		_ = registry.Register(t)
//	}
package memory
