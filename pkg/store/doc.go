// Package store is the durable, append-only record of agent sessions on SQLite.
//
// Invariants:
// - Message ids are assigned by SQLite AUTOINCREMENT and never reused.
// - Messages are never updated; RollbackTo is the only deletion and is used by resume.
// - A checkpoint's last_msg_id is MAX(messages.id) for the session at write time, 0 if none.
// - Token usage and error rows are append-only diagnostics.
//
// Usage:
//
//	st, _ := store.Open(ctx, store.Config{Path: "keel.db", Logger: logger})
//	sess, _ := st.NewSession(ctx, "keel", "claude-sonnet-4-20250514", "anthropic")
//	log := st.Log(sess)
//	id, _ := log.PersistMessage(ctx, 1, llm.User("hello"))
//	_, _ = log.WriteCheckpoint(ctx, 1)
package store
