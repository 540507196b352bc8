// Package resume rebuilds an agent's in-memory conversation from the store.
//
// Invariants:
// - With a checkpoint, every message after last_msg_id is deleted before the
//   prefix is loaded, so repeated resumes return the same history.
// - Without a checkpoint, all messages are loaded as-is (legacy sessions).
// - NextTurn is strictly greater than every persisted turn kept in the history.
//
// Usage:
//
//	ctl := resume.NewController(st, logger)
//	state, err := ctl.Resume(ctx, sessionID)
//	if errors.Is(err, store.ErrNotFound) { ... }
package resume
