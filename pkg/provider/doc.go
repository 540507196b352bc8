// Package provider adapts model vendor SDKs to llm.Provider and fails over across
// prioritized credential profiles.
//
// Invariants:
// - Profiles are tried in ascending priority; a profile in cooldown is skipped.
// - A non-retryable error stops the failover walk immediately.
// - Failover never sleeps; backoff belongs to the caller's retry executor.
//
// Usage:
//
//	p, _ := provider.New(provider.Settings{Kind: "anthropic", APIKey: key, Model: "claude-sonnet-4-20250514"})
//	fo := provider.NewFailover(logger, provider.Profile{ID: "main", Provider: p})
//	resp, err := fo.Complete(ctx, msgs, defs)
package provider
