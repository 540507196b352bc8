// Package sandbox gates file and network access of tools.
//
// Invariants:
// - A disabled Policy allows everything.
// - Reads are allowed unless the path is inside a denied read path.
// - Writes are allowed inside Root or an allowed write path, denied elsewhere.
// - A blocked domain always loses; a non-empty allowlist must match.
// - A denied call never reaches the wrapped tool and yields a soft result.
//
// Usage:
//
//	policy, _ := sandbox.NewPolicy(sandbox.Config{Enabled: true, DeniedReadPaths: []string{"~/.ssh"}})
//	gated := sandbox.WrapAll(builtinTools, policy, sandbox.DefaultRules())
package sandbox
