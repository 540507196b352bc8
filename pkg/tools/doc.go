// Package tools registers structured tools and executes single tool attempts.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Arguments are schema-validated before the handler runs; a mismatch is a soft result.
// - A handler error or timeout is a hard error returned to the caller, never a Result.
// - Output longer than MaxOutputSize is truncated.
//
// Usage:
//
//	reg := tools.NewRegistry(logger, 30*time.Second)
//	_ = reg.Register(tools.New(tools.Spec{Name: "echo", Description: "Echo input",
//		Parameters: []tools.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//	}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
//		return tools.OK(args["text"].(string)), nil
//	}))
//	res, err := reg.Call(ctx, "echo", map[string]any{"text": "hi"})
package tools
