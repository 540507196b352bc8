// Package hooks dispatches agent lifecycle events to registered observers.
//
// Every registered Hook sees every event; a Hook's matcher filters tool events
// by tool name and is ignored for non-tool events. Outcomes are resolved by
// fixed priority:
//
//   - pre_tool_use: Deny > ModifyArgs > Continue (first match per tier wins)
//   - other events: Stop > SystemMessage > AppendContext > Continue
//
// A hook that errors or panics is logged and counts as Continue.
//
// Usage:
//
//	reg := hooks.NewRegistry(logger)
//	h, _ := hooks.New("no-shell", "^exec$", func(ctx context.Context, ev hooks.Event) (hooks.Outcome, error) {
//		if ev.Kind == hooks.PreToolUse {
//			return hooks.Deny("shell disabled"), nil
//		}
//		return hooks.Continue(), nil
//	})
//	reg.Register(h)
//	out := reg.Fire(ctx, hooks.Event{Kind: hooks.PreToolUse, ToolName: "exec"})
package hooks
