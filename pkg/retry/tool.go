package retry

import (
	"context"
	"errors"

	"github.com/harun/keel/pkg/tools"
)

// ToolExecutor retries tool calls. A soft result counts as a failed attempt
// but is not recorded; a hard error is recorded with the tool name as tag.
// After exhaustion a hard error is turned into a soft result.
type ToolExecutor struct {
	exec *Executor
}

func NewToolExecutor(cfg Config) *ToolExecutor {
	if cfg.Kind == "" {
		cfg.Kind = "tool"
	}
	return &ToolExecutor{exec: NewExecutor(cfg)}
}

// Call runs op under the tool policy and always yields a Result.
func (t *ToolExecutor) Call(ctx context.Context, turn int, name string, op func(ctx context.Context) (tools.Result, error)) tools.Result {
	e := t.exec
	attempts := e.policy.Attempts()

	var last tools.Result
	for attempt := 0; attempt < attempts; attempt++ {
		res, err := op(ctx)
		switch {
		case err != nil:
			e.record(ctx, turn, name, err, attempt)
			last = tools.Errorf("Tool %s failed: %v", name, err)
		case res.IsError:
			last = res
			err = errors.New(res.Content)
		default:
			return res
		}

		if ctx.Err() != nil {
			return tools.Errorf("Tool %s cancelled: %v", name, ctx.Err())
		}
		if !e.failed(ctx, turn, name, err, attempt, attempt == attempts-1) {
			break
		}
		if serr := e.sleep(ctx, e.policy.Delay(attempt)); serr != nil {
			return tools.Errorf("Tool %s cancelled: %v", name, serr)
		}
	}
	return last
}
