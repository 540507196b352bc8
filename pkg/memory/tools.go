package memory

import (
	"context"
	"strings"

	"github.com/harun/keel/pkg/tools"
)

// Tools exposes the store as memory_set, memory_get, memory_delete and memory_keys.
func (s *Store) Tools() []tools.Tool {
	keyParam := tools.Parameter{Name: "key", Type: "string", Description: "Memory key", Required: true}

	return []tools.Tool{
		tools.New(tools.Spec{
			Name:        "memory_set",
			Description: "Remember a value under a key, replacing any previous value",
			Parameters: []tools.Parameter{
				keyParam,
				{Name: "value", Type: "string", Description: "Value to store", Required: true},
			},
		}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
			key, _ := args["key"].(string)
			value, _ := args["value"].(string)
			if err := s.Set(ctx, key, value); err != nil {
				return tools.Result{}, err
			}
			return tools.OK("Stored " + key), nil
		}),
		tools.New(tools.Spec{
			Name:        "memory_get",
			Description: "Recall the value stored under a key",
			Parameters:  []tools.Parameter{keyParam},
		}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
			key, _ := args["key"].(string)
			value, ok, err := s.Get(ctx, key)
			if err != nil {
				return tools.Result{}, err
			}
			if !ok {
				return tools.Errorf("No memory stored for key: %s", key), nil
			}
			return tools.OK(value), nil
		}),
		tools.New(tools.Spec{
			Name:        "memory_delete",
			Description: "Forget the value stored under a key",
			Parameters:  []tools.Parameter{keyParam},
		}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
			key, _ := args["key"].(string)
			if err := s.Delete(ctx, key); err != nil {
				return tools.Result{}, err
			}
			return tools.OK("Deleted " + key), nil
		}),
		tools.New(tools.Spec{
			Name:        "memory_keys",
			Description: "List every remembered key",
		}, func(ctx context.Context, _ map[string]any) (tools.Result, error) {
			keys, err := s.Keys(ctx)
			if err != nil {
				return tools.Result{}, err
			}
			if len(keys) == 0 {
				return tools.OK("(no memories)"), nil
			}
			return tools.OK(strings.Join(keys, "\n")), nil
		}),
	}
}
