package tools

import (
	"context"
	"fmt"
)

// Result is the outcome of a tool that ran. IsError marks a soft failure the
// model should see as data.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// OK returns a successful result.
func OK(content string) Result {
	return Result{Content: content}
}

// Errorf returns a soft error result.
func Errorf(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Parameter defines a parameter for a tool.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	// Items is the element type for array parameters.
	Items string `json:"items,omitempty"`
}

// Spec is a tool's metadata.
type Spec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// Schema renders the parameters as a JSON Schema object.
func (s Spec) Schema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	required := []string{}

	for _, param := range s.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if param.Type == "array" && param.Items != "" {
			paramSchema["items"] = map[string]any{"type": param.Items}
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Tool is something the model can call.
type Tool interface {
	Spec() Spec
	// Call runs one attempt. A returned error means the tool could not run.
	Call(ctx context.Context, args map[string]any) (Result, error)
}

// Admitter is implemented by tools that can reject a call before any side
// effect, returning the soft result to hand back to the model.
type Admitter interface {
	Admit(args map[string]any) (Result, bool)
}

// Func is the handler signature for tools built with New.
type Func func(ctx context.Context, args map[string]any) (Result, error)

type funcTool struct {
	spec Spec
	fn   Func
}

// New adapts a function to the Tool interface.
func New(spec Spec, fn Func) Tool {
	return &funcTool{spec: spec, fn: fn}
}

func (t *funcTool) Spec() Spec {
	return t.spec
}

func (t *funcTool) Call(ctx context.Context, args map[string]any) (Result, error) {
	return t.fn(ctx, args)
}
