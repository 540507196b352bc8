package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// MaxOutputSize is the largest tool output handed to the model.
const MaxOutputSize = 10 * 1024

var (
	// ErrToolNotFound is returned by Call for an unregistered name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrTimeout is returned when a single attempt exceeds the registry timeout.
	ErrTimeout = errors.New("tool execution timeout")
)

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry holds the tools available to the agent.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]entry
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry. A zero timeout means 30s.
func NewRegistry(logger zerolog.Logger, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		tools:   make(map[string]entry),
		timeout: timeout,
		logger:  logger.With().Str("component", "tools").Logger(),
	}
}

// Register validates and adds a tool. A tool with the same name is replaced.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if err := validateSpec(spec); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Schema()))
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	r.tools[spec.Name] = entry{tool: t, schema: schema}
	r.mu.Unlock()

	r.logger.Debug().Str("tool", spec.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns model-facing definitions for every tool, sorted by name.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, e := range r.tools {
		spec := e.tool.Spec()
		defs = append(defs, llm.ToolDef{Name: spec.Name, Description: spec.Description, Parameters: spec.Schema()})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call runs a single attempt of the named tool.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(e.schema, args); err != nil {
		return Errorf("parameter validation failed: %v", err), nil
	}

	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.tool.Call(timeoutCtx, args)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		observability.RecordToolExecution(name, time.Since(start), out.err == nil && !out.res.IsError)
		if out.err != nil {
			return Result{}, out.err
		}
		out.res.Content = truncate(out.res.Content)
		return out.res, nil
	case <-timeoutCtx.Done():
		observability.RecordToolExecution(name, time.Since(start), false)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w after %v", ErrTimeout, r.timeout)
	}
}

func validateSpec(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if spec.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	for _, param := range spec.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%v", msgs)
	}
	return nil
}

// truncate cuts s to MaxOutputSize bytes without splitting a UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= MaxOutputSize {
		return s
	}
	cut := MaxOutputSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}
