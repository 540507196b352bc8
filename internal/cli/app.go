package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harun/keel/internal/config"
	"github.com/harun/keel/internal/logger"
	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/agent"
	"github.com/harun/keel/pkg/capabilities"
	"github.com/harun/keel/pkg/hooks"
	"github.com/harun/keel/pkg/memory"
	"github.com/harun/keel/pkg/progress"
	"github.com/harun/keel/pkg/provider"
	"github.com/harun/keel/pkg/retry"
	"github.com/harun/keel/pkg/sandbox"
	"github.com/harun/keel/pkg/store"
	"github.com/harun/keel/pkg/tools"
	"github.com/harun/keel/pkg/tools/builtin"
	"github.com/rs/zerolog"
)

// app holds the long-lived components shared by commands.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger
	store  *store.Store

	closers []func() error
}

// newApp loads the config, sets up logging and tracing, and opens the store.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   logLevel != "",
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, log: lg, logger: lg.Zerolog()}
	a.closers = append(a.closers, lg.Close)

	if err := tracing.InitOpenTelemetry("keel"); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to initialize tracing")
	} else {
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return tracing.ShutdownOpenTelemetry(ctx)
		})
	}

	st, err := store.Open(ctx, store.Config{Path: cfg.Store.DBPath, Logger: a.logger})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return a, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// provider builds the failover chain over the configured profiles.
func (a *app) provider() (*provider.Failover, error) {
	if err := a.cfg.ValidateProviders(); err != nil {
		return nil, err
	}
	profiles := make([]provider.Profile, 0, len(a.cfg.Providers))
	for _, p := range a.cfg.Providers {
		model := p.Model
		if model == "" {
			model = a.cfg.Model.Name
		}
		prov, err := provider.New(provider.Settings{
			Kind:        p.Provider,
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       model,
			MaxTokens:   a.cfg.Model.MaxTokens,
			Temperature: a.cfg.Model.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", p.ID, err)
		}
		id := p.ID
		if id == "" {
			id = p.Provider
		}
		profiles = append(profiles, provider.Profile{ID: id, Priority: p.Priority, Provider: prov})
	}
	return provider.NewFailover(a.logger, profiles...), nil
}

// tools registers the builtin tools behind the sandbox gate, the memory tools
// and read_skill.
func (a *app) tools(ctx context.Context, caps *capabilities.Set) (*tools.Registry, error) {
	reg := tools.NewRegistry(a.logger, a.cfg.Engine.ToolTimeout())

	sb := a.cfg.Sandbox
	policy, err := sandbox.NewPolicy(sandbox.Config{
		Enabled:           sb.Enabled,
		AllowedWritePaths: sb.AllowedWritePaths,
		DeniedReadPaths:   sb.DeniedReadPaths,
		AllowedDomains:    sb.AllowedDomains,
		BlockedDomains:    sb.BlockedDomains,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build sandbox policy: %w", err)
	}
	rules := sandbox.DefaultRules()
	gate := func(t tools.Tool) tools.Tool {
		if rule, ok := rules[t.Spec().Name]; ok {
			return sandbox.Wrap(t, policy, rule)
		}
		return t
	}
	if err := builtin.Register(reg, builtin.Options{Root: policy.Root()}, gate); err != nil {
		return nil, err
	}

	mem, err := memory.New(ctx, a.store.DB(), a.cfg.Engine.AgentID, a.logger)
	if err != nil {
		return nil, err
	}
	extra := mem.Tools()
	if caps != nil {
		extra = append(extra, caps.Tool())
	}
	for _, t := range extra {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", t.Spec().Name, err)
		}
	}
	return reg, nil
}

// hooks loads declarative, script and telemetry hooks.
func (a *app) hooks() (*hooks.Registry, error) {
	reg := hooks.NewRegistry(a.logger)

	file, err := hooks.LoadFile(a.cfg.Hooks.ConfigPath)
	if err != nil {
		return nil, err
	}
	declared, err := file.Build(a.logger)
	if err != nil {
		return nil, err
	}
	for _, h := range declared {
		reg.Register(h)
	}

	for _, sc := range a.cfg.Hooks.Scripts {
		h, err := hooks.NewScriptHook(hooks.Script{
			ID:      sc.ID,
			Event:   hooks.EventKind(sc.Event),
			Matcher: sc.Matcher,
			Script:  sc.Script,
			Timeout: time.Duration(sc.TimeoutSeconds) * time.Second,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load script hook %s: %w", sc.ID, err)
		}
		reg.Register(h)
	}

	if a.cfg.Hooks.TelemetryPath != "" {
		audit, err := observability.OpenAuditLogger(a.cfg.Hooks.TelemetryPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, audit.Close)
		reg.Register(hooks.NewTelemetryHook(audit))
	}
	return reg, nil
}

// progressServer starts the websocket server when enabled. It returns nil otherwise.
func (a *app) progressServer() (*progress.Server, error) {
	if !a.cfg.Progress.Enabled {
		return nil, nil
	}
	srv, err := progress.NewServer(progress.ServerConfig{
		Addr:         a.cfg.Progress.Addr,
		SharedSecret: a.cfg.Progress.SharedSecret,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	})
	return srv, nil
}

// loop wires every component into an agent loop reporting to out.
func (a *app) loop(ctx context.Context, out io.Writer) (*agent.Loop, error) {
	prov, err := a.provider()
	if err != nil {
		return nil, err
	}

	caps, err := capabilities.New(capabilities.Config{
		Dirs:   a.cfg.Skills.Dirs,
		Watch:  a.cfg.Skills.Watch,
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, caps.Close)

	reg, err := a.tools(ctx, caps)
	if err != nil {
		return nil, err
	}
	hookReg, err := a.hooks()
	if err != nil {
		return nil, err
	}
	srv, err := a.progressServer()
	if err != nil {
		return nil, err
	}

	observers := progress.Fanout{newPrinter(out, a.cfg.Engine.Streaming)}
	if srv != nil {
		observers = append(observers, srv)
	}

	e := a.cfg.Engine
	return agent.New(agent.Config{
		Store:            a.store,
		Provider:         prov,
		Tools:            reg,
		Hooks:            hookReg,
		Permissions:      tools.NewPermissionGuard(a.cfg.Permissions.Allow, a.cfg.Permissions.Deny),
		Capabilities:     caps,
		Observer:         observers,
		Logger:           a.logger,
		AgentID:          e.AgentID,
		Model:            a.cfg.Model.Name,
		SystemPrompt:     e.SystemPrompt,
		MaxTurns:         e.MaxTurns,
		MaxContextTokens: e.MaxContextTokens,
		TrimThreshold:    e.TrimThreshold,
		ModelRetry:       retry.Policy{MaxRetries: e.MaxRetries, BaseDelay: e.RetryBaseDelay()},
		ToolRetry:        retry.Policy{MaxRetries: e.ToolMaxRetries, BaseDelay: e.ToolRetryBaseDelay()},
		ToolConcurrency:  e.ToolConcurrency,
		Streaming:        e.Streaming,
	})
}

// printer renders progress events for a terminal.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	streaming bool
}

func newPrinter(w io.Writer, streaming bool) *printer {
	return &printer{w: w, streaming: streaming}
}

func (p *printer) Notify(ev progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case progress.KindTextDelta:
		if p.streaming {
			fmt.Fprint(p.w, ev.Text)
		}
	case progress.KindToolStart:
		fmt.Fprintf(p.w, "-> %s\n", ev.ToolName)
	case progress.KindToolEnd:
		if ev.IsError {
			fmt.Fprintf(p.w, "<- %s failed: %s\n", ev.ToolName, firstLine(ev.Text))
		}
	case progress.KindRetry:
		fmt.Fprintf(p.w, "retry: %s\n", ev.Text)
	case progress.KindWarning:
		fmt.Fprintf(p.w, "warning: %s\n", ev.Text)
	case progress.KindRunEnd:
		if p.streaming {
			fmt.Fprintln(p.w)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
