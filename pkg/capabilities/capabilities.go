package capabilities

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/tools"
	"github.com/rs/zerolog"
)

// Config configures a Set.
type Config struct {
	Dirs []string
	// Enabled restricts the set to these skill names; empty means all.
	Enabled []string
	Watch   bool
	// Debounce delays the dirty flag after a burst of changes. Defaults to 500ms.
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Set is the current skill set.
type Set struct {
	dirs    []string
	enabled map[string]bool
	logger  zerolog.Logger

	mu     sync.RWMutex
	skills []Skill

	dirty   atomic.Bool
	watcher *watcher
}

// New scans the directories once and starts watching them when configured.
func New(cfg Config) (*Set, error) {
	s := &Set{
		logger: cfg.Logger.With().Str("component", "capabilities").Logger(),
	}
	wd, _ := os.Getwd()
	for _, dir := range cfg.Dirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(wd, dir)
		}
		s.dirs = append(s.dirs, dir)
	}
	if len(cfg.Enabled) > 0 {
		s.enabled = make(map[string]bool, len(cfg.Enabled))
		for _, name := range cfg.Enabled {
			s.enabled[name] = true
		}
	}
	s.dirty.Store(true)

	if cfg.Watch {
		debounce := cfg.Debounce
		if debounce <= 0 {
			debounce = 500 * time.Millisecond
		}
		w, err := newWatcher(s.logger, debounce, s.MarkDirty)
		if err != nil {
			return nil, fmt.Errorf("failed to start skill watcher: %w", err)
		}
		for _, dir := range s.dirs {
			s.watchTree(w, dir)
		}
		s.watcher = w
	}

	if err := s.Sync(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Set) watchTree(w *watcher, dir string) {
	if err := w.add(dir); err != nil {
		s.logger.Debug().Err(err).Str("dir", dir).Msg("Skill directory not watched")
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = w.add(filepath.Join(dir, e.Name()))
		}
	}
}

// MarkDirty forces a rescan on the next Sync.
func (s *Set) MarkDirty() {
	s.dirty.Store(true)
}

// Sync rescans the directories. Without a watcher every call rescans.
func (s *Set) Sync(ctx context.Context) error {
	if s.watcher != nil && !s.dirty.Load() {
		return nil
	}
	s.dirty.Store(false)

	fresh := s.discover(ctx)

	s.mu.Lock()
	previous := s.skills
	s.skills = fresh
	s.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	for _, sk := range fresh {
		if !containsSkill(previous, sk.Name) {
			logger.Info().Str("skill", sk.Name).Msg("Skill loaded")
		}
	}
	for _, sk := range previous {
		if !containsSkill(fresh, sk.Name) {
			logger.Info().Str("skill", sk.Name).Msg("Skill unloaded")
		}
	}
	return nil
}

func (s *Set) discover(ctx context.Context) []Skill {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	seen := make(map[string]bool)
	var out []Skill

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan skill directory")
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, e.Name())
			if _, err := os.Stat(filepath.Join(skillDir, SkillFile)); err != nil {
				continue
			}
			sk, err := ParseSkill(skillDir)
			if err != nil {
				logger.Warn().Err(err).Str("dir", skillDir).Msg("Skipping skill")
				continue
			}
			if s.enabled != nil && !s.enabled[sk.Name] {
				continue
			}
			if seen[sk.Name] {
				continue
			}
			seen[sk.Name] = true
			out = append(out, sk)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Skills returns a snapshot sorted by name.
func (s *Set) Skills() []Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Skill(nil), s.skills...)
}

// Get looks a skill up by name.
func (s *Set) Get(name string) (Skill, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sk := range s.skills {
		if sk.Name == name {
			return sk, true
		}
	}
	return Skill{}, false
}

// PromptSection renders the skill list for the system prompt, or "" when empty.
func (s *Set) PromptSection() string {
	skills := s.Skills()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available Skills\n\nCall `read_skill(name)` to load full instructions before using a skill.\n\n")
	for i, sk := range skills {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- **%s**: %s", sk.Name, sk.Description)
	}
	return b.String()
}

// Tool exposes read_skill.
func (s *Set) Tool() tools.Tool {
	return tools.New(tools.Spec{
		Name:        "read_skill",
		Description: "Load the full instructions of an available skill by name",
		Parameters: []tools.Parameter{
			{Name: "name", Type: "string", Description: "Skill name", Required: true},
		},
	}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
		name, _ := args["name"].(string)
		sk, ok := s.Get(name)
		if !ok {
			return tools.Errorf("Skill not found: %s", name), nil
		}
		body, err := sk.Body()
		if err != nil {
			return tools.Result{}, err
		}
		return tools.OK(body), nil
	})
}

// Close stops the watcher.
func (s *Set) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.stop()
}

func containsSkill(skills []Skill, name string) bool {
	for _, sk := range skills {
		if sk.Name == name {
			return true
		}
	}
	return false
}
