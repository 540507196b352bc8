package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/keel/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	p, err := NewPolicy(cfg)
	require.NoError(t, err)
	return p
}

func TestPolicyDisabled(t *testing.T) {
	p := newPolicy(t, Config{DeniedReadPaths: []string{"/etc"}, BlockedDomains: []string{"evil.com"}})

	assert.NoError(t, p.CheckRead("/etc/passwd"))
	assert.NoError(t, p.CheckWrite("/etc/passwd"))
	assert.NoError(t, p.CheckDomain("evil.com"))

	var nilPolicy *Policy
	assert.NoError(t, nilPolicy.CheckWrite("/etc/passwd"))
}

func TestPolicyRead(t *testing.T) {
	root := t.TempDir()
	secrets := filepath.Join(root, "secrets")
	require.NoError(t, os.MkdirAll(secrets, 0o755))
	p := newPolicy(t, Config{Enabled: true, Root: root, DeniedReadPaths: []string{secrets}})

	err := p.CheckRead(filepath.Join(secrets, "id_rsa"))
	assert.ErrorIs(t, err, ErrReadDenied)
	assert.Contains(t, err.Error(), "sandbox: read denied for path")

	assert.ErrorIs(t, p.CheckRead("secrets/key"), ErrReadDenied)
	assert.ErrorIs(t, p.CheckRead(secrets), ErrReadDenied)
	assert.NoError(t, p.CheckRead(filepath.Join(root, "secrets-public.txt")))
	assert.NoError(t, p.CheckRead("notes.txt"))
}

func TestPolicyWrite(t *testing.T) {
	root := t.TempDir()
	extra := t.TempDir()
	p := newPolicy(t, Config{Enabled: true, Root: root, AllowedWritePaths: []string{extra}})

	assert.NoError(t, p.CheckWrite(filepath.Join(root, "out.txt")))
	assert.NoError(t, p.CheckWrite("relative/new/file.txt"))
	assert.NoError(t, p.CheckWrite(filepath.Join(extra, "out.txt")))

	err := p.CheckWrite("/etc/malicious")
	assert.ErrorIs(t, err, ErrWriteDenied)
	assert.ErrorIs(t, p.CheckWrite("../escape.txt"), ErrWriteDenied)
}

func TestPolicyDomain(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		target  string
		allowed bool
	}{
		{"should allow anything without lists", Config{}, "example.com", true},
		{"should block exact domain", Config{BlockedDomains: []string{"evil.com"}}, "evil.com", false},
		{"should block subdomain", Config{BlockedDomains: []string{"evil.com"}}, "api.evil.com", false},
		{"should not block lookalike", Config{BlockedDomains: []string{"evil.com"}}, "notevil.com", true},
		{"should strip port", Config{BlockedDomains: []string{"evil.com"}}, "evil.com:443", false},
		{"should parse urls", Config{BlockedDomains: []string{"evil.com"}}, "https://www.evil.com/x?y=1", false},
		{"should require allowlist match", Config{AllowedDomains: []string{"github.com"}}, "example.com", false},
		{"should accept allowlisted subdomain", Config{AllowedDomains: []string{"github.com"}}, "https://api.github.com", true},
		{"should let block win over allow", Config{AllowedDomains: []string{"github.com"}, BlockedDomains: []string{"gist.github.com"}}, "gist.github.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Enabled = true
			p := newPolicy(t, tt.cfg)
			err := p.CheckDomain(tt.target)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrDomainDenied)
			}
		})
	}
}

func TestGate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := newPolicy(t, Config{Enabled: true, Root: root, BlockedDomains: []string{"evil.com"}})

	calls := 0
	inner := tools.New(tools.Spec{Name: "write_file", Description: "write"}, func(context.Context, map[string]any) (tools.Result, error) {
		calls++
		return tools.OK("written"), nil
	})
	gate := Wrap(inner, p, DefaultRules()["write_file"])

	t.Run("should refuse without calling the tool", func(t *testing.T) {
		res, ok := gate.Admit(map[string]any{"path": "/etc/passwd"})
		assert.False(t, ok)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "sandbox: write denied")

		res, err := gate.Call(ctx, map[string]any{"path": "/etc/passwd"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Zero(t, calls)
	})

	t.Run("should delegate allowed calls", func(t *testing.T) {
		res, err := gate.Call(ctx, map[string]any{"path": "ok.txt"})
		require.NoError(t, err)
		assert.Equal(t, tools.OK("written"), res)
		assert.Equal(t, 1, calls)
		assert.Equal(t, "write_file", gate.Spec().Name)
		assert.Same(t, inner, gate.Unwrap())
	})

	t.Run("should wrap only tools with rules", func(t *testing.T) {
		other := tools.New(tools.Spec{Name: "exec", Description: "shell"}, func(context.Context, map[string]any) (tools.Result, error) {
			return tools.OK(""), nil
		})
		fetch := tools.New(tools.Spec{Name: "web_fetch", Description: "fetch"}, func(context.Context, map[string]any) (tools.Result, error) {
			return tools.OK("page"), nil
		})

		wrapped := WrapAll([]tools.Tool{other, fetch}, p, DefaultRules())
		require.Len(t, wrapped, 2)
		assert.Same(t, other, wrapped[0])

		admitter, ok := wrapped[1].(tools.Admitter)
		require.True(t, ok)
		res, allowed := admitter.Admit(map[string]any{"url": "https://evil.com/payload"})
		assert.False(t, allowed)
		assert.Contains(t, res.Content, "evil.com is blocked")
	})
}
