package sandbox

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config defines the sandbox policy inputs.
type Config struct {
	Enabled           bool     `json:"enabled"`
	AllowedWritePaths []string `json:"allowed_write_paths"`
	DeniedReadPaths   []string `json:"denied_read_paths"`
	AllowedDomains    []string `json:"allowed_domains"`
	BlockedDomains    []string `json:"blocked_domains"`
	// Root is always writable and resolves relative paths. Defaults to the working directory.
	Root string `json:"-"`
}

// Policy is a resolved Config.
type Policy struct {
	enabled        bool
	root           string
	writable       []string
	deniedRead     []string
	allowedDomains []string
	blockedDomains []string
}

// NewPolicy resolves every configured path to an absolute, symlink-free form.
func NewPolicy(cfg Config) (*Policy, error) {
	root := cfg.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		root = wd
	}
	root = canonical(root, "")

	p := &Policy{
		enabled:        cfg.Enabled,
		root:           root,
		writable:       []string{root},
		allowedDomains: normalizeDomains(cfg.AllowedDomains),
		blockedDomains: normalizeDomains(cfg.BlockedDomains),
	}
	for _, path := range cfg.AllowedWritePaths {
		p.writable = append(p.writable, canonical(expandHome(path), root))
	}
	for _, path := range cfg.DeniedReadPaths {
		p.deniedRead = append(p.deniedRead, canonical(expandHome(path), root))
	}
	return p, nil
}

// Enabled reports whether checks are enforced.
func (p *Policy) Enabled() bool {
	return p != nil && p.enabled
}

// Root returns the always-writable directory.
func (p *Policy) Root() string {
	return p.root
}

// CheckRead fails with ErrReadDenied for paths inside a denied read path.
func (p *Policy) CheckRead(path string) error {
	if !p.Enabled() {
		return nil
	}
	target := canonical(path, p.root)
	for _, denied := range p.deniedRead {
		if within(target, denied) {
			return fmt.Errorf("%w for path %s", ErrReadDenied, path)
		}
	}
	return nil
}

// CheckWrite fails with ErrWriteDenied for paths outside Root and the allowed write paths.
func (p *Policy) CheckWrite(path string) error {
	if !p.Enabled() {
		return nil
	}
	target := canonical(path, p.root)
	for _, allowed := range p.writable {
		if within(target, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w for path %s", ErrWriteDenied, path)
}

// CheckDomain accepts a bare host, host:port or URL.
func (p *Policy) CheckDomain(target string) error {
	if !p.Enabled() {
		return nil
	}
	host := hostOf(target)

	for _, blocked := range p.blockedDomains {
		if domainMatches(host, blocked) {
			return fmt.Errorf("%w: %s is blocked", ErrDomainDenied, host)
		}
	}
	if len(p.allowedDomains) == 0 {
		return nil
	}
	for _, allowed := range p.allowedDomains {
		if domainMatches(host, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in allowlist", ErrDomainDenied, host)
}

// canonical makes path absolute against base and resolves symlinks. A path
// that does not exist yet is resolved through its parent.
func canonical(path, base string) string {
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	parent, name := filepath.Split(abs)
	if resolved, err := filepath.EvalSymlinks(parent); err == nil {
		return filepath.Join(resolved, name)
	}
	return abs
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func hostOf(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil {
			return strings.ToLower(u.Hostname())
		}
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(target)
}

func domainMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
