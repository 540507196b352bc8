package tools

// PermissionGuard decides which tools may run. Deny wins over Allow; a nil
// Allow list permits everything not denied.
type PermissionGuard struct {
	allow map[string]bool
	deny  map[string]bool
}

func NewPermissionGuard(allow, deny []string) *PermissionGuard {
	g := &PermissionGuard{deny: toSet(deny)}
	if allow != nil {
		g.allow = toSet(allow)
	}
	return g
}

// Allowed reports whether name may run.
func (g *PermissionGuard) Allowed(name string) bool {
	if g == nil {
		return true
	}
	if g.deny[name] || g.deny["*"] {
		return false
	}
	if g.allow == nil {
		return true
	}
	return g.allow[name] || g.allow["*"]
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
