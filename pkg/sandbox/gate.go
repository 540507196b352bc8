package sandbox

import (
	"context"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/pkg/tools"
)

// Access is the kind of resource a tool argument names.
type Access string

const (
	AccessRead    Access = "read"
	AccessWrite   Access = "write"
	AccessNetwork Access = "network"
)

// Rule says which argument of a tool to check and how.
type Rule struct {
	Access Access
	Arg    string
}

// DefaultRules covers the built-in file and network tools.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"read_file":  {Access: AccessRead, Arg: "path"},
		"list_files": {Access: AccessRead, Arg: "path"},
		"write_file": {Access: AccessWrite, Arg: "path"},
		"edit_file":  {Access: AccessWrite, Arg: "path"},
		"web_fetch":  {Access: AccessNetwork, Arg: "url"},
	}
}

// Gate wraps a tool and refuses calls the policy rejects.
type Gate struct {
	inner  tools.Tool
	policy *Policy
	rule   Rule
}

// Wrap gates t with rule under policy.
func Wrap(t tools.Tool, policy *Policy, rule Rule) *Gate {
	return &Gate{inner: t, policy: policy, rule: rule}
}

// WrapAll gates every tool that has a rule and returns the rest unchanged.
func WrapAll(ts []tools.Tool, policy *Policy, rules map[string]Rule) []tools.Tool {
	out := make([]tools.Tool, 0, len(ts))
	for _, t := range ts {
		if rule, ok := rules[t.Spec().Name]; ok {
			out = append(out, Wrap(t, policy, rule))
			continue
		}
		out = append(out, t)
	}
	return out
}

func (g *Gate) Spec() tools.Spec {
	return g.inner.Spec()
}

// Unwrap returns the gated tool.
func (g *Gate) Unwrap() tools.Tool {
	return g.inner
}

// Admit checks the call against the policy without running the tool.
func (g *Gate) Admit(args map[string]any) (tools.Result, bool) {
	value, _ := args[g.rule.Arg].(string)
	if value == "" && g.rule.Access != AccessNetwork {
		value = "."
	}

	var err error
	switch g.rule.Access {
	case AccessRead:
		err = g.policy.CheckRead(value)
	case AccessWrite:
		err = g.policy.CheckWrite(value)
	case AccessNetwork:
		err = g.policy.CheckDomain(value)
	}
	if err != nil {
		observability.RecordSandboxDenied(string(g.rule.Access))
		return tools.Errorf("%s", err.Error()), false
	}
	return tools.Result{}, true
}

func (g *Gate) Call(ctx context.Context, args map[string]any) (tools.Result, error) {
	if res, ok := g.Admit(args); !ok {
		return res, nil
	}
	return g.inner.Call(ctx, args)
}
