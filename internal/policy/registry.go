package policy

import (
	"fmt"
	"sync/atomic"
	"time"

	"relay/internal/config"
	"relay/internal/logging"
)

// Registry holds the compiled policy set. Lookups are lock-free; a reload
// replaces the whole set atomically so readers never observe a half-loaded
// mix of old and new policies.
type Registry struct {
	policies atomic.Pointer[map[string]*Policy]
}

// NewRegistry compiles the configured policies. The "default" entry becomes
// the global policy; one is synthesized if the config omits it.
func NewRegistry(cfgs map[string]config.PolicyConfig) (*Registry, error) {
	set, err := CompileSet(cfgs)
	if err != nil {
		return nil, err
	}

	r := &Registry{}
	r.policies.Store(&set)
	return r, nil
}

// CompileSet compiles a full policy set, failing on the first bad policy so
// callers can keep a previous good set.
func CompileSet(cfgs map[string]config.PolicyConfig) (map[string]*Policy, error) {
	set := make(map[string]*Policy, len(cfgs))
	for name, cfg := range cfgs {
		displayName := name
		if name == "default" {
			displayName = GlobalPolicyName
		}
		p, err := Compile(displayName, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy set: %w", err)
		}
		set[name] = p
	}

	if _, ok := set["default"]; !ok {
		set["default"] = emptyPolicy(GlobalPolicyName)
	}
	return set, nil
}

// Get returns the named compiled policy. It never fails: unknown names get
// an empty cautious policy so classification always has something to run
// against.
func (r *Registry) Get(name string) *Policy {
	set := *r.policies.Load()
	if p, ok := set[name]; ok {
		return p
	}
	logging.PolicyWarn("Unknown policy %q requested, using empty cautious policy", name)
	return emptyPolicy(name)
}

// Global returns the default policy.
func (r *Registry) Global() *Policy {
	return r.Get("default")
}

// ApprovalTimeout returns the approval window for the named policy.
func (r *Registry) ApprovalTimeout(name string) time.Duration {
	return r.Get(name).ApprovalTimeout()
}

// Swap atomically replaces the policy set.
func (r *Registry) Swap(set map[string]*Policy) {
	if _, ok := set["default"]; !ok {
		set["default"] = emptyPolicy(GlobalPolicyName)
	}
	r.policies.Store(&set)
	logging.Policy("Policy set swapped: %d policies loaded", len(set))
}
