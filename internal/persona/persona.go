// Package persona maps chat contexts to persona profiles. A profile is the
// capability envelope an item runs under: its system prompt, allowed skills,
// guard policy, and learning-store memory scope.
package persona

import "relay/internal/config"

// SkillAll is the sentinel allowed-skills entry meaning unrestricted.
const SkillAll = "all"

// Profile is a loaded persona, immutable after load.
type Profile struct {
	ID              string
	SystemPrompt    string
	AllowedSkills   []string
	GuardPolicyName string
	MemoryScope     string
	PrioritySkill   string
	RequiresBrowser bool
}

// NewProfile builds a Profile from its config form.
func NewProfile(id string, cfg config.PersonaConfig) *Profile {
	policyName := cfg.GuardPolicyName
	if policyName == "" {
		policyName = "default"
	}
	return &Profile{
		ID:              id,
		SystemPrompt:    cfg.SystemPrompt,
		AllowedSkills:   append([]string(nil), cfg.AllowedSkills...),
		GuardPolicyName: policyName,
		MemoryScope:     cfg.MemoryScope,
		PrioritySkill:   cfg.PrioritySkill,
		RequiresBrowser: cfg.RequiresBrowser,
	}
}

// SkillAllowed reports whether the persona may use the named skill.
// An empty list permits nothing; the "all" sentinel permits everything.
func (p *Profile) SkillAllowed(name string) bool {
	for _, s := range p.AllowedSkills {
		if s == SkillAll || s == name {
			return true
		}
	}
	return false
}

// HasOwnPolicy reports whether this persona carries a non-default guard
// policy. The classifier gives such policies precedence over the global one.
func (p *Profile) HasOwnPolicy() bool {
	return p.GuardPolicyName != "" && p.GuardPolicyName != "default"
}
