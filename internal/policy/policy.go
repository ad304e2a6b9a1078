// Package policy loads classification policies and classifies command
// payloads into one of four levels: GREEN runs silently, YELLOW runs but is
// recorded, RED needs explicit approval, BLACKLISTED never runs.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"relay/internal/config"
)

// Level is a classification outcome.
type Level string

const (
	LevelGreen       Level = "GREEN"
	LevelYellow      Level = "YELLOW"
	LevelRed         Level = "RED"
	LevelBlacklisted Level = "BLACKLISTED"
)

// GlobalPolicyName is the display name of the default policy. Personas select
// it with guard_policy_name "default".
const GlobalPolicyName = "global"

// defaultApprovalTimeout applies when a policy declares none.
const defaultApprovalTimeout = 300 * time.Second

// tierPattern keeps the source text next to its compiled form so decisions
// can report the exact pattern that matched.
type tierPattern struct {
	raw string
	re  *regexp.Regexp
}

// Policy is a compiled classification policy, immutable after compile.
type Policy struct {
	Name string

	blacklistPatterns    []tierPattern
	blacklistExecutables []string

	green  []tierPattern
	yellow []tierPattern
	red    []tierPattern

	approvalTimeout time.Duration
}

// Compile eagerly compiles a policy from its config form. Any malformed
// pattern fails the whole policy so a bad reload can keep the previous set.
func Compile(name string, cfg config.PolicyConfig) (*Policy, error) {
	p := &Policy{
		Name:            name,
		approvalTimeout: defaultApprovalTimeout,
	}
	if cfg.Classification.Red.ApprovalTimeout > 0 {
		p.approvalTimeout = time.Duration(cfg.Classification.Red.ApprovalTimeout) * time.Second
	}

	var err error
	if p.blacklistPatterns, err = compileTier(cfg.Blacklist.Patterns); err != nil {
		return nil, fmt.Errorf("policy %s blacklist: %w", name, err)
	}
	if p.green, err = compileTier(cfg.Classification.Green.Patterns); err != nil {
		return nil, fmt.Errorf("policy %s green tier: %w", name, err)
	}
	if p.yellow, err = compileTier(cfg.Classification.Yellow.Patterns); err != nil {
		return nil, fmt.Errorf("policy %s yellow tier: %w", name, err)
	}
	if p.red, err = compileTier(cfg.Classification.Red.Patterns); err != nil {
		return nil, fmt.Errorf("policy %s red tier: %w", name, err)
	}

	for _, exe := range cfg.Blacklist.Executables {
		exe = strings.ToLower(strings.TrimSpace(exe))
		if exe != "" {
			p.blacklistExecutables = append(p.blacklistExecutables, exe)
		}
	}

	return p, nil
}

// compileTier compiles an ordered pattern list case-insensitively,
// preserving declaration order.
func compileTier(patterns []string) ([]tierPattern, error) {
	compiled := make([]tierPattern, 0, len(patterns))
	for _, raw := range patterns {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", raw, err)
		}
		compiled = append(compiled, tierPattern{raw: raw, re: re})
	}
	return compiled, nil
}

// emptyPolicy returns the permissive-but-cautious policy handed out for
// unknown names: no patterns, so everything classifies as the neutral
// YELLOW default, with the standard approval window.
func emptyPolicy(name string) *Policy {
	return &Policy{Name: name, approvalTimeout: defaultApprovalTimeout}
}

// ApprovalTimeout is the window a RED decision waits for approval.
func (p *Policy) ApprovalTimeout() time.Duration {
	return p.approvalTimeout
}

// MatchBlacklist reports whether the command hits this policy's blacklist,
// returning the matched pattern or executable token.
func (p *Policy) MatchBlacklist(command string) (string, bool) {
	for _, bp := range p.blacklistPatterns {
		if bp.re.MatchString(command) {
			return bp.raw, true
		}
	}
	lowered := strings.ToLower(command)
	for _, exe := range p.blacklistExecutables {
		if strings.Contains(lowered, exe) {
			return exe, true
		}
	}
	return "", false
}

// ClassifyTiers evaluates the three tiers in green, yellow, red order and
// returns the first tier whose first-declared pattern matches. ok is false
// when no tier pattern matches at all.
func (p *Policy) ClassifyTiers(command string) (level Level, pattern string, ok bool) {
	for _, tp := range p.green {
		if tp.re.MatchString(command) {
			return LevelGreen, tp.raw, true
		}
	}
	for _, tp := range p.yellow {
		if tp.re.MatchString(command) {
			return LevelYellow, tp.raw, true
		}
	}
	for _, tp := range p.red {
		if tp.re.MatchString(command) {
			return LevelRed, tp.raw, true
		}
	}
	return "", "", false
}
