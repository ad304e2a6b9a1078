package config

// PolicyConfig declares one classification policy as it appears on disk.
// Pattern order is significant: the first matching pattern in a tier wins,
// so lists are kept as declared.
type PolicyConfig struct {
	Blacklist      BlacklistConfig      `yaml:"blacklist"`
	Classification ClassificationConfig `yaml:"classification"`
}

// BlacklistConfig declares hard-block matchers.
type BlacklistConfig struct {
	// Regex patterns; any match blocks the command outright
	Patterns []string `yaml:"patterns"`

	// Executable name tokens matched by substring in the lowercased command
	Executables []string `yaml:"executables"`
}

// ClassificationConfig declares the three pattern tiers.
type ClassificationConfig struct {
	Green  TierConfig    `yaml:"green"`
	Yellow TierConfig    `yaml:"yellow"`
	Red    RedTierConfig `yaml:"red"`
}

// TierConfig is an ordered regex pattern list.
type TierConfig struct {
	Patterns []string `yaml:"patterns"`
}

// RedTierConfig is the RED tier plus its approval window.
type RedTierConfig struct {
	Patterns []string `yaml:"patterns"`

	// Seconds to wait for explicit approval before blocking the item
	ApprovalTimeout int `yaml:"approval_timeout"`
}

// DefaultPolicyConfig returns a cautious starter policy: destructive shell
// commands are blocked, read-only commands run silently, state-changing ones
// are recorded, and privilege escalation needs approval.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Blacklist: BlacklistConfig{
			Patterns: []string{
				`rm\s+-rf\s+/`,
				`mkfs`,
				`dd\s+if=.*of=/dev/`,
				`:\(\)\s*\{.*\};\s*:`,
			},
			Executables: []string{"shutdown", "reboot", "halt"},
		},
		Classification: ClassificationConfig{
			Green: TierConfig{
				Patterns: []string{
					`^ls(\s|$)`,
					`^cat\s`,
					`^pwd$`,
					`^echo\s`,
					`^git\s+(status|log|diff)`,
				},
			},
			Yellow: TierConfig{
				Patterns: []string{
					`^git\s+(add|commit|push)`,
					`^npm\s`,
					`^go\s`,
					`^mkdir\s`,
					`^touch\s`,
				},
			},
			Red: RedTierConfig{
				Patterns: []string{
					`^sudo\s`,
					`^rm\s`,
					`^chmod\s`,
					`^chown\s`,
					`^kill\s`,
				},
				ApprovalTimeout: 300,
			},
		},
	}
}
