package policy

import (
	"time"

	"relay/internal/logging"
	"relay/internal/persona"
)

// Decision is the outcome of classifying one command for one persona.
// Decisions are pure values: classification has no side effects beyond
// debug logging.
type Decision struct {
	Level          Level
	MatchedPattern string
	Reason         string
	PolicyUsed     string
	PersonaID      string

	// ApprovalTimeout is the wait window carried by RED decisions, taken
	// from the policy that produced the decision.
	ApprovalTimeout time.Duration
}

// AutoExecute reports whether the command may run without approval.
func (d Decision) AutoExecute() bool {
	return d.Level == LevelGreen || d.Level == LevelYellow
}

// RequiresApproval reports whether the command needs explicit approval.
func (d Decision) RequiresApproval() bool {
	return d.Level == LevelRed
}

// SurfacesToUser reports whether the decision is shown to the user.
// GREEN runs silently; everything else leaves a visible trace.
func (d Decision) SurfacesToUser() bool {
	return d.Level != LevelGreen
}

// Classifier evaluates commands against persona and global policies.
// The persona-specific policy always takes precedence over the global one.
type Classifier struct {
	registry *Registry
	personas *persona.Resolver
}

// NewClassifier builds a classifier over a frozen registry and persona set.
func NewClassifier(registry *Registry, personas *persona.Resolver) *Classifier {
	return &Classifier{registry: registry, personas: personas}
}

// Classify produces a decision for a command under a persona. Evaluation
// order: persona blacklist, global blacklist, persona tiers, global tiers,
// then the cautious YELLOW default. A persona GREEN only survives when the
// global policy does not escalate it.
func (c *Classifier) Classify(command, personaID string) Decision {
	profile := c.personas.Profile(personaID)

	var personaPolicy *Policy
	if profile.HasOwnPolicy() {
		personaPolicy = c.registry.Get(profile.GuardPolicyName)
	}
	global := c.registry.Global()

	// Blacklists first; a persona blacklist hit never consults the global
	// policy at all.
	if personaPolicy != nil {
		if pattern, ok := personaPolicy.MatchBlacklist(command); ok {
			return c.decided(Decision{
				Level:          LevelBlacklisted,
				MatchedPattern: pattern,
				Reason:         "command is blacklisted",
				PolicyUsed:     personaPolicy.Name,
				PersonaID:      personaID,
			})
		}
	}
	if pattern, ok := global.MatchBlacklist(command); ok {
		return c.decided(Decision{
			Level:          LevelBlacklisted,
			MatchedPattern: pattern,
			Reason:         "command is blacklisted",
			PolicyUsed:     global.Name,
			PersonaID:      personaID,
		})
	}

	var personaLevel Level
	var personaPattern string
	personaMatched := false
	if personaPolicy != nil {
		personaLevel, personaPattern, personaMatched = personaPolicy.ClassifyTiers(command)
		if personaMatched && personaLevel != LevelGreen {
			return c.decided(Decision{
				Level:           personaLevel,
				MatchedPattern:  personaPattern,
				Reason:          reasonFor(personaLevel),
				PolicyUsed:      personaPolicy.Name,
				PersonaID:       personaID,
				ApprovalTimeout: personaPolicy.ApprovalTimeout(),
			})
		}
	}

	if globalLevel, globalPattern, ok := global.ClassifyTiers(command); ok {
		// A persona GREEN match is only reported when the global policy
		// agrees the command is harmless; a global escalation wins.
		if globalLevel == LevelGreen && personaMatched {
			return c.decided(Decision{
				Level:          personaLevel,
				MatchedPattern: personaPattern,
				Reason:         reasonFor(personaLevel),
				PolicyUsed:     personaPolicy.Name,
				PersonaID:      personaID,
			})
		}
		return c.decided(Decision{
			Level:           globalLevel,
			MatchedPattern:  globalPattern,
			Reason:          reasonFor(globalLevel),
			PolicyUsed:      global.Name,
			PersonaID:       personaID,
			ApprovalTimeout: global.ApprovalTimeout(),
		})
	}

	// Persona GREEN with no global opinion at all stands on its own.
	if personaMatched {
		return c.decided(Decision{
			Level:          personaLevel,
			MatchedPattern: personaPattern,
			Reason:         reasonFor(personaLevel),
			PolicyUsed:     personaPolicy.Name,
			PersonaID:      personaID,
		})
	}

	return c.decided(Decision{
		Level:      LevelYellow,
		Reason:     "unknown command type",
		PolicyUsed: global.Name,
		PersonaID:  personaID,
	})
}

// decided logs and returns the decision.
func (c *Classifier) decided(d Decision) Decision {
	logging.PolicyDebug("Classified for %s: level=%s policy=%s pattern=%q reason=%s",
		d.PersonaID, d.Level, d.PolicyUsed, d.MatchedPattern, d.Reason)
	return d
}

func reasonFor(level Level) string {
	switch level {
	case LevelGreen:
		return "matches safe command pattern"
	case LevelYellow:
		return "command will be recorded"
	case LevelRed:
		return "command requires approval"
	default:
		return "command is blacklisted"
	}
}
