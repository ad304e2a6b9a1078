package persona

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"relay/internal/config"
	"relay/internal/logging"
)

// MatchKind identifies which resolution path selected a persona.
type MatchKind string

const (
	MatchDirectMessage MatchKind = "direct_message"
	MatchIDOverride    MatchKind = "id_override"
	MatchPattern       MatchKind = "pattern"
	MatchDefault       MatchKind = "default"
)

// ChatContext is the inbound-side view of a chat needed for resolution.
type ChatContext struct {
	ChatID      string
	DisplayName string
	IsGroup     bool
}

// Resolution names the selected persona and how it was selected.
type Resolution struct {
	PersonaID string
	MatchKind MatchKind
}

// compiledRule is a mapping rule with its pattern compiled.
type compiledRule struct {
	re        *regexp.Regexp
	personaID string
	priority  int
	order     int
}

// Resolver selects a persona for a chat context. Immutable after construction.
type Resolver struct {
	profiles         map[string]*Profile
	rules            []compiledRule
	idOverride       map[string]string
	defaultPersona   string
	directMsgPersona string
}

// NewResolver compiles mapping rules and builds profiles from config.
// Malformed patterns are logged and skipped; they never abort the load.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	profiles := make(map[string]*Profile, len(cfg.Personas))
	for id, pc := range cfg.Personas {
		profiles[id] = NewProfile(id, pc)
	}

	rules := make([]compiledRule, 0, len(cfg.Mappings.Rules))
	for i, rule := range cfg.Mappings.Rules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			logging.PersonaWarn("Skipping malformed mapping pattern %q: %v", rule.Pattern, err)
			continue
		}
		rules = append(rules, compiledRule{
			re:        re,
			personaID: rule.PersonaID,
			priority:  rule.Priority,
			order:     i,
		})
	}

	// Ascending priority; declaration order breaks ties.
	sort.SliceStable(rules, func(a, b int) bool {
		if rules[a].priority != rules[b].priority {
			return rules[a].priority < rules[b].priority
		}
		return rules[a].order < rules[b].order
	})

	defaultPersona := cfg.Mappings.DefaultPersonaID
	if _, ok := profiles[defaultPersona]; !ok {
		return nil, fmt.Errorf("default persona %q not found", defaultPersona)
	}

	directMsg := cfg.Mappings.DirectMessagePersonaID
	if directMsg == "" {
		directMsg = defaultPersona
	}

	idOverride := make(map[string]string, len(cfg.Mappings.IDOverride))
	for chatID, personaID := range cfg.Mappings.IDOverride {
		idOverride[chatID] = personaID
	}

	return &Resolver{
		profiles:         profiles,
		rules:            rules,
		idOverride:       idOverride,
		defaultPersona:   defaultPersona,
		directMsgPersona: directMsg,
	}, nil
}

// Resolve selects a persona for the chat. First match wins:
// direct message, id override, pattern by ascending priority, default.
func (r *Resolver) Resolve(chat ChatContext) Resolution {
	if !chat.IsGroup {
		logging.PersonaDebug("Chat %s resolved to %s (direct message)", chat.ChatID, r.directMsgPersona)
		return Resolution{PersonaID: r.directMsgPersona, MatchKind: MatchDirectMessage}
	}

	if personaID, ok := r.idOverride[chat.ChatID]; ok {
		logging.PersonaDebug("Chat %s resolved to %s (id override)", chat.ChatID, personaID)
		return Resolution{PersonaID: personaID, MatchKind: MatchIDOverride}
	}

	name := strings.TrimSpace(chat.DisplayName)
	for _, rule := range r.rules {
		if rule.re.MatchString(name) {
			logging.PersonaDebug("Chat %s (%q) resolved to %s (pattern %s)",
				chat.ChatID, name, rule.personaID, rule.re.String())
			return Resolution{PersonaID: rule.personaID, MatchKind: MatchPattern}
		}
	}

	logging.PersonaDebug("Chat %s resolved to %s (default)", chat.ChatID, r.defaultPersona)
	return Resolution{PersonaID: r.defaultPersona, MatchKind: MatchDefault}
}

// Profile returns the profile for a persona id, falling back to the default
// persona when the id is unknown.
func (r *Resolver) Profile(personaID string) *Profile {
	if p, ok := r.profiles[personaID]; ok {
		return p
	}
	return r.profiles[r.defaultPersona]
}

// Profiles returns all loaded profiles keyed by id.
func (r *Resolver) Profiles() map[string]*Profile {
	return r.profiles
}
