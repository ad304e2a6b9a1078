package config

// PersonaConfig declares a persona profile: the capability envelope a
// resolved chat runs under.
type PersonaConfig struct {
	// Prompt prefix prepended to every enriched prompt for this persona
	SystemPrompt string `yaml:"system_prompt"`

	// Skill identifiers this persona may use; "all" means unrestricted
	AllowedSkills []string `yaml:"allowed_skills"`

	// Policy name in the policies map; "default" selects the global policy
	GuardPolicyName string `yaml:"guard_policy_name"`

	// Category used to partition learning-store lookups
	MemoryScope string `yaml:"memory_scope"`

	// Preferred skill suggested in the enriched prompt
	PrioritySkill string `yaml:"priority_skill,omitempty"`

	// Hint that this persona needs a browser-capable skill
	RequiresBrowser bool `yaml:"requires_browser,omitempty"`
}

// MappingRule routes group chats whose display name matches a pattern to a
// persona. Lower priority values are evaluated first; declaration order
// breaks ties.
type MappingRule struct {
	Pattern   string `yaml:"pattern"`
	PersonaID string `yaml:"persona_id"`
	Priority  int    `yaml:"priority"`
}

// MappingsConfig declares how chats resolve to personas.
type MappingsConfig struct {
	Rules []MappingRule `yaml:"rules"`

	// Exact chat-id routes that bypass pattern matching
	IDOverride map[string]string `yaml:"id_override"`

	// Persona for group chats no rule matches
	DefaultPersonaID string `yaml:"default_persona_id"`

	// Persona for non-group chats
	DirectMessagePersonaID string `yaml:"direct_message_persona_id"`
}
