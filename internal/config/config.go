// Package config holds the relay configuration model: personas, chat
// mappings, guard policies, and runtime settings for the dispatch pipeline.
// Configuration is loaded once at startup and is immutable afterwards;
// policy files may additionally be hot-reloaded via an atomic registry swap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Persona profiles keyed by persona id
	Personas map[string]PersonaConfig `yaml:"personas"`

	// Chat-to-persona mapping rules
	Mappings MappingsConfig `yaml:"mappings"`

	// Guard policies keyed by policy name; "default" is the global policy
	Policies map[string]PolicyConfig `yaml:"policies"`

	// Dispatch pipeline settings
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Learning store settings
	Learning LearningConfig `yaml:"learning"`

	// External reasoner settings
	Reasoner ReasonerConfig `yaml:"reasoner"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DispatchConfig configures the dispatch pipeline.
type DispatchConfig struct {
	// Soft bound on pending items per serialization key
	QueueSoftBound int `yaml:"queue_soft_bound"`

	// Maximum concurrent per-key workers; 0 means unlimited
	MaxWorkers int `yaml:"max_workers"`

	// Per-item execution deadline
	ItemDeadline string `yaml:"item_deadline"`

	// Window running items get to finish on shutdown
	DrainWindow string `yaml:"drain_window"`

	// Minimum interval between two forwarded progress updates
	ProgressInterval string `yaml:"progress_interval"`

	// Reply truncation bound in bytes
	ReplyMaxBytes int `yaml:"reply_max_bytes"`

	// Retries granted to a retry-eligible failed item
	RetryLimit int `yaml:"retry_limit"`
}

// LearningConfig configures the learning store.
type LearningConfig struct {
	// Path to the sqlite database file
	DatabasePath string `yaml:"database_path"`

	// Lessons injected into an enriched prompt
	LessonLimit int `yaml:"lesson_limit"`

	// Output truncation bound for task history rows, in bytes
	OutputMaxBytes int `yaml:"output_max_bytes"`
}

// ReasonerConfig configures the external reasoner subprocess.
type ReasonerConfig struct {
	// Binary to invoke
	Binary string `yaml:"binary"`

	// Extra CLI arguments appended to every invocation
	ExtraArgs []string `yaml:"extra_args"`

	// Opaque tool configuration path passed through to the reasoner
	ToolConfigPath string `yaml:"tool_config_path"`

	// Working directory for the subprocess
	WorkingDirectory string `yaml:"working_directory"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "relay",
		Version: "1.0.0",

		Personas: map[string]PersonaConfig{
			"General": {
				SystemPrompt:    "You are a helpful assistant.",
				AllowedSkills:   []string{"all"},
				GuardPolicyName: "default",
				MemoryScope:     "general",
			},
		},

		Mappings: MappingsConfig{
			DefaultPersonaID:       "General",
			DirectMessagePersonaID: "General",
		},

		Policies: map[string]PolicyConfig{
			"default": DefaultPolicyConfig(),
		},

		Dispatch: DispatchConfig{
			QueueSoftBound:   16,
			MaxWorkers:       0,
			ItemDeadline:     "10m",
			DrainWindow:      "30s",
			ProgressInterval: "1.5s",
			ReplyMaxBytes:    4000,
			RetryLimit:       1,
		},

		Learning: LearningConfig{
			DatabasePath:   "data/relay.db",
			LessonLimit:    3,
			OutputMaxBytes: 10000,
		},

		Reasoner: ReasonerConfig{
			Binary:           "reasoner",
			WorkingDirectory: ".",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "relay.log",
		},
	}
}

// Load loads configuration from a YAML file. Unknown fields are tolerated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("RELAY_DB"); path != "" {
		c.Learning.DatabasePath = path
	}
	if bin := os.Getenv("RELAY_REASONER"); bin != "" {
		c.Reasoner.Binary = bin
	}
}

// GetItemDeadline returns the per-item deadline as a duration.
func (c *Config) GetItemDeadline() time.Duration {
	d, err := time.ParseDuration(c.Dispatch.ItemDeadline)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetDrainWindow returns the shutdown drain window as a duration.
func (c *Config) GetDrainWindow() time.Duration {
	d, err := time.ParseDuration(c.Dispatch.DrainWindow)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetProgressInterval returns the progress throttle interval as a duration.
func (c *Config) GetProgressInterval() time.Duration {
	d, err := time.ParseDuration(c.Dispatch.ProgressInterval)
	if err != nil {
		return 1500 * time.Millisecond
	}
	return d
}

// Validate validates the configuration. Invalid cross-references are fatal:
// the process should not start with a persona pointing at a policy that does
// not exist, or a mapping pointing at a persona that does not exist.
func (c *Config) Validate() error {
	if len(c.Personas) == 0 {
		return fmt.Errorf("no personas configured")
	}

	for id, p := range c.Personas {
		if p.GuardPolicyName == "" || p.GuardPolicyName == "default" {
			continue
		}
		if _, ok := c.Policies[p.GuardPolicyName]; !ok {
			return fmt.Errorf("persona %q references unknown policy %q", id, p.GuardPolicyName)
		}
	}

	if c.Mappings.DefaultPersonaID == "" {
		return fmt.Errorf("mappings.default_persona_id not configured")
	}
	if _, ok := c.Personas[c.Mappings.DefaultPersonaID]; !ok {
		return fmt.Errorf("default persona %q not found", c.Mappings.DefaultPersonaID)
	}

	dmID := c.Mappings.DirectMessagePersonaID
	if dmID != "" {
		if _, ok := c.Personas[dmID]; !ok {
			return fmt.Errorf("direct message persona %q not found", dmID)
		}
	}

	for i, rule := range c.Mappings.Rules {
		if _, ok := c.Personas[rule.PersonaID]; !ok {
			return fmt.Errorf("mapping rule %d references unknown persona %q", i, rule.PersonaID)
		}
	}

	for chatID, personaID := range c.Mappings.IDOverride {
		if _, ok := c.Personas[personaID]; !ok {
			return fmt.Errorf("id override for %q references unknown persona %q", chatID, personaID)
		}
	}

	return nil
}

// DefaultConfigPath returns the default path to relay.yaml.
func DefaultConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(root, "relay.yaml")
}

// FindWorkspaceRoot attempts to find the project root by looking for .relay
// or go.mod. If not found, returns the current working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".relay")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
