package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/persona"
	"relay/internal/policy"
)

// classifyCmd runs the tiered classifier without executing anything
var classifyCmd = &cobra.Command{
	Use:   "classify [persona] [command...]",
	Short: "Classify a command for a persona without executing it",
	Long: `Runs the tiered classifier exactly as the dispatch pipeline would:
persona blacklist, global blacklist, persona tiers, global tiers. Nothing is
executed; the command prints the decision and exits.

Example:
  relayd classify Trading "git push origin main"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runClassify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	resolver, err := persona.NewResolver(cfg)
	if err != nil {
		return err
	}
	registry, err := policy.NewRegistry(cfg.Policies)
	if err != nil {
		return err
	}
	classifier := policy.NewClassifier(registry, resolver)

	personaID := args[0]
	command := strings.Join(args[1:], " ")
	decision := classifier.Classify(command, personaID)

	fmt.Printf("Command: %s\n", command)
	fmt.Printf("Persona: %s\n", personaID)
	fmt.Printf("Level:   %s\n", decision.Level)
	fmt.Printf("Policy:  %s\n", decision.PolicyUsed)
	if decision.MatchedPattern != "" {
		fmt.Printf("Pattern: %s\n", decision.MatchedPattern)
	}
	fmt.Printf("Reason:  %s\n", decision.Reason)
	if decision.Level == policy.LevelRed {
		fmt.Printf("Approval window: %s\n", decision.ApprovalTimeout)
	}
	return nil
}
