package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/learning"
)

// statsCmd prints learning store totals
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learning store totals",
	Long: `Prints the task history and lesson totals from the learning store,
the same database the running daemon writes to.`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	dbPath := cfg.Learning.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(resolveWorkspace(), dbPath)
	}
	store, err := learning.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("learning store: %w", err)
	}
	defer store.Close()

	st, err := store.Stats()
	if err != nil {
		return fmt.Errorf("stats query: %w", err)
	}

	fmt.Printf("Database:   %s\n", dbPath)
	fmt.Printf("Tasks:      %d\n", st.Total)
	fmt.Printf("Successful: %d\n", st.Successful)
	fmt.Printf("Failed:     %d\n", st.Failed)
	fmt.Printf("Lessons:    %d\n", st.Lessons)
	if st.Total > 0 {
		fmt.Printf("Success:    %.1f%%\n", float64(st.Successful)/float64(st.Total)*100)
	}
	return nil
}
