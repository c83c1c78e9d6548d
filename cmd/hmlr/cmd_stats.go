package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"hmlr/internal/engine"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cfg, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Println("Database:", cfg.DatabasePath())
		printStats(e)
		return nil
	},
}

func printStats(e *engine.Engine) {
	stats, err := e.Stats()
	if err != nil {
		fmt.Println("Failed to load stats:", err)
		return
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-28s %d\n", name, stats[name])
	}
}
