package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var gardenCmd = &cobra.Command{
	Use:   "garden <block_id>...",
	Short: "Consume bridge blocks into long-term memory",
	Long: `Garden runs the consumption pipeline on one or more bridge blocks:
classify their facts into sticky tags, promote their chunks to gardened
memory, route narrative facts to dossiers, and delete the blocks from the
short-term ledger.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		for _, blockID := range args {
			res, err := e.Garden(cmd.Context(), blockID)
			if err != nil {
				logger.Error("gardening failed", zap.String("block_id", blockID), zap.Error(err))
				return err
			}
			fmt.Printf("%s: %d facts, %d tags, %d chunks promoted, %d dossiers touched\n",
				res.BlockID, res.FactsProcessed, res.TagsApplied, res.ChunksPromoted, res.DossiersRouted)
			if res.Message != "" {
				fmt.Println(" ", res.Message)
			}
		}
		return nil
	},
}
