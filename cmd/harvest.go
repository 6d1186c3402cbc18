package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhkim0920/termharvest/internal/orchestrator"
)

func newHarvestCmd() *cobra.Command {
	var (
		skipDocFetch bool
		minVolume    int
	)

	cmd := &cobra.Command{
		Use:   "harvest [seed]...",
		Short: "Harvest related terms for explicit seed terms",
		Long: `Expands the given seed terms through the related-term API, classifies
the results and persists them, bypassing the claim queue. Prints a per-seed
report as JSON.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			report, err := a.Orchestrator.HarvestSeeds(cmd.Context(), args, orchestrator.Options{
				SkipDocFetch: skipDocFetch,
				MinVolume:    minVolume,
			})
			if err != nil {
				return fmt.Errorf("harvest seeds: %w", err)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal report: %w", err)
			}
			cmd.Println(string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipDocFetch, "skip-doc-fetch", false, "save harvested terms unclassified")
	cmd.Flags().IntVar(&minVolume, "min-volume", 0, "minimum total search volume (0 = config default)")

	return cmd
}
