package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhkim0920/termharvest/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	var (
		expandOnly   bool
		fillOnly     bool
		skipDocFetch bool
		expandLimit  int
		fillLimit    int
		maxRunSec    int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one batch run and print the report",
		Long: `Runs one reclaim-claim-harvest-finalize cycle against the configured
store and prints the run report as JSON. By default both the expansion and
the document-count tasks run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if expandOnly && fillOnly {
				return fmt.Errorf("--expand-only and --fill-only are mutually exclusive")
			}

			opts := orchestrator.Options{
				Expand:         !fillOnly,
				FillDocs:       !expandOnly,
				ExpandLimit:    expandLimit,
				FillLimit:      fillLimit,
				SkipDocFetch:   skipDocFetch,
				MaxRunDuration: time.Duration(maxRunSec) * time.Second,
			}
			report := a.Orchestrator.RunBatch(cmd.Context(), opts)

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal report: %w", err)
			}
			cmd.Println(string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&expandOnly, "expand-only", false, "run only the expansion task")
	cmd.Flags().BoolVar(&fillOnly, "fill-only", false, "run only the document-count task")
	cmd.Flags().BoolVar(&skipDocFetch, "skip-doc-fetch", false, "save expanded terms unclassified")
	cmd.Flags().IntVar(&expandLimit, "expand-limit", 0, "max seeds to claim (0 = config default)")
	cmd.Flags().IntVar(&fillLimit, "fill-limit", 0, "max rows to claim for doc fill (0 = config default)")
	cmd.Flags().IntVar(&maxRunSec, "max-run-seconds", 0, "run deadline override in seconds")

	return cmd
}
