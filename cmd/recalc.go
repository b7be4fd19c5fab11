package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coveragecheck/coveragecheck/internal/decay"
)

var (
	recalcDryRun    bool
	recalcBatchSize int
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recompute confidence scores for all verified acceptance records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		batchSize := recalcBatchSize
		if batchSize == 0 {
			batchSize = cfg.Decay.BatchSize
		}

		stats, err := decay.NewJob(st).Recalculate(ctx, decay.RecalcOptions{
			BatchSize: batchSize,
			DryRun:    recalcDryRun,
			Progress: func(processed int) {
				fmt.Printf("processed %d records\r", processed)
			},
		})
		if err != nil {
			return err
		}

		fmt.Printf("\nprocessed=%d updated=%d unchanged=%d errored=%d duration=%s\n",
			stats.Processed, stats.Updated, stats.Unchanged, stats.Errored, stats.Duration)
		return nil
	},
}

func init() {
	recalcCmd.Flags().BoolVar(&recalcDryRun, "dry-run", false, "compute without writing score changes")
	recalcCmd.Flags().IntVar(&recalcBatchSize, "batch-size", 0, "records per page (default from config)")
	rootCmd.AddCommand(recalcCmd)
}
