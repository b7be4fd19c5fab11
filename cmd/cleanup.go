package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coveragecheck/coveragecheck/internal/decay"
)

var (
	cleanupDryRun    bool
	cleanupBatchSize int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete reports and acceptance records whose TTL has elapsed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		batchSize := cleanupBatchSize
		if batchSize == 0 {
			batchSize = cfg.Decay.BatchSize
		}

		stats, err := decay.NewJob(st).Cleanup(ctx, decay.CleanupOptions{
			BatchSize: batchSize,
			DryRun:    cleanupDryRun,
		})
		if err != nil {
			return err
		}

		if cleanupDryRun {
			fmt.Printf("expired_reports=%d expired_acceptances=%d (dry run, nothing deleted)\n",
				stats.ExpiredReports, stats.ExpiredAcceptances)
			return nil
		}
		fmt.Printf("deleted_reports=%d deleted_acceptances=%d duration=%s\n",
			stats.DeletedReports, stats.DeletedAcceptances, stats.Duration)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "count expired rows without deleting")
	cleanupCmd.Flags().IntVar(&cleanupBatchSize, "batch-size", 0, "rows per delete batch (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}
