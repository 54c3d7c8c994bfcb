package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupRetention time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete book snapshot rows older than the retention window and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, closer, err := bootstrap()
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		retention := cleanupRetention
		if retention <= 0 {
			retention = cfg.BookSettings().Retention
		}
		n, err := a.books.Cleanup(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d snapshot rows older than %s\n", n, retention)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "override book.retention_hours, e.g. 48h")
	rootCmd.AddCommand(cleanupCmd)
}
