package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Record the instance states reported by every active host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			withMetrics, _ := cmd.Flags().GetBool("metrics")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.syncer.Sync(ctx)
				if err != nil {
					return err
				}
				if withMetrics {
					if err := a.syncer.GatherMetrics(ctx); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().Bool("metrics", false, "also gather host and guest metrics")
	return cmd
}
