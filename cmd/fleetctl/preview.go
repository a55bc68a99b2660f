package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/noah-isme/fleet-scheduler-api/internal/app"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Estimate buses, routes and trips for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			req, err := dateRange(ctx, a)
			if err != nil {
				return err
			}
			preview, err := a.Scheduling.Preview(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(preview)
		})
	},
}

func init() {
	addRangeFlags(previewCmd)
	rootCmd.AddCommand(previewCmd)
}
