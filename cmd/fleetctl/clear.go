package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/noah-isme/fleet-scheduler-api/internal/app"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove scheduled trips for depots and dates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			req, err := dateRange(ctx, a)
			if err != nil {
				return err
			}
			removed, err := a.Scheduling.Clear(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(removed)
		})
	},
}

func init() {
	addRangeFlags(clearCmd)
	rootCmd.AddCommand(clearCmd)
}
