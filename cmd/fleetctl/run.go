package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noah-isme/fleet-scheduler-api/internal/app"
	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

var (
	runMode        string
	runPriority    string
	allowOverride  bool
	rotation       bool
	maxTripsPerRte int
	timeGapMinutes int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan and write a schedule in this process, waiting for it to finish",
	Long: "Runs the scheduling engine synchronously. Interrupting the command requests a stop; " +
		"trips already written are kept and the run ends as stopped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			rng, err := dateRange(ctx, a)
			if err != nil {
				return err
			}
			req := dto.StartRunRequest{
				StartDate:            rng.StartDate,
				EndDate:              rng.EndDate,
				Depots:               rng.Depots,
				Mode:                 runMode,
				Priority:             runPriority,
				AllowFatigueOverride: allowOverride,
				RotationContinuity:   rotation,
			}
			if cmd.Flags().Changed("max-trips") {
				req.MaxTripsPerRoute = &maxTripsPerRte
			}
			if cmd.Flags().Changed("time-gap") {
				req.TimeGap = &timeGapMinutes
			}

			status, err := a.RunInline(ctx, req, actor())
			if err != nil {
				return err
			}
			report, err := a.Scheduling.Report(context.WithoutCancel(ctx), status.RunID)
			if err != nil && status.Status == models.RunStatusCompleted {
				return err
			}
			if err := printJSON(map[string]interface{}{"run": status, "report": report}); err != nil {
				return err
			}
			if status.Status != models.RunStatusCompleted {
				fmt.Fprintf(os.Stderr, "run %s ended %s\n", status.RunID, status.Status)
				return fmt.Errorf("run %s", status.Status)
			}
			return nil
		})
	},
}

func init() {
	addRangeFlags(runCmd)
	runCmd.Flags().StringVar(&runMode, "mode", string(models.RunModeAuto), "auto, optimized or manual")
	runCmd.Flags().StringVar(&runPriority, "priority", "", "balanced, efficiency or coverage")
	runCmd.Flags().BoolVar(&allowOverride, "allow-fatigue-override", false, "assign the least fatigued crew when nobody is under the threshold")
	runCmd.Flags().BoolVar(&rotation, "rotation", false, "prefer crew who worked the route on the previous day")
	runCmd.Flags().IntVar(&maxTripsPerRte, "max-trips", 0, "maximum trips per route per day")
	runCmd.Flags().IntVar(&timeGapMinutes, "time-gap", 0, "minutes between departures")
	rootCmd.AddCommand(runCmd)
}
