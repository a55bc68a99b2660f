package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/app"
	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/pkg/config"
	"github.com/noah-isme/fleet-scheduler-api/pkg/logger"
)

var (
	startDate  string
	endDate    string
	depotIDs   []string
	allDepots  bool
	verboseLog bool
)

var rootCmd = &cobra.Command{
	Use:          "fleetctl",
	Short:        "Plan, inspect and clear fleet schedules from the command line",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "log engine progress to stderr")
}

// addRangeFlags registers the date range and depot selection shared by preview, run and clear.
func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&startDate, "from", "", "first service date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "to", "", "last service date (YYYY-MM-DD), defaults to --from")
	cmd.Flags().StringSliceVarP(&depotIDs, "depot", "d", nil, "depot id, repeatable")
	cmd.Flags().BoolVar(&allDepots, "all-depots", false, "select every depot")
	_ = cmd.MarkFlagRequired("from")
}

// withApp loads configuration, wires the engine for inline runs and hands it to fn.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logr := zap.NewNop()
	if verboseLog {
		if logr, err = logger.Console(cfg.Log.Level); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer logr.Sync() //nolint:errcheck
	}

	a, err := app.New(ctx, cfg, logr, app.Options{Inline: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}()
	return fn(ctx, a)
}

// dateRange resolves the flags into a request, expanding --all-depots.
func dateRange(ctx context.Context, a *app.App) (dto.DateRangeRequest, error) {
	req := dto.DateRangeRequest{StartDate: startDate, EndDate: endDate, Depots: depotIDs}
	if req.EndDate == "" {
		req.EndDate = req.StartDate
	}
	if allDepots {
		depots, err := a.Depots(ctx)
		if err != nil {
			return req, fmt.Errorf("list depots: %w", err)
		}
		req.Depots = req.Depots[:0]
		for _, d := range depots {
			req.Depots = append(req.Depots, d.ID)
		}
	}
	if len(req.Depots) == 0 {
		return req, fmt.Errorf("select depots with --depot or --all-depots")
	}
	return req, nil
}

func actor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
