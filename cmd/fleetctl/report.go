package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/noah-isme/fleet-scheduler-api/internal/app"
	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
)

var (
	reportFormat string
	reportOut    string
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print a run report, or write it as CSV or PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			runID := args[0]
			if reportFormat == "" || reportFormat == "json" {
				report, err := a.Scheduling.Report(ctx, runID)
				if err != nil {
					return err
				}
				return printJSON(report)
			}

			exported, err := a.Exports.Export(ctx, runID, dto.ExportRunRequest{Format: reportFormat})
			if err != nil {
				return err
			}
			download, err := a.Exports.ResolveDownload(path.Base(exported.URL))
			if err != nil {
				return err
			}
			defer download.File.Close() //nolint:errcheck

			out := reportOut
			if out == "" {
				out = download.Filename
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			if _, err := io.Copy(f, download.File); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "wrote", out)
			return nil
		})
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "json", "json, csv or pdf")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "output file for csv or pdf")
	rootCmd.AddCommand(reportCmd)
}
