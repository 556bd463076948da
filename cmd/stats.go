package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
	"pwacache/internal/usecase/lifecycle"
)

type statsReport struct {
	Status       lifecycle.Status          `json:"status" yaml:"status"`
	Namespaces   []lifecycle.NamespaceInfo `json:"namespaces" yaml:"namespaces"`
	TotalEntries int                       `json:"total_entries" yaml:"total_entries"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show lifecycle state and namespace sizes",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		output, _ := cmd.Flags().GetString("output")

		infos, err := app.Manager.Namespaces(ctx)
		if err != nil {
			logging.Error(ctx, "list namespaces for stats failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "list namespaces for stats")
		}
		report := statsReport{Status: app.Manager.Status(), Namespaces: infos}
		for _, info := range infos {
			report.TotalEntries += info.Entries
		}

		if !strings.EqualFold(strings.TrimSpace(output), "table") {
			return writeOutput(cmd.OutOrStdout(), output, report)
		}
		return writeStatsTable(cmd, report)
	}),
}

func writeStatsTable(cmd *cobra.Command, report statsReport) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"active", firstNonEmpty(report.Status.Active, "-")},
		{"waiting", firstNonEmpty(report.Status.Waiting, "-")},
		{"clients", fmt.Sprint(report.Status.Clients)},
		{"namespaces", fmt.Sprint(len(report.Namespaces))},
		{"total_entries", fmt.Sprint(report.TotalEntries)},
	}
	if _, err := fmt.Fprintln(w, "metric\tvalue"); err != nil {
		return errs.Wrap(err, "write stats header")
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", row[0], row[1]); err != nil {
			return errs.Wrap(err, "write stats row")
		}
	}
	if _, err := fmt.Fprintln(w, "\nversion\tstate\tassets\tupdated_at"); err != nil {
		return errs.Wrap(err, "write versions header")
	}
	for _, v := range report.Status.Versions {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", v.Version, v.State, v.Assets, v.UpdatedAt.UTC().Format(time.RFC3339)); err != nil {
			return errs.Wrap(err, "write version row")
		}
	}
	return w.Flush()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringP("output", "o", "table", "Output format (table|json|yaml)")
}
