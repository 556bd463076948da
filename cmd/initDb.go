/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
)

// initDbCmd migrates the cache tables. Every command also migrates on start;
// this one only reports what exists afterwards.
var initDbCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create or migrate the cache database tables",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		if err := app.InitSchema(ctx); err != nil {
			logging.Error(ctx, "initialize schema failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "initialize schema")
		}

		tables, err := app.DB.WithContext(ctx).Migrator().GetTables()
		if err != nil {
			return errs.Wrap(err, "list tables")
		}
		sort.Strings(tables)
		logging.Info(ctx, "init-db finished",
			slog.String("database_dsn", app.Config.Database.DSN),
			slog.Int("tables", len(tables)),
		)

		out := cmd.OutOrStdout()
		if _, err := fmt.Fprintf(out, "database: %s\n", app.Config.Database.DSN); err != nil {
			return errs.Wrap(err, "write init-db output")
		}
		for _, table := range tables {
			if _, err := fmt.Fprintf(out, "  %s\n", table); err != nil {
				return errs.Wrap(err, "write init-db output")
			}
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(initDbCmd)
}
