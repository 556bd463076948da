package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
)

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "Inspect and clear persistent cache namespaces",
}

var cachesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List namespaces with their entry counts",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		infos, err := app.Manager.Namespaces(ctx)
		if err != nil {
			return errs.Wrap(err, "list namespaces")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		if _, err := fmt.Fprintln(w, "version\tbucket\tentries\tcurrent"); err != nil {
			return errs.Wrap(err, "write namespaces header")
		}
		for _, info := range infos {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", info.Namespace.Version, info.Namespace.Bucket, info.Entries, info.Current); err != nil {
				return errs.Wrap(err, "write namespace row")
			}
		}
		return w.Flush()
	}),
}

var cachesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every namespace",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		removed, err := app.Manager.ClearAll(ctx)
		if err != nil {
			return errs.Wrap(err, "clear caches")
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d namespaces\n", removed)
		return err
	}),
}

var cachesSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print the total number of stored responses",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		size, err := app.Manager.CacheSize(ctx)
		if err != nil {
			return errs.Wrap(err, "compute cache size")
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), size)
		return err
	}),
}

func init() {
	rootCmd.AddCommand(cachesCmd)
	cachesCmd.AddCommand(cachesLsCmd, cachesClearCmd, cachesSizeCmd)
}
