package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Precache a manifest version and leave it waiting",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		manifestFile, _ := cmd.Flags().GetString("manifest")
		version, _ := cmd.Flags().GetString("version")
		activate, _ := cmd.Flags().GetBool("activate")

		cfg := app.Config
		if strings.TrimSpace(manifestFile) != "" {
			cfg.Cache.ManifestFile = manifestFile
		}
		if strings.TrimSpace(version) != "" {
			cfg.Cache.Version = version
		}
		manifest, err := cfg.Manifest()
		if err != nil {
			return errs.Wrap(err, "load manifest")
		}

		if err := app.Manager.Install(ctx, manifest); err != nil {
			logging.Error(ctx, "install failed", slog.String("version", manifest.Version), slog.Any("err", errs.Loggable(err)))
			return errs.Wrapf(err, "install %s", manifest.Version)
		}

		state := app.Manager.State(manifest.Version)
		if activate && state != swcache.StateActive {
			if _, err := app.Manager.Activate(ctx); err != nil {
				return errs.Wrapf(err, "activate %s", manifest.Version)
			}
			state = app.Manager.State(manifest.Version)
		}

		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "version=%s assets=%d state=%s\n", manifest.Version, len(manifest.Assets), state); err != nil {
			return errs.Wrap(err, "write install output")
		}
		return nil
	}),
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the waiting version and delete every other version's caches",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		version, err := app.Manager.Activate(ctx)
		if err != nil {
			return errs.Wrap(err, "activate waiting version")
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "active version: %s\n", version); err != nil {
			return errs.Wrap(err, "write activate output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(activateCmd)

	installCmd.Flags().String("manifest", "", "Precache manifest TOML (defaults to cache.manifest_file)")
	installCmd.Flags().String("version", "", "Override the manifest version")
	installCmd.Flags().Bool("activate", false, "Activate right after a successful install")
}
