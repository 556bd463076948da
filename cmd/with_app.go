package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/config"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
)

const (
	appStartTimeout = 30 * time.Second
	appStopTimeout  = 10 * time.Second
)

// withApp loads the config, switches to the configured logger and runs the
// command against a started application graph.
func withApp(run func(cmd *cobra.Command, app *bootstrap.App) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := logging.WithAttrs(logging.WithCommand(cmd.Context(), cmd.CommandPath()), slog.String("config_file", cfgFile))

		cfg, err := config.Load(ctx, cfgFile)
		if err != nil {
			logging.Error(ctx, "load config failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "load config")
		}
		applyLogFlags(&cfg)

		logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
		logging.SetDefault(logger)
		ctx = logging.WithLogger(ctx, logger)
		cmd.SetContext(logging.WithLogger(cmd.Context(), logger))

		var app *bootstrap.App
		fxApp := fx.New(
			fx.Supply(cfg),
			bootstrap.Module,
			fx.NopLogger,
			fx.Provide(func() context.Context { return ctx }),
			fx.Populate(&app),
		)

		startCtx, cancelStart := context.WithTimeout(ctx, appStartTimeout)
		defer cancelStart()
		if err := fxApp.Start(startCtx); err != nil {
			logging.Error(ctx, "bootstrap application failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "start fx application")
		}
		defer func() {
			stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), appStopTimeout)
			defer cancelStop()
			if err := fxApp.Stop(stopCtx); err != nil {
				logging.Error(ctx, "fx application stop failed", slog.Any("err", errs.Loggable(err)))
			}
		}()

		logging.Debug(ctx, "application started",
			slog.String("database", cfg.Database.DSN),
			slog.String("origin", cfg.Server.Origin),
		)
		if err := run(cmd, app); err != nil {
			return errs.Wrap(err, "run command")
		}
		return nil
	}
}
