/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap/config"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pwacache",
	Short: "Offline-first caching proxy for web applications",
	Long: `pwacache keeps a versioned, per-class HTTP response cache in front of a web origin.

Static assets, API calls, images and documents each get their own strategy and
expiry. New versions are installed from a precache manifest and activated
atomically; JSON calls can go through a deduplicating TTL cache.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	// Commands that load a config switch to the configured logger in withApp.
	logger := logging.New(rootCmd.ErrOrStderr(), envOr(logLevel, "PWC_LOG_LEVEL"), envOr(logFormat, "PWC_LOG_FORMAT"))
	ctx = logging.WithLogger(ctx, logger)
	ctx = logging.WithAttrs(ctx, slog.String("app", "pwacache"))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error(ctx, "command execution failed", slog.Any("err", errs.Loggable(err)))
		return errs.Wrap(err, "execute root command")
	}
	return nil
}

// applyLogFlags lets --log-level and --log-format win over the config file.
func applyLogFlags(cfg *config.Config) {
	if v := strings.TrimSpace(logLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(logFormat); v != "" {
		cfg.Log.Format = v
	}
}

func envOr(flagValue string, key string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return os.Getenv(key)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "configs/config.yaml", "Config file path")
	flags.StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format override (text|json)")
}
