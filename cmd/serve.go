package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
	"pwacache/internal/ttlcache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the manifest version and serve the caching proxy",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logging.WithCommand(ctx, cmd.CommandPath())

		addr, _ := cmd.Flags().GetString("addr")
		if strings.TrimSpace(addr) == "" {
			addr = app.Config.Server.Addr
		}
		preload, _ := cmd.Flags().GetStringSlice("preload")

		manifest, err := app.Config.Manifest()
		if err != nil {
			return errs.Wrap(err, "load manifest")
		}
		// A failed install leaves the previous version in control; keep serving.
		if _, err := app.Manager.Update(ctx, manifest); err != nil {
			logging.Error(ctx, "startup update failed", slog.String("version", manifest.Version), slog.Any("err", errs.Loggable(err)))
		}

		stopControl, err := app.ListenControl(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = stopControl() }()

		if len(preload) > 0 {
			res := app.TTL.Preload(ctx, preload, ttlcache.RequestOptions{Method: http.MethodGet}, ttlcache.FetchOptions[json.RawMessage]{})
			logging.Info(ctx, "ttl cache preloaded", slog.Int("loaded", res.Loaded), slog.Int("failed", res.Failed))
		}

		if app.Config.Cache.WatchManifest && manifestExists(app.Config.Cache.ManifestFile) {
			watcher := app.Watcher()
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logging.Error(ctx, "manifest watcher stopped", slog.Any("err", errs.Loggable(err)))
				}
			}()
		}

		handler, err := app.Handler()
		if err != nil {
			return err
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}

		serveErr := make(chan error, 1)
		go func() {
			logging.Info(ctx, "caching proxy started", slog.String("addr", addr), slog.String("upstream", upstreamLabel(app)))
			serveErr <- server.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error(ctx, "caching proxy failed", slog.Any("err", errs.Loggable(err)))
				return errs.Wrap(err, "serve caching proxy")
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errs.Wrap(err, "shutdown caching proxy")
		}
		logging.Info(ctx, "caching proxy stopped")
		return nil
	}),
}

func manifestExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func upstreamLabel(app *bootstrap.App) string {
	u, err := app.Config.UpstreamURL()
	if err != nil {
		return ""
	}
	return u.String()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (defaults to server.addr)")
	serveCmd.Flags().StringSlice("preload", nil, "JSON URLs to warm the TTL cache with at startup")
}
