package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gorm.io/gorm"

	"pwacache/internal/bootstrap/config"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
	"pwacache/internal/infrastructure/metrics"
	"pwacache/internal/infrastructure/persistence/sqlite/model"
	"pwacache/internal/ports"
	"pwacache/internal/transport/web"
	"pwacache/internal/ttlcache"
	"pwacache/internal/usecase/interceptor"
	"pwacache/internal/usecase/lifecycle"
	"pwacache/internal/usecase/strategy"
)

type App struct {
	Config      config.Config
	DB          *gorm.DB
	Store       ports.NamespaceStore
	Manager     *lifecycle.Manager
	Engine      *strategy.Engine
	Interceptor *interceptor.Interceptor
	Control     *lifecycle.ControlHandler
	TTL         *ttlcache.Cache[json.RawMessage]
	Metrics     *metrics.Prometheus
	Bus         ports.ControlBus
}

func (a *App) InitSchema(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	logCtx := logging.WithComponent(ctx, "bootstrap.app")
	logging.Debug(logCtx, "start schema migration")

	if err := a.DB.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		return errs.Wrap(err, "auto migrate schema")
	}

	logging.Debug(logCtx, "schema migration completed")
	return nil
}

// Handler is the HTTP surface of serve: the /_sw control routes, metrics and
// the caching proxy. Proxied paths resolve against the origin; the HTTP client
// carries them on to the upstream.
func (a *App) Handler() (http.Handler, error) {
	origin, err := a.Config.OriginURL()
	if err != nil {
		return nil, err
	}
	upstream, err := a.Config.UpstreamURL()
	if err != nil {
		return nil, err
	}

	deps := web.Deps{
		Manager:   a.Manager,
		Control:   a.Control,
		Proxy:     interceptor.NewProxy(a.Interceptor, origin),
		Transport: a.Interceptor,
		TTL:       a.TTL,
	}
	if endpoint := strings.TrimSpace(a.Config.Cache.SyncEndpoint); endpoint != "" {
		ref, err := url.Parse(endpoint)
		if err != nil {
			return nil, errs.Wrapf(err, "parse cache.sync_endpoint %q", endpoint)
		}
		deps.SyncURL = upstream.ResolveReference(ref)
	}
	if a.Config.Metrics.Enabled {
		deps.Metrics = a.Metrics.Handler()
		deps.MetricsPath = a.Config.Metrics.Path
	}
	return web.NewRouter(deps), nil
}

// Watcher follows cache.manifest_file for new versions, keeping the
// cache.version override on every reload.
func (a *App) Watcher() *lifecycle.Watcher {
	return lifecycle.NewWatcher(a.Manager, a.Config.Cache.ManifestFile, a.Config.Manifest)
}

// ListenControl handles control messages published by other instances.
func (a *App) ListenControl(ctx context.Context) (func() error, error) {
	stop, err := a.Control.Listen(ctx, a.Bus)
	if err != nil {
		return nil, err
	}
	logging.Info(logging.WithComponent(ctx, "bootstrap.app"), "listening for control messages",
		slog.Bool("nats", strings.TrimSpace(a.Config.Messaging.NATSURL) != ""),
	)
	return stop, nil
}
