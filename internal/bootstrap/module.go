package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"pwacache/internal/bootstrap/config"
	"pwacache/internal/bootstrap/database"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	cacheinfra "pwacache/internal/infrastructure/cache"
	"pwacache/internal/infrastructure/httpclient"
	"pwacache/internal/infrastructure/messaging"
	"pwacache/internal/infrastructure/metrics"
	sqliteuow "pwacache/internal/infrastructure/persistence/sqlite/uow"
	"pwacache/internal/ports"
	"pwacache/internal/ttlcache"
	"pwacache/internal/usecase/interceptor"
	"pwacache/internal/usecase/lifecycle"
	"pwacache/internal/usecase/strategy"
)

// ConfigModule loads config.Config from the file named "configFile". Callers
// that already hold a config supply it with fx.Supply instead.
var ConfigModule = fx.Provide(provideConfig)

// Module wires the cache stack on top of a config.Config.
var Module = fx.Options(
	fx.Provide(provideDatabase),
	fx.Provide(
		fx.Annotate(
			sqliteuow.NewUnitOfWork,
			fx.As(new(ports.UnitOfWork)),
		),
	),
	fx.Provide(provideNamespaceStore),
	fx.Provide(
		fx.Annotate(
			cacheinfra.NewSQLiteRegistrationStore,
			fx.As(new(ports.RegistrationStore)),
		),
	),
	fx.Provide(metrics.NewPrometheus),
	fx.Provide(func(p *metrics.Prometheus) ports.Metrics { return p }),
	fx.Provide(provideRegistry),
	fx.Provide(provideHTTPClient),
	fx.Provide(provideManager),
	fx.Provide(provideEngine),
	fx.Provide(provideInterceptor),
	fx.Provide(provideTTLCache),
	fx.Provide(provideControlBus),
	fx.Provide(provideControlHandler),
	fx.Provide(provideApp),
	fx.Invoke(registerStartup),
)

type configParams struct {
	fx.In

	Ctx        context.Context
	ConfigFile string `name:"configFile"`
}

func provideConfig(p configParams) (config.Config, error) {
	ctx := logging.WithComponent(p.Ctx, "bootstrap.fx")
	return config.Load(ctx, p.ConfigFile)
}

func provideDatabase(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	logCtx := logging.WithComponent(ctx, "bootstrap.fx")

	db, err := database.Open(logCtx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	return db, nil
}

func provideNamespaceStore(ctx context.Context, cfg config.Config, db *gorm.DB, unitOfWork ports.UnitOfWork) ports.NamespaceStore {
	if strings.EqualFold(strings.TrimSpace(cfg.Cache.Store), "memory") {
		logging.Info(logging.WithComponent(ctx, "bootstrap.fx"), "using in-memory response store")
		return cacheinfra.NewMemoryStore()
	}
	return cacheinfra.NewSQLiteStore(db, unitOfWork)
}

func provideRegistry(cfg config.Config) (*swcache.Registry, error) {
	return cfg.Registry()
}

// provideHTTPClient routes requests for the origin to server.upstream, so every
// caller keeps keying and classifying on origin URLs.
func provideHTTPClient(cfg config.Config) (*http.Client, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return nil, err
	}
	return httpclient.NewClient(cfg.Server.RequestTimeout, httpclient.NewUpstreamTransport(origin, upstream, nil)), nil
}

type managerParams struct {
	fx.In

	Config        config.Config
	Store         ports.NamespaceStore
	Registrations ports.RegistrationStore
	UnitOfWork    ports.UnitOfWork
	Client        *http.Client
	Metrics       ports.Metrics
}

func provideManager(p managerParams) (*lifecycle.Manager, error) {
	origin, err := p.Config.OriginURL()
	if err != nil {
		return nil, err
	}
	return lifecycle.NewManager(lifecycle.Deps{
		Store:            p.Store,
		Registrations:    p.Registrations,
		UnitOfWork:       p.UnitOfWork,
		Fetcher:          p.Client,
		Origin:           origin,
		Metrics:          p.Metrics,
		FetchConcurrency: p.Config.Cache.FetchConcurrency,
	}), nil
}

func provideEngine(lc fx.Lifecycle, store ports.NamespaceStore, client *http.Client, registry *swcache.Registry, m ports.Metrics) *strategy.Engine {
	engine := strategy.NewEngine(store, client,
		strategy.WithCapacity(registry.Capacity),
		strategy.WithMetrics(m),
	)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return engine.Drain(ctx)
		},
	})
	return engine
}

func provideInterceptor(cfg config.Config, registry *swcache.Registry, engine *strategy.Engine, manager *lifecycle.Manager, client *http.Client) (*interceptor.Interceptor, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	apiPrefix := strings.TrimSpace(cfg.Cache.APIPrefix)
	if apiPrefix == "" {
		apiPrefix = swcache.DefaultAPIPrefix
	}
	classifier := swcache.NewClassifier(origin, apiPrefix)
	return interceptor.New(classifier, registry, engine, manager, client.Transport), nil
}

func provideTTLCache(lc fx.Lifecycle, cfg config.Config, client *http.Client, prom *metrics.Prometheus) (*ttlcache.Cache[json.RawMessage], error) {
	base, err := cfg.TTLBaseURL()
	if err != nil {
		return nil, err
	}
	fetcher := httpclient.NewJSONFetcher[json.RawMessage](client, base)
	cache := ttlcache.New(fetcher.Fetch,
		ttlcache.WithDefaultTTL(cfg.TTL.DefaultTTL),
		ttlcache.WithSweepInterval(cfg.TTL.SweepInterval),
		ttlcache.WithPreloadConcurrency(cfg.TTL.PreloadConcurrency),
		ttlcache.WithMetrics(prom.TTL()),
	)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return cache.Close()
		},
	})
	return cache, nil
}

// provideControlBus connects to NATS when messaging.nats_url is set and falls
// back to an in-process bus otherwise.
func provideControlBus(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (ports.ControlBus, error) {
	var bus ports.ControlBus
	if strings.TrimSpace(cfg.Messaging.NATSURL) == "" {
		bus = messaging.NewLocalBus()
	} else {
		natsBus, err := messaging.ConnectNATS(ctx, cfg.Messaging.NATSURL, cfg.Messaging.Subject)
		if err != nil {
			return nil, err
		}
		bus = natsBus
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return bus.Close()
		},
	})
	return bus, nil
}

func provideControlHandler(manager *lifecycle.Manager, cache *ttlcache.Cache[json.RawMessage]) *lifecycle.ControlHandler {
	return lifecycle.NewControlHandler(manager, cache)
}

type appParams struct {
	fx.In

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

func provideApp(p appParams) *App {
	return &App{
		Config:      p.Config,
		DB:          p.DB,
		Store:       p.Store,
		Manager:     p.Manager,
		Engine:      p.Engine,
		Interceptor: p.Interceptor,
		Control:     p.Control,
		TTL:         p.TTL,
		Metrics:     p.Metrics,
		Bus:         p.Bus,
	}
}

// registerStartup migrates the schema and restores lifecycle state before any
// command runs.
func registerStartup(lc fx.Lifecycle, app *App) {
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := app.InitSchema(startCtx); err != nil {
				return err
			}
			return app.Manager.Restore(logging.WithComponent(startCtx, "bootstrap.fx"))
		},
	})
}
