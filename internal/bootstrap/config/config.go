package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	TTL       TTLConfig       `mapstructure:"ttl"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"`
	DSN         string        `mapstructure:"dsn"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	SlowQuery   time.Duration `mapstructure:"slow_query"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Origin is the application's own origin, used for classification and to
	// resolve relative precache assets.
	Origin string `mapstructure:"origin"`
	// Upstream receives proxied requests. Empty means Origin.
	Upstream       string        `mapstructure:"upstream"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type CacheConfig struct {
	// Store is "sqlite" (responses in the database) or "memory" (responses
	// kept in process; lifecycle state still goes to the database).
	Store            string `mapstructure:"store"`
	Version          string `mapstructure:"version"`
	APIPrefix        string `mapstructure:"api_prefix"`
	ManifestFile     string `mapstructure:"manifest_file"`
	WatchManifest    bool   `mapstructure:"watch_manifest"`
	SyncEndpoint     string `mapstructure:"sync_endpoint"`
	FetchConcurrency int    `mapstructure:"fetch_concurrency"`
	// Classes overrides single fields of the stock class table.
	Classes map[string]ClassConfig `mapstructure:"classes"`
}

type ClassConfig struct {
	Strategy   string        `mapstructure:"strategy"`
	Bucket     string        `mapstructure:"bucket"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type TTLConfig struct {
	DefaultTTL         time.Duration `mapstructure:"default_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	PreloadConcurrency int           `mapstructure:"preload_concurrency"`
	// BaseURL resolves relative TTL fetch URLs. Empty means the upstream.
	BaseURL string `mapstructure:"base_url"`
}

type MessagingConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Config{}, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithComponent(ctx, "bootstrap.config")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PWC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			// Keep default and env-backed config when no file is provided.
			logging.Warn(logCtx, "config file not found, fallback to defaults and env")
		} else {
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logging.Info(
		logCtx,
		"config loaded",
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("origin", cfg.Server.Origin),
		slog.String("cache_version", cfg.Cache.Version),
	)

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Cache.Store)) {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("cache.store %q: want sqlite or memory", c.Cache.Store)
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if _, err := c.UpstreamURL(); err != nil {
		return err
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// OriginURL parses server.origin, which must be absolute.
func (c Config) OriginURL() (*url.URL, error) {
	return parseAbsolute("server.origin", c.Server.Origin)
}

// UpstreamURL parses server.upstream and falls back to the origin.
func (c Config) UpstreamURL() (*url.URL, error) {
	if strings.TrimSpace(c.Server.Upstream) == "" {
		return c.OriginURL()
	}
	return parseAbsolute("server.upstream", c.Server.Upstream)
}

// TTLBaseURL parses ttl.base_url and falls back to the upstream.
func (c Config) TTLBaseURL() (*url.URL, error) {
	if strings.TrimSpace(c.TTL.BaseURL) == "" {
		return c.UpstreamURL()
	}
	return parseAbsolute("ttl.base_url", c.TTL.BaseURL)
}

// Registry applies cache.classes overrides on top of the stock class table.
func (c Config) Registry() (*swcache.Registry, error) {
	configs := swcache.DefaultConfigs()
	for rawClass, override := range c.Cache.Classes {
		class, err := swcache.ParseResourceClass(rawClass)
		if err != nil {
			return nil, fmt.Errorf("cache.classes.%s: %w", rawClass, err)
		}
		cfg := configs[class]
		if override.Strategy != "" {
			strategy, err := swcache.ParseStrategy(override.Strategy)
			if err != nil {
				return nil, fmt.Errorf("cache.classes.%s: %w", rawClass, err)
			}
			cfg.Strategy = strategy
		}
		if override.Bucket != "" {
			cfg.Bucket = swcache.Bucket(strings.TrimSpace(override.Bucket))
		}
		if override.MaxAge != 0 {
			cfg.MaxAge = override.MaxAge
		}
		if override.MaxEntries != 0 {
			cfg.MaxEntries = override.MaxEntries
		}
		configs[class] = cfg
	}
	return swcache.NewRegistry(configs)
}

// DefaultVersion tags the stock manifest when neither a manifest file nor
// cache.version names one.
const DefaultVersion = "v1.0.0"

// Manifest reads cache.manifest_file, or the stock manifest when the file does
// not exist. A non-empty cache.version replaces the manifest's version.
func (c Config) Manifest() (swcache.Manifest, error) {
	var manifest swcache.Manifest
	path := strings.TrimSpace(c.Cache.ManifestFile)
	if path == "" {
		manifest = swcache.DefaultManifest(DefaultVersion)
	} else if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		manifest = swcache.DefaultManifest(DefaultVersion)
	} else {
		loaded, err := swcache.LoadManifest(path)
		if err != nil {
			return swcache.Manifest{}, errs.Wrap(err, "load precache manifest")
		}
		manifest = loaded
	}
	if v := strings.TrimSpace(c.Cache.Version); v != "" {
		manifest.Version = v
	}
	return manifest, nil
}

func parseAbsolute(key string, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute url, got %q", key, raw)
	}
	return u, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pwacache")
	v.SetDefault("app.env", "local")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", ".pwacache/cache.sqlite")
	v.SetDefault("database.busy_timeout", "5s")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.origin", "http://localhost:3000")
	v.SetDefault("server.upstream", "")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("cache.store", "sqlite")
	v.SetDefault("cache.version", "")
	v.SetDefault("cache.api_prefix", "/api/")
	v.SetDefault("cache.manifest_file", "configs/precache.toml")
	v.SetDefault("cache.watch_manifest", true)
	v.SetDefault("cache.sync_endpoint", "/api/notifications/sync")
	v.SetDefault("cache.fetch_concurrency", 4)
	v.SetDefault("ttl.default_ttl", 5*time.Minute)
	v.SetDefault("ttl.sweep_interval", 5*time.Minute)
	v.SetDefault("ttl.preload_concurrency", 4)
	v.SetDefault("ttl.base_url", "")
	v.SetDefault("messaging.nats_url", "")
	v.SetDefault("messaging.subject", "pwacache.control")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
