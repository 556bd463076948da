package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/ports"
)

// Target is the resolved policy for one intercepted request.
type Target struct {
	Class     swcache.ResourceClass
	Namespace swcache.Namespace
	Config    swcache.CacheConfig
}

// Engine runs the fetch strategies against a NamespaceStore.
type Engine struct {
	store    ports.NamespaceStore
	fetcher  ports.Fetcher
	policy   swcache.ExpirationPolicy
	metrics  ports.Metrics
	capacity func(swcache.Bucket) int
	now      func() time.Time

	mu           sync.Mutex
	draining     bool
	revalidating sync.WaitGroup
}

type Option func(*Engine)

func WithMetrics(m ports.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock replaces time.Now for capture stamping and staleness checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithCapacity bounds each bucket after every write. Without it namespaces
// grow unbounded.
func WithCapacity(capacity func(swcache.Bucket) int) Option {
	return func(e *Engine) {
		e.capacity = capacity
	}
}

func NewEngine(store ports.NamespaceStore, fetcher ports.Fetcher, opts ...Option) *Engine {
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	e := &Engine{
		store:   store,
		fetcher: fetcher,
		metrics: ports.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy = swcache.NewExpirationPolicy(e.now)
	return e
}

// Execute serves req with the strategy in target.Config. Only GET requests are
// cacheable; other methods always go to the network.
func (e *Engine) Execute(ctx context.Context, req *http.Request, target Target) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if req == nil || req.URL == nil {
		return nil, errors.New("request is required")
	}

	strategy := target.Config.Strategy
	if req.Method != "" && req.Method != http.MethodGet {
		strategy = swcache.StrategyNetworkOnly
	}

	ctx = logging.WithAttrs(ctx,
		slog.String("component", "strategy.engine"),
		slog.String("class", string(target.Class)),
		slog.String("strategy", string(strategy)),
	)
	req = req.WithContext(ctx)

	var (
		resp *http.Response
		err  error
	)
	switch strategy {
	case swcache.StrategyCacheFirst:
		resp, err = e.cacheFirst(ctx, req, target)
	case swcache.StrategyNetworkFirst:
		resp, err = e.networkFirst(ctx, req, target)
	case swcache.StrategyStaleWhileRevalidate:
		resp, err = e.staleWhileRevalidate(ctx, req, target)
	case swcache.StrategyNetworkOnly:
		resp, err = e.networkOnly(ctx, req)
	case swcache.StrategyCacheOnly:
		resp, err = e.cacheOnly(ctx, req, target)
	default:
		return nil, fmt.Errorf("%w: %q", swcache.ErrInvalidStrategy, strategy)
	}

	status := "error"
	if err == nil && resp != nil {
		status = resp.Header.Get(swcache.CacheStatusHeader)
	}
	e.metrics.ObserveResponse(target.Class, strategy, status)

	if err != nil {
		logging.Debug(ctx, "strategy failed",
			slog.String("url", req.URL.String()),
			slog.Any("err", errs.Loggable(err)),
		)
	}
	return resp, err
}

// Drain stops new background revalidations and blocks until running ones
// finish or ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.revalidating.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err(), "drain revalidations")
	}
}

func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, target Target) (*http.Response, error) {
	cache, err := e.open(ctx, target.Namespace)
	if err != nil {
		return nil, err
	}
	key := swcache.RequestKey(req)

	cached, found := e.match(ctx, cache, key)
	if found && !e.policy.IsStale(cached, target.Config.MaxAge) {
		return cached.ToHTTP(req, swcache.CacheStatusHit), nil
	}

	resp, body, err := e.fetch(req)
	if err != nil {
		if found {
			logging.Warn(ctx, "network failed, serving stale entry", slog.String("url", key))
			return cached.ToHTTP(req, swcache.CacheStatusStale), nil
		}
		logging.Warn(ctx, "network failed with nothing cached", slog.String("url", key))
		return swcache.OfflineResponse(req), nil
	}

	if swcache.IsSuccess(resp.StatusCode) {
		e.put(ctx, cache, key, resp, body)
	}
	return markStatus(resp, swcache.CacheStatusMiss), nil
}

func (e *Engine) networkFirst(ctx context.Context, req *http.Request, target Target) (*http.Response, error) {
	cache, err := e.open(ctx, target.Namespace)
	if err != nil {
		return nil, err
	}
	key := swcache.RequestKey(req)

	resp, body, fetchErr := e.fetch(req)
	if fetchErr == nil {
		if swcache.IsSuccess(resp.StatusCode) {
			e.put(ctx, cache, key, resp, body)
		}
		return markStatus(resp, swcache.CacheStatusMiss), nil
	}

	cached, found := e.match(ctx, cache, key)
	if found && !e.policy.IsStale(cached, target.Config.MaxAge) {
		logging.Info(ctx, "network failed, serving cached entry", slog.String("url", key))
		return cached.ToHTTP(req, swcache.CacheStatusHit), nil
	}
	return nil, fetchErr
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *http.Request, target Target) (*http.Response, error) {
	cache, err := e.open(ctx, target.Namespace)
	if err != nil {
		return nil, err
	}
	key := swcache.RequestKey(req)

	cached, found := e.match(ctx, cache, key)
	if found {
		e.revalidate(ctx, req, cache, key)

		status := swcache.CacheStatusHit
		if e.policy.IsStale(cached, target.Config.MaxAge) {
			status = swcache.CacheStatusStale
		}
		return cached.ToHTTP(req, status), nil
	}

	resp, body, err := e.fetch(req)
	if err != nil {
		logging.Warn(ctx, "network failed with nothing cached", slog.String("url", key))
		return swcache.OfflineResponse(req), nil
	}
	if swcache.IsSuccess(resp.StatusCode) {
		e.put(ctx, cache, key, resp, body)
	}
	return markStatus(resp, swcache.CacheStatusMiss), nil
}

func (e *Engine) networkOnly(_ context.Context, req *http.Request) (*http.Response, error) {
	resp, _, err := e.fetch(req)
	if err != nil {
		return nil, err
	}
	return markStatus(resp, swcache.CacheStatusBypass), nil
}

func (e *Engine) cacheOnly(ctx context.Context, req *http.Request, target Target) (*http.Response, error) {
	cache, err := e.open(ctx, target.Namespace)
	if err != nil {
		return nil, err
	}
	key := swcache.RequestKey(req)

	cached, found := e.match(ctx, cache, key)
	if !found {
		return nil, fmt.Errorf("%w: %s", swcache.ErrNotCached, key)
	}
	return cached.ToHTTP(req, swcache.CacheStatusHit), nil
}

// revalidate refreshes key in the background. It outlives the request context.
func (e *Engine) revalidate(ctx context.Context, req *http.Request, cache ports.NamedCache, key string) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		logging.Debug(ctx, "engine draining, revalidation skipped", slog.String("url", key))
		return
	}
	e.revalidating.Add(1)
	e.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	bgReq := req.Clone(bg)
	go func() {
		defer e.revalidating.Done()

		resp, body, err := e.fetch(bgReq)
		if err != nil {
			logging.Warn(bg, "background revalidation failed",
				slog.String("url", key),
				slog.Any("err", errs.Loggable(err)),
			)
			return
		}
		if !swcache.IsSuccess(resp.StatusCode) {
			logging.Debug(bg, "background revalidation skipped non-success response",
				slog.String("url", key),
				slog.Int("status", resp.StatusCode),
			)
			return
		}
		e.put(bg, cache, key, resp, body)
	}()
}

func (e *Engine) open(ctx context.Context, ns swcache.Namespace) (ports.NamedCache, error) {
	if e.store == nil {
		return nil, fmt.Errorf("open namespace %s: %w", ns, swcache.ErrCacheUnavailable)
	}
	cache, err := e.store.Open(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w: %w", ns, swcache.ErrCacheUnavailable, err)
	}
	return cache, nil
}

// match treats a failed read as a miss.
func (e *Engine) match(ctx context.Context, cache ports.NamedCache, key string) (*swcache.StoredResponse, bool) {
	cached, found, err := cache.Match(ctx, key)
	if err != nil {
		logging.Warn(ctx, "cache read failed",
			slog.String("url", key),
			slog.Any("err", errs.Loggable(err)),
		)
		return nil, false
	}
	return cached, found
}

// put stores a copy of resp, then trims the bucket. Failures are logged and the
// response is still served.
func (e *Engine) put(ctx context.Context, cache ports.NamedCache, key string, resp *http.Response, body []byte) {
	stored := swcache.NewStoredResponse(resp, body, e.now())
	if err := cache.Put(ctx, key, stored); err != nil {
		if errors.Is(err, swcache.ErrNamespaceGone) {
			logging.Debug(ctx, "namespace deleted before write, response not stored",
				slog.String("namespace", cache.Namespace().String()),
				slog.String("url", key),
			)
			return
		}
		logging.Warn(ctx, "cache write failed",
			slog.String("url", key),
			slog.Any("err", errs.Loggable(err)),
		)
		return
	}

	if e.capacity == nil {
		return
	}
	limit := e.capacity(cache.Namespace().Bucket)
	if limit <= 0 {
		return
	}
	removed, err := cache.Trim(ctx, limit)
	if err != nil {
		logging.Warn(ctx, "cache trim failed",
			slog.String("namespace", cache.Namespace().String()),
			slog.Any("err", errs.Loggable(err)),
		)
		return
	}
	if removed > 0 {
		e.metrics.ObserveEviction(cache.Namespace(), removed)
		logging.Debug(ctx, "evicted oldest entries",
			slog.String("namespace", cache.Namespace().String()),
			slog.Int("removed", removed),
		)
	}
}

// fetch performs req and buffers the body so the response can be both stored
// and returned.
func (e *Engine) fetch(req *http.Request) (*http.Response, []byte, error) {
	resp, err := e.fetcher.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: %w", swcache.ErrNetwork, req.Method, req.URL, err)
	}
	var body []byte
	if resp.Body != nil {
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read body of %s: %w", swcache.ErrNetwork, req.URL, err)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, body, nil
}

func markStatus(resp *http.Response, status string) *http.Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(swcache.CacheStatusHeader, status)
	return resp
}
