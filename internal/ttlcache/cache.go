package ttlcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// ErrClosed is returned by FetchWithCache after Close.
var ErrClosed = errors.New("ttl cache closed")

// Call describes one network call made on behalf of FetchWithCache.
type Call struct {
	URL    string
	Method string
	Header http.Header
	Params map[string]any
}

// FetchFunc performs the network call for a cache miss.
type FetchFunc[T any] func(ctx context.Context, call Call) (T, error)

// RequestOptions are passed through to the FetchFunc.
type RequestOptions struct {
	Method string
	Header http.Header
}

type FetchOptions[T any] struct {
	// TTL of zero uses the cache default.
	TTL          time.Duration
	ForceRefresh bool
	Params       map[string]any
	// OnSuccess and OnError run for the caller that started the network call,
	// not for callers that joined it.
	OnSuccess func(T)
	OnError   func(error)
}

// Entry is a cached value with its bookkeeping.
type Entry[T any] struct {
	Key       string
	Data      T
	CachedAt  time.Time
	ExpiresAt time.Time
	URL       string
	Params    map[string]any
}

type slot[T any] struct {
	entry Entry[T]
	timer *time.Timer
	gen   uint64
}

// flight is the shared future of one in-progress call.
type flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Cache is a key to value cache with per-entry TTL and in-flight
// deduplication. It is safe for concurrent use.
type Cache[T any] struct {
	fetch              FetchFunc[T]
	defaultTTL         time.Duration
	sweepInterval      time.Duration
	preloadConcurrency int
	now                func() time.Time
	metrics            Metrics

	mu      sync.Mutex
	entries map[string]*slot[T]
	pending map[string]*flight[T]
	gen     uint64
	closed  bool

	stop      chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

type Option func(*settings)

type settings struct {
	defaultTTL         time.Duration
	sweepInterval      time.Duration
	preloadConcurrency int
	now                func() time.Time
	metrics            Metrics
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithSweepInterval sets how often expired entries are swept. Zero disables the
// sweeper.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *settings) {
		s.sweepInterval = interval
	}
}

func WithPreloadConcurrency(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.preloadConcurrency = n
		}
	}
}

// WithClock replaces time.Now for validity checks. Expiry timers still run on
// wall time.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New[T any](fetch FetchFunc[T], opts ...Option) *Cache[T] {
	s := settings{
		defaultTTL:         DefaultTTL,
		sweepInterval:      DefaultSweepInterval,
		preloadConcurrency: 8,
		now:                time.Now,
		metrics:            NoopMetrics{},
	}
	for _, opt := range opts {
		opt(&s)
	}

	c := &Cache[T]{
		fetch:              fetch,
		defaultTTL:         s.defaultTTL,
		sweepInterval:      s.sweepInterval,
		preloadConcurrency: s.preloadConcurrency,
		now:                s.now,
		metrics:            s.metrics,
		entries:            make(map[string]*slot[T]),
		pending:            make(map[string]*flight[T]),
		stop:               make(chan struct{}),
		sweepDone:          make(chan struct{}),
	}

	if c.sweepInterval > 0 {
		go c.sweepLoop()
	} else {
		close(c.sweepDone)
	}
	return c
}

// GenerateCacheKey is url + "?" + the JSON encoding of params with sorted keys.
func GenerateCacheKey(url string, params map[string]any) string {
	if len(params) == 0 {
		return url + "?{}"
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return url + "?" + fmt.Sprintf("%v", params)
	}
	return url + "?" + string(raw)
}

// FetchWithCache returns the cached value for url and options.Params while it
// is valid. Otherwise it joins an identical call in flight or starts one. The
// call itself is not tied to ctx: a caller whose ctx ends stops waiting, and
// the call still completes and populates the cache.
func (c *Cache[T]) FetchWithCache(ctx context.Context, url string, req RequestOptions, opts FetchOptions[T]) (T, error) {
	var zero T
	if ctx == nil {
		return zero, errors.New("context is required")
	}
	if c.fetch == nil {
		return zero, errors.New("fetch func is required")
	}

	key := GenerateCacheKey(url, opts.Params)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	if !opts.ForceRefresh {
		if s, ok := c.entries[key]; ok && c.valid(s.entry) {
			data := s.entry.Data
			c.mu.Unlock()
			c.metrics.CacheHit()
			return data, nil
		}
	}
	if f, ok := c.pending[key]; ok {
		c.mu.Unlock()
		c.metrics.Deduplicated()
		return wait(ctx, f)
	}
	f := &flight[T]{done: make(chan struct{})}
	c.pending[key] = f
	c.mu.Unlock()

	c.metrics.CacheMiss()
	call := Call{URL: url, Method: req.Method, Header: req.Header.Clone(), Params: opts.Params}
	if call.Method == "" {
		call.Method = http.MethodGet
	}
	go c.run(context.WithoutCancel(ctx), key, f, call, ttl, opts)

	return wait(ctx, f)
}

func wait[T any](ctx context.Context, f *flight[T]) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, errs.Wrap(ctx.Err(), "wait for in-flight call")
	}
}

func (c *Cache[T]) run(ctx context.Context, key string, f *flight[T], call Call, ttl time.Duration, opts FetchOptions[T]) {
	val, err := c.invoke(ctx, call)

	c.mu.Lock()
	delete(c.pending, key)
	if err == nil && !c.closed {
		c.storeLocked(key, val, call, ttl)
	}
	f.val, f.err = val, err
	c.mu.Unlock()
	// Callbacks finish before any waiter is released.
	defer close(f.done)

	if err != nil {
		c.metrics.FetchFailed()
		logging.Warn(ctx, "ttl cache fetch failed",
			slog.String("component", "ttlcache"),
			slog.String("url", call.URL),
			slog.Any("err", errs.Loggable(err)),
		)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(val)
	}
}

// invoke turns a panicking fetch into an error so waiters are always released.
func (c *Cache[T]) invoke(ctx context.Context, call Call) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.WithStack(fmt.Errorf("fetch %s panicked: %v", call.URL, r))
		}
	}()
	return c.fetch(ctx, call)
}

// storeLocked replaces the entry and its expiry timer. Caller holds c.mu.
func (c *Cache[T]) storeLocked(key string, val T, call Call, ttl time.Duration) {
	if old, ok := c.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}

	now := c.now()
	c.gen++
	gen := c.gen
	s := &slot[T]{
		entry: Entry[T]{
			Key:       key,
			Data:      val,
			CachedAt:  now,
			ExpiresAt: now.Add(ttl),
			URL:       call.URL,
			Params:    call.Params,
		},
		gen: gen,
	}
	s.timer = time.AfterFunc(ttl, func() { c.expire(key, gen) })
	c.entries[key] = s
}

// expire runs on the entry's timer. A refreshed entry has a newer generation
// and is left alone.
func (c *Cache[T]) expire(key string, gen uint64) {
	c.mu.Lock()
	s, ok := c.entries[key]
	if ok && s.gen == gen {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok && s.gen == gen {
		c.metrics.Evicted(EvictExpired, 1)
	}
}

func (c *Cache[T]) valid(e Entry[T]) bool {
	return c.now().Before(e.ExpiresAt)
}

// Get returns the cached entry for key while it is valid.
func (c *Cache[T]) Get(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	if !ok || !c.valid(s.entry) {
		return Entry[T]{}, false
	}
	return s.entry, true
}

// InvalidateCache removes the entry stored under key.
func (c *Cache[T]) InvalidateCache(key string) bool {
	c.mu.Lock()
	s, ok := c.entries[key]
	if ok {
		s.timer.Stop()
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.metrics.Evicted(EvictInvalidated, 1)
	}
	return ok
}

// InvalidatePattern removes every entry whose key matches pattern.
func (c *Cache[T]) InvalidatePattern(pattern *regexp.Regexp) int {
	if pattern == nil {
		return 0
	}

	c.mu.Lock()
	removed := 0
	for key, s := range c.entries {
		if pattern.MatchString(key) {
			s.timer.Stop()
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.metrics.Evicted(EvictInvalidated, removed)
	}
	return removed
}

// ClearCache drops every entry. Calls in flight still complete and store.
func (c *Cache[T]) ClearCache() int {
	c.mu.Lock()
	removed := len(c.entries)
	for _, s := range c.entries {
		s.timer.Stop()
	}
	c.entries = make(map[string]*slot[T])
	c.mu.Unlock()

	if removed > 0 {
		c.metrics.Evicted(EvictCleared, removed)
	}
	return removed
}

// Sweep removes expired entries and returns how many it removed.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	removed := 0
	for key, s := range c.entries {
		if !c.valid(s.entry) {
			s.timer.Stop()
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.metrics.Evicted(EvictSwept, removed)
	}
	return removed
}

func (c *Cache[T]) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// PreloadResult counts the outcome of a Preload batch.
type PreloadResult struct {
	Loaded int
	Failed int
}

// Preload fetches urls in parallel. Individual failures are counted and never
// abort the batch.
func (c *Cache[T]) Preload(ctx context.Context, urls []string, req RequestOptions, opts FetchOptions[T]) PreloadResult {
	var (
		mu     sync.Mutex
		result PreloadResult
	)

	g := new(errgroup.Group)
	g.SetLimit(c.preloadConcurrency)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			_, err := c.FetchWithCache(ctx, url, req, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				logging.Debug(ctx, "preload failed", slog.String("url", url), slog.Any("err", errs.Loggable(err)))
				return nil
			}
			result.Loaded++
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// EntryInfo summarizes one entry for Stats.
type EntryInfo struct {
	Key       string    `json:"key" yaml:"key"`
	URL       string    `json:"url" yaml:"url"`
	CachedAt  time.Time `json:"cached_at" yaml:"cached_at"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

type Stats struct {
	TotalEntries   int `json:"total_entries" yaml:"total_entries"`
	ValidEntries   int `json:"valid_entries" yaml:"valid_entries"`
	ExpiredEntries int `json:"expired_entries" yaml:"expired_entries"`
	// TotalSize approximates memory use as the JSON length of every entry.
	TotalSize   int        `json:"total_size" yaml:"total_size"`
	OldestEntry *EntryInfo `json:"oldest_entry,omitempty" yaml:"oldest_entry,omitempty"`
	NewestEntry *EntryInfo `json:"newest_entry,omitempty" yaml:"newest_entry,omitempty"`
	Loading     int        `json:"loading" yaml:"loading"`
}

func (c *Cache[T]) CacheStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{TotalEntries: len(c.entries), Loading: len(c.pending)}
	for _, s := range c.entries {
		e := s.entry
		if c.valid(e) {
			st.ValidEntries++
		} else {
			st.ExpiredEntries++
		}
		if raw, err := json.Marshal(e); err == nil {
			st.TotalSize += len(raw)
		}

		info := &EntryInfo{Key: e.Key, URL: e.URL, CachedAt: e.CachedAt, ExpiresAt: e.ExpiresAt}
		if st.OldestEntry == nil || e.CachedAt.Before(st.OldestEntry.CachedAt) {
			st.OldestEntry = info
		}
		if st.NewestEntry == nil || e.CachedAt.After(st.NewestEntry.CachedAt) {
			st.NewestEntry = info
		}
	}
	return st
}

// IsLoading reports whether a call for url and params is in flight.
func (c *Cache[T]) IsLoading(url string, params map[string]any) bool {
	key := GenerateCacheKey(url, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// Len is the number of stored entries, expired ones included until removed.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys lists stored keys in sorted order.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.entries))
	for key := range c.entries {
		out = append(out, key)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close stops the sweeper and every expiry timer. Later fetches fail with
// ErrClosed.
func (c *Cache[T]) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, s := range c.entries {
			s.timer.Stop()
		}
		c.mu.Unlock()
		close(c.stop)
	})
	<-c.sweepDone
	return nil
}
