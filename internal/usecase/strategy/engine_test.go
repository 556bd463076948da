package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/infrastructure/cache"
	"pwacache/internal/ports"
)

type fakeNetwork struct {
	mu     sync.Mutex
	calls  atomic.Int32
	status int
	body   string
	fail   bool
	header http.Header
	gate   chan struct{}
}

func (f *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("connection refused")
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	header := f.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Request:    req,
	}, nil
}

func (f *fakeNetwork) set(status int, body string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
	f.fail = fail
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, network *fakeNetwork, opts ...Option) (*Engine, *cache.MemoryStore, *clock) {
	t.Helper()

	store := cache.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewEngine(store, network, opts...), store, clk
}

func target(strategy swcache.Strategy, maxAge time.Duration) Target {
	return Target{
		Class:     swcache.ClassAPI,
		Namespace: swcache.Namespace{Version: "v1", Bucket: swcache.BucketAPI},
		Config:    swcache.CacheConfig{Strategy: strategy, Bucket: swcache.BucketAPI, MaxAge: maxAge, MaxEntries: 50},
	}
}

func newRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_ = resp.Body.Close()
	return string(raw)
}

func seed(t *testing.T, store ports.NamespaceStore, tgt Target, url, body string, capturedAt time.Time) {
	t.Helper()
	named, err := store.Open(context.Background(), tgt.Namespace)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	if err := named.Put(context.Background(), url, swcache.NewStoredResponse(resp, []byte(body), capturedAt)); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestCacheFirstFreshEntrySkipsNetwork(t *testing.T) {
	network := &fakeNetwork{body: "network"}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyCacheFirst, time.Hour)
	url := "https://app.test/api/items"
	seed(t, store, tgt, url, "cached", clk.Now().Add(-time.Minute))

	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "cached" {
		t.Fatalf("body = %q, want cached", got)
	}
	if resp.Header.Get(swcache.CacheStatusHeader) != swcache.CacheStatusHit {
		t.Fatalf("status header = %q", resp.Header.Get(swcache.CacheStatusHeader))
	}
	if network.calls.Load() != 0 {
		t.Fatalf("network calls = %d, want 0", network.calls.Load())
	}
}

func TestCacheFirstStaleEntryRefetchesAndStores(t *testing.T) {
	network := &fakeNetwork{body: "fresh"}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyCacheFirst, time.Hour)
	url := "https://app.test/static/app.js"
	seed(t, store, tgt, url, "old", clk.Now().Add(-2*time.Hour))

	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "fresh" {
		t.Fatalf("body = %q, want fresh", got)
	}
	if resp.Header.Get(swcache.CacheStatusHeader) != swcache.CacheStatusMiss {
		t.Fatalf("status header = %q", resp.Header.Get(swcache.CacheStatusHeader))
	}

	network.set(0, "", true)
	resp, err = engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute(second) error = %v", err)
	}
	if got := readBody(t, resp); got != "fresh" {
		t.Fatalf("second body = %q, want stored fresh copy", got)
	}
	if network.calls.Load() != 1 {
		t.Fatalf("network calls = %d, want 1", network.calls.Load())
	}
}

func TestCacheFirstNetworkFailure(t *testing.T) {
	cases := []struct {
		name       string
		seeded     bool
		wantStatus int
		wantBody   string
		wantHeader string
	}{
		{name: "stale entry served", seeded: true, wantStatus: http.StatusOK, wantBody: "old", wantHeader: swcache.CacheStatusStale},
		{name: "offline response", seeded: false, wantStatus: http.StatusServiceUnavailable, wantBody: "Offline", wantHeader: swcache.CacheStatusOffline},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			network := &fakeNetwork{fail: true}
			engine, store, clk := newTestEngine(t, network)
			tgt := target(swcache.StrategyCacheFirst, time.Hour)
			url := "https://app.test/static/app.css"
			if tc.seeded {
				seed(t, store, tgt, url, "old", clk.Now().Add(-48*time.Hour))
			}

			resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if got := readBody(t, resp); got != tc.wantBody {
				t.Fatalf("body = %q, want %q", got, tc.wantBody)
			}
			if got := resp.Header.Get(swcache.CacheStatusHeader); got != tc.wantHeader {
				t.Fatalf("cache status = %q, want %q", got, tc.wantHeader)
			}
		})
	}
}

func TestNonSuccessResponsesAreNotStored(t *testing.T) {
	for _, strategy := range []swcache.Strategy{swcache.StrategyCacheFirst, swcache.StrategyNetworkFirst, swcache.StrategyStaleWhileRevalidate} {
		t.Run(string(strategy), func(t *testing.T) {
			network := &fakeNetwork{status: http.StatusNotFound, body: "missing"}
			engine, store, _ := newTestEngine(t, network)
			tgt := target(strategy, time.Hour)
			url := "https://app.test/api/missing"

			resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if resp.StatusCode != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", resp.StatusCode)
			}

			named, _ := store.Open(context.Background(), tgt.Namespace)
			if _, found, _ := named.Match(context.Background(), url); found {
				t.Fatalf("404 response was stored")
			}
		})
	}
}

func TestNetworkFirstFallback(t *testing.T) {
	cases := []struct {
		name     string
		age      time.Duration
		seeded   bool
		wantErr  bool
		wantBody string
	}{
		{name: "fresh cache served", seeded: true, age: time.Minute, wantBody: "cached"},
		{name: "stale cache rejected", seeded: true, age: time.Hour, wantErr: true},
		{name: "no cache propagates failure", seeded: false, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			network := &fakeNetwork{fail: true}
			engine, store, clk := newTestEngine(t, network)
			tgt := target(swcache.StrategyNetworkFirst, 5*time.Minute)
			url := "https://app.test/api/profile"
			if tc.seeded {
				seed(t, store, tgt, url, "cached", clk.Now().Add(-tc.age))
			}

			resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
			if tc.wantErr {
				if !errors.Is(err, swcache.ErrNetwork) {
					t.Fatalf("Execute() error = %v, want ErrNetwork", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := readBody(t, resp); got != tc.wantBody {
				t.Fatalf("body = %q, want %q", got, tc.wantBody)
			}
		})
	}
}

func TestNetworkFirstPrefersNetwork(t *testing.T) {
	network := &fakeNetwork{body: "live"}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyNetworkFirst, 5*time.Minute)
	url := "https://app.test/api/profile"
	seed(t, store, tgt, url, "cached", clk.Now())

	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "live" {
		t.Fatalf("body = %q, want live", got)
	}

	named, _ := store.Open(context.Background(), tgt.Namespace)
	stored, found, _ := named.Match(context.Background(), url)
	if !found || string(stored.Body) != "live" {
		t.Fatalf("stored entry not refreshed: %v", stored)
	}
	if _, ok := stored.CaptureTime(); !ok {
		t.Fatalf("stored entry has no Date header")
	}
	if stored.Header.Get(swcache.CacheStatusHeader) != "" {
		t.Fatalf("cache status header persisted")
	}
}

func TestStaleWhileRevalidateReturnsCachedWithoutWaiting(t *testing.T) {
	network := &fakeNetwork{body: "updated", gate: make(chan struct{})}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyStaleWhileRevalidate, time.Hour)
	url := "https://app.test/img/logo.png"
	seed(t, store, tgt, url, "original", clk.Now().Add(-2*time.Hour))

	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "original" {
		t.Fatalf("body = %q, want original", got)
	}
	if resp.Header.Get(swcache.CacheStatusHeader) != swcache.CacheStatusStale {
		t.Fatalf("cache status = %q, want stale", resp.Header.Get(swcache.CacheStatusHeader))
	}

	close(network.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	resp, err = engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute(second) error = %v", err)
	}
	if got := readBody(t, resp); got != "updated" {
		t.Fatalf("second body = %q, want updated", got)
	}
	if err := engine.Drain(ctx); err != nil {
		t.Fatalf("Drain(second) error = %v", err)
	}
}

func TestStaleWhileRevalidateRevalidationOutlivesRequest(t *testing.T) {
	network := &fakeNetwork{body: "updated", gate: make(chan struct{})}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyStaleWhileRevalidate, time.Hour)
	url := "https://app.test/img/hero.webp"
	seed(t, store, tgt, url, "original", clk.Now())

	reqCtx, cancelReq := context.WithCancel(context.Background())
	if _, err := engine.Execute(reqCtx, newRequest(t, http.MethodGet, url), tgt); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	cancelReq()
	close(network.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	named, _ := store.Open(context.Background(), tgt.Namespace)
	stored, found, _ := named.Match(context.Background(), url)
	if !found || string(stored.Body) != "updated" {
		t.Fatalf("revalidation did not store: %v", stored)
	}
}

func TestRevalidationStopsOnceDraining(t *testing.T) {
	network := &fakeNetwork{body: "updated"}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyStaleWhileRevalidate, time.Hour)
	url := "https://app.test/img/banner.png"
	seed(t, store, tgt, url, "original", clk.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				req, _ := http.NewRequest(http.MethodGet, url, nil)
				resp, err := engine.Execute(context.Background(), req, tgt)
				if err != nil {
					t.Errorf("Execute() error = %v", err)
					return
				}
				_ = resp.Body.Close()
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	wg.Wait()

	before := network.calls.Load()
	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute(after drain) error = %v", err)
	}
	if got := readBody(t, resp); got != "original" && got != "updated" {
		t.Fatalf("body = %q", got)
	}
	if err := engine.Drain(ctx); err != nil {
		t.Fatalf("Drain(second) error = %v", err)
	}
	if after := network.calls.Load(); after != before {
		t.Fatalf("network calls after drain = %d, want %d", after, before)
	}
}

func TestStaleWhileRevalidateWithoutCache(t *testing.T) {
	network := &fakeNetwork{fail: true}
	engine, _, _ := newTestEngine(t, network)
	tgt := target(swcache.StrategyStaleWhileRevalidate, time.Hour)

	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, "https://app.test/img/a.gif"), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if network.calls.Load() != 1 {
		t.Fatalf("network calls = %d, want 1", network.calls.Load())
	}
}

func TestNetworkOnlyNeverTouchesCache(t *testing.T) {
	network := &fakeNetwork{body: "live"}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyNetworkOnly, time.Hour)
	url := "https://app.test/api/live"
	seed(t, store, tgt, url, "cached", clk.Now())

	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "live" {
		t.Fatalf("body = %q, want live", got)
	}
	if resp.Header.Get(swcache.CacheStatusHeader) != swcache.CacheStatusBypass {
		t.Fatalf("cache status = %q", resp.Header.Get(swcache.CacheStatusHeader))
	}

	network.set(0, "", true)
	if _, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt); !errors.Is(err, swcache.ErrNetwork) {
		t.Fatalf("Execute(offline) error = %v, want ErrNetwork", err)
	}
}

func TestCacheOnly(t *testing.T) {
	network := &fakeNetwork{body: "live"}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyCacheOnly, time.Minute)
	url := "https://app.test/api/offline"

	if _, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt); !errors.Is(err, swcache.ErrNotCached) {
		t.Fatalf("Execute(empty) error = %v, want ErrNotCached", err)
	}

	seed(t, store, tgt, url, "ancient", clk.Now().Add(-24*time.Hour))
	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, url), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "ancient" {
		t.Fatalf("body = %q, want ancient", got)
	}
	if network.calls.Load() != 0 {
		t.Fatalf("network calls = %d, want 0", network.calls.Load())
	}
}

func TestNonGetRequestsGoToNetworkOnly(t *testing.T) {
	network := &fakeNetwork{body: "created"}
	engine, store, clk := newTestEngine(t, network)
	tgt := target(swcache.StrategyCacheFirst, time.Hour)
	url := "https://app.test/api/items"
	seed(t, store, tgt, url, "cached", clk.Now())

	resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodPost, url), tgt)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "created" {
		t.Fatalf("body = %q, want created", got)
	}

	named, _ := store.Open(context.Background(), tgt.Namespace)
	stored, _, _ := named.Match(context.Background(), url)
	if string(stored.Body) != "cached" {
		t.Fatalf("POST overwrote cache entry: %q", stored.Body)
	}
}

type recordingMetrics struct {
	ports.NoopMetrics
	mu        sync.Mutex
	evictions int
	statuses  []string
}

func (m *recordingMetrics) ObserveResponse(_ swcache.ResourceClass, _ swcache.Strategy, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *recordingMetrics) ObserveEviction(_ swcache.Namespace, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions += removed
}

func TestPutTrimsBucketToCapacity(t *testing.T) {
	network := &fakeNetwork{body: "x"}
	metrics := &recordingMetrics{}
	engine, store, clk := newTestEngine(t, network,
		WithCapacity(func(swcache.Bucket) int { return 2 }),
		WithMetrics(metrics),
	)
	tgt := target(swcache.StrategyNetworkFirst, time.Hour)

	for _, path := range []string{"/api/a", "/api/b", "/api/c"} {
		clk.Advance(time.Second)
		resp, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, "https://app.test"+path), tgt)
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", path, err)
		}
		_ = resp.Body.Close()
	}

	named, _ := store.Open(context.Background(), tgt.Namespace)
	keys, _ := named.Keys(context.Background())
	if len(keys) != 2 || keys[0] != "https://app.test/api/b" || keys[1] != "https://app.test/api/c" {
		t.Fatalf("Keys() = %v", keys)
	}
	if metrics.evictions != 1 {
		t.Fatalf("evictions = %d, want 1", metrics.evictions)
	}
	if len(metrics.statuses) != 3 || metrics.statuses[0] != swcache.CacheStatusMiss {
		t.Fatalf("statuses = %v", metrics.statuses)
	}
}

type brokenStore struct{ ports.NamespaceStore }

func (brokenStore) Open(context.Context, swcache.Namespace) (ports.NamedCache, error) {
	return nil, errors.New("disk full")
}

func TestOpenFailureIsCacheUnavailable(t *testing.T) {
	network := &fakeNetwork{body: "x"}
	engine := NewEngine(brokenStore{}, network)

	_, err := engine.Execute(context.Background(), newRequest(t, http.MethodGet, "https://app.test/api/x"), target(swcache.StrategyCacheFirst, time.Hour))
	if !errors.Is(err, swcache.ErrCacheUnavailable) {
		t.Fatalf("Execute() error = %v, want ErrCacheUnavailable", err)
	}
	if network.calls.Load() != 0 {
		t.Fatalf("network calls = %d, want 0", network.calls.Load())
	}
}
