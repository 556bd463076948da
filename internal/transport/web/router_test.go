package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/infrastructure/cache"
	"pwacache/internal/infrastructure/httpclient"
	"pwacache/internal/infrastructure/metrics"
	"pwacache/internal/ttlcache"
	"pwacache/internal/usecase/interceptor"
	"pwacache/internal/usecase/lifecycle"
	"pwacache/internal/usecase/strategy"
)

type upstream struct {
	server    *httptest.Server
	syncCalls atomic.Int32
	dataCalls atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/sync":
			u.syncCalls.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case "/api/data":
			n := u.dataCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"page":%q,"call":%d}`, r.URL.Query().Get("page"), n)
		default:
			fmt.Fprintf(w, "asset:%s", r.URL.Path)
		}
	}))
	t.Cleanup(u.server.Close)
	return u
}

type env struct {
	upstream *upstream
	manager  *lifecycle.Manager
	ttl      *ttlcache.Cache[json.RawMessage]
	server   *httptest.Server
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	up := newUpstream(t)
	originURL, err := url.Parse(up.server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}

	prom := metrics.NewPrometheus()
	store := cache.NewMemoryStore()
	registry := swcache.DefaultRegistry()
	manager := lifecycle.NewManager(lifecycle.Deps{
		Store:   store,
		Fetcher: up.server.Client(),
		Origin:  originURL,
		Metrics: prom,
	})
	if err := manager.Install(ctx, swcache.Manifest{Version: "v1", Assets: []string{"/", "/static/js/bundle.js"}}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := manager.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	engine := strategy.NewEngine(store, up.server.Client(), strategy.WithCapacity(registry.Capacity), strategy.WithMetrics(prom))
	t.Cleanup(func() { _ = engine.Drain(context.Background()) })
	classifier := swcache.NewClassifier(originURL, swcache.DefaultAPIPrefix)
	icpt := interceptor.New(classifier, registry, engine, manager, up.server.Client().Transport)

	fetcher := httpclient.NewJSONFetcher[json.RawMessage](httpclient.NewClient(5*time.Second, up.server.Client().Transport), originURL)
	ttl := ttlcache.New(fetcher.Fetch, ttlcache.WithSweepInterval(0), ttlcache.WithMetrics(prom.TTL()))
	t.Cleanup(func() { _ = ttl.Close() })

	router := NewRouter(Deps{
		Manager:     manager,
		Control:     lifecycle.NewControlHandler(manager, ttl),
		Proxy:       interceptor.NewProxy(icpt, originURL),
		Transport:   icpt,
		SyncURL:     originURL.ResolveReference(&url.URL{Path: "/api/notifications/sync"}),
		TTL:         ttl,
		Metrics:     prom.Handler(),
		MetricsPath: "/metrics",
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &env{upstream: up, manager: manager, ttl: ttl, server: server}
}

func (e *env) do(t *testing.T, method string, path string, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(raw)
}

func TestStatusReportsActiveVersion(t *testing.T) {
	e := setupEnv(t)

	resp, body := e.do(t, http.MethodGet, "/_sw/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, body = %s", resp.StatusCode, body)
	}
	var st lifecycle.Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Active != "v1" {
		t.Fatalf("active = %q, want v1", st.Active)
	}
}

func TestControlRoute(t *testing.T) {
	e := setupEnv(t)

	resp, body := e.do(t, http.MethodPost, "/_sw/control", `{"type":"cache-size"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache-size status = %d, body = %s", resp.StatusCode, body)
	}
	var result swcache.ControlResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.Size != 2 {
		t.Fatalf("result = %+v, want success with size 2", result)
	}

	resp, _ = e.do(t, http.MethodPost, "/_sw/control", `{"type":"reboot"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown control status = %d, want 400", resp.StatusCode)
	}
}

func TestProxyServesPrecachedAsset(t *testing.T) {
	e := setupEnv(t)

	resp, body := e.do(t, http.MethodGet, "/static/js/bundle.js", "")
	if resp.StatusCode != http.StatusOK || body != "asset:/static/js/bundle.js" {
		t.Fatalf("proxy response = %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(swcache.CacheStatusHeader); got != swcache.CacheStatusHit {
		t.Fatalf("cache status = %q, want hit", got)
	}
}

func TestSyncReplaysEndpoint(t *testing.T) {
	e := setupEnv(t)

	resp, body := e.do(t, http.MethodPost, "/_sw/sync", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d, body = %s", resp.StatusCode, body)
	}
	if got := e.upstream.syncCalls.Load(); got != 1 {
		t.Fatalf("sync calls = %d, want 1", got)
	}
	if !strings.Contains(body, `"status":204`) {
		t.Fatalf("sync body = %s", body)
	}
}

func TestJSONRouteDeduplicatesThroughTTLCache(t *testing.T) {
	e := setupEnv(t)

	_, first := e.do(t, http.MethodGet, "/_sw/json?url=/api/data&page=2", "")
	_, second := e.do(t, http.MethodGet, "/_sw/json?url=/api/data&page=2", "")
	if first != second {
		t.Fatalf("second response %q differs from cached %q", second, first)
	}
	if got := e.upstream.dataCalls.Load(); got != 1 {
		t.Fatalf("data calls = %d, want 1", got)
	}

	_, body := e.do(t, http.MethodGet, "/_sw/json/stats", "")
	var stats ttlcache.Stats
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	resp, _ := e.do(t, http.MethodPost, "/_sw/control", `{"type":"invalidate","pattern":"^/api/data"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invalidate status = %d", resp.StatusCode)
	}
	if e.ttl.Len() != 0 {
		t.Fatalf("ttl entries after invalidate = %d", e.ttl.Len())
	}

	resp, _ = e.do(t, http.MethodGet, "/_sw/json", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing url status = %d, want 400", resp.StatusCode)
	}
}

func TestJSONDeleteInvalidatesMatchingKeysOnly(t *testing.T) {
	e := setupEnv(t)
	e.do(t, http.MethodGet, "/_sw/json?url=/api/data&page=1", "")
	e.do(t, http.MethodGet, "/_sw/json?url=/api/data&page=2", "")
	if e.ttl.Len() != 2 {
		t.Fatalf("ttl entries = %d, want 2", e.ttl.Len())
	}

	resp, body := e.do(t, http.MethodDelete, "/_sw/json?pattern="+url.QueryEscape(`page":"1`), "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"removed":1`) {
		t.Fatalf("delete pattern = %d %s", resp.StatusCode, body)
	}
	keys := e.ttl.Keys()
	if len(keys) != 1 || !strings.Contains(keys[0], `"page":"2"`) {
		t.Fatalf("remaining keys = %v, want only page 2", keys)
	}

	resp, _ = e.do(t, http.MethodDelete, "/_sw/json?pattern="+url.QueryEscape("("), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad pattern status = %d, want 400", resp.StatusCode)
	}
	if e.ttl.Len() != 1 {
		t.Fatalf("bad pattern removed entries, left %d", e.ttl.Len())
	}

	resp, body = e.do(t, http.MethodDelete, "/_sw/json", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"removed":1`) || e.ttl.Len() != 0 {
		t.Fatalf("clear all = %d %s, left %d", resp.StatusCode, body, e.ttl.Len())
	}
}

func TestEventsStreamControllerChange(t *testing.T) {
	e := setupEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/_sw/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello helloEvent
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != eventHello || hello.Controller != "v1" || hello.ClientID == "" {
		t.Fatalf("hello = %+v", hello)
	}

	ctx := context.Background()
	if err := e.manager.Install(ctx, swcache.Manifest{Version: "v2", Assets: []string{"/"}}); err != nil {
		t.Fatalf("Install(v2) error = %v", err)
	}
	if _, err := e.manager.Activate(ctx); err != nil {
		t.Fatalf("Activate(v2) error = %v", err)
	}

	var event lifecycle.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != lifecycle.EventControllerChange || event.Version != "v2" {
		t.Fatalf("event = %+v", event)
	}
}

func TestMetricsRoute(t *testing.T) {
	e := setupEnv(t)
	e.do(t, http.MethodGet, "/static/js/bundle.js", "")

	resp, body := e.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "pwacache_responses_total") {
		t.Fatalf("metrics body missing responses counter")
	}
}
