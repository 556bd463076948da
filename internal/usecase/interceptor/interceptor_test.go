package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/infrastructure/cache"
	"pwacache/internal/usecase/strategy"
)

type staticVersion string

func (v staticVersion) ActiveVersion() (string, bool) {
	return string(v), v != ""
}

type origin struct {
	server *httptest.Server
	hits   atomic.Int32
	up     atomic.Bool
}

func newOrigin(t *testing.T) *origin {
	t.Helper()

	o := &origin{}
	o.up.Store(true)
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if !o.up.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s #%d", r.Method, r.URL.Path, o.hits.Load())
	}))
	t.Cleanup(o.server.Close)
	return o
}

func newInterceptor(t *testing.T, o *origin, version string) (*Interceptor, *cache.MemoryStore) {
	t.Helper()

	originURL, err := url.Parse(o.server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	store := cache.NewMemoryStore()
	registry := swcache.DefaultRegistry()
	engine := strategy.NewEngine(store, o.server.Client(), strategy.WithCapacity(registry.Capacity))
	t.Cleanup(func() { _ = engine.Drain(context.Background()) })

	classifier := swcache.NewClassifier(originURL, swcache.DefaultAPIPrefix)
	return New(classifier, registry, engine, staticVersion(version), o.server.Client().Transport), store
}

func get(t *testing.T, rt http.RoundTripper, rawURL string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip(%s) error = %v", rawURL, err)
	}
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(raw)
}

func TestDecide(t *testing.T) {
	o := newOrigin(t)
	ic, _ := newInterceptor(t, o, "v1")

	cases := []struct {
		name      string
		url       string
		header    map[string]string
		handled   bool
		class     swcache.ResourceClass
		namespace swcache.Namespace
	}{
		{name: "api", url: o.server.URL + "/api/items", handled: true, class: swcache.ClassAPI, namespace: swcache.Namespace{Version: "v1", Bucket: swcache.BucketAPI}},
		{name: "cross origin api", url: "https://api.elsewhere.test/api/x", handled: true, class: swcache.ClassAPI, namespace: swcache.Namespace{Version: "v1", Bucket: swcache.BucketAPI}},
		{name: "image", url: o.server.URL + "/img/a.PNG", handled: true, class: swcache.ClassImage, namespace: swcache.Namespace{Version: "v1", Bucket: swcache.BucketDynamic}},
		{name: "static", url: o.server.URL + "/static/js/bundle.js", handled: true, class: swcache.ClassStatic, namespace: swcache.Namespace{Version: "v1", Bucket: swcache.BucketStatic}},
		{name: "document", url: o.server.URL + "/about", header: map[string]string{"Accept": "text/html"}, handled: true, class: swcache.ClassDocument, namespace: swcache.Namespace{Version: "v1", Bucket: swcache.BucketDynamic}},
		{name: "cross origin image", url: "https://cdn.test/a.png", handled: false},
		{name: "unclassified", url: o.server.URL + "/data.bin", handled: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, tc.url, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			target, handled := ic.Decide(req)
			if handled != tc.handled {
				t.Fatalf("Decide() handled = %v, want %v", handled, tc.handled)
			}
			if !handled {
				return
			}
			if target.Class != tc.class || target.Namespace != tc.namespace {
				t.Fatalf("Decide() = %+v", target)
			}
		})
	}
}

func TestPassThroughWithoutActiveVersion(t *testing.T) {
	o := newOrigin(t)
	ic, store := newInterceptor(t, o, "")

	resp := get(t, ic, o.server.URL+"/static/app.js", nil)
	if got := body(t, resp); got != "GET /static/app.js #1" {
		t.Fatalf("body = %q", got)
	}
	if resp.Header.Get(swcache.CacheStatusHeader) != "" {
		t.Fatalf("pass-through response carries cache status")
	}
	namespaces, _ := store.Namespaces(context.Background())
	if len(namespaces) != 0 {
		t.Fatalf("pass-through opened namespaces: %v", namespaces)
	}
}

func TestStaticServedFromCacheAfterFirstFetch(t *testing.T) {
	o := newOrigin(t)
	ic, _ := newInterceptor(t, o, "v1")

	first := body(t, get(t, ic, o.server.URL+"/static/app.js", nil))
	second := get(t, ic, o.server.URL+"/static/app.js", nil)
	if got := body(t, second); got != first {
		t.Fatalf("second body = %q, want cached %q", got, first)
	}
	if second.Header.Get(swcache.CacheStatusHeader) != swcache.CacheStatusHit {
		t.Fatalf("cache status = %q", second.Header.Get(swcache.CacheStatusHeader))
	}
	if o.hits.Load() != 1 {
		t.Fatalf("origin hits = %d, want 1", o.hits.Load())
	}
}

func TestProxyRewritesOntoUpstream(t *testing.T) {
	o := newOrigin(t)
	ic, _ := newInterceptor(t, o, "v1")
	upstream, _ := url.Parse(o.server.URL)
	proxy := httptest.NewServer(NewProxy(ic, upstream))
	t.Cleanup(proxy.Close)

	resp, err := http.Get(proxy.URL + "/api/items?page=2")
	if err != nil {
		t.Fatalf("GET via proxy: %v", err)
	}
	if got := body(t, resp); got != "GET /api/items #1" {
		t.Fatalf("body = %q", got)
	}
	if resp.Header.Get(swcache.CacheStatusHeader) != swcache.CacheStatusMiss {
		t.Fatalf("cache status = %q", resp.Header.Get(swcache.CacheStatusHeader))
	}
}

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, f.err }

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("x: %w", swcache.ErrNotCached), want: http.StatusGatewayTimeout},
		{err: fmt.Errorf("x: %w", swcache.ErrCacheUnavailable), want: http.StatusInternalServerError},
		{err: fmt.Errorf("x: %w", swcache.ErrNetwork), want: http.StatusBadGateway},
		{err: errors.New("other"), want: http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := StatusForError(tc.err); got != tc.want {
			t.Fatalf("StatusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}

	upstream, _ := url.Parse("http://origin.invalid")
	rec := httptest.NewRecorder()
	NewProxy(failingTransport{err: swcache.ErrNotCached}, upstream).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("proxy status = %d, want 504", rec.Code)
	}
}

func TestProxyRejectsRelativeWithoutUpstream(t *testing.T) {
	rec := httptest.NewRecorder()
	NewProxy(failingTransport{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
