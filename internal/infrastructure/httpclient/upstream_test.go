package httpclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestUpstreamTransportRewritesOriginRequests(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, "upstream")
	}))
	defer upstream.Close()

	origin, _ := url.Parse("https://app.example.com")

	tests := []struct {
		name     string
		upstream string
		target   string
		wantPath string
	}{
		{name: "root upstream", upstream: upstream.URL, target: "https://app.example.com/static/app.js?v=2", wantPath: "/static/app.js"},
		{name: "upstream with path prefix", upstream: upstream.URL + "/site/", target: "https://app.example.com/static/app.js?v=2", wantPath: "/site/static/app.js"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, _ := url.Parse(tt.upstream)
			client := NewClient(0, NewUpstreamTransport(origin, up, upstream.Client().Transport))
			resp, err := client.Get(tt.target)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if string(body) != "upstream" {
				t.Fatalf("body = %q", body)
			}
			if gotPath != tt.wantPath || gotQuery != "v=2" {
				t.Fatalf("upstream saw %q?%q, want %q?v=2", gotPath, gotQuery, tt.wantPath)
			}
		})
	}
}

func TestUpstreamTransportPassesOtherHostsThrough(t *testing.T) {
	var hits int
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = io.WriteString(w, "other")
	}))
	defer other.Close()

	origin, _ := url.Parse("https://app.example.com")
	up, _ := url.Parse("http://127.0.0.1:1")
	client := NewClient(0, NewUpstreamTransport(origin, up, other.Client().Transport))
	resp, err := client.Get(other.URL + "/cdn/lib.js")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if hits != 1 {
		t.Fatalf("other host hits = %d, want 1", hits)
	}
}

func TestNewUpstreamTransportSameHostIsNoop(t *testing.T) {
	origin, _ := url.Parse("https://app.example.com")
	next := http.DefaultTransport
	if got := NewUpstreamTransport(origin, origin, next); got != next {
		t.Fatalf("NewUpstreamTransport(same host) = %T, want next unchanged", got)
	}
}
