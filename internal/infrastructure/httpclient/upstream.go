package httpclient

import (
	"net/http"
	"net/url"
	"strings"
)

// UpstreamTransport sends requests addressed to the public origin to the
// upstream server instead. Callers keep building URLs, cache keys and
// classifications against the origin; only the network leg moves.
type UpstreamTransport struct {
	origin   *url.URL
	upstream *url.URL
	next     http.RoundTripper
}

var _ http.RoundTripper = (*UpstreamTransport)(nil)

// NewUpstreamTransport returns next unchanged when upstream is nil or serves
// the same scheme and host as origin.
func NewUpstreamTransport(origin, upstream *url.URL, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if origin == nil || upstream == nil || sameHost(origin, upstream) {
		return next
	}
	return &UpstreamTransport{origin: origin, upstream: upstream, next: next}
}

func (t *UpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || !sameHost(req.URL, t.origin) {
		return t.next.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	u := *req.URL
	u.Scheme = t.upstream.Scheme
	u.Host = t.upstream.Host
	if prefix := strings.TrimSuffix(t.upstream.Path, "/"); prefix != "" {
		u.Path = prefix + u.Path
		if u.RawPath != "" {
			u.RawPath = strings.TrimSuffix(t.upstream.EscapedPath(), "/") + u.RawPath
		}
	}
	out.URL = &u
	out.Host = ""
	return t.next.RoundTrip(out)
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
