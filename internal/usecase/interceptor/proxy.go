package interceptor

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy serves inbound HTTP requests through an http.RoundTripper, normally an
// Interceptor. With a base URL set, request paths are resolved against it;
// without one, only absolute-form (forward proxy) requests are accepted.
type Proxy struct {
	transport http.RoundTripper
	base      *url.URL
}

var _ http.Handler = (*Proxy)(nil)

func NewProxy(transport http.RoundTripper, base *url.URL) *Proxy {
	return &Proxy{transport: transport, base: base}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logging.WithAttrs(r.Context(), slog.String("component", "interceptor.proxy"))

	outbound, err := p.outboundRequest(r)
	if err != nil {
		logging.Warn(ctx, "reject proxy request", slog.Any("err", errs.Loggable(err)))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := p.transport.RoundTrip(outbound)
	if err != nil {
		status := StatusForError(err)
		logging.Warn(logging.WithRequest(ctx, outbound.Method, outbound.URL.String()), "proxy request failed",
			slog.Int("status", status),
			slog.Any("err", errs.Loggable(err)),
		)
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	removeHopHeaders(header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug(ctx, "copy proxy response body", slog.Any("err", errs.Loggable(err)))
	}
}

func (p *Proxy) outboundRequest(r *http.Request) (*http.Request, error) {
	var target *url.URL
	switch {
	case p.base != nil:
		target = p.base.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	case r.URL.IsAbs():
		u := *r.URL
		target = &u
	default:
		return nil, errors.New("no base URL configured and request URL is not absolute")
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL = target
	out.Host = target.Host
	removeHopHeaders(out.Header)
	return out, nil
}

// StatusForError maps interception failures to proxy status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, swcache.ErrNotCached):
		return http.StatusGatewayTimeout
	case errors.Is(err, swcache.ErrCacheUnavailable):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func removeHopHeaders(h http.Header) {
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
