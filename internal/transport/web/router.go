package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/infrastructure/httpclient"
	"pwacache/internal/ttlcache"
	"pwacache/internal/usecase/lifecycle"
)

// maxControlBody bounds control message payloads.
const maxControlBody = 64 << 10

type Deps struct {
	Manager *lifecycle.Manager
	Control *lifecycle.ControlHandler
	// Proxy serves every path not claimed by the control routes.
	Proxy http.Handler
	// Transport replays background sync requests. It should be the
	// interceptor so the request takes the network-only path.
	Transport http.RoundTripper
	// SyncURL is the absolute URL replayed by POST /_sw/sync. Empty disables
	// the route.
	SyncURL *url.URL
	TTL     *ttlcache.Cache[json.RawMessage]
	// Metrics is mounted at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string
}

type handler struct {
	deps Deps
}

type errorResponse struct {
	Error string `json:"error"`
}

type syncResponse struct {
	Status int    `json:"status"`
	URL    string `json:"url"`
}

// NewRouter mounts the /_sw control surface in front of the caching proxy.
func NewRouter(deps Deps) http.Handler {
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/_sw", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/caches", h.caches)
		r.Post("/control", h.control)
		r.Get("/events", h.events)
		if deps.SyncURL != nil {
			r.Post("/sync", h.sync)
		}
		if deps.TTL != nil {
			r.Get("/json", h.fetchJSON)
			r.Get("/json/stats", h.jsonStats)
			r.Delete("/json", h.clearJSON)
		}
	})
	if deps.Metrics != nil && deps.MetricsPath != "" {
		r.Handle(deps.MetricsPath, deps.Metrics)
	}
	if deps.Proxy != nil {
		r.Handle("/*", deps.Proxy)
	}
	return r
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Manager.Status())
}

func (h *handler) caches(w http.ResponseWriter, r *http.Request) {
	infos, err := h.deps.Manager.Namespaces(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handler) control(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(err, "read control message"))
		return
	}
	msg, err := swcache.DecodeControlMessage(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result := h.deps.Control.Handle(r.Context(), msg)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

// sync replays the configured sync endpoint once. Failures are reported to
// the caller and logged; nothing is queued for retry.
func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	ctx := logging.WithComponent(r.Context(), "web.sync")
	target := h.deps.SyncURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errs.Wrap(err, "build sync request"))
		return
	}
	resp, err := h.deps.Transport.RoundTrip(req)
	if err != nil {
		logging.Warn(ctx, "background sync failed", slog.String("url", target), slog.Any("err", errs.Loggable(err)))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	logging.Info(ctx, "background sync replayed", slog.String("url", target), slog.Int("status", resp.StatusCode))
	writeJSON(w, http.StatusOK, syncResponse{Status: resp.StatusCode, URL: target})
}

// fetchJSON serves GET /_sw/json?url=...&ttl=30s&force=true through the TTL
// cache. Every other query parameter becomes a request param and part of the
// cache key.
func (h *handler) fetchJSON(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := strings.TrimSpace(query.Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	opts := ttlcache.FetchOptions[json.RawMessage]{}
	if raw := query.Get("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("ttl must be a positive duration"))
			return
		}
		opts.TTL = ttl
	}
	if raw := query.Get("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("force must be a boolean"))
			return
		}
		opts.ForceRefresh = force
	}
	for key, values := range query {
		if key == "url" || key == "ttl" || key == "force" || len(values) == 0 {
			continue
		}
		if opts.Params == nil {
			opts.Params = make(map[string]any)
		}
		opts.Params[key] = values[0]
	}

	data, err := h.deps.TTL.FetchWithCache(r.Context(), target, ttlcache.RequestOptions{Method: http.MethodGet}, opts)
	if err != nil {
		writeError(w, statusForFetchError(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handler) jsonStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.TTL.CacheStats())
}

// clearJSON drops the TTL entries whose key matches ?pattern=, or every entry
// when no pattern is given.
func (h *handler) clearJSON(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !query.Has("pattern") {
		writeJSON(w, http.StatusOK, map[string]int{"removed": h.deps.TTL.ClearCache()})
		return
	}
	re, err := regexp.Compile(query.Get("pattern"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(err, "compile pattern"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.deps.TTL.InvalidatePattern(re)})
}

func statusForFetchError(err error) int {
	switch {
	case errors.Is(err, ttlcache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.Status >= 400 && statusErr.Status < 500 {
		return statusErr.Status
	}
	return http.StatusBadGateway
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequest(r.Context(), r.Method, r.URL.String())
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = logging.WithAttrs(ctx, slog.String("request_id", id))
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logging.Debug(ctx, "request served",
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
