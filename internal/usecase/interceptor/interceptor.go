package interceptor

import (
	"errors"
	"log/slog"
	"net/http"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/usecase/strategy"
)

// VersionSource reports the cache version currently in control.
type VersionSource interface {
	ActiveVersion() (string, bool)
}

// Interceptor classifies outgoing requests and routes handled ones through the
// strategy engine. Unhandled requests, and every request while no version is
// active, go straight to next.
type Interceptor struct {
	classifier *swcache.Classifier
	registry   *swcache.Registry
	engine     *strategy.Engine
	versions   VersionSource
	next       http.RoundTripper
}

var _ http.RoundTripper = (*Interceptor)(nil)

func New(classifier *swcache.Classifier, registry *swcache.Registry, engine *strategy.Engine, versions VersionSource, next http.RoundTripper) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	if registry == nil {
		registry = swcache.DefaultRegistry()
	}
	return &Interceptor{
		classifier: classifier,
		registry:   registry,
		engine:     engine,
		versions:   versions,
		next:       next,
	}
}

// Decide resolves the caching target for req without doing any I/O.
func (i *Interceptor) Decide(req *http.Request) (strategy.Target, bool) {
	if req == nil || req.URL == nil || i.classifier == nil || i.versions == nil {
		return strategy.Target{}, false
	}
	version, ok := i.versions.ActiveVersion()
	if !ok {
		return strategy.Target{}, false
	}

	class := i.classifier.Classify(swcache.RequestInfoFromHTTP(req))
	if class == swcache.ClassUnhandled {
		return strategy.Target{}, false
	}
	cfg, ok := i.registry.Lookup(class)
	if !ok {
		return strategy.Target{}, false
	}

	return strategy.Target{
		Class:     class,
		Namespace: swcache.Namespace{Version: version, Bucket: cfg.Bucket},
		Config:    cfg,
	}, true
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}

	target, handled := i.Decide(req)
	if !handled {
		return i.next.RoundTrip(req)
	}

	ctx := logging.WithRequest(req.Context(), req.Method, req.URL.String())
	resp, err := i.engine.Execute(ctx, req, target)
	if err != nil {
		logging.Debug(ctx, "intercepted request failed",
			slog.String("class", string(target.Class)),
			slog.String("namespace", target.Namespace.String()),
		)
		return nil, err
	}
	return resp, nil
}
