package logging

import (
	"context"
	"log/slog"
)

type attrsKey struct{}

// WithAttrs adds attrs to every record logged through the returned context.
// A key already present is replaced in place.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(attrs) == 0 {
		return ctx
	}
	return context.WithValue(ctx, attrsKey{}, merge(Attrs(ctx), attrs))
}

// WithComponent tags records with the component name.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithAttrs(ctx, slog.String("component", component))
}

// WithCommand tags records with the CLI command path.
func WithCommand(ctx context.Context, path string) context.Context {
	return WithAttrs(ctx, slog.String("command", path))
}

// WithVersion tags records with the cache version being worked on.
func WithVersion(ctx context.Context, version string) context.Context {
	if version == "" {
		return ctx
	}
	return WithAttrs(ctx, slog.String("version", version))
}

// WithRequest tags records with the request method and URL being served.
func WithRequest(ctx context.Context, method string, url string) context.Context {
	attrs := make([]slog.Attr, 0, 2)
	if method != "" {
		attrs = append(attrs, slog.String("method", method))
	}
	if url != "" {
		attrs = append(attrs, slog.String("url", url))
	}
	return WithAttrs(ctx, attrs...)
}

// Attrs returns a copy of the attrs carried by ctx.
func Attrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	if len(attrs) == 0 {
		return nil
	}
	return append([]slog.Attr(nil), attrs...)
}

func merge(base []slog.Attr, extra []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(base)+len(extra))
	out = append(out, base...)
next:
	for _, attr := range extra {
		if attr.Key != "" {
			for i := range out {
				if out[i].Key == attr.Key {
					out[i] = attr
					continue next
				}
			}
		}
		out = append(out, attr)
	}
	return out
}
