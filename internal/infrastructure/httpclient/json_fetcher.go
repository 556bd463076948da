package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"pwacache/internal/errs"
	"pwacache/internal/ttlcache"
)

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 512

// NewClient returns the client used for every upstream call. A zero timeout
// means none.
func NewClient(timeout time.Duration, transport http.RoundTripper) *http.Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Text   string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Text)
}

// JSONFetcher performs TTL cache calls and decodes JSON bodies into T.
type JSONFetcher[T any] struct {
	client *http.Client
	base   *url.URL
}

// NewJSONFetcher resolves relative call URLs against base when it is set.
func NewJSONFetcher[T any](client *http.Client, base *url.URL) *JSONFetcher[T] {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONFetcher[T]{client: client, base: base}
}

// Fetch satisfies ttlcache.FetchFunc[T]. Params are appended to the query.
func (f *JSONFetcher[T]) Fetch(ctx context.Context, call ttlcache.Call) (T, error) {
	var zero T

	target, err := f.resolve(call.URL, call.Params)
	if err != nil {
		return zero, err
	}

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return zero, errs.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, values := range call.Header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return zero, errs.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return zero, &StatusError{Status: resp.StatusCode, Text: http.StatusText(resp.StatusCode), Body: string(raw)}
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, errs.Wrapf(err, "decode response from %s", target)
	}
	return out, nil
}

func (f *JSONFetcher[T]) resolve(raw string, params map[string]any) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrapf(err, "parse url %q", raw)
	}
	if !u.IsAbs() {
		if f.base == nil {
			return "", fmt.Errorf("url %q is relative and no base is configured", raw)
		}
		u = f.base.ResolveReference(u)
	}
	if len(params) == 0 {
		return u.String(), nil
	}

	q := u.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, paramString(params[k]))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func paramString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case []any, map[string]any:
		raw, err := json.Marshal(val)
		if err == nil {
			return string(raw)
		}
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
