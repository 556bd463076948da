package swcache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// CacheStatusHeader reports how a response was produced.
const CacheStatusHeader = "X-Cache-Status"

const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusStale   = "stale"
	CacheStatusOffline = "offline"
	CacheStatusBypass  = "bypass"
)

// StoredResponse is the persisted copy of a successful network response.
type StoredResponse struct {
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt time.Time
}

// NewStoredResponse copies resp's metadata and body into a StoredResponse.
// When the origin did not send a Date header, capturedAt is stamped into it so
// the staleness check has a timestamp to read.
func NewStoredResponse(resp *http.Response, body []byte, capturedAt time.Time) *StoredResponse {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del(CacheStatusHeader)
	if header.Get("Date") == "" {
		header.Set("Date", capturedAt.UTC().Format(http.TimeFormat))
	}

	copied := make([]byte, len(body))
	copy(copied, body)

	return &StoredResponse{
		Status:     resp.StatusCode,
		Header:     header,
		Body:       copied,
		CapturedAt: capturedAt.UTC(),
	}
}

// CaptureTime reads the timestamp carried in the Date header.
func (s *StoredResponse) CaptureTime() (time.Time, bool) {
	if s == nil || s.Header == nil {
		return time.Time{}, false
	}
	raw := s.Header.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ToHTTP builds a fresh response for req. Each call gets its own body reader.
func (s *StoredResponse) ToHTTP(req *http.Request, cacheStatus string) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if cacheStatus != "" {
		header.Set(CacheStatusHeader, cacheStatus)
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))

	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// OfflineResponse is the synthetic answer when there is neither network nor cache.
func OfflineResponse(req *http.Request) *http.Response {
	body := []byte("Offline")
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set(CacheStatusHeader, CacheStatusOffline)
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &http.Response{
		Status:        "503 " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// IsSuccess mirrors the fetch "ok" flag: any 2xx status.
func IsSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// RequestKey is the store key for a request: its URL without fragment.
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
