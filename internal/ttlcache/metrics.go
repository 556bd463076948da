package ttlcache

// Eviction reasons reported to Metrics.Evicted.
const (
	EvictExpired     = "expired"
	EvictInvalidated = "invalidated"
	EvictCleared     = "cleared"
	EvictSwept       = "swept"
)

// Metrics observes cache activity. Implementations must be safe for concurrent
// use.
type Metrics interface {
	CacheHit()
	CacheMiss()
	// Deduplicated counts callers that joined a call already in flight.
	Deduplicated()
	FetchFailed()
	Evicted(reason string, n int)
}

type NoopMetrics struct{}

func (NoopMetrics) CacheHit()             {}
func (NoopMetrics) CacheMiss()            {}
func (NoopMetrics) Deduplicated()         {}
func (NoopMetrics) FetchFailed()          {}
func (NoopMetrics) Evicted(string, int)   {}
