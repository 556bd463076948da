package swcache

import "time"

// ExpirationPolicy decides staleness of stored responses.
type ExpirationPolicy struct {
	now func() time.Time
}

func NewExpirationPolicy(now func() time.Time) ExpirationPolicy {
	if now == nil {
		now = time.Now
	}
	return ExpirationPolicy{now: now}
}

// IsStale reports whether resp is older than maxAge. A zero maxAge never
// expires, and a response without a readable Date header is treated as fresh.
func (p ExpirationPolicy) IsStale(resp *StoredResponse, maxAge time.Duration) bool {
	if maxAge <= 0 || resp == nil {
		return false
	}
	captured, ok := resp.CaptureTime()
	if !ok {
		return false
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return now().Sub(captured) > maxAge
}
