package ports

import "pwacache/internal/domain/swcache"

// Metrics receives events from the interception layer.
type Metrics interface {
	// ObserveResponse is called once per response served by a strategy.
	ObserveResponse(class swcache.ResourceClass, strategy swcache.Strategy, cacheStatus string)
	ObserveLifecycle(version string, state swcache.LifecycleState)
	ObserveEviction(ns swcache.Namespace, removed int)
}

// NoopMetrics ignores every event.
type NoopMetrics struct{}

func (NoopMetrics) ObserveResponse(swcache.ResourceClass, swcache.Strategy, string) {}
func (NoopMetrics) ObserveLifecycle(string, swcache.LifecycleState)                 {}
func (NoopMetrics) ObserveEviction(swcache.Namespace, int)                          {}
