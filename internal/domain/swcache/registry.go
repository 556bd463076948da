package swcache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Strategy is one of the five fixed fetch algorithms.
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyNetworkOnly          Strategy = "network-only"
	StrategyCacheOnly            Strategy = "cache-only"
)

func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StrategyCacheFirst, StrategyNetworkFirst, StrategyStaleWhileRevalidate, StrategyNetworkOnly, StrategyCacheOnly:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
}

// Bucket names the persistent cache a class stores into. Several classes may
// share a bucket.
type Bucket string

const (
	BucketStatic  Bucket = "static"
	BucketDynamic Bucket = "dynamic"
	BucketAPI     Bucket = "api"
)

// CacheConfig is the immutable policy for one resource class.
type CacheConfig struct {
	Strategy Strategy
	Bucket   Bucket
	// MaxAge of zero means stored responses never go stale.
	MaxAge     time.Duration
	MaxEntries int
}

func (c CacheConfig) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if strings.TrimSpace(string(c.Bucket)) == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("%w: max age %s is negative", ErrInvalidConfig, c.MaxAge)
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("%w: max entries %d is negative", ErrInvalidConfig, c.MaxEntries)
	}
	return nil
}

// DefaultConfigs returns the stock class table.
func DefaultConfigs() map[ResourceClass]CacheConfig {
	return map[ResourceClass]CacheConfig{
		ClassStatic: {
			Strategy:   StrategyCacheFirst,
			Bucket:     BucketStatic,
			MaxAge:     30 * 24 * time.Hour,
			MaxEntries: 100,
		},
		ClassAPI: {
			Strategy:   StrategyNetworkFirst,
			Bucket:     BucketAPI,
			MaxAge:     5 * time.Minute,
			MaxEntries: 50,
		},
		ClassImage: {
			Strategy:   StrategyStaleWhileRevalidate,
			Bucket:     BucketDynamic,
			MaxAge:     7 * 24 * time.Hour,
			MaxEntries: 200,
		},
		ClassDocument: {
			Strategy:   StrategyNetworkFirst,
			Bucket:     BucketDynamic,
			MaxAge:     24 * time.Hour,
			MaxEntries: 30,
		},
	}
}

// Registry is the read-only class → config table.
type Registry struct {
	configs  map[ResourceClass]CacheConfig
	capacity map[Bucket]int
}

// NewRegistry validates configs and freezes them. Every handled class must be
// present.
func NewRegistry(configs map[ResourceClass]CacheConfig) (*Registry, error) {
	r := &Registry{
		configs:  make(map[ResourceClass]CacheConfig, len(configs)),
		capacity: make(map[Bucket]int),
	}

	for _, class := range allClasses {
		cfg, ok := configs[class]
		if !ok {
			return nil, fmt.Errorf("%w: missing config for class %q", ErrInvalidConfig, class)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("class %q: %w", class, err)
		}
		r.configs[class] = cfg
		r.capacity[cfg.Bucket] += cfg.MaxEntries
	}
	for class := range configs {
		if _, ok := r.configs[class]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidClass, class)
		}
	}

	return r, nil
}

// DefaultRegistry returns the registry built from DefaultConfigs.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultConfigs())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(class ResourceClass) (CacheConfig, bool) {
	cfg, ok := r.configs[class]
	return cfg, ok
}

// Capacity is the entry bound of a bucket: the sum of MaxEntries of every class
// stored into it. Zero means unbounded.
func (r *Registry) Capacity(bucket Bucket) int {
	return r.capacity[bucket]
}

// Buckets returns the distinct buckets in sorted order.
func (r *Registry) Buckets() []Bucket {
	out := make([]Bucket, 0, len(r.capacity))
	for b := range r.capacity {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classes returns the configured classes in classification order.
func (r *Registry) Classes() []ResourceClass {
	return AllClasses()
}
