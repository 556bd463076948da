package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/ports"
)

// MemoryStore is a process-local NamespaceStore for embedding the caching layer
// without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[swcache.Namespace]*memoryNamedCache
	retired    map[string]struct{}
}

var _ ports.NamespaceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[swcache.Namespace]*memoryNamedCache),
		retired:    make(map[string]struct{}),
	}
}

func (s *MemoryStore) Open(ctx context.Context, ns swcache.Namespace) (ports.NamedCache, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.namespaces[ns]
	if !ok {
		c = &memoryNamedCache{store: s, ns: ns, entries: make(map[string]*swcache.StoredResponse)}
		if _, retired := s.retired[ns.Version]; retired {
			// Detached: never listed, and Put reports ErrNamespaceGone.
			return c, nil
		}
		s.namespaces[ns] = c
	}
	return c, nil
}

func (s *MemoryStore) Namespaces(ctx context.Context) ([]swcache.Namespace, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]swcache.Namespace, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out, nil
}

func (s *MemoryStore) DeleteNamespace(ctx context.Context, ns swcache.Namespace) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.namespaces[ns]
	if ok {
		c.mu.Lock()
		c.entries = make(map[string]*swcache.StoredResponse)
		c.mu.Unlock()
		delete(s.namespaces, ns)
	}
	return ok, nil
}

func (s *MemoryStore) RetireVersion(ctx context.Context, version string) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(version) == "" {
		return 0, fmt.Errorf("%w: version is required", swcache.ErrInvalidNamespace)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired[version] = struct{}{}
	removed := 0
	for ns, c := range s.namespaces {
		if ns.Version != version {
			continue
		}
		c.mu.Lock()
		c.entries = make(map[string]*swcache.StoredResponse)
		c.mu.Unlock()
		delete(s.namespaces, ns)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) ReviveVersion(ctx context.Context, version string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.retired, version)
	s.mu.Unlock()
	return nil
}

// attached reports whether c is still the registered cache of its namespace.
func (s *MemoryStore) attached(c *memoryNamedCache) bool {
	return s.namespaces[c.ns] == c
}

type memoryNamedCache struct {
	store   *MemoryStore
	ns      swcache.Namespace
	mu      sync.RWMutex
	entries map[string]*swcache.StoredResponse
}

func (c *memoryNamedCache) Namespace() swcache.Namespace {
	return c.ns
}

func (c *memoryNamedCache) Match(ctx context.Context, key string) (*swcache.StoredResponse, bool, error) {
	if err := checkContext(ctx); err != nil {
		return nil, false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return cloneStored(resp), true, nil
}

func (c *memoryNamedCache) Put(ctx context.Context, key string, resp *swcache.StoredResponse) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	if resp == nil {
		return errors.New("response is required")
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if !c.store.attached(c) {
		return fmt.Errorf("put %s into %s: %w", key, c.ns, swcache.ErrNamespaceGone)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cloneStored(resp)
	return nil
}

func (c *memoryNamedCache) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orderedKeysLocked(), nil
}

func (c *memoryNamedCache) Trim(ctx context.Context, limit int) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.orderedKeysLocked()
	excess := len(keys) - limit
	if excess <= 0 {
		return 0, nil
	}
	for _, key := range keys[:excess] {
		delete(c.entries, key)
	}
	return excess, nil
}

// orderedKeysLocked sorts oldest capture first. Caller holds c.mu.
func (c *memoryNamedCache) orderedKeysLocked() []string {
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]].CapturedAt, c.entries[keys[j]].CapturedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return keys[i] < keys[j]
	})
	return keys
}

func cloneStored(resp *swcache.StoredResponse) *swcache.StoredResponse {
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)
	return &swcache.StoredResponse{
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
		CapturedAt: resp.CapturedAt,
	}
}
