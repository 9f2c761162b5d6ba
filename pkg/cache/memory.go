package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Cache backed by go-cache. Region membership is kept
// beside the items and pruned when an item expires or is removed.
type Memory struct {
	items *gocache.Cache

	mu      sync.Mutex
	regions map[string]map[string]struct{}
}

// NewMemory creates a memory cache; ttl <= 0 keeps items until they are removed
func NewMemory(ttl, cleanupInterval time.Duration) *Memory {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m := &Memory{
		items:   gocache.New(ttl, cleanupInterval),
		regions: make(map[string]map[string]struct{}),
	}
	m.items.OnEvicted(func(key string, _ any) { m.unlink(key) })
	return m
}

// Get returns a copy of the stored value
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v.([]byte)...), true, nil
}

// Insert stores a copy of value and links key to regions
func (m *Memory) Insert(_ context.Context, key string, value []byte, regions ...string) error {
	m.items.SetDefault(key, append([]byte(nil), value...))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, region := range regions {
		keys, ok := m.regions[region]
		if !ok {
			keys = make(map[string]struct{})
			m.regions[region] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.items.Delete(key)
	m.unlink(key)
	return nil
}

func (m *Memory) ContainsKey(_ context.Context, key string) (bool, error) {
	_, ok := m.items.Get(key)
	return ok, nil
}

// InvalidateRegion removes every key linked to region
func (m *Memory) InvalidateRegion(_ context.Context, region string) error {
	m.mu.Lock()
	keys := m.regions[region]
	delete(m.regions, region)
	m.mu.Unlock()

	for key := range keys {
		m.items.Delete(key)
		m.unlink(key)
	}
	return nil
}

// Len returns the number of unexpired items
func (m *Memory) Len() int { return m.items.ItemCount() }

// Flush drops every item and region
func (m *Memory) Flush() {
	m.items.Flush()
	m.mu.Lock()
	m.regions = make(map[string]map[string]struct{})
	m.mu.Unlock()
}

func (m *Memory) unlink(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for region, keys := range m.regions {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.regions, region)
		}
	}
}
