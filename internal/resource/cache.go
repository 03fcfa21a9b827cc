package resource

import (
	"container/list"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

type cacheEntry struct {
	key        string
	value      any
	size       uint64
	expiresAt  time.Time
	lastAccess time.Time
	session    string
}

type cacheOptions struct {
	ttl     time.Duration
	session string
}

type CacheOption func(*cacheOptions)

// WithTTL overrides the default time-to-live for one entry.
func WithTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) { o.ttl = ttl }
}

// WithSession tags the entry so CleanupSession drops it.
func WithSession(sessionID string) CacheOption {
	return func(o *cacheOptions) { o.session = sessionID }
}

// CacheSet stores value under key. Storing may evict least-recently-accessed
// entries: down to MaxCacheEntries when the entry cap is exceeded, and down to
// 80% of MaxCacheSize when the byte cap is exceeded.
func (m *Manager) CacheSet(key string, value any, opts ...CacheOption) error {
	o := cacheOptions{ttl: m.cfg.CacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	size := EstimateSize(value) + uint64(len(key))
	if size > m.cfg.MaxCacheSize {
		return fmt.Errorf("cache entry %q is %s, larger than the %s cache budget",
			key, humanize.IBytes(size), humanize.IBytes(m.cfg.MaxCacheSize))
	}
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.cache[key]; ok {
		m.removeElement(e)
	}
	ce := &cacheEntry{
		key:        key,
		value:      value,
		size:       size,
		expiresAt:  now.Add(o.ttl),
		lastAccess: now,
		session:    o.session,
	}
	m.cache[key] = m.lru.PushFront(ce)
	m.cacheBytes += size

	for m.lru.Len() > m.cfg.MaxCacheEntries {
		m.evictOldest()
	}
	if m.cacheBytes > m.cfg.MaxCacheSize {
		target := m.cfg.MaxCacheSize * 8 / 10
		for m.cacheBytes > target && m.lru.Len() > 0 {
			m.evictOldest()
		}
	}
	return nil
}

// CacheGet returns the value for key. Expired entries are removed lazily.
func (m *Manager) CacheGet(key string) (any, bool) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	ce := e.Value.(*cacheEntry)
	if !now.Before(ce.expiresAt) {
		m.removeElement(e)
		m.expirations++
		return nil, false
	}
	ce.lastAccess = now
	m.lru.MoveToFront(e)
	return ce.value, true
}

func (m *Manager) CacheDelete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	if !ok {
		return false
	}
	m.removeElement(e)
	return true
}

// CacheKeys lists keys from most to least recently accessed.
func (m *Manager) CacheKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, m.lru.Len())
	for e := m.lru.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*cacheEntry).key)
	}
	return keys
}

// Sweep drops every expired entry and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for e := m.lru.Back(); e != nil; {
		prev := e.Prev()
		if !now.Before(e.Value.(*cacheEntry).expiresAt) {
			m.removeElement(e)
			m.expirations++
			removed++
		}
		e = prev
	}
	return removed
}

// caller holds m.mu
func (m *Manager) evictOldest() {
	e := m.lru.Back()
	if e == nil {
		return
	}
	m.removeElement(e)
	m.evictions++
}

// caller holds m.mu
func (m *Manager) removeElement(e *list.Element) {
	ce := e.Value.(*cacheEntry)
	m.lru.Remove(e)
	delete(m.cache, ce.key)
	m.cacheBytes -= ce.size
}
