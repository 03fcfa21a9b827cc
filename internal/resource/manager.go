package resource

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

// MetaSession tags a resource or cache entry with the session that owns it.
const MetaSession = "session"

// Config bounds the manager.
type Config struct {
	MaxCacheEntries int
	MaxCacheSize    uint64
	CacheTTL        time.Duration
	SweepInterval   time.Duration
	SampleInterval  time.Duration
	MaxSamples      int
	// LeakThreshold is the growth rate, in bytes per minute, above which a
	// sustained trend is reported as a leak.
	LeakThreshold uint64
	// Aggressive cleanup releases resources older than IdleAfter that have
	// not been touched for UnusedAfter.
	IdleAfter   time.Duration
	UnusedAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCacheEntries: 1000,
		MaxCacheSize:    50 * humanize.MiByte,
		CacheTTL:        5 * time.Minute,
		SweepInterval:   time.Minute,
		SampleInterval:  30 * time.Second,
		MaxSamples:      20,
		LeakThreshold:   humanize.MiByte,
		IdleAfter:       10 * time.Minute,
		UnusedAfter:     5 * time.Minute,
	}
}

type tracked struct {
	entry   models.ResourceEntry
	dispose func()
}

type Manager struct {
	mu        sync.Mutex
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
	sampler   func() uint64
	resources map[string]*tracked

	cache      map[string]*list.Element
	lru        *list.List // front is most recently accessed
	cacheBytes uint64

	leaks *LeakDetector

	evictions   int
	expirations int

	loopOnce sync.Once
	done     chan struct{}
}

type Option func(*Manager)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMemorySampler replaces the runtime heap sampler.
func WithMemorySampler(sampler func() uint64) Option {
	return func(m *Manager) {
		if sampler != nil {
			m.sampler = sampler
		}
	}
}

func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxCacheEntries <= 0 {
		cfg.MaxCacheEntries = def.MaxCacheEntries
	}
	if cfg.MaxCacheSize == 0 {
		cfg.MaxCacheSize = def.MaxCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.LeakThreshold == 0 {
		cfg.LeakThreshold = def.LeakThreshold
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.UnusedAfter <= 0 {
		cfg.UnusedAfter = def.UnusedAfter
	}
	m := &Manager{
		cfg:       cfg,
		clock:     time.Now,
		logger:    logging.Discard(),
		sampler:   heapInUse,
		resources: make(map[string]*tracked),
		cache:     make(map[string]*list.Element),
		lru:       list.New(),
		leaks:     NewLeakDetector(cfg.MaxSamples, float64(cfg.LeakThreshold)),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Register records a resource. dispose, when non-nil, is called exactly once
// when the resource is released or evicted.
func (m *Manager) Register(typ models.ResourceType, name string, metadata map[string]string, dispose func()) string {
	now := m.clock()
	id := uuid.NewString()
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	m.mu.Lock()
	m.resources[id] = &tracked{
		entry: models.ResourceEntry{
			ID:             id,
			Type:           typ,
			Name:           name,
			CreatedAt:      now,
			LastAccessedAt: now,
			Metadata:       meta,
		},
		dispose: dispose,
	}
	m.mu.Unlock()
	return id
}

// Touch refreshes a resource's last-access time.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.resources[id]
	if !ok {
		return false
	}
	t.entry.LastAccessedAt = m.clock()
	return true
}

// Release disposes a resource and forgets it.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.resources[id]
	if ok {
		delete(m.resources, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("resource %s not registered", id)
	}
	dispose(t)
	return nil
}

// Resources returns a snapshot of registered resources ordered by creation.
func (m *Manager) Resources() []models.ResourceEntry {
	m.mu.Lock()
	out := make([]models.ResourceEntry, 0, len(m.resources))
	for _, t := range m.resources {
		out = append(out, cloneEntry(t.entry))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CleanupReport summarises what a cleanup pass released.
type CleanupReport struct {
	Resources    int
	CacheEntries int
	FreedBytes   uint64
}

// CleanupSession disposes every resource and cache entry tagged with the
// session id, then forces a best-effort garbage collection.
func (m *Manager) CleanupSession(sessionID string) CleanupReport {
	var report CleanupReport
	var victims []*tracked

	m.mu.Lock()
	for id, t := range m.resources {
		if t.entry.Metadata[MetaSession] == sessionID {
			victims = append(victims, t)
			delete(m.resources, id)
		}
	}
	for e := m.lru.Back(); e != nil; {
		prev := e.Prev()
		ce := e.Value.(*cacheEntry)
		if ce.session == sessionID {
			report.FreedBytes += ce.size
			m.removeElement(e)
			report.CacheEntries++
		}
		e = prev
	}
	m.mu.Unlock()

	for _, t := range victims {
		dispose(t)
	}
	report.Resources = len(victims)
	runtime.GC()
	m.logger.Debug("session resources released",
		"session", sessionID,
		"resources", report.Resources,
		"cache_entries", report.CacheEntries,
		"freed", humanize.IBytes(report.FreedBytes))
	return report
}

// PerformAggressiveCleanup clears the whole cache and releases every resource
// that is older than IdleAfter and has not been accessed for UnusedAfter.
func (m *Manager) PerformAggressiveCleanup() CleanupReport {
	now := m.clock()
	var report CleanupReport
	var victims []*tracked

	m.mu.Lock()
	report.CacheEntries = m.lru.Len()
	report.FreedBytes = m.cacheBytes
	m.cache = make(map[string]*list.Element)
	m.lru.Init()
	m.cacheBytes = 0
	for id, t := range m.resources {
		if now.Sub(t.entry.CreatedAt) > m.cfg.IdleAfter && now.Sub(t.entry.LastAccessedAt) > m.cfg.UnusedAfter {
			victims = append(victims, t)
			delete(m.resources, id)
		}
	}
	m.mu.Unlock()

	for _, t := range victims {
		dispose(t)
	}
	report.Resources = len(victims)
	runtime.GC()
	m.logger.Info("aggressive cleanup",
		"resources", report.Resources,
		"cache_entries", report.CacheEntries,
		"freed", humanize.IBytes(report.FreedBytes))
	return report
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Resources    map[models.ResourceType]int
	CacheEntries int
	CacheBytes   uint64
	Evictions    int
	Expirations  int
	Samples      int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := make(map[models.ResourceType]int)
	for _, t := range m.resources {
		byType[t.entry.Type]++
	}
	byType[models.ResourceCacheEntry] += m.lru.Len()
	return Stats{
		Resources:    byType,
		CacheEntries: m.lru.Len(),
		CacheBytes:   m.cacheBytes,
		Evictions:    m.evictions,
		Expirations:  m.expirations,
		Samples:      m.leaks.Len(),
	}
}

// Start runs the periodic TTL sweep and memory sampling until ctx is done.
// Calling Start more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.loopOnce.Do(func() {
		sweep := time.NewTicker(m.cfg.SweepInterval)
		sample := time.NewTicker(m.cfg.SampleInterval)
		sweepID := m.Register(models.ResourceTimer, "cache-sweep", nil, sweep.Stop)
		sampleID := m.Register(models.ResourceTimer, "memory-sampler", nil, sample.Stop)
		go func() {
			defer close(m.done)
			defer m.Release(sweepID)
			defer m.Release(sampleID)
			for {
				select {
				case <-ctx.Done():
					return
				case <-sweep.C:
					m.Touch(sweepID)
					if n := m.Sweep(); n > 0 {
						m.logger.Debug("expired cache entries swept", "count", n)
					}
				case <-sample.C:
					m.Touch(sampleID)
					m.SampleMemory()
					m.checkLeaks()
				}
			}
		}()
	})
}

// Done is closed once the background loop started by Start has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Close releases every registered resource and drops the cache.
func (m *Manager) Close() {
	m.mu.Lock()
	victims := make([]*tracked, 0, len(m.resources))
	for id, t := range m.resources {
		victims = append(victims, t)
		delete(m.resources, id)
	}
	m.cache = make(map[string]*list.Element)
	m.lru.Init()
	m.cacheBytes = 0
	m.mu.Unlock()
	for _, t := range victims {
		dispose(t)
	}
}

func (m *Manager) checkLeaks() {
	report := m.DetectLeaks()
	if !report.Detected {
		return
	}
	m.logger.Warn("memory growth trend detected",
		"severity", report.Severity,
		"rate_per_minute", humanize.IBytes(uint64(report.GrowthRate)),
		"growing_pairs", fmt.Sprintf("%.0f%%", report.GrowthRatio*100))
	if report.Severity == SeverityHigh {
		m.PerformAggressiveCleanup()
	}
}

func dispose(t *tracked) {
	if t.dispose != nil {
		t.dispose()
	}
}

func cloneEntry(e models.ResourceEntry) models.ResourceEntry {
	out := e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
