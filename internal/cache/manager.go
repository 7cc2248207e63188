package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mohammad-safakhou/corpus/internal/telemetry"
)

const lockStripes = 64

// Config tunes expiry, eviction and the hot layer.
type Config struct {
	TTL                time.Duration
	HotCapacity        int
	MaxEntries         int
	LowAccessThreshold int64
	StatsTopN          int
}

// Normalize applies defaults for unset values.
func (c Config) Normalize() Config {
	if c.TTL <= 0 {
		c.TTL = 168 * time.Hour
	}
	if c.HotCapacity <= 0 {
		c.HotCapacity = 256
	}
	if c.StatsTopN <= 0 {
		c.StatsTopN = 10
	}
	return c
}

// SetOptions controls how an entry is stored.
type SetOptions struct {
	Priority Priority
}

// KeyStat is one row of the most-accessed list.
type KeyStat struct {
	Key         string `json:"key"`
	AccessCount int64  `json:"access_count"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	HitRate       float64       `json:"hit_rate"`
	Entries       int           `json:"entries"`
	HotEntries    int           `json:"hot_entries"`
	AverageAge    time.Duration `json:"average_age"`
	WriteFailures int64         `json:"write_failures"`
	TopKeys       []KeyStat     `json:"top_keys"`
}

// SweepReport counts what one sweep removed.
type SweepReport struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
}

// Manager fronts a Store with a fixed-size LRU and applies TTL and
// eviction policy. Reads and writes of one key are serialized.
type Manager struct {
	cfg     Config
	store   Store
	hot     *lru.Cache[string, Entry]
	locks   [lockStripes]sync.Mutex
	evictMu sync.Mutex
	metrics *telemetry.Metrics
	logger  *log.Logger
	now     func() time.Time

	hits, misses, writeFailures atomic.Int64

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customises a Manager.
type Option func(*Manager)

func WithMetrics(m *telemetry.Metrics) Option { return func(mg *Manager) { mg.metrics = m } }

func WithLogger(l *log.Logger) Option {
	return func(mg *Manager) {
		if l != nil {
			mg.logger = l
		}
	}
}

// WithClock replaces the time source for expiry and bookkeeping.
func WithClock(now func() time.Time) Option { return func(mg *Manager) { mg.now = now } }

// NewManager builds a manager over store.
func NewManager(cfg Config, store Store, opts ...Option) (*Manager, error) {
	cfg = cfg.Normalize()
	hot, err := lru.New[string, Entry](cfg.HotCapacity)
	if err != nil {
		return nil, fmt.Errorf("hot layer: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		hot:    hot,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the normalised configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockStripes]
}

// Get returns the live entry for key. A miss, including an expired entry,
// is ok=false with a nil error.
func (m *Manager) Get(ctx context.Context, key string) (Entry, bool, error) {
	mu := m.lock(key)
	mu.Lock()
	defer mu.Unlock()

	now := m.now()
	e, ok := m.hot.Get(key)
	if !ok {
		var err error
		e, ok, err = m.store.Read(ctx, key)
		if err != nil {
			m.miss()
			return Entry{}, false, err
		}
	}
	if !ok {
		m.miss()
		return Entry{}, false, nil
	}
	if e.Expired(now, m.cfg.TTL) {
		m.hot.Remove(key)
		if _, err := m.store.Delete(ctx, key); err != nil {
			m.logger.Printf("drop expired %s: %v", key, err)
		}
		m.miss()
		return Entry{}, false, nil
	}

	e.AccessCount++
	e.LastAccess = now
	m.hot.Add(key, e)
	if err := m.store.Touch(ctx, key, now); err != nil {
		m.logger.Printf("touch %s: %v", key, err)
	}
	m.hits.Add(1)
	m.metrics.CacheHit()
	return e, true, nil
}

func (m *Manager) miss() {
	m.misses.Add(1)
	m.metrics.CacheMiss()
}

// Set stores value under key, replacing any previous entry, and evicts
// when the store grows past MaxEntries.
func (m *Manager) Set(ctx context.Context, key string, value any, opts SetOptions) error {
	raw, err := json.Marshal(value)
	if err != nil {
		m.writeFailed()
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	now := m.now()
	e := Entry{
		Meta:  Meta{Key: key, CreatedAt: now, LastAccess: now, Priority: opts.Priority},
		Value: raw,
	}

	mu := m.lock(key)
	mu.Lock()
	if err := m.store.Write(ctx, e); err != nil {
		mu.Unlock()
		m.writeFailed()
		return err
	}
	m.hot.Add(key, e)
	mu.Unlock()

	if m.cfg.MaxEntries > 0 {
		if _, err := m.enforceLimit(ctx); err != nil {
			m.logger.Printf("evict after set %s: %v", key, err)
		}
	}
	return nil
}

func (m *Manager) writeFailed() {
	m.writeFailures.Add(1)
	m.metrics.CacheWriteFailed()
}

// Invalidate removes key. It reports whether an entry was removed.
func (m *Manager) Invalidate(ctx context.Context, key string) (bool, error) {
	n, err := m.remove(ctx, key)
	return n > 0, err
}

func (m *Manager) remove(ctx context.Context, key string) (int, error) {
	mu := m.lock(key)
	mu.Lock()
	defer mu.Unlock()
	m.hot.Remove(key)
	return m.store.Delete(ctx, key)
}

// Sweep purges expired entries then applies the size limit.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	keys, err := m.store.ScanExpired(ctx, m.now().Add(-m.cfg.TTL))
	if err != nil {
		return rep, fmt.Errorf("scan expired: %w", err)
	}
	for _, k := range keys {
		n, err := m.remove(ctx, k)
		if err != nil {
			return rep, err
		}
		rep.Expired += n
	}
	if m.cfg.MaxEntries > 0 {
		rep.Evicted, err = m.enforceLimit(ctx)
		if err != nil {
			return rep, err
		}
	}
	if n, err := m.store.Len(ctx); err == nil {
		m.metrics.CacheEntries(n)
	}
	if rep.Expired+rep.Evicted > 0 {
		m.logger.Printf("sweep removed %d expired, %d evicted", rep.Expired, rep.Evicted)
	}
	return rep, nil
}

// enforceLimit evicts down to MaxEntries: expired entries first, then the
// least recently used among rarely accessed ones, then plain LRU. Lower
// priority goes first within a tier. Critical entries are never evicted.
func (m *Manager) enforceLimit(ctx context.Context) (int, error) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	n, err := m.store.Len(ctx)
	if err != nil {
		return 0, err
	}
	excess := n - m.cfg.MaxEntries
	if excess <= 0 {
		return 0, nil
	}
	metas, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	tier := func(meta Meta) int {
		switch {
		case meta.Expired(now, m.cfg.TTL):
			return 0
		case meta.AccessCount <= m.cfg.LowAccessThreshold:
			return 1
		default:
			return 2
		}
	}
	candidates := metas[:0]
	for _, meta := range metas {
		if meta.Priority != PriorityCritical {
			candidates = append(candidates, meta)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ta, tb := tier(a), tier(b); ta != tb {
			return ta < tb
		}
		if ra, rb := a.Priority.rank(), b.Priority.rank(); ra != rb {
			return ra < rb
		}
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.Key < b.Key
	})

	evicted := 0
	for _, meta := range candidates {
		if evicted >= excess {
			break
		}
		removed, err := m.remove(ctx, meta.Key)
		if err != nil {
			return evicted, err
		}
		evicted += removed
	}
	m.metrics.CacheEvicted(evicted)
	return evicted, nil
}

// Stats reports counters and a top-N of the most accessed keys.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		WriteFailures: m.writeFailures.Load(),
		HotEntries:    m.hot.Len(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	metas, err := m.store.List(ctx)
	if err != nil {
		return st, err
	}
	st.Entries = len(metas)
	if len(metas) == 0 {
		return st, nil
	}
	now := m.now()
	var age time.Duration
	for _, meta := range metas {
		age += now.Sub(meta.CreatedAt)
	}
	st.AverageAge = age / time.Duration(len(metas))

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].AccessCount != metas[j].AccessCount {
			return metas[i].AccessCount > metas[j].AccessCount
		}
		return metas[i].Key < metas[j].Key
	})
	for i := 0; i < len(metas) && i < m.cfg.StatsTopN; i++ {
		st.TopKeys = append(st.TopKeys, KeyStat{Key: metas[i].Key, AccessCount: metas[i].AccessCount})
	}
	return st, nil
}

// Close stops the sweeper and closes the store.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		err = m.store.Close()
	})
	return err
}
