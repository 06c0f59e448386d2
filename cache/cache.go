/*
Package cache provides the process-local TTL cache in front of the dues
engine's aggregate reads.

PURPOSE:
  Dashboard reads (monthly statistics, revenue series, student extracts)
  are recomputed from the store on a miss and kept for a TTL. Mutations
  do not touch the cache; the caller invalidates the affected entries
  right after a successful write.

KEYS:
  Key(prefix, params) = prefix + ":" + sha256(canonical JSON of params)
  Map keys are sorted by the JSON encoder, so argument order never changes
  the key. Prefixes are dotted: "<domain>.<query>", e.g.
  "payments.monthly_statistics". Each entry keeps its prefix and params so
  invalidation can target a domain, a prefix, or the entries of one month.

LIFECYCLE OF AN ENTRY:
  created on a miss -> hits bump LastAccessed (never ExpiresAt) ->
  removed by invalidation, or lazily when read after ExpiresAt.

FAILURES:
  The cache is never a source of truth. Anything that goes wrong inside it
  (params that cannot be serialized, a value of the wrong type) degrades
  to calling the wrapped function directly.

CONSISTENCY:
  One Manager per process. Several instances behind a load balancer each
  keep their own entries and can serve stale reads until the TTL runs out.
  Two concurrent misses for the same key both recompute; the last Set wins.

SEE ALSO:
  - dues.go: Named read-through helpers and invalidation per domain
*/
package cache

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Minute

// Params are the arguments a cached value was derived from.
type Params map[string]any

// Entry is one cached value. Entries are never persisted.
type Entry struct {
	Key          string
	Value        any
	Prefix       string
	Params       Params
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
}

func (e *Entry) expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Domain is the part of the entry's prefix before the first dot.
func (e *Entry) Domain() string { return Domain(e.Prefix) }

type Options struct {
	DefaultTTL time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Manager is a TTL key-value cache with scoped invalidation.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Entry
	stats   Stats

	ttl time.Duration
	now func() time.Time
	log *zap.Logger
}

func New(opts Options) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		entries: make(map[string]*Entry),
		ttl:     opts.DefaultTTL,
		now:     opts.Now,
		log:     opts.Logger.Named("cache"),
	}
}

// Get returns the value under key. An entry read past its expiry is
// removed and reported as a miss.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}
	now := m.now()
	if e.expired(now) {
		delete(m.entries, key)
		m.stats.Misses++
		m.stats.Evictions++
		return nil, false
	}
	e.LastAccessed = now
	m.stats.Hits++
	return e.Value, true
}

// Set stores value under key. A ttl <= 0 uses the default TTL. The prefix
// of a raw key is whatever precedes its first ':'.
func (m *Manager) Set(key string, value any, ttl time.Duration) {
	prefix, _, _ := strings.Cut(key, ":")
	m.put(key, prefix, nil, value, ttl)
}

func (m *Manager) put(key, prefix string, params Params, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &Entry{
		Key:          key,
		Value:        value,
		Prefix:       prefix,
		Params:       params,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
}

// Delete removes key. Returns false if it was not cached.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

// Clear drops every entry of every domain.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = make(map[string]*Entry)
	m.log.Debug("cache cleared", zap.Int("removed", n))
}

// Len counts entries, including expired ones not yet evicted.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Purge evicts every expired entry and returns how many went.
func (m *Manager) Purge() int {
	now := m.now()
	return m.removeWhere(func(e *Entry) bool { return e.expired(now) })
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = len(m.entries)
	return s
}

// =============================================================================
// INVALIDATION
// =============================================================================

// InvalidatePrefix removes the entries created under exactly this prefix.
func (m *Manager) InvalidatePrefix(prefix string) int {
	return m.invalidate("prefix", prefix, func(e *Entry) bool { return e.Prefix == prefix })
}

// InvalidateDomain removes every entry of a domain ("payments",
// "students", ...) and nothing else.
func (m *Manager) InvalidateDomain(domain string) int {
	return m.invalidate("domain", domain, func(e *Entry) bool { return e.Domain() == domain })
}

// InvalidateWhere removes the entries of domain for which match is true.
func (m *Manager) InvalidateWhere(domain string, match func(Entry) bool) int {
	return m.invalidate("where", domain, func(e *Entry) bool {
		return e.Domain() == domain && match(*e)
	})
}

// InvalidateMonth removes the entries of domain derived from billing
// period ym: params with ym == X, or a from/to window that contains X.
func (m *Manager) InvalidateMonth(domain, ym string) int {
	return m.invalidate("month", domain+"/"+ym, func(e *Entry) bool {
		return e.Domain() == domain && coversMonth(e.Params, ym)
	})
}

func (m *Manager) invalidate(kind, scope string, match func(*Entry) bool) int {
	n := m.removeWhere(match)
	m.log.Debug("cache invalidated", zap.String("kind", kind), zap.String("scope", scope), zap.Int("removed", n))
	return n
}

func (m *Manager) removeWhere(match func(*Entry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if match(e) {
			delete(m.entries, k)
			n++
		}
	}
	m.stats.Evictions += uint64(n)
	return n
}

// coversMonth compares "YYYY-MM" strings, which sort chronologically.
func coversMonth(p Params, ym string) bool {
	if v, ok := p.lookup("ym"); ok {
		return v == ym
	}
	from, okFrom := p.lookup("from")
	to, okTo := p.lookup("to")
	return okFrom && okTo && from <= ym && ym <= to
}
