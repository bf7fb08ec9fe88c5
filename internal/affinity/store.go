// Package affinity keeps sticky session routing state in memory: which
// upstream served a logical session, and how much of the conversation has
// accumulated there. Entries are process-local and never persisted.
package affinity

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

const shardCount = 16

// Key addresses one sticky session.
type Key struct {
	KeyID      string
	Capability gateway.RouteCapability
	SessionID  string
}

// Entry is the sticky state for one session.
type Entry struct {
	UpstreamID            string
	ContentLength         int64 // last request body length, for length-metric migration
	CumulativeInputTokens int64 // delivered prompt tokens, for token-metric migration
	CreatedAt             time.Time
	LastAccessedAt        time.Time
}

type entry struct {
	upstreamID     string
	contentLength  int64
	inputTokens    int64
	createdAt      time.Time
	lastAccessedAt time.Time
}

// Config bounds the store.
type Config struct {
	SlidingTTL  time.Duration // refreshed on every Get
	AbsoluteTTL time.Duration // hard lifetime from creation
	MaxPerShard int           // entries per shard before eviction
}

// DefaultConfig returns the production TTLs.
func DefaultConfig() Config {
	return Config{
		SlidingTTL:  5 * time.Minute,
		AbsoluteTTL: 30 * time.Minute,
		MaxPerShard: 4096,
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Store is a sharded map from session keys to sticky upstream entries.
// Shards are guarded independently; no operation takes more than one lock.
type Store struct {
	cfg    Config
	shards [shardCount]shard

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewStore creates an empty affinity store.
func NewStore(cfg Config) *Store {
	if cfg.SlidingTTL <= 0 {
		cfg.SlidingTTL = DefaultConfig().SlidingTTL
	}
	if cfg.AbsoluteTTL <= 0 {
		cfg.AbsoluteTTL = DefaultConfig().AbsoluteTTL
	}
	if cfg.MaxPerShard <= 0 {
		cfg.MaxPerShard = DefaultConfig().MaxPerShard
	}
	s := &Store{cfg: cfg}
	for i := range s.shards {
		s.shards[i].entries = make(map[Key]*entry)
	}
	return s
}

// shardFor hashes keyID and capability; one session's requests always land
// on the same shard regardless of session ID churn within the key.
func (s *Store) shardFor(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.KeyID))
	h.Write([]byte{0xff})
	h.Write([]byte(k.Capability))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return now.Sub(e.createdAt) >= s.cfg.AbsoluteTTL ||
		now.Sub(e.lastAccessedAt) >= s.cfg.SlidingTTL
}

// Get returns the live entry for the key, refreshing its sliding TTL.
// The absolute TTL is never extended.
func (s *Store) Get(k Key) (Entry, bool) {
	now := time.Now()
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[k]
	if !ok {
		s.misses.Add(1)
		return Entry{}, false
	}
	if s.expired(e, now) {
		delete(sh.entries, k)
		s.misses.Add(1)
		return Entry{}, false
	}
	e.lastAccessedAt = now
	s.hits.Add(1)
	return Entry{
		UpstreamID:            e.upstreamID,
		ContentLength:         e.contentLength,
		CumulativeInputTokens: e.inputTokens,
		CreatedAt:             e.createdAt,
		LastAccessedAt:        e.lastAccessedAt,
	}, true
}

// Commit records a successfully served request: the upstream that handled
// the session (rewritten in place on migration, cumulative tokens preserved),
// the latest body length, and the delivered prompt tokens to accumulate.
func (s *Store) Commit(k Key, upstreamID string, contentLength, deltaInputTokens int64) {
	now := time.Now()
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[k]; ok && !s.expired(e, now) {
		e.upstreamID = upstreamID
		e.contentLength = contentLength
		e.inputTokens += deltaInputTokens
		e.lastAccessedAt = now
		return
	}

	if len(sh.entries) >= s.cfg.MaxPerShard {
		s.evictLocked(sh, now)
	}
	sh.entries[k] = &entry{
		upstreamID:     upstreamID,
		contentLength:  contentLength,
		inputTokens:    deltaInputTokens,
		createdAt:      now,
		lastAccessedAt: now,
	}
}

// Delete removes the entry for the key, if present.
func (s *Store) Delete(k Key) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	delete(sh.entries, k)
	sh.mu.Unlock()
}

// evictLocked frees room in a full shard: expired entries first, then the
// least recently accessed live one. Caller holds sh.mu.
func (s *Store) evictLocked(sh *shard, now time.Time) {
	for k, e := range sh.entries {
		if s.expired(e, now) {
			delete(sh.entries, k)
			s.evictions.Add(1)
		}
	}
	if len(sh.entries) < s.cfg.MaxPerShard {
		return
	}
	var oldestKey Key
	var oldest time.Time
	first := true
	for k, e := range sh.entries {
		if first || e.lastAccessedAt.Before(oldest) {
			oldestKey, oldest, first = k, e.lastAccessedAt, false
		}
	}
	if !first {
		delete(sh.entries, oldestKey)
		s.evictions.Add(1)
	}
}

// Sweep removes expired entries, locking one shard at a time. Returns the
// number of entries removed.
func (s *Store) Sweep() int {
	now := time.Now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if s.expired(e, now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.evictions.Add(int64(removed))
	}
	return removed
}

// Len returns the total live entry count across shards.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Stats is a point-in-time counter snapshot for diagnostics.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns the store's counters.
func (s *Store) Stats() Stats {
	return Stats{
		Entries:   s.Len(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
