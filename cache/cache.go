// Package cache implements the engine's two-tier in-memory image
// cache: a High and a Low LRU tier, plus a Pending sentinel used to
// coalesce concurrent requests for the same key onto a single
// download. The cache never performs I/O and never fails.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"gitlab.com/NebulousLabs/errors"
)

// Tier is one of the two LRU-bounded partitions of the cache. A key
// lives in at most one tier at a time.
type Tier int

// The two cache tiers. High is meant for "show this immediately"
// latency hints, Low for everything else.
const (
	Low Tier = iota
	High
)

// String implements fmt.Stringer for logging.
func (t Tier) String() string {
	if t == High {
		return "high"
	}
	return "low"
}

// Result is the outcome of a Lookup.
type Result int

const (
	// Miss means no entry existed for the key. Lookup has, as a side
	// effect, atomically installed a Pending marker so that the next
	// concurrent Lookup for the same key observes Wait.
	Miss Result = iota
	// Hit means a Ready entry existed and has been promoted to MRU
	// within its tier. The accompanying image is valid.
	Hit
	// Wait means a download is already promised for this key. The
	// caller must register as a waiter elsewhere; Lookup makes no
	// state change in this case.
	Wait
)

// Cache is the two-tier bounded mapping from ResourceKey to decoded
// image described by the spec. All exported methods are safe for
// concurrent use; a single mutex serializes every operation, matching
// the "single serializing boundary" discipline required of the
// component - no operation here ever blocks on I/O.
type Cache struct {
	mu sync.Mutex

	high *lru.Cache // nil when the high tier is disabled (limit 0)
	low  *lru.Cache

	// pending tracks keys that have a promised-but-not-yet-ready
	// download, alongside the tier they were requested under. Entries
	// here are never visible to the LRU structures above and can
	// therefore never be evicted, which is what guarantees invariant 4
	// of the spec (Pending is never evicted).
	pending map[string]Tier

	highLimit int
	lowLimit  int

	highEvictions uint64
	lowEvictions  uint64

	hits   uint64
	misses uint64
	waits  uint64
}

// New constructs a Cache with the given per-tier capacities. A
// highLimit of 0 disables the High tier: every lookup/insert
// requesting it is silently routed to Low instead, matching the
// spec's boundary behavior for high_tier_limit = 0. lowLimit must be
// positive.
func New(highLimit, lowLimit int) (*Cache, error) {
	if lowLimit <= 0 {
		return nil, errors.New("cache: low tier limit must be positive")
	}
	c := &Cache{
		pending:   make(map[string]Tier),
		highLimit: highLimit,
		lowLimit:  lowLimit,
	}
	var err error
	c.low, err = lru.NewWithEvict(lowLimit, c.onEvictLow)
	if err != nil {
		return nil, errors.AddContext(err, "unable to create low tier")
	}
	if highLimit > 0 {
		c.high, err = lru.NewWithEvict(highLimit, c.onEvictHigh)
		if err != nil {
			return nil, errors.AddContext(err, "unable to create high tier")
		}
	}
	return c, nil
}

func (c *Cache) onEvictHigh(key, value interface{}) { c.highEvictions++ }
func (c *Cache) onEvictLow(key, value interface{})  { c.lowEvictions++ }

// tierCache resolves the LRU structure backing tier, folding a
// disabled High tier down to Low.
func (c *Cache) tierCache(tier Tier) (*lru.Cache, Tier) {
	if tier == High && c.high != nil {
		return c.high, High
	}
	return c.low, Low
}

// Lookup consults the cache for key. On Miss it atomically installs a
// Pending marker in the tier implied by hint, guaranteeing that the
// very next concurrent Lookup for the same key observes Wait instead
// of Miss - the property request coalescing depends on.
func (c *Cache) Lookup(key string, hint Tier) (Result, interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, isPending := c.pending[key]; isPending {
		c.waits++
		return Wait, nil
	}
	lc, _ := c.tierCache(hint)
	if img, ok := lc.Get(key); ok {
		c.hits++
		return Hit, img
	}
	// Also check the other tier: a key requested under a different
	// hint than it was originally inserted with is still a hit, it is
	// simply not yet promoted to the requested tier. Promotion across
	// tiers on a mismatched hint is the caller's call via Promote.
	other, _ := c.tierCache(otherTier(hint))
	if other != lc {
		if img, ok := other.Get(key); ok {
			c.hits++
			return Hit, img
		}
	}

	_, tier := c.tierCache(hint)
	c.pending[key] = tier
	c.misses++
	return Miss, nil
}

func otherTier(t Tier) Tier {
	if t == High {
		return Low
	}
	return High
}

// Insert transitions a Pending entry to Ready, or inserts a fresh
// Ready entry directly, making it MRU in tier. If tier is over
// capacity, the LRU structure evicts its least-recently-used entry as
// a side effect of Add; Pending entries are never candidates since
// they are never stored in the LRU structure.
func (c *Cache) Insert(key string, img interface{}, tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, key)
	lc, _ := c.tierCache(tier)
	lc.Add(key, img)
}

// Remove deletes any entry - Pending or Ready - for key. Used on
// terminal download failure so a later request may retry from a clean
// slate.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, key)
	c.low.Remove(key)
	if c.high != nil {
		c.high.Remove(key)
	}
}

// Promote moves a Ready entry from its current tier to dest, making it
// MRU in dest. Eviction rules apply to dest as normal. A Promote on a
// key that is Pending or absent is a no-op.
func (c *Cache) Promote(key string, dest Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, isPending := c.pending[key]; isPending {
		return
	}
	destCache, _ := c.tierCache(dest)
	srcCache, _ := c.tierCache(otherTier(dest))
	if destCache == srcCache {
		// dest tier disabled and folded onto the same cache as source;
		// a Get already promotes recency.
		destCache.Get(key)
		return
	}
	img, ok := srcCache.Peek(key)
	if !ok {
		return
	}
	srcCache.Remove(key)
	destCache.Add(key, img)
}

// Clear drops all Ready entries in tier. Pending entries are retained
// since dropping them would orphan an in-flight download.
func (c *Cache) Clear(tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, _ := c.tierCache(tier)
	lc.Purge()
}

// ClearAll drops all Ready entries in both tiers.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.low.Purge()
	if c.high != nil {
		c.high.Purge()
	}
}

// Size returns the number of Ready entries currently held in tier.
func (c *Cache) Size(tier Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tier == High && c.high == nil {
		return 0
	}
	lc, _ := c.tierCache(tier)
	return lc.Len()
}

// Stats is a diagnostics-only snapshot of cache occupancy, eviction
// counters and cumulative Lookup outcomes; it performs no I/O and
// never fails.
type Stats struct {
	HighSize, HighLimit, HighEvictions int
	LowSize, LowLimit, LowEvictions    int
	Pending                            int

	// Hits/Misses/Waits are cumulative counts of every Lookup outcome
	// since the cache was constructed, exposed so the diagnostics
	// surface can back counters rather than only occupancy gauges.
	Hits, Misses, Waits uint64
}

// Stat returns a diagnostics snapshot of the cache.
func (c *Cache) Stat() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		LowSize:      c.low.Len(),
		LowLimit:     c.lowLimit,
		LowEvictions: int(c.lowEvictions),
		Pending:      len(c.pending),
		Hits:         c.hits,
		Misses:       c.misses,
		Waits:        c.waits,
	}
	if c.high != nil {
		s.HighSize = c.high.Len()
		s.HighLimit = c.highLimit
		s.HighEvictions = int(c.highEvictions)
	}
	return s
}
