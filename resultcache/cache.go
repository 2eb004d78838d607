// Package resultcache memoizes classification verdicts keyed by exact
// fingerprint, with a secondary index on the approximate fingerprint for
// near-duplicate lookups.
package resultcache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anatolykoptev/go-imageguard/fingerprint"
)

// DefaultScanLimit bounds the number of approximate buckets compared in one
// GetSimilar call.
const DefaultScanLimit = 500

// Entry is one memoized verdict.
type Entry struct {
	Exact     string    `json:"sha1"`
	Approx    string    `json:"ahash"`
	OK        bool      `json:"ok"`
	Score     float64   `json:"score"`
	Via       string    `json:"via"`
	Reason    string    `json:"reason"`
	Width     int       `json:"w"`
	Height    int       `json:"h"`
	UpdatedAt time.Time `json:"ts"`

	seq uint64
}

// Options configures a Cache. Zero values mean defaults.
type Options struct {
	MaxEntries int              // <= 0: unbounded
	ScanLimit  int              // default DefaultScanLimit
	Now        func() time.Time // default time.Now
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	buckets    map[string]map[string]struct{} // approx -> set of exact
	maxEntries int
	scanLimit  int
	now        func() time.Time
	seq        uint64
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = DefaultScanLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:    make(map[string]*Entry),
		buckets:    make(map[string]map[string]struct{}),
		maxEntries: opts.MaxEntries,
		scanLimit:  opts.ScanLimit,
		now:        opts.Now,
	}
}

// Configure changes the capacity. Values <= 0 make the cache unbounded.
// Shrinking evicts immediately.
func (c *Cache) Configure(maxEntries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEntries = maxEntries
	c.evictLocked()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetExact looks up the verdict for the exact bytes.
func (c *Cache) GetExact(data []byte) (Entry, bool) {
	return c.Lookup(fingerprint.Exact(data))
}

// Lookup returns the entry stored under an exact fingerprint.
func (c *Cache) Lookup(exact string) (Entry, bool) {
	exact = strings.ToLower(exact)
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[exact]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetSimilar returns an entry whose approximate fingerprint is within
// maxHamming of the image's, together with that distance.
func (c *Cache) GetSimilar(data []byte, maxHamming int) (Entry, int, bool) {
	return c.LookupSimilar(fingerprint.Approx(data), maxHamming)
}

// LookupSimilar is GetSimilar for a precomputed approximate fingerprint. The
// sentinel never matches. The bucket of approx itself is checked first, then
// at most ScanLimit other buckets are compared.
func (c *Cache) LookupSimilar(approx string, maxHamming int) (Entry, int, bool) {
	approx = strings.ToLower(approx)
	if maxHamming < 0 || fingerprint.IsSentinel(approx) || !fingerprint.Valid(approx, fingerprint.ApproxLen) {
		return Entry{}, 0, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if e := c.newestInBucketLocked(approx); e != nil {
		return *e, 0, true
	}

	scanned := 0
	for key := range c.buckets {
		if scanned >= c.scanLimit {
			break
		}
		if key == approx {
			continue
		}
		scanned++
		d := fingerprint.Hamming(approx, key)
		if d <= maxHamming {
			if e := c.newestInBucketLocked(key); e != nil {
				return *e, d, true
			}
		}
	}
	return Entry{}, 0, false
}

func (c *Cache) newestInBucketLocked(approx string) *Entry {
	var best *Entry
	for exact := range c.buckets[approx] {
		e := c.entries[exact]
		if e == nil {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	return best
}

// Put fingerprints data and stores the verdict. Re-putting the same bytes
// replaces the previous verdict.
func (c *Cache) Put(data []byte, ok bool, score float64, via, reason string) Entry {
	return c.PutPrint(fingerprint.Compute(data), ok, score, via, reason)
}

// PutPrint is Put for precomputed fingerprints.
func (c *Cache) PutPrint(p fingerprint.Print, ok bool, score float64, via, reason string) Entry {
	return c.Upsert(Entry{
		Exact:  p.Exact,
		Approx: p.Approx,
		OK:     ok,
		Score:  clamp01(score),
		Via:    via,
		Reason: reason,
		Width:  p.Width,
		Height: p.Height,
	})
}

// Upsert inserts or replaces an entry by exact fingerprint. A zero UpdatedAt
// is stamped with the current time; a non-zero one (replayed entries) is kept.
// Entries without a valid exact fingerprint are ignored.
func (c *Cache) Upsert(e Entry) Entry {
	e.Exact = strings.ToLower(e.Exact)
	e.Approx = strings.ToLower(e.Approx)
	if !fingerprint.Valid(e.Exact, fingerprint.ExactLen) {
		return Entry{}
	}
	if !fingerprint.Valid(e.Approx, fingerprint.ApproxLen) {
		e.Approx = fingerprint.Sentinel
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = c.now()
	}
	c.seq++
	e.seq = c.seq

	if old, ok := c.entries[e.Exact]; ok {
		c.unindexLocked(old)
	}
	stored := e
	c.entries[e.Exact] = &stored
	c.indexLocked(&stored)
	c.evictLocked()
	return e
}

// Remove drops the entry for an exact fingerprint and reports whether one
// existed.
func (c *Cache) Remove(exact string) bool {
	exact = strings.ToLower(exact)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[exact]
	if !ok {
		return false
	}
	c.unindexLocked(e)
	delete(c.entries, exact)
	return true
}

// Snapshot returns a copy of all entries, oldest first.
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sortOldestFirst(out)
	return out
}

func (c *Cache) indexLocked(e *Entry) {
	if fingerprint.IsSentinel(e.Approx) {
		return
	}
	b := c.buckets[e.Approx]
	if b == nil {
		b = make(map[string]struct{})
		c.buckets[e.Approx] = b
	}
	b[e.Exact] = struct{}{}
}

func (c *Cache) unindexLocked(e *Entry) {
	b := c.buckets[e.Approx]
	if b == nil {
		return
	}
	delete(b, e.Exact)
	if len(b) == 0 {
		delete(c.buckets, e.Approx)
	}
}

// evictLocked removes the oldest tenth (at least one) of the entries while
// the cache is over capacity.
func (c *Cache) evictLocked() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.entries) > c.maxEntries {
		n := len(c.entries)
		drop := max(1, n/10)

		all := make([]*Entry, 0, n)
		for _, e := range c.entries {
			all = append(all, e)
		}
		sort.Slice(all, func(i, j int) bool { return older(all[i], all[j]) })

		for _, e := range all[:drop] {
			c.unindexLocked(e)
			delete(c.entries, e.Exact)
		}
	}
}

func older(a, b *Entry) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	return a.seq < b.seq
}

func sortOldestFirst(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return older(&es[i], &es[j]) })
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
