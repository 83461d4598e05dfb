package store

import (
	"sort"
	"sync"
	"time"
)

// KeyStats summarizes one (series, series_key) stream.
type KeyStats struct {
	Series  string    `json:"series"`
	Key     string    `json:"key"`
	MinTime time.Time `json:"min_time"`
	MaxTime time.Time `json:"max_time"`
	Count   int64     `json:"count"`
}

// Catalog tracks per-key stream statistics for the status surface. Counts
// cover writes observed by this process; time envelopes are seeded from the
// persisted chunk registry on open.
type Catalog struct {
	mu       sync.RWMutex
	entries  map[uint64]*KeyStats
	bySeries map[string][]uint64
	envelope map[string]*timeRange
}

type timeRange struct {
	min time.Time
	max time.Time
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries:  make(map[uint64]*KeyStats),
		bySeries: make(map[string][]uint64),
		envelope: make(map[string]*timeRange),
	}
}

// Observe records one committed write.
func (c *Catalog) Observe(series, key string, ts time.Time, inserted bool) {
	fp := fingerprint(series, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.entries[fp]
	if !ok {
		st = &KeyStats{Series: series, Key: key, MinTime: ts, MaxTime: ts}
		c.entries[fp] = st
		c.bySeries[series] = append(c.bySeries[series], fp)
	}
	if ts.Before(st.MinTime) {
		st.MinTime = ts
	}
	if ts.After(st.MaxTime) {
		st.MaxTime = ts
	}
	if inserted {
		st.Count++
	}
	c.growEnvelope(series, ts, ts)
}

// SeedRange widens a series' time envelope from chunk registry bounds.
func (c *Catalog) SeedRange(series string, min, max time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.growEnvelope(series, min, max)
}

func (c *Catalog) growEnvelope(series string, min, max time.Time) {
	env, ok := c.envelope[series]
	if !ok {
		c.envelope[series] = &timeRange{min: min, max: max}
		return
	}
	if min.Before(env.min) {
		env.min = min
	}
	if max.After(env.max) {
		env.max = max
	}
}

// Stats returns per-key statistics of a series, sorted by key.
func (c *Catalog) Stats(series string) []KeyStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]KeyStats, 0, len(c.bySeries[series]))
	for _, fp := range c.bySeries[series] {
		out = append(out, *c.entries[fp])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// TimeRange returns the known [oldest, newest] envelope of a series.
func (c *Catalog) TimeRange(series string) (time.Time, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env, ok := c.envelope[series]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return env.min, env.max, true
}

// SeriesNames lists series with a known envelope, sorted.
func (c *Catalog) SeriesNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.envelope))
	for s := range c.envelope {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// fingerprint hashes (series, key) with FNV-1a.
func fingerprint(series, key string) uint64 {
	var hash uint64 = 14695981039346656037
	for _, b := range []byte(series) {
		hash ^= uint64(b)
		hash *= 1099511628211
	}
	hash ^= 0
	hash *= 1099511628211
	for _, b := range []byte(key) {
		hash ^= uint64(b)
		hash *= 1099511628211
	}
	return hash
}
