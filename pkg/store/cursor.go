package store

import (
	"context"
	"time"

	"github.com/bdsp/featuredb/pkg/types"
)

// Cursor is a lazy, restartable scan over one series' observations in
// [from, to), ascending by (timestamp, series_key). Data is loaded one chunk
// at a time, so buffered state is bounded by the widest chunk, not the range.
type Cursor struct {
	s      *Store
	series string
	filter func(string) bool
	from   time.Time
	to     time.Time

	chunks []ChunkMeta
	ci     int
	buf    []types.Observation
	bi     int
	cur    types.Observation
	err    error
}

// RangeScan opens a cursor over [from, to). keyFilter restricts the scan to
// matching series keys; nil matches every key. Only chunks whose interval
// intersects the range are touched.
func (s *Store) RangeScan(ctx context.Context, series string, keyFilter func(string) bool, from, to time.Time) (*Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Cursor{
		s:      s,
		series: series,
		filter: keyFilter,
		from:   from.UTC(),
		to:     to.UTC(),
		chunks: s.chunksIntersecting(series, from.UTC(), to.UTC()),
	}, nil
}

// Next advances the cursor. It returns false at the end of the range or on
// error; check Err after a false return.
func (c *Cursor) Next() bool {
	for {
		if c.err != nil {
			return false
		}
		if c.bi < len(c.buf) {
			c.cur = c.buf[c.bi]
			c.bi++
			return true
		}
		if c.ci >= len(c.chunks) {
			return false
		}
		c.err = c.loadChunk(c.chunks[c.ci])
		c.ci++
	}
}

// Obs returns the observation at the cursor position.
func (c *Cursor) Obs() types.Observation { return c.cur }

// Err returns the first error encountered, if any.
func (c *Cursor) Err() error { return c.err }

// Reset restarts the cursor at the beginning of its range. A restarted
// cursor re-reads stored state, so it also picks up writes committed since.
func (c *Cursor) Reset() {
	c.chunks = c.s.chunksIntersecting(c.series, c.from, c.to)
	c.ci = 0
	c.buf = nil
	c.bi = 0
	c.err = nil
}

// All drains the cursor into a slice. Intended for bounded ranges and tests.
func (c *Cursor) All() ([]types.Observation, error) {
	var out []types.Observation
	for c.Next() {
		out = append(out, c.Obs())
	}
	return out, c.Err()
}

// loadChunk buffers the merged view of one chunk clipped to [from, to):
// compacted block rows overlaid with any row-wise upserts, live rows winning
// on equal (ts, key). The block is read unconditionally rather than gated on
// the Compacted flag: a scan racing a compaction must find the rows on
// whichever side the committed transaction left them, and a missing block
// simply yields no rows.
func (c *Cursor) loadChunk(meta ChunkMeta) error {
	lo := meta.Start
	if c.from.After(lo) {
		lo = c.from
	}
	hi := meta.End()
	if c.to.Before(hi) {
		hi = c.to
	}

	live, _, err := c.s.liveRows(c.series, lo, hi, c.filter)
	if err != nil {
		return err
	}

	block, err := c.s.blockRows(c.series, meta.Start)
	if err != nil {
		return err
	}
	clipped := block[:0:0]
	for _, r := range block {
		if r.Timestamp.Before(lo) || !r.Timestamp.Before(hi) {
			continue
		}
		if c.filter != nil && !c.filter(r.SeriesKey) {
			continue
		}
		clipped = append(clipped, r)
	}

	c.buf = mergeObservations(clipped, live)
	c.bi = 0
	return nil
}
