// Package feature derives lag and rolling-window values over a time-ordered
// row sequence. All window arithmetic is positional: index i-k means "k
// stored rows earlier", not "k hours earlier". If the underlying series has
// a gap, a window silently spans more wall-clock time than its width; that
// behavior is deliberate and kept, matching row-based window semantics.
package feature

// Lag emits, for each pushed value, the value k positions earlier. The first
// k rows have no lag and yield nil. State is a fixed ring of k slots, so
// memory is O(k) regardless of how many rows stream through.
type Lag struct {
	k   int
	buf []*float64
	pos int
	n   int
}

// NewLag creates a lag accumulator of depth k (k >= 1).
func NewLag(k int) *Lag {
	if k < 1 {
		panic("feature: lag depth must be >= 1")
	}
	return &Lag{k: k, buf: make([]*float64, k)}
}

// Push appends one value and returns the value k positions back, or nil
// while fewer than k rows precede the current one. A nil input is a valid
// row whose value is null; it occupies a position like any other row.
func (l *Lag) Push(v *float64) *float64 {
	var out *float64
	if l.n >= l.k {
		out = l.buf[l.pos]
	}
	l.buf[l.pos] = v
	l.pos = (l.pos + 1) % l.k
	l.n++
	return out
}

// RollingMean emits the backward-looking mean over the last w positions
// including the current one. Null inputs are excluded from the mean (so the
// head of the series and sparse joined columns still average over whatever
// is present); the result is nil only when every value in the window is
// null.
type RollingMean struct {
	w    int
	buf  []*float64
	pos  int
	n    int
	sum  float64
	have int
}

// NewRollingMean creates a rolling-mean accumulator of width w (w >= 1).
func NewRollingMean(w int) *RollingMean {
	if w < 1 {
		panic("feature: rolling width must be >= 1")
	}
	return &RollingMean{w: w, buf: make([]*float64, w)}
}

// Push appends one value and returns the mean over the current window.
func (r *RollingMean) Push(v *float64) *float64 {
	if r.n >= r.w {
		if old := r.buf[r.pos]; old != nil {
			r.sum -= *old
			r.have--
		}
	}
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % r.w
	r.n++
	if v != nil {
		r.sum += *v
		r.have++
	}
	if r.have == 0 {
		return nil
	}
	mean := r.sum / float64(r.have)
	return &mean
}

// LagSeries applies a lag of depth k over a whole series.
func LagSeries(vals []*float64, k int) []*float64 {
	l := NewLag(k)
	out := make([]*float64, len(vals))
	for i, v := range vals {
		out[i] = l.Push(v)
	}
	return out
}

// RollingMeanSeries applies a rolling mean of width w over a whole series.
func RollingMeanSeries(vals []*float64, w int) []*float64 {
	r := NewRollingMean(w)
	out := make([]*float64, len(vals))
	for i, v := range vals {
		out[i] = r.Push(v)
	}
	return out
}

// Float returns a pointer to v; convenience for building nullable columns.
func Float(v float64) *float64 { return &v }
