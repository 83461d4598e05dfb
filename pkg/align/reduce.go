package align

import (
	"math"
	"strconv"
	"time"
)

// SourceRow is one keyed sample of a joinable source.
type SourceRow struct {
	T      time.Time
	Key    string
	Values map[string]float64
}

// ReducedRow is a source row collapsed to at most one value set per
// timestamp, ready for the join.
type ReducedRow struct {
	T      time.Time
	Values map[string]float64
}

// Reducer collapses all rows of a source sharing one timestamp to a single
// value set. Returning false means the timestamp has no usable value and the
// join emits nulls there.
type Reducer interface {
	Reduce(group []SourceRow) (map[string]float64, bool)
}

// FixedKey selects the row with exactly the given series key.
type FixedKey string

func (k FixedKey) Reduce(group []SourceRow) (map[string]float64, bool) {
	for _, r := range group {
		if r.Key == string(k) {
			return r.Values, true
		}
	}
	return nil, false
}

// MeanAcrossKeys averages every field across all keys at the timestamp,
// e.g. collapsing multiple tariff types to one mean tariff.
type MeanAcrossKeys struct{}

func (MeanAcrossKeys) Reduce(group []SourceRow) (map[string]float64, bool) {
	if len(group) == 0 {
		return nil, false
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range group {
		for f, v := range r.Values {
			sums[f] += v
			counts[f]++
		}
	}
	out := make(map[string]float64, len(sums))
	for f, s := range sums {
		out[f] = s / float64(counts[f])
	}
	return out, true
}

// NearestKey selects the row whose numeric key is closest to Target. Ties
// break toward the lower key; non-numeric keys are skipped.
type NearestKey struct {
	Target float64
}

func (n NearestKey) Reduce(group []SourceRow) (map[string]float64, bool) {
	best := -1
	bestDist := math.Inf(1)
	bestKey := math.Inf(1)
	for i, r := range group {
		k, err := strconv.ParseFloat(r.Key, 64)
		if err != nil {
			continue
		}
		d := math.Abs(k - n.Target)
		if d < bestDist || (d == bestDist && k < bestKey) {
			best = i
			bestDist = d
			bestKey = k
		}
	}
	if best < 0 {
		return nil, false
	}
	return group[best].Values, true
}

// ReduceSeries collapses a (T, Key)-sorted source to one row per timestamp.
// This is the explicit pre-step before Align; the join itself never reduces.
func ReduceSeries(rows []SourceRow, r Reducer) []ReducedRow {
	var out []ReducedRow
	i := 0
	for i < len(rows) {
		j := i
		for j < len(rows) && rows[j].T.Equal(rows[i].T) {
			j++
		}
		if vals, ok := r.Reduce(rows[i:j]); ok {
			out = append(out, ReducedRow{T: rows[i].T, Values: vals})
		}
		i = j
	}
	return out
}
