// Package align joins independently-sampled series onto the time grid of a
// reference series. The join is a strict left join: the output has exactly
// one row per reference row, and a source with no value at a reference
// timestamp contributes nulls plus a gap note, never a dropped row.
package align

import (
	"time"

	"github.com/bdsp/featuredb/pkg/types"
)

// RefRow is one row of the reference (driving) series.
type RefRow struct {
	T      time.Time
	Values map[string]float64
}

// Source is one pre-reduced joinable source. Rows must be ascending by
// timestamp with at most one row per timestamp (see ReduceSeries). Columns
// maps source field names to output column names; a nil map keeps the field
// names as-is.
type Source struct {
	Name    string
	Columns map[string]string
	Rows    []ReducedRow
}

// AlignedRow is one reference row with nullable joined columns.
type AlignedRow struct {
	T      time.Time
	Ref    map[string]float64
	Joined map[string]*float64
}

// Align joins every source onto the reference grid with a single merge pass
// per source: O(len(ref) + len(source)) per source, never a nested loop.
// The second return value lists reference timestamps a source had no data
// for.
func Align(ref []RefRow, sources []Source) ([]AlignedRow, []types.GapNote) {
	out := make([]AlignedRow, len(ref))
	for i, r := range ref {
		out[i] = AlignedRow{T: r.T, Ref: r.Values, Joined: make(map[string]*float64)}
	}

	var notes []types.GapNote
	for _, src := range sources {
		cols := src.columnSet()
		j := 0
		for i := range out {
			t := out[i].T
			for j < len(src.Rows) && src.Rows[j].T.Before(t) {
				j++
			}
			if j < len(src.Rows) && src.Rows[j].T.Equal(t) {
				// Pre-fill with nils so a row missing one of the mapped
				// fields still yields every column, just null.
				for f := range cols {
					out[i].Joined[f] = nil
				}
				for f, v := range src.Rows[j].Values {
					val := v
					out[i].Joined[src.outCol(f)] = &val
				}
				continue
			}
			for f := range cols {
				out[i].Joined[f] = nil
			}
			notes = append(notes, types.GapNote{Timestamp: t, Source: src.Name, Reason: "no source row at reference timestamp"})
		}
	}
	return out, notes
}

func (s Source) outCol(field string) string {
	if s.Columns == nil {
		return field
	}
	if out, ok := s.Columns[field]; ok {
		return out
	}
	return field
}

// columnSet returns the output column names a source contributes, derived
// from its column mapping or, failing that, from its first row.
func (s Source) columnSet() map[string]struct{} {
	cols := make(map[string]struct{})
	if s.Columns != nil {
		for _, out := range s.Columns {
			cols[out] = struct{}{}
		}
		return cols
	}
	if len(s.Rows) > 0 {
		for f := range s.Rows[0].Values {
			cols[f] = struct{}{}
		}
	}
	return cols
}
