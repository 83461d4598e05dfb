package view

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bdsp/featuredb/pkg/aggregate"
	"github.com/bdsp/featuredb/pkg/align"
	"github.com/bdsp/featuredb/pkg/feature"
	"github.com/bdsp/featuredb/pkg/store"
	"github.com/bdsp/featuredb/pkg/types"
)

var rowsMaterialized = promauto.NewCounter(prometheus.CounterOpts{
	Name: "featuredb_feature_rows_materialized_total",
	Help: "Feature rows emitted by materialize calls.",
})

// Row is one materialized feature row. Features maps column name to a
// nullable value; calendar flags are encoded as 0/1.
type Row struct {
	Time     time.Time
	Target   float64
	Features map[string]*float64
}

// Assembler materializes the feature view from the chunked store and the
// aggregate maintainer. It holds no mutable state of its own, so concurrent
// Materialize calls are safe.
type Assembler struct {
	cfg   *Config
	store *store.Store
	agg   *aggregate.Maintainer
	loc   *time.Location
	log   *slog.Logger
}

// NewAssembler validates cfg and builds an assembler.
func NewAssembler(cfg *Config, s *store.Store, m *aggregate.Maintainer, logger *slog.Logger) (*Assembler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("view: bad timezone %q: %w", cfg.Timezone, err)
		}
	}
	return &Assembler{
		cfg:   cfg,
		store: s,
		agg:   m,
		loc:   loc,
		log:   logger.With("component", "view"),
	}, nil
}

// Columns returns the emitted feature columns, sorted.
func (a *Assembler) Columns() []string { return a.cfg.Columns() }

// Target returns the target column name.
func (a *Assembler) Target() string { return a.cfg.TargetField }

// Materialize opens a streaming cursor over feature rows in [from, to).
// Window state is primed from up to maxLookback grid steps before from, so
// features at the start of the range use real history when it exists.
// Buffered state is bounded by the page size plus the deepest lookback, not
// by the requested range.
func (a *Assembler) Materialize(ctx context.Context, from, to time.Time) (*FeatureCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return nil, fmt.Errorf("view: empty range [%s, %s)", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	c := &FeatureCursor{
		a:     a,
		ctx:   ctx,
		from:  from,
		to:    to,
		pageT: from.Add(-time.Duration(a.cfg.maxLookback()) * a.cfg.Step),
		lags:  make([]lagState, 0, len(a.cfg.LagDepths)),
	}
	for _, k := range a.cfg.LagDepths {
		c.lags = append(c.lags, lagState{col: lagColumn(k), acc: feature.NewLag(k)})
	}
	for _, r := range a.cfg.Rolling {
		c.rolls = append(c.rolls, rollState{col: r.Column, acc: feature.NewRollingMean(r.Width)})
	}
	for _, r := range a.cfg.ExtraRolling {
		c.extras = append(c.extras, extraState{src: r.SourceColumn, col: r.Column, acc: feature.NewRollingMean(r.Width)})
	}
	return c, nil
}

// referencePage loads the reference rows of one page, reduced to one row per
// timestamp.
func (a *Assembler) referencePage(ctx context.Context, from, to time.Time) ([]align.RefRow, error) {
	cur, err := a.store.RangeScan(ctx, a.cfg.Reference, nil, from, to)
	if err != nil {
		return nil, err
	}
	obs, err := cur.All()
	if err != nil {
		return nil, err
	}

	rows := make([]align.SourceRow, len(obs))
	for i, o := range obs {
		rows[i] = align.SourceRow{T: o.Timestamp, Key: o.SeriesKey, Values: o.Fields}
	}
	var red align.Reducer = align.MeanAcrossKeys{}
	if a.cfg.ReferenceKey != "" {
		red = align.FixedKey(a.cfg.ReferenceKey)
	}
	reduced := align.ReduceSeries(rows, red)

	out := make([]align.RefRow, len(reduced))
	for i, r := range reduced {
		out[i] = align.RefRow{T: r.T, Values: r.Values}
	}
	return out, nil
}

// sourcePage loads one joined source over a page. Aggregate-backed sources
// expose only materialized buckets; stale or not-yet-due buckets read as
// absent and join to null.
func (a *Assembler) sourcePage(ctx context.Context, spec SourceSpec, from, to time.Time) (align.Source, error) {
	var rows []align.SourceRow
	if spec.Aggregate != "" {
		buckets, err := a.agg.ReadRange(ctx, spec.Aggregate, from, to)
		if err != nil {
			return align.Source{}, err
		}
		for _, b := range buckets {
			if b.State != types.Materialized {
				continue
			}
			rows = append(rows, align.SourceRow{
				T:      b.BucketStart,
				Key:    b.SeriesKey,
				Values: map[string]float64{"avg": b.Avg},
			})
		}
	} else {
		cur, err := a.store.RangeScan(ctx, spec.Series, nil, from, to)
		if err != nil {
			return align.Source{}, err
		}
		obs, err := cur.All()
		if err != nil {
			return align.Source{}, err
		}
		for _, o := range obs {
			rows = append(rows, align.SourceRow{T: o.Timestamp, Key: o.SeriesKey, Values: o.Fields})
		}
	}

	red, err := spec.reducer()
	if err != nil {
		return align.Source{}, err
	}
	return align.Source{
		Name:    spec.Name,
		Columns: spec.Columns,
		Rows:    align.ReduceSeries(rows, red),
	}, nil
}

type lagState struct {
	col string
	acc *feature.Lag
}

type rollState struct {
	col string
	acc *feature.RollingMean
}

type extraState struct {
	src string
	col string
	acc *feature.RollingMean
}

// FeatureCursor streams feature rows. It pages through the reference range
// and keeps only window accumulator state between pages.
type FeatureCursor struct {
	a    *Assembler
	ctx  context.Context
	from time.Time
	to   time.Time

	pageT time.Time
	buf   []Row
	bi    int
	cur   Row
	err   error
	done  bool

	lags   []lagState
	rolls  []rollState
	extras []extraState

	notes []types.GapNote
}

// Next advances to the next feature row.
func (c *FeatureCursor) Next() bool {
	for {
		if c.err != nil {
			return false
		}
		if c.bi < len(c.buf) {
			c.cur = c.buf[c.bi]
			c.bi++
			return true
		}
		if c.done {
			return false
		}
		c.err = c.loadPage()
	}
}

// Row returns the feature row at the cursor position.
func (c *FeatureCursor) Row() Row { return c.cur }

// Err returns the first error encountered, if any.
func (c *FeatureCursor) Err() error { return c.err }

// Notes returns the alignment gap notes collected so far for emitted rows.
func (c *FeatureCursor) Notes() []types.GapNote { return c.notes }

// All drains the cursor. Intended for bounded ranges and tests; long ranges
// should be consumed row by row.
func (c *FeatureCursor) All() ([]Row, error) {
	var out []Row
	for c.Next() {
		out = append(out, c.Row())
	}
	return out, c.Err()
}

func (c *FeatureCursor) loadPage() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	p0 := c.pageT
	p1 := p0.Add(time.Duration(c.a.cfg.PageSize) * c.a.cfg.Step)
	if p1.After(c.to) {
		p1 = c.to
	}
	c.pageT = p1
	if !p1.After(p0) || c.done {
		c.done = true
		c.buf, c.bi = nil, 0
		return nil
	}
	if !p1.Before(c.to) {
		c.done = true
	}

	ref, err := c.a.referencePage(c.ctx, p0, p1)
	if err != nil {
		return err
	}

	sources := make([]align.Source, 0, len(c.a.cfg.Sources))
	for _, spec := range c.a.cfg.Sources {
		src, err := c.a.sourcePage(c.ctx, spec, p0, p1)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	aligned, notes := align.Align(ref, sources)

	c.buf = c.buf[:0]
	c.bi = 0
	for _, ar := range aligned {
		row, emit := c.push(ar)
		if emit {
			c.buf = append(c.buf, row)
		}
	}
	for _, n := range notes {
		if !n.Timestamp.Before(c.from) {
			c.notes = append(c.notes, n)
		}
	}
	if len(c.buf) > 0 {
		rowsMaterialized.Add(float64(len(c.buf)))
	}
	return nil
}

// push advances every window accumulator with one aligned row and builds the
// feature row. Rows before the requested range only feed the accumulators.
func (c *FeatureCursor) push(ar align.AlignedRow) (Row, bool) {
	target := ar.Ref[c.a.cfg.TargetField]
	tv := target

	features := make(map[string]*float64, len(ar.Joined)+len(c.lags)+len(c.rolls)+len(c.extras)+5)
	for col, v := range ar.Joined {
		features[col] = v
	}

	for _, l := range c.lags {
		features[l.col] = l.acc.Push(&tv)
	}
	for _, r := range c.rolls {
		features[r.col] = r.acc.Push(&tv)
	}
	for _, e := range c.extras {
		features[e.col] = e.acc.Push(ar.Joined[e.src])
	}

	emit := !ar.T.Before(c.from)
	if !emit {
		return Row{}, false
	}

	for _, l := range c.lags {
		if features[l.col] == nil {
			c.notes = append(c.notes, types.GapNote{Timestamp: ar.T, Source: l.col, Reason: "insufficient history"})
		}
	}

	cal := feature.Calendar(ar.T, c.a.loc)
	features["hour_of_day"] = feature.Float(float64(cal.HourOfDay))
	features["day_of_week"] = feature.Float(float64(cal.DayOfWeek))
	features["month"] = feature.Float(float64(cal.Month))
	features["is_weekend"] = feature.Float(boolToFloat(cal.IsWeekend))
	features["is_peak_hour"] = feature.Float(boolToFloat(cal.IsPeakHour))

	return Row{Time: ar.T, Target: target, Features: features}, true
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
