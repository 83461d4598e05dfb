package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bdsp/featuredb/pkg/store"
	"github.com/bdsp/featuredb/pkg/types"
)

var (
	refreshRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "featuredb_aggregate_refresh_runs_total",
		Help: "Number of aggregate refresh invocations.",
	})
	bucketsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "featuredb_aggregate_buckets_computed_total",
		Help: "Buckets (re)computed during refresh, per aggregate.",
	}, []string{"aggregate"})
	bucketsMarkedStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "featuredb_aggregate_buckets_stale_total",
		Help: "Materialized buckets invalidated by late raw writes.",
	}, []string{"aggregate"})
)

// Spec names one maintained aggregate: hourly avg/min/max/count of a single
// value field of a raw series, per series key.
type Spec struct {
	Name   string // aggregate name, also its bucket key namespace
	Series string // source raw series
	Field  string // value field aggregated
}

// Config holds maintainer configuration. All offsets are relative to the
// explicit `now` passed to Refresh.
type Config struct {
	BucketWidth time.Duration
	// StartOffset bounds how far back a refresh re-examines buckets. Stale
	// buckets older than this are never auto-healed; use Rebuild.
	StartOffset time.Duration
	// EndOffset keeps the most recent buckets intentionally unmaterialized
	// until their late-arrival window has passed.
	EndOffset time.Duration
	// MaxParallel bounds concurrent per-aggregate refresh work.
	MaxParallel int
	Aggregates  []Spec
}

// DefaultConfig returns the reference configuration: hourly buckets,
// 48h start offset, 1h end offset.
func DefaultConfig() *Config {
	return &Config{
		BucketWidth: time.Hour,
		StartOffset: 48 * time.Hour,
		EndOffset:   time.Hour,
		MaxParallel: 4,
	}
}

// record is the persisted form of one bucket for one series key.
type record struct {
	Avg   float64           `json:"avg"`
	Min   float64           `json:"min"`
	Max   float64           `json:"max"`
	Count int64             `json:"count"`
	State types.BucketState `json:"state"`
}

// Maintainer incrementally materializes bucketed summary statistics over raw
// series. It registers as a write observer on the store so late writes into
// already-materialized buckets flip them to Stale.
type Maintainer struct {
	cfg   *Config
	store *store.Store
	db    *badger.DB
	log   *slog.Logger
	clock func() time.Time

	mu          sync.Mutex
	bucketLocks map[string]*sync.Mutex

	cache *bucketCache
}

// Option configures a Maintainer.
type Option func(*Maintainer)

// WithClock injects the time source used for staleness-window checks on
// write. Refresh itself always takes now explicitly.
func WithClock(clock func() time.Time) Option {
	return func(m *Maintainer) { m.clock = clock }
}

// NewMaintainer creates a maintainer over the given store. The caller is
// expected to register it: store.RegisterObserver(m).
func NewMaintainer(cfg *Config, s *store.Store, logger *slog.Logger, opts ...Option) *Maintainer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintainer{
		cfg:         cfg,
		store:       s,
		db:          s.DB(),
		log:         logger.With("component", "aggregate"),
		clock:       time.Now,
		bucketLocks: make(map[string]*sync.Mutex),
		cache:       newBucketCache(256, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// bucketStart maps a timestamp onto its bucket.
func (m *Maintainer) bucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(m.cfg.BucketWidth)
}

// ObserveWrite implements store.WriteObserver. A raw write landing inside an
// already-materialized bucket within the staleness window marks that bucket
// Stale. Writes older than the window never alter aggregate state.
func (m *Maintainer) ObserveWrite(series string, obs types.Observation) {
	now := m.clock().UTC()
	for _, spec := range m.cfg.Aggregates {
		if spec.Series != series {
			continue
		}
		bs := m.bucketStart(obs.Timestamp)
		if bs.Before(now.Add(-m.cfg.StartOffset).Truncate(m.cfg.BucketWidth)) {
			continue
		}
		rec, ok, err := m.readRecord(spec.Name, bs, obs.SeriesKey)
		if err != nil {
			m.log.Warn("failed to read bucket on write", "aggregate", spec.Name, "err", err)
			continue
		}
		if !ok || rec.State != types.Materialized {
			continue
		}
		rec.State = types.Stale
		if err := m.writeRecords(spec.Name, bs, map[string]*record{obs.SeriesKey: rec}, nil); err != nil {
			m.log.Warn("failed to mark bucket stale", "aggregate", spec.Name, "err", err)
			continue
		}
		m.cache.InvalidateAggregate(spec.Name)
		bucketsMarkedStale.WithLabelValues(spec.Name).Inc()
		m.log.Info("bucket marked stale", "aggregate", spec.Name, "bucket", bs, "key", obs.SeriesKey)
	}
}

// Refresh materializes every due bucket inside
// [now - start_offset, now - end_offset] for all configured aggregates.
// now is explicit so staleness-window edges are deterministic under test.
func (m *Maintainer) Refresh(ctx context.Context, now time.Time) error {
	refreshRuns.Inc()
	now = now.UTC()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallel)
	for _, spec := range m.cfg.Aggregates {
		g.Go(func() error {
			return m.refreshAggregate(ctx, spec, now)
		})
	}
	return g.Wait()
}

func (m *Maintainer) refreshAggregate(ctx context.Context, spec Spec, now time.Time) error {
	first := now.Add(-m.cfg.StartOffset).Truncate(m.cfg.BucketWidth)
	// Last bucket whose interval fully closed before the end offset.
	last := now.Add(-m.cfg.EndOffset).Truncate(m.cfg.BucketWidth).Add(-m.cfg.BucketWidth)

	computed := 0
	for bs := first; !bs.After(last); bs = bs.Add(m.cfg.BucketWidth) {
		if err := ctx.Err(); err != nil {
			return err
		}
		due, err := m.bucketDue(spec.Name, bs)
		if err != nil {
			return err
		}
		if !due {
			continue
		}
		if err := m.computeBucket(ctx, spec, bs); err != nil {
			return fmt.Errorf("refresh %s@%s: %w", spec.Name, bs.Format(time.RFC3339), err)
		}
		computed++
	}
	if computed > 0 {
		m.cache.InvalidateAggregate(spec.Name)
		m.log.Info("aggregate refreshed", "aggregate", spec.Name, "buckets", computed, "now", now)
	}
	return nil
}

// bucketDue reports whether a bucket needs (re)computation: never computed,
// or any of its key records is stale.
func (m *Maintainer) bucketDue(agg string, bs time.Time) (bool, error) {
	recs, err := m.readBucketRecords(agg, bs)
	if err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return true, nil
	}
	for _, r := range recs {
		if r.State == types.Stale {
			return true, nil
		}
	}
	return false, nil
}

// computeBucket recomputes one bucket from raw data under the bucket's
// exclusive lock and swaps all key records in a single transaction, so
// readers see either the prior value or the new one, never a half update.
func (m *Maintainer) computeBucket(ctx context.Context, spec Spec, bs time.Time) error {
	lock := m.lockBucket(spec.Name, bs)
	defer lock.Unlock()

	cur, err := m.store.RangeScan(ctx, spec.Series, nil, bs, bs.Add(m.cfg.BucketWidth))
	if err != nil {
		return err
	}

	fresh := make(map[string]*record)
	for cur.Next() {
		obs := cur.Obs()
		v, ok := obs.Fields[spec.Field]
		if !ok {
			continue
		}
		rec, ok := fresh[obs.SeriesKey]
		if !ok {
			rec = &record{Min: v, Max: v, State: types.Materialized}
			fresh[obs.SeriesKey] = rec
		}
		if v < rec.Min {
			rec.Min = v
		}
		if v > rec.Max {
			rec.Max = v
		}
		rec.Avg += v // running sum; divided below
		rec.Count++
	}
	if err := cur.Err(); err != nil {
		return err
	}
	for _, rec := range fresh {
		rec.Avg /= float64(rec.Count)
	}

	// Keys present before but absent from the recomputation are dropped.
	prev, err := m.readBucketRecords(spec.Name, bs)
	if err != nil {
		return err
	}
	var drop []string
	for key := range prev {
		if _, ok := fresh[key]; !ok {
			drop = append(drop, key)
		}
	}

	if err := m.writeRecords(spec.Name, bs, fresh, drop); err != nil {
		return err
	}
	bucketsComputed.WithLabelValues(spec.Name).Inc()
	return nil
}

// ReadBucket returns one bucket for one series key. A missing record reads
// as NotYetDue; non-strict callers treat NotYetDue and Stale identically.
func (m *Maintainer) ReadBucket(ctx context.Context, agg, seriesKey string, bs time.Time) (types.Bucket, types.BucketState, error) {
	if err := ctx.Err(); err != nil {
		return types.Bucket{}, types.NotYetDue, err
	}
	bs = bs.UTC()
	rec, ok, err := m.readRecord(agg, bs, seriesKey)
	if err != nil {
		return types.Bucket{}, types.NotYetDue, err
	}
	if !ok {
		return types.Bucket{}, types.NotYetDue, nil
	}
	return types.Bucket{
		Series:      agg,
		SeriesKey:   seriesKey,
		BucketStart: bs,
		Avg:         rec.Avg,
		Min:         rec.Min,
		Max:         rec.Max,
		Count:       rec.Count,
		State:       rec.State,
	}, rec.State, nil
}

// ReadBucketStrict is the strict-consistency read: it fails with
// StaleAggregateError unless the bucket is materialized.
func (m *Maintainer) ReadBucketStrict(ctx context.Context, agg, seriesKey string, bs time.Time) (types.Bucket, error) {
	b, state, err := m.ReadBucket(ctx, agg, seriesKey, bs)
	if err != nil {
		return types.Bucket{}, err
	}
	if state != types.Materialized {
		return types.Bucket{}, &types.StaleAggregateError{Series: agg, SeriesKey: seriesKey, BucketStart: bs, State: state}
	}
	return b, nil
}

// ReadRange returns every bucket record of an aggregate in [from, to),
// ascending by (bucket_start, key), all states included. Results are served
// from an LRU cache invalidated whenever the aggregate changes.
func (m *Maintainer) ReadRange(ctx context.Context, agg string, from, to time.Time) ([]types.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, to = from.UTC(), to.UTC()

	if cached, ok := m.cache.Get(agg, from, to); ok {
		return cached, nil
	}

	var out []types.Bucket
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: store.AggPrefix(agg), PrefetchValues: true})
		defer it.Close()

		stop := store.AggBound(agg, to)
		for it.Seek(store.AggBound(agg, from)); it.Valid(); it.Next() {
			item := it.Item()
			if keyCompare(item.Key(), stop) >= 0 {
				break
			}
			bs, key, err := store.ParseAggKey(agg, item.Key())
			if err != nil {
				return err
			}
			var rec record
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to decode bucket record: %w", err)
			}
			out = append(out, types.Bucket{
				Series:      agg,
				SeriesKey:   key,
				BucketStart: bs,
				Avg:         rec.Avg,
				Min:         rec.Min,
				Max:         rec.Max,
				Count:       rec.Count,
				State:       rec.State,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.cache.Put(agg, from, to, out)
	return out, nil
}

// Rebuild recomputes every bucket of one aggregate in [from, to) regardless
// of offsets. Manual escape hatch for late data older than the start offset.
func (m *Maintainer) Rebuild(ctx context.Context, agg string, from, to time.Time) error {
	spec, ok := m.spec(agg)
	if !ok {
		return fmt.Errorf("unknown aggregate %q", agg)
	}
	from = from.UTC().Truncate(m.cfg.BucketWidth)
	for bs := from; bs.Before(to.UTC()); bs = bs.Add(m.cfg.BucketWidth) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.computeBucket(ctx, spec, bs); err != nil {
			return err
		}
	}
	m.cache.InvalidateAggregate(agg)
	m.log.Info("aggregate rebuilt", "aggregate", agg, "from", from, "to", to)
	return nil
}

// BucketWidth exposes the configured bucket width.
func (m *Maintainer) BucketWidth() time.Duration { return m.cfg.BucketWidth }

func (m *Maintainer) spec(agg string) (Spec, bool) {
	for _, s := range m.cfg.Aggregates {
		if s.Name == agg {
			return s, true
		}
	}
	return Spec{}, false
}

func (m *Maintainer) lockBucket(agg string, bs time.Time) *sync.Mutex {
	id := fmt.Sprintf("%s/%d", agg, bs.UnixNano())
	m.mu.Lock()
	lock, ok := m.bucketLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.bucketLocks[id] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock
}

func (m *Maintainer) readRecord(agg string, bs time.Time, key string) (*record, bool, error) {
	var rec record
	found := false
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(store.AggKey(agg, bs, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// readBucketRecords reads all key records of one bucket.
func (m *Maintainer) readBucketRecords(agg string, bs time.Time) (map[string]*record, error) {
	out := make(map[string]*record)
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: store.AggBound(agg, bs), PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			_, key, err := store.ParseAggKey(agg, item.Key())
			if err != nil {
				return err
			}
			rec := &record{}
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, rec)
			})
			if err != nil {
				return err
			}
			out[key] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writeRecords swaps a bucket's key records (and drops removed keys) in one
// transaction.
func (m *Maintainer) writeRecords(agg string, bs time.Time, recs map[string]*record, drop []string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		for key, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(store.AggKey(agg, bs, key), data); err != nil {
				return err
			}
		}
		for _, key := range drop {
			if err := txn.Delete(store.AggKey(agg, bs, key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func keyCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
