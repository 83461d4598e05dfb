package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdsp/featuredb/pkg/store"
	"github.com/bdsp/featuredb/pkg/types"
)

// fixture wires a store and a maintainer with a pinned clock.
type fixture struct {
	store *store.Store
	m     *Maintainer
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scfg := store.DefaultConfig()
	scfg.Path = t.TempDir()
	s, err := store.Open(scfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Aggregates = []Spec{
		{Name: "ekz_tariffs_hourly", Series: "ekz_tariffs", Field: "price_chf_kwh"},
	}
	m := NewMaintainer(cfg, s, slog.Default(), WithClock(func() time.Time { return now }))
	s.RegisterObserver(m)

	return &fixture{store: s, m: m, now: now}
}

func (f *fixture) ingest(t *testing.T, key string, ts time.Time, price float64) {
	t.Helper()
	_, err := f.store.Upsert(context.Background(), "ekz_tariffs", types.Observation{
		Timestamp: ts,
		SeriesKey: key,
		Fields:    map[string]float64{"price_chf_kwh": price},
	})
	require.NoError(t, err)
}

func TestBucketBoundaryCorrectness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bucket := f.now.Add(-6 * time.Hour) // well inside the refresh window

	// Minute-granularity raw data across one hour plus a straggler in the
	// next hour that must not leak in.
	prices := []float64{0.18, 0.22, 0.20, 0.26, 0.24}
	for i, p := range prices {
		f.ingest(t, "standard", bucket.Add(time.Duration(i)*12*time.Minute), p)
	}
	f.ingest(t, "standard", bucket.Add(time.Hour), 0.99)

	require.NoError(t, f.m.Refresh(ctx, f.now))

	b, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", bucket)
	require.NoError(t, err)
	require.Equal(t, types.Materialized, state)

	assert.Equal(t, int64(5), b.Count)
	assert.InDelta(t, 0.22, b.Avg, 1e-12)
	assert.Equal(t, 0.18, b.Min)
	assert.Equal(t, 0.26, b.Max)
}

func TestEndOffsetKeepsRecentBucketsUnmaterialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The bucket covering now-30m has not closed past the end offset.
	recent := f.now.Add(-30 * time.Minute).Truncate(time.Hour)
	f.ingest(t, "standard", f.now.Add(-30*time.Minute), 0.20)

	require.NoError(t, f.m.Refresh(ctx, f.now))

	_, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", recent)
	require.NoError(t, err)
	assert.Equal(t, types.NotYetDue, state)
}

func TestLateWriteMarksBucketStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bucket := f.now.Add(-6 * time.Hour)

	f.ingest(t, "standard", bucket.Add(10*time.Minute), 0.20)
	require.NoError(t, f.m.Refresh(ctx, f.now))

	_, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", bucket)
	require.NoError(t, err)
	require.Equal(t, types.Materialized, state)

	// Late-arriving raw data inside the staleness window flips the bucket.
	f.ingest(t, "standard", bucket.Add(20*time.Minute), 0.30)

	_, state, err = f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", bucket)
	require.NoError(t, err)
	assert.Equal(t, types.Stale, state)

	// The next refresh heals it with the late value included.
	require.NoError(t, f.m.Refresh(ctx, f.now))
	b, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", bucket)
	require.NoError(t, err)
	assert.Equal(t, types.Materialized, state)
	assert.Equal(t, int64(2), b.Count)
	assert.InDelta(t, 0.25, b.Avg, 1e-12)
}

func TestWriteOlderThanStartOffsetDoesNotAlterAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.now.Add(-72 * time.Hour) // beyond the 48h start offset

	f.ingest(t, "standard", old.Add(10*time.Minute), 0.20)
	require.NoError(t, f.m.Refresh(ctx, f.now))

	// Too old to materialize in the first place.
	_, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", old)
	require.NoError(t, err)
	require.Equal(t, types.NotYetDue, state)

	// Materialize it manually, then verify a late write leaves it alone.
	require.NoError(t, f.m.Rebuild(ctx, "ekz_tariffs_hourly", old, old.Add(time.Hour)))
	b, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", old)
	require.NoError(t, err)
	require.Equal(t, types.Materialized, state)
	require.Equal(t, int64(1), b.Count)

	f.ingest(t, "standard", old.Add(20*time.Minute), 0.40)

	after, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", old)
	require.NoError(t, err)
	assert.Equal(t, types.Materialized, state, "non-healing: old buckets must not go stale")
	assert.Equal(t, b.Avg, after.Avg)
	assert.Equal(t, b.Count, after.Count)
}

func TestRefreshIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bucket := f.now.Add(-6 * time.Hour)

	f.ingest(t, "standard", bucket.Add(10*time.Minute), 0.20)
	f.ingest(t, "dynamic", bucket.Add(10*time.Minute), 0.24)

	require.NoError(t, f.m.Refresh(ctx, f.now))
	first, _, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", bucket)
	require.NoError(t, err)

	// Re-ingesting the identical batch and refreshing again changes nothing.
	f.ingest(t, "standard", bucket.Add(10*time.Minute), 0.20)
	f.ingest(t, "dynamic", bucket.Add(10*time.Minute), 0.24)
	require.NoError(t, f.m.Refresh(ctx, f.now))

	second, state, err := f.m.ReadBucket(ctx, "ekz_tariffs_hourly", "standard", bucket)
	require.NoError(t, err)
	assert.Equal(t, types.Materialized, state)
	assert.Equal(t, first, second)
}

func TestStrictReadFailsOnNonMaterialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bucket := f.now.Add(-6 * time.Hour)

	_, err := f.m.ReadBucketStrict(ctx, "ekz_tariffs_hourly", "standard", bucket)
	require.Error(t, err)
	var stale *types.StaleAggregateError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, types.NotYetDue, stale.State)
}

func TestReadRangePerKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b0 := f.now.Add(-6 * time.Hour)
	b1 := b0.Add(time.Hour)

	f.ingest(t, "standard", b0.Add(5*time.Minute), 0.20)
	f.ingest(t, "dynamic", b0.Add(5*time.Minute), 0.24)
	f.ingest(t, "standard", b1.Add(5*time.Minute), 0.21)
	require.NoError(t, f.m.Refresh(ctx, f.now))

	buckets, err := f.m.ReadRange(ctx, "ekz_tariffs_hourly", b0, b1.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.True(t, buckets[0].BucketStart.Equal(b0))
	assert.True(t, buckets[2].BucketStart.Equal(b1))

	// Cached re-read returns the same result.
	again, err := f.m.ReadRange(ctx, "ekz_tariffs_hourly", b0, b1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, buckets, again)
}

func TestBucketCacheInvalidation(t *testing.T) {
	c := newBucketCache(4, time.Minute)
	from := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)

	c.Put("ekz_tariffs_hourly", from, to, []types.Bucket{{SeriesKey: "standard"}})
	_, ok := c.Get("ekz_tariffs_hourly", from, to)
	require.True(t, ok)

	c.InvalidateAggregate("ekz_tariffs_hourly")
	_, ok = c.Get("ekz_tariffs_hourly", from, to)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
