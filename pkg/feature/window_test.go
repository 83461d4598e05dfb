package feature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vals(xs ...float64) []*float64 {
	out := make([]*float64, len(xs))
	for i := range xs {
		out[i] = &xs[i]
	}
	return out
}

func TestLagAndRollingOverShortSeries(t *testing.T) {
	prices := vals(10, 12, 14, 16)

	lag1 := LagSeries(prices, 1)
	require.Nil(t, lag1[0])
	assert.Equal(t, 10.0, *lag1[1])
	assert.Equal(t, 12.0, *lag1[2])
	assert.Equal(t, 14.0, *lag1[3])

	roll2 := RollingMeanSeries(prices, 2)
	assert.Equal(t, 10.0, *roll2[0], "window of one value at the head")
	assert.Equal(t, 11.0, *roll2[1])
	assert.Equal(t, 13.0, *roll2[2])
	assert.Equal(t, 15.0, *roll2[3])
}

func TestLagHeadIsNull(t *testing.T) {
	l := NewLag(3)
	for i := 0; i < 3; i++ {
		assert.Nil(t, l.Push(Float(float64(i))))
	}
	out := l.Push(Float(99))
	require.NotNil(t, out)
	assert.Equal(t, 0.0, *out)
}

func TestLagPropagatesNullInputs(t *testing.T) {
	l := NewLag(1)
	l.Push(nil)
	out := l.Push(Float(5))
	assert.Nil(t, out, "a null row occupies its position and lags through as null")
}

func TestRollingMeanIgnoresNulls(t *testing.T) {
	r := NewRollingMean(3)
	r.Push(Float(10))
	r.Push(nil)
	out := r.Push(Float(20))
	require.NotNil(t, out)
	assert.Equal(t, 15.0, *out, "nulls excluded from numerator and denominator")
}

func TestRollingMeanAllNullWindow(t *testing.T) {
	r := NewRollingMean(2)
	r.Push(Float(10))
	r.Push(nil)
	assert.Nil(t, r.Push(nil), "window [nil, nil] has no value to average")
}

func TestWindowsLookBackwardOnly(t *testing.T) {
	base := []float64{10, 12, 14, 16, 18, 20}
	full := vals(base...)

	lagFull := LagSeries(full, 2)
	rollFull := RollingMeanSeries(full, 3)

	// Recomputing over any prefix yields identical values for shared
	// indices: no window ever sees a future row.
	for cut := 1; cut < len(full); cut++ {
		lagCut := LagSeries(full[:cut], 2)
		rollCut := RollingMeanSeries(full[:cut], 3)
		for i := 0; i < cut; i++ {
			assert.Equal(t, lagFull[i], lagCut[i], "lag at index %d, prefix %d", i, cut)
			if rollFull[i] == nil {
				assert.Nil(t, rollCut[i])
			} else {
				require.NotNil(t, rollCut[i])
				assert.Equal(t, *rollFull[i], *rollCut[i], "rolling at index %d, prefix %d", i, cut)
			}
		}
	}
}

func TestCalendarFields(t *testing.T) {
	// Monday 2026-01-05 03:00 UTC.
	c := Calendar(time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, 3, c.HourOfDay)
	assert.Equal(t, 1, c.DayOfWeek, "Sunday=0, so Monday=1")
	assert.Equal(t, 1, c.Month)
	assert.False(t, c.IsWeekend)
	assert.False(t, c.IsPeakHour)

	// Saturday 2026-01-10 12:00.
	c = Calendar(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, 6, c.DayOfWeek)
	assert.True(t, c.IsWeekend)
	assert.True(t, c.IsPeakHour)

	// Peak-hour boundaries: 07:00 in, 23:00 out.
	assert.True(t, Calendar(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC), time.UTC).IsPeakHour)
	assert.False(t, Calendar(time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC), time.UTC).IsPeakHour)
}

func TestCalendarRespectsLocation(t *testing.T) {
	zurich, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)

	// 06:30 UTC is 07:30 in Zurich during winter: peak locally, not in UTC.
	ts := time.Date(2026, 1, 5, 6, 30, 0, 0, time.UTC)
	assert.False(t, Calendar(ts, time.UTC).IsPeakHour)
	assert.True(t, Calendar(ts, zurich).IsPeakHour)
}
