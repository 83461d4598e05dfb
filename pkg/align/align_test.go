package align

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourly(start time.Time, n int) []time.Time {
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = start.Add(time.Duration(i) * time.Hour)
	}
	return ts
}

func TestAlignLeftJoinKeepsEveryReferenceRow(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	grid := hourly(start, 4)

	ref := make([]RefRow, len(grid))
	for i, ts := range grid {
		ref[i] = RefRow{T: ts, Values: map[string]float64{"price_eur_mwh": 40 + float64(i)}}
	}

	// The weather source misses the second and fourth grid points.
	weather := Source{
		Name:    "weather_hourly",
		Columns: map[string]string{"temperature_2m": "temperature_2m"},
		Rows: []ReducedRow{
			{T: grid[0], Values: map[string]float64{"temperature_2m": 2.5}},
			{T: grid[2], Values: map[string]float64{"temperature_2m": 3.1}},
		},
	}

	rows, notes := Align(ref, []Source{weather})
	require.Len(t, rows, len(ref), "left join must not drop reference rows")

	require.NotNil(t, rows[0].Joined["temperature_2m"])
	assert.Equal(t, 2.5, *rows[0].Joined["temperature_2m"])
	assert.Nil(t, rows[1].Joined["temperature_2m"])
	require.NotNil(t, rows[2].Joined["temperature_2m"])
	assert.Equal(t, 3.1, *rows[2].Joined["temperature_2m"])
	assert.Nil(t, rows[3].Joined["temperature_2m"])

	require.Len(t, notes, 2)
	assert.Equal(t, "weather_hourly", notes[0].Source)
	assert.True(t, notes[0].Timestamp.Equal(grid[1]))
	assert.True(t, notes[1].Timestamp.Equal(grid[3]))
}

func TestAlignColumnRenaming(t *testing.T) {
	ts := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	ref := []RefRow{{T: ts, Values: map[string]float64{"price_eur_mwh": 40}}}

	tariffs := Source{
		Name:    "ekz_tariffs",
		Columns: map[string]string{"avg": "ekz_price_chf_kwh_avg"},
		Rows:    []ReducedRow{{T: ts, Values: map[string]float64{"avg": 0.22}}},
	}

	rows, notes := Align(ref, []Source{tariffs})
	require.Empty(t, notes)
	require.NotNil(t, rows[0].Joined["ekz_price_chf_kwh_avg"])
	assert.Equal(t, 0.22, *rows[0].Joined["ekz_price_chf_kwh_avg"])
	assert.NotContains(t, rows[0].Joined, "avg")
}

func TestAlignMatchedRowMissingMappedField(t *testing.T) {
	ts := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	ref := []RefRow{{T: ts, Values: map[string]float64{"price_eur_mwh": 40}}}

	// The matched weather row carries temperature but no wind reading; the
	// wind column must still appear, explicitly null, so every output row
	// has the same column set.
	weather := Source{
		Name: "weather_hourly",
		Columns: map[string]string{
			"temperature_2m": "temperature_2m",
			"wind_speed_10m": "wind_speed_10m",
		},
		Rows: []ReducedRow{{T: ts, Values: map[string]float64{"temperature_2m": 2.5}}},
	}

	rows, notes := Align(ref, []Source{weather})
	require.Empty(t, notes)
	require.NotNil(t, rows[0].Joined["temperature_2m"])
	assert.Equal(t, 2.5, *rows[0].Joined["temperature_2m"])
	require.Contains(t, rows[0].Joined, "wind_speed_10m")
	assert.Nil(t, rows[0].Joined["wind_speed_10m"])
}

func TestAlignSourceAheadOfReference(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	ref := []RefRow{
		{T: start, Values: map[string]float64{"p": 1}},
		{T: start.Add(time.Hour), Values: map[string]float64{"p": 2}},
	}
	// All source rows precede the reference grid entirely.
	src := Source{
		Name: "stale",
		Rows: []ReducedRow{{T: start.Add(-2 * time.Hour), Values: map[string]float64{"x": 9}}},
	}

	rows, notes := Align(ref, []Source{src})
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Joined["x"])
	assert.Nil(t, rows[1].Joined["x"])
	assert.Len(t, notes, 2)
}

func TestMeanAcrossKeysAveragesTariffTypes(t *testing.T) {
	ts := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	rows := []SourceRow{
		{T: ts, Key: "standard", Values: map[string]float64{"price_chf_kwh": 0.20}},
		{T: ts, Key: "dynamic", Values: map[string]float64{"price_chf_kwh": 0.24}},
	}

	reduced := ReduceSeries(rows, MeanAcrossKeys{})
	require.Len(t, reduced, 1)
	assert.InDelta(t, 0.22, reduced[0].Values["price_chf_kwh"], 1e-12)
}

func TestFixedKeyReducer(t *testing.T) {
	ts := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	rows := []SourceRow{
		{T: ts, Key: "2018", Values: map[string]float64{"discharge_m3s": 101}},
		{T: ts, Key: "2135", Values: map[string]float64{"discharge_m3s": 55}},
		{T: ts.Add(15 * time.Minute), Key: "2135", Values: map[string]float64{"discharge_m3s": 56}},
	}

	reduced := ReduceSeries(rows, FixedKey("2135"))
	require.Len(t, reduced, 2)
	assert.Equal(t, 55.0, reduced[0].Values["discharge_m3s"])
	assert.Equal(t, 56.0, reduced[1].Values["discharge_m3s"])

	// A timestamp without the fixed key contributes no reduced row at all.
	none := ReduceSeries(rows[:1], FixedKey("9999"))
	assert.Empty(t, none)
}

func TestNearestKeyReducer(t *testing.T) {
	ts := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	group := []SourceRow{
		{T: ts, Key: "47.30,8.55", Values: map[string]float64{"temperature_2m": 1}},
		{T: ts, Key: "47.25", Values: map[string]float64{"temperature_2m": 2}},
		{T: ts, Key: "47.45", Values: map[string]float64{"temperature_2m": 3}},
	}

	vals, ok := NearestKey{Target: 47.40}.Reduce(group)
	require.True(t, ok)
	assert.Equal(t, 3.0, vals["temperature_2m"], "47.45 is nearest; non-numeric key skipped")

	// Equidistant targets break toward the lower key.
	tie := []SourceRow{
		{T: ts, Key: "46", Values: map[string]float64{"temperature_2m": 5}},
		{T: ts, Key: "48", Values: map[string]float64{"temperature_2m": 6}},
	}
	vals, ok = NearestKey{Target: 47}.Reduce(tie)
	require.True(t, ok)
	assert.Equal(t, 5.0, vals["temperature_2m"])

	_, ok = NearestKey{Target: 0}.Reduce(group[:1])
	assert.False(t, ok, "group with only non-numeric keys reduces to nothing")
}
