package store

import (
	"testing"
	"time"
)

func TestCatalogStats(t *testing.T) {
	c := NewCatalog()
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	c.Observe("ekz_tariffs", "standard", base, true)
	c.Observe("ekz_tariffs", "standard", base.Add(15*time.Minute), true)
	c.Observe("ekz_tariffs", "dynamic", base, true)
	// Replacement writes grow the envelope but not the count.
	c.Observe("ekz_tariffs", "standard", base, false)

	stats := c.Stats("ekz_tariffs")
	if len(stats) != 2 {
		t.Fatalf("Expected 2 keys, got %d", len(stats))
	}
	// Sorted by key: dynamic before standard.
	if stats[0].Key != "dynamic" || stats[1].Key != "standard" {
		t.Fatalf("Unexpected key order: %+v", stats)
	}
	if stats[1].Count != 2 {
		t.Errorf("Expected count 2 for standard, got %d", stats[1].Count)
	}
	if !stats[1].MaxTime.Equal(base.Add(15 * time.Minute)) {
		t.Errorf("Unexpected max time: %v", stats[1].MaxTime)
	}

	min, max, ok := c.TimeRange("ekz_tariffs")
	if !ok || !min.Equal(base) || !max.Equal(base.Add(15*time.Minute)) {
		t.Errorf("Unexpected envelope: [%v, %v] ok=%v", min, max, ok)
	}
}

func TestCatalogSeedRange(t *testing.T) {
	c := NewCatalog()
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(7 * 24 * time.Hour)

	c.SeedRange("bafu_hydro", from, to)
	min, max, ok := c.TimeRange("bafu_hydro")
	if !ok || !min.Equal(from) || !max.Equal(to) {
		t.Fatalf("Unexpected seeded envelope: [%v, %v] ok=%v", min, max, ok)
	}

	names := c.SeriesNames()
	if len(names) != 1 || names[0] != "bafu_hydro" {
		t.Fatalf("Unexpected series names: %v", names)
	}
}
