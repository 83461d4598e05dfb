package store

import (
	"math"
	"testing"
	"time"
)

func TestCompressTimestampsRoundTrip(t *testing.T) {
	comp, err := NewCompressor(2)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	// Regular 15-minute cadence, nanosecond resolution.
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC).UnixNano()
	timestamps := make([]int64, 200)
	for i := range timestamps {
		timestamps[i] = base + int64(i)*int64(15*time.Minute)
	}

	compressed, err := comp.CompressTimestamps(timestamps)
	if err != nil {
		t.Fatalf("Compression failed: %v", err)
	}
	if len(compressed) >= len(timestamps)*8 {
		t.Errorf("Compression ineffective: original=%d, compressed=%d",
			len(timestamps)*8, len(compressed))
	}

	decompressed, err := comp.DecompressTimestamps(compressed, len(timestamps))
	if err != nil {
		t.Fatalf("Decompression failed: %v", err)
	}
	for i := range timestamps {
		if timestamps[i] != decompressed[i] {
			t.Fatalf("Timestamp mismatch at %d: expected %d, got %d",
				i, timestamps[i], decompressed[i])
		}
	}
}

func TestCompressValuesRoundTrip(t *testing.T) {
	comp, err := NewCompressor(2)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	// Slowly drifting values, typical for river discharge.
	values := make([]float64, 200)
	for i := range values {
		values[i] = 120 + math.Sin(float64(i)*0.05)*15
	}
	// NaN marks an absent field in a sparse column and must survive.
	values[17] = math.NaN()

	compressed, err := comp.CompressValues(values)
	if err != nil {
		t.Fatalf("Compression failed: %v", err)
	}
	decompressed, err := comp.DecompressValues(compressed, len(values))
	if err != nil {
		t.Fatalf("Decompression failed: %v", err)
	}

	for i := range values {
		if math.IsNaN(values[i]) {
			if !math.IsNaN(decompressed[i]) {
				t.Errorf("Value %d: expected NaN, got %v", i, decompressed[i])
			}
			continue
		}
		if values[i] != decompressed[i] {
			t.Errorf("Value mismatch at %d: expected %v, got %v", i, values[i], decompressed[i])
		}
	}
}

func TestCompressKeysRoundTrip(t *testing.T) {
	comp, err := NewCompressor(2)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	keys := make([]string, 100)
	for i := range keys {
		if i%2 == 0 {
			keys[i] = "standard"
		} else {
			keys[i] = "dynamic"
		}
	}

	compressed, err := comp.CompressKeys(keys)
	if err != nil {
		t.Fatalf("Compression failed: %v", err)
	}
	decompressed, err := comp.DecompressKeys(compressed, len(keys))
	if err != nil {
		t.Fatalf("Decompression failed: %v", err)
	}
	for i := range keys {
		if keys[i] != decompressed[i] {
			t.Fatalf("Key mismatch at %d: expected %q, got %q", i, keys[i], decompressed[i])
		}
	}
}
