package types

import "time"

// Observation is a single raw sample of one series.
type Observation struct {
	Timestamp time.Time
	SeriesKey string
	Fields    map[string]float64
}

// Ack describes the outcome of a committed upsert.
type Ack struct {
	Series     string
	ChunkStart time.Time
	// Inserted is false when the write replaced an existing
	// observation at the same (timestamp, series_key).
	Inserted bool
}

// WriteResult pairs one observation of a batch with its per-record outcome.
// A batch never aborts as a whole; failed records carry their error here.
type WriteResult struct {
	Index int
	Ack   Ack
	Err   error
}

// BucketState tracks the lifecycle of one continuous-aggregate bucket.
type BucketState int

const (
	// NotYetDue means the bucket has never been computed, either because
	// it is still inside the refresh end offset or because no refresh has
	// run since its interval closed.
	NotYetDue BucketState = iota
	Materialized
	// Stale marks a materialized bucket invalidated by a late raw write.
	Stale
)

func (s BucketState) String() string {
	switch s {
	case Materialized:
		return "materialized"
	case Stale:
		return "stale"
	default:
		return "not_yet_due"
	}
}

// Bucket is one materialized aggregate bucket for a single series key.
type Bucket struct {
	Series      string
	SeriesKey   string
	BucketStart time.Time
	Avg         float64
	Min         float64
	Max         float64
	Count       int64
	State       BucketState
}
