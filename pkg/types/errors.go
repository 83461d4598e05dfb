package types

import (
	"fmt"
	"time"
)

// OutOfRangeError rejects an observation whose timestamp falls outside the
// globally configured sanity bounds. It is surfaced to the caller at the
// ingestion boundary and never silently dropped.
type OutOfRangeError struct {
	Timestamp time.Time
	Min       time.Time
	Max       time.Time
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("timestamp %s outside valid range [%s, %s]",
		e.Timestamp.Format(time.RFC3339), e.Min.Format(time.RFC3339), e.Max.Format(time.RFC3339))
}

// StaleAggregateError is returned only from strict-consistency bucket reads
// that encounter a bucket which is not materialized. Non-strict readers see
// such buckets as absent instead.
type StaleAggregateError struct {
	Series      string
	SeriesKey   string
	BucketStart time.Time
	State       BucketState
}

func (e *StaleAggregateError) Error() string {
	return fmt.Sprintf("aggregate bucket %s/%s@%s is %s",
		e.Series, e.SeriesKey, e.BucketStart.Format(time.RFC3339), e.State)
}

// GapNote records a reference row for which a joined source or a window
// feature had no usable data. Gaps are metadata, not failures; the affected
// feature values are emitted as nulls.
type GapNote struct {
	Timestamp time.Time
	Source    string
	Reason    string
}

func (n GapNote) String() string {
	return fmt.Sprintf("%s: no data from %s (%s)", n.Timestamp.Format(time.RFC3339), n.Source, n.Reason)
}
