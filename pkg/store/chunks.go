package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Key space layout inside badger. Every key starts with a one-byte tag so
// the row, block, chunk and aggregate namespaces never interleave:
//
//	'r' series \x00 ts(8, big-endian) key   row-wise raw observation
//	'b' series \x00 chunkStart(8)           compacted columnar block
//	'c' series \x00 chunkStart(8)           chunk registry entry
//	'a' series \x00 bucketStart(8) key      aggregate bucket record
//
// Big-endian timestamps make lexicographic key order equal ascending time
// order, so a range scan is a single seek plus a bounded iteration.
const (
	tagRow   = 'r'
	tagBlock = 'b'
	tagChunk = 'c'
	tagAgg   = 'a'
)

// ChunkMeta describes one fixed-width time partition of a series.
type ChunkMeta struct {
	Series    string    `json:"series"`
	Start     time.Time `json:"start"`
	Width     string    `json:"width"`
	Compacted bool      `json:"compacted"`
	Rows      int64     `json:"rows"`
}

// End returns the exclusive upper bound of the chunk interval.
func (m *ChunkMeta) End() time.Time {
	d, _ := time.ParseDuration(m.Width)
	return m.Start.Add(d)
}

// chunkStart maps a timestamp onto the start of its covering chunk. All
// chunks of a series share one width, so truncation partitions time without
// gaps or overlaps.
func chunkStart(ts time.Time, width time.Duration) time.Time {
	return ts.UTC().Truncate(width)
}

func rowKey(series string, ts time.Time, seriesKey string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagRow)
	buf.WriteString(series)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, ts.UnixNano())
	buf.WriteString(seriesKey)
	return buf.Bytes()
}

// rowSeriesPrefix bounds an iteration to one series' rows.
func rowSeriesPrefix(series string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagRow)
	buf.WriteString(series)
	buf.WriteByte(0)
	return buf.Bytes()
}

// rowBound is rowKey without the series-key suffix; used as an iteration
// seek target or exclusive stop bound.
func rowBound(series string, ts time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagRow)
	buf.WriteString(series)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, ts.UnixNano())
	return buf.Bytes()
}

// parseRowKey recovers (timestamp, series_key) from a row key.
func parseRowKey(series string, key []byte) (time.Time, string, error) {
	prefix := rowSeriesPrefix(series)
	if !bytes.HasPrefix(key, prefix) {
		return time.Time{}, "", fmt.Errorf("row key not in series %q", series)
	}
	rest := key[len(prefix):]
	if len(rest) < 8 {
		return time.Time{}, "", fmt.Errorf("row key too short")
	}
	nanos := int64(binary.BigEndian.Uint64(rest[:8]))
	return time.Unix(0, nanos).UTC(), string(rest[8:]), nil
}

func chunkKey(series string, start time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagChunk)
	buf.WriteString(series)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, start.UnixNano())
	return buf.Bytes()
}

func chunkPrefix(series string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagChunk)
	buf.WriteString(series)
	buf.WriteByte(0)
	return buf.Bytes()
}

func blockKey(series string, chunk time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagBlock)
	buf.WriteString(series)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, chunk.UnixNano())
	return buf.Bytes()
}

// AggKey builds the storage key of one aggregate bucket record. Exported for
// the aggregate maintainer, which shares the store's badger handle.
func AggKey(series string, bucketStart time.Time, seriesKey string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagAgg)
	buf.WriteString(series)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, bucketStart.UnixNano())
	buf.WriteString(seriesKey)
	return buf.Bytes()
}

// AggPrefix bounds an iteration to one aggregate's bucket records.
func AggPrefix(series string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagAgg)
	buf.WriteString(series)
	buf.WriteByte(0)
	return buf.Bytes()
}

// AggBound is AggKey without the series-key suffix.
func AggBound(series string, bucketStart time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tagAgg)
	buf.WriteString(series)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, bucketStart.UnixNano())
	return buf.Bytes()
}

// ParseAggKey recovers (bucket_start, series_key) from an aggregate key.
func ParseAggKey(series string, key []byte) (time.Time, string, error) {
	prefix := []byte{tagAgg}
	prefix = append(prefix, series...)
	prefix = append(prefix, 0)
	if !bytes.HasPrefix(key, prefix) {
		return time.Time{}, "", fmt.Errorf("aggregate key not in series %q", series)
	}
	rest := key[len(prefix):]
	if len(rest) < 8 {
		return time.Time{}, "", fmt.Errorf("aggregate key too short")
	}
	nanos := int64(binary.BigEndian.Uint64(rest[:8]))
	return time.Unix(0, nanos).UTC(), string(rest[8:]), nil
}
