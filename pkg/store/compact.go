package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bdsp/featuredb/pkg/types"
)

// blockPayload is the stored form of one compacted chunk: a timestamp
// column, a series-key column and one compressed column per value field.
// Absent fields are stored as NaN and dropped again on decode.
type blockPayload struct {
	Count        int               `json:"count"`
	CompressedTS []byte            `json:"ts"`
	Keys         []byte            `json:"keys"`
	FieldNames   []string          `json:"field_names"`
	Columns      map[string][]byte `json:"columns"`
}

// CompactChunk seals one chunk into a single compressed columnar block and
// drops its row-wise entries. Upserts that land in the chunk afterwards are
// stored row-wise again and win over block content on equal (ts, key).
func (s *Store) CompactChunk(ctx context.Context, series string, start time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.lockChunk(series, start)
	defer lock.Unlock()

	s.mu.Lock()
	meta, ok := s.registry[series][start.UnixNano()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no chunk %s/%s", series, start.Format(time.RFC3339))
	}

	rows, rowKeys, err := s.liveRows(series, start, meta.End(), nil)
	if err != nil {
		return err
	}

	if meta.Compacted {
		blockRows, berr := s.blockRows(series, start)
		if berr != nil {
			return berr
		}
		rows = mergeObservations(blockRows, rows)
	}
	if len(rows) == 0 {
		return nil
	}

	payload, err := s.encodeBlock(rows)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blockKey(series, start), data); err != nil {
			return err
		}
		for _, rk := range rowKeys {
			if err := txn.Delete(rk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}

	s.mu.Lock()
	meta.Compacted = true
	meta.Rows = int64(len(rows))
	s.mu.Unlock()
	if err := s.putChunkMeta(meta); err != nil {
		return err
	}

	s.log.Info("chunk compacted", "series", series, "start", start, "rows", len(rows))
	return nil
}

func (s *Store) encodeBlock(rows []types.Observation) (*blockPayload, error) {
	fieldSet := map[string]bool{}
	for _, r := range rows {
		for f := range r.Fields {
			fieldSet[f] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	timestamps := make([]int64, len(rows))
	keys := make([]string, len(rows))
	for i, r := range rows {
		timestamps[i] = r.Timestamp.UnixNano()
		keys[i] = r.SeriesKey
	}

	compTS, err := s.comp.CompressTimestamps(timestamps)
	if err != nil {
		return nil, err
	}
	compKeys, err := s.comp.CompressKeys(keys)
	if err != nil {
		return nil, err
	}

	columns := make(map[string][]byte, len(fields))
	col := make([]float64, len(rows))
	for _, f := range fields {
		for i, r := range rows {
			if v, ok := r.Fields[f]; ok {
				col[i] = v
			} else {
				col[i] = math.NaN()
			}
		}
		comp, err := s.comp.CompressValues(col)
		if err != nil {
			return nil, err
		}
		columns[f] = comp
	}

	return &blockPayload{
		Count:        len(rows),
		CompressedTS: compTS,
		Keys:         compKeys,
		FieldNames:   fields,
		Columns:      columns,
	}, nil
}

// readBlockPayload fetches a chunk's block payload. A missing block yields
// nil and no error.
func (s *Store) readBlockPayload(series string, start time.Time) (*blockPayload, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(series, start))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var payload blockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &payload, nil
}

// blockHasRow reports whether a chunk's compacted block holds a row at
// (ts, key). Only the timestamp and key columns are decoded.
func (s *Store) blockHasRow(series string, start, ts time.Time, key string) (bool, error) {
	payload, err := s.readBlockPayload(series, start)
	if err != nil || payload == nil {
		return false, err
	}
	timestamps, err := s.comp.DecompressTimestamps(payload.CompressedTS, payload.Count)
	if err != nil {
		return false, err
	}
	keys, err := s.comp.DecompressKeys(payload.Keys, payload.Count)
	if err != nil {
		return false, err
	}
	want := ts.UnixNano()
	for i, t := range timestamps {
		if t == want && keys[i] == key {
			return true, nil
		}
	}
	return false, nil
}

// blockRows decodes a chunk's compacted block, ordered by (ts, key).
// A missing block yields no rows and no error.
func (s *Store) blockRows(series string, start time.Time) ([]types.Observation, error) {
	payload, err := s.readBlockPayload(series, start)
	if err != nil || payload == nil {
		return nil, err
	}

	timestamps, err := s.comp.DecompressTimestamps(payload.CompressedTS, payload.Count)
	if err != nil {
		return nil, err
	}
	keys, err := s.comp.DecompressKeys(payload.Keys, payload.Count)
	if err != nil {
		return nil, err
	}

	columns := make(map[string][]float64, len(payload.FieldNames))
	for _, f := range payload.FieldNames {
		vals, err := s.comp.DecompressValues(payload.Columns[f], payload.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress column %q: %w", f, err)
		}
		columns[f] = vals
	}

	rows := make([]types.Observation, payload.Count)
	for i := 0; i < payload.Count; i++ {
		fields := make(map[string]float64, len(payload.FieldNames))
		for _, f := range payload.FieldNames {
			if v := columns[f][i]; !math.IsNaN(v) {
				fields[f] = v
			}
		}
		rows[i] = types.Observation{
			Timestamp: time.Unix(0, timestamps[i]).UTC(),
			SeriesKey: keys[i],
			Fields:    fields,
		}
	}
	return rows, nil
}

// liveRows reads row-wise observations of one series in [from, to),
// ascending, returning the raw badger keys alongside for deletion during
// compaction. filter may be nil.
func (s *Store) liveRows(series string, from, to time.Time, filter func(string) bool) ([]types.Observation, [][]byte, error) {
	var rows []types.Observation
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: rowSeriesPrefix(series), PrefetchValues: true})
		defer it.Close()

		stop := rowBound(series, to)
		for it.Seek(rowBound(series, from)); it.Valid(); it.Next() {
			item := it.Item()
			if compareKeys(item.Key(), stop) >= 0 {
				break
			}
			ts, sk, err := parseRowKey(series, item.Key())
			if err != nil {
				return err
			}
			if filter != nil && !filter(sk) {
				continue
			}
			var fields map[string]float64
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &fields)
			})
			if err != nil {
				return fmt.Errorf("failed to decode observation: %w", err)
			}
			rows = append(rows, types.Observation{Timestamp: ts, SeriesKey: sk, Fields: fields})
			keys = append(keys, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rows, keys, nil
}

func compareKeys(a, b []byte) int {
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

// mergeObservations merges two (ts, key)-sorted slices; rows from over win
// over rows from base at equal (ts, key).
func mergeObservations(base, over []types.Observation) []types.Observation {
	out := make([]types.Observation, 0, len(base)+len(over))
	i, j := 0, 0
	for i < len(base) && j < len(over) {
		c := compareObs(base[i], over[j])
		switch {
		case c < 0:
			out = append(out, base[i])
			i++
		case c > 0:
			out = append(out, over[j])
			j++
		default:
			out = append(out, over[j])
			i++
			j++
		}
	}
	out = append(out, base[i:]...)
	out = append(out, over[j:]...)
	return out
}

func compareObs(a, b types.Observation) int {
	if a.Timestamp.Before(b.Timestamp) {
		return -1
	}
	if a.Timestamp.After(b.Timestamp) {
		return 1
	}
	switch {
	case a.SeriesKey < b.SeriesKey:
		return -1
	case a.SeriesKey > b.SeriesKey:
		return 1
	default:
		return 0
	}
}
