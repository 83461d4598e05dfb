package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bdsp/featuredb/pkg/types"
)

// Config holds chunked-store configuration.
type Config struct {
	Path string
	// ChunkWidths maps series name to its chunk width. Series not listed
	// fall back to DefaultChunkWidth.
	ChunkWidths       map[string]time.Duration
	DefaultChunkWidth time.Duration
	// MinTime/MaxTime are the global timestamp sanity bounds; writes
	// outside them are rejected with OutOfRangeError.
	MinTime time.Time
	MaxTime time.Time
	// CompressionLevel selects the zstd level used for chunk compaction (1-4).
	CompressionLevel int
}

// DefaultConfig returns default store configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:              "./data",
		ChunkWidths:       map[string]time.Duration{},
		DefaultChunkWidth: 7 * 24 * time.Hour,
		MinTime:           time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxTime:           time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		CompressionLevel:  3,
	}
}

// WriteObserver is notified after each committed upsert. The aggregate
// maintainer registers one to spot late writes into materialized buckets.
type WriteObserver interface {
	ObserveWrite(series string, obs types.Observation)
}

// Store is an append-only, time-partitioned store for raw observations.
// Writes are serialized per chunk; reads run concurrently.
type Store struct {
	cfg  *Config
	db   *badger.DB
	comp *Compressor
	log  *slog.Logger

	mu         sync.Mutex
	chunkLocks map[string]*sync.Mutex
	registry   map[string]map[int64]*ChunkMeta

	obsMu     sync.RWMutex
	observers []WriteObserver

	catalog *Catalog
}

// Open opens (or creates) the store at cfg.Path.
func Open(cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil // badger's own logging is too chatty

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	comp, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &Store{
		cfg:        cfg,
		db:         db,
		comp:       comp,
		log:        logger.With("component", "store"),
		chunkLocks: make(map[string]*sync.Mutex),
		registry:   make(map[string]map[int64]*ChunkMeta),
		catalog:    NewCatalog(),
	}

	if err := s.loadRegistry(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load chunk registry: %w", err)
	}

	return s, nil
}

// chunkWidth returns the configured chunk width for a series.
func (s *Store) chunkWidth(series string) time.Duration {
	if w, ok := s.cfg.ChunkWidths[series]; ok {
		return w
	}
	return s.cfg.DefaultChunkWidth
}

// Upsert writes one observation. Re-ingesting the same (timestamp,
// series_key) replaces the stored fields, so redelivery is idempotent.
func (s *Store) Upsert(ctx context.Context, series string, obs types.Observation) (types.Ack, error) {
	if err := ctx.Err(); err != nil {
		return types.Ack{}, err
	}
	ts := obs.Timestamp.UTC()
	if ts.Before(s.cfg.MinTime) || !ts.Before(s.cfg.MaxTime) {
		return types.Ack{}, &types.OutOfRangeError{Timestamp: ts, Min: s.cfg.MinTime, Max: s.cfg.MaxTime}
	}

	width := s.chunkWidth(series)
	cs := chunkStart(ts, width)

	lock := s.lockChunk(series, cs)
	defer lock.Unlock()

	created, err := s.ensureChunk(series, cs, width)
	if err != nil {
		return types.Ack{}, err
	}
	if created {
		s.log.Info("chunk created", "series", series, "start", cs, "width", width)
	}

	key := rowKey(series, ts, obs.SeriesKey)
	payload, err := json.Marshal(obs.Fields)
	if err != nil {
		return types.Ack{}, fmt.Errorf("failed to marshal fields: %w", err)
	}

	inserted := true
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, getErr := txn.Get(key); getErr == nil {
			inserted = false
		}
		return txn.Set(key, payload)
	})
	if err != nil {
		return types.Ack{}, fmt.Errorf("failed to write observation: %w", err)
	}

	// Compaction drops row-wise keys, so a redelivery into a compacted chunk
	// looks new to the transaction above; the block decides then.
	if inserted && s.chunkCompacted(series, cs) {
		inBlock, berr := s.blockHasRow(series, cs, ts, obs.SeriesKey)
		if berr != nil {
			s.log.Warn("failed to check block for row", "series", series, "chunk", cs, "err", berr)
		} else if inBlock {
			inserted = false
		}
	}

	if inserted {
		s.bumpChunkRows(series, cs, 1)
	}
	s.catalog.Observe(series, obs.SeriesKey, ts, inserted)
	s.notify(series, obs)

	return types.Ack{Series: series, ChunkStart: cs, Inserted: inserted}, nil
}

// UpsertBatch writes a batch with per-record results. A failed record never
// aborts the rest of the batch.
func (s *Store) UpsertBatch(ctx context.Context, series string, batch []types.Observation) []types.WriteResult {
	results := make([]types.WriteResult, len(batch))
	for i, obs := range batch {
		ack, err := s.Upsert(ctx, series, obs)
		results[i] = types.WriteResult{Index: i, Ack: ack, Err: err}
		if err != nil {
			s.log.Warn("upsert rejected", "series", series, "timestamp", obs.Timestamp, "err", err)
		}
	}
	return results
}

// Chunks returns the chunk metadata of a series, ascending by start time.
func (s *Store) Chunks(series string) []ChunkMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := make([]ChunkMeta, 0, len(s.registry[series]))
	for _, m := range s.registry[series] {
		chunks = append(chunks, *m)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Start.Before(chunks[j].Start) })
	return chunks
}

// Catalog exposes per-key series statistics.
func (s *Store) Catalog() *Catalog { return s.catalog }

// RegisterObserver adds a post-commit write observer.
func (s *Store) RegisterObserver(o WriteObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// DB exposes the underlying badger handle. The aggregate maintainer shares
// it so bucket swaps and raw reads see one consistent view.
func (s *Store) DB() *badger.DB { return s.db }

// Close closes the store.
func (s *Store) Close() error {
	if s.comp != nil {
		s.comp.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) notify(series string, obs types.Observation) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.ObserveWrite(series, obs)
	}
}

// lockChunk serializes writers of one chunk and returns the held lock.
func (s *Store) lockChunk(series string, start time.Time) *sync.Mutex {
	id := fmt.Sprintf("%s/%d", series, start.UnixNano())
	s.mu.Lock()
	lock, ok := s.chunkLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.chunkLocks[id] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock
}

// ensureChunk lazily creates the chunk covering start. Chunk creation is the
// only structural mutation besides the cell upsert itself.
func (s *Store) ensureChunk(series string, start time.Time, width time.Duration) (bool, error) {
	s.mu.Lock()
	if _, ok := s.registry[series][start.UnixNano()]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	meta := &ChunkMeta{Series: series, Start: start, Width: width.String()}
	if err := s.putChunkMeta(meta); err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.registry[series] == nil {
		s.registry[series] = make(map[int64]*ChunkMeta)
	}
	s.registry[series][start.UnixNano()] = meta
	s.mu.Unlock()
	return true, nil
}

func (s *Store) putChunkMeta(meta *ChunkMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk meta: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(meta.Series, meta.Start), data)
	})
}

func (s *Store) bumpChunkRows(series string, start time.Time, delta int64) {
	s.mu.Lock()
	meta, ok := s.registry[series][start.UnixNano()]
	if ok {
		meta.Rows += delta
	}
	s.mu.Unlock()
	if ok {
		if err := s.putChunkMeta(meta); err != nil {
			s.log.Warn("failed to persist chunk meta", "series", series, "start", start, "err", err)
		}
	}
}

// loadRegistry restores the chunk registry from badger on open.
func (s *Store) loadRegistry() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{tagChunk}, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var meta ChunkMeta
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return fmt.Errorf("failed to decode chunk meta: %w", err)
			}
			if s.registry[meta.Series] == nil {
				s.registry[meta.Series] = make(map[int64]*ChunkMeta)
			}
			s.registry[meta.Series][meta.Start.UnixNano()] = &meta
			s.catalog.SeedRange(meta.Series, meta.Start, meta.End())
		}
		return nil
	})
}

// chunksIntersecting returns copies of chunk metas whose interval intersects
// [from, to), ascending. Scans touch only these chunks, never the full key
// space. Copies, so cursors never share mutable meta with compaction.
func (s *Store) chunksIntersecting(series string, from, to time.Time) []ChunkMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ChunkMeta
	for _, m := range s.registry[series] {
		if m.Start.Before(to) && m.End().After(from) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// chunkCompacted reports whether a chunk has a compacted block.
func (s *Store) chunkCompacted(series string, start time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.registry[series][start.UnixNano()]
	return ok && meta.Compacted
}
