package tickstore

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/arenx/tickstore/internal/storage/chunk"
	"github.com/arenx/tickstore/internal/storage/parquet"
	"github.com/arenx/tickstore/internal/storage/types"
)

// Cursor marks a position in a scan. Resuming with a cursor yields the
// ticks strictly after it, so a consumer can page through a range without
// re-reading.
type Cursor struct {
	EventTimeMs  int64
	InstrumentID uint64
	Instrument   string
}

func (c *Cursor) key() types.TickKey {
	return types.TickKey{
		InstrumentID: c.InstrumentID,
		Instrument:   c.Instrument,
		EventTimeMs:  c.EventTimeMs,
	}
}

// CursorFor returns the cursor pointing at a tick.
func CursorFor(t *types.Tick) Cursor {
	return Cursor{
		EventTimeMs:  t.EventTimeMs,
		InstrumentID: t.InstrumentID,
		Instrument:   t.Instrument,
	}
}

// Iterator is a lazy, ordered scan over [startMs, endMs). Chunks are loaded
// one at a time; within each chunk ticks come out in key order (event time,
// then instrument id, then instrument).
type Iterator struct {
	store *Store

	instrumentID uint64
	startMs      int64
	endMs        int64
	after        *types.TickKey

	pending []*types.ChunkMeta
	current []types.Tick
	pos     int

	tick types.Tick
	err  error
	done bool
}

// Scan returns an iterator over ticks in [startMs, endMs) for the given
// instrument. instrumentID 0 scans all instruments. A non-nil cursor
// resumes strictly after the cursor position.
func (s *Store) Scan(instrumentID uint64, startMs, endMs int64, cursor *Cursor) *Iterator {
	it := &Iterator{
		store:        s,
		instrumentID: instrumentID,
		startMs:      startMs,
		endMs:        endMs,
		pending:      s.chunks.InRange(types.ChunkKindTicks, startMs, endMs),
	}
	if cursor != nil {
		k := cursor.key()
		it.after = &k
	}
	return it
}

// Next advances the iterator. It returns false at the end of the range or
// on error; check Err after a false return.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	for {
		if it.pos < len(it.current) {
			it.tick = it.current[it.pos]
			it.pos++
			return true
		}

		if len(it.pending) == 0 {
			it.done = true
			return false
		}

		meta := it.pending[0]
		it.pending = it.pending[1:]

		ticks, err := it.store.loadChunkTicks(meta, it.instrumentID, it.startMs, it.endMs)
		if err != nil {
			it.err = err
			it.done = true
			return false
		}

		if it.after != nil {
			ticks = trimAfter(ticks, *it.after)
		}

		it.current = ticks
		it.pos = 0
	}
}

// Tick returns the current tick.
func (it *Iterator) Tick() types.Tick {
	return it.tick
}

// Cursor returns the cursor for the current tick.
func (it *Iterator) Cursor() Cursor {
	return CursorFor(&it.tick)
}

// Err returns the error that stopped the iterator, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Collect drains the iterator into a slice, up to limit ticks.
// limit <= 0 means no limit.
func (it *Iterator) Collect(limit int) ([]types.Tick, error) {
	var out []types.Tick
	for it.Next() {
		out = append(out, it.Tick())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// trimAfter drops leading ticks with key <= after. Input is key-sorted.
func trimAfter(ticks []types.Tick, after types.TickKey) []types.Tick {
	i := sort.Search(len(ticks), func(i int) bool {
		k := ticks[i].Key()
		return after.Less(k)
	})
	return ticks[i:]
}

// loadChunkTicks reads a chunk's ticks restricted to the instrument and
// time range, sorted by key. Active chunks read from the live buffer,
// sealed and compressed chunks from their Parquet file.
func (s *Store) loadChunkTicks(meta *types.ChunkMeta, instrumentID uint64, startMs, endMs int64) ([]types.Tick, error) {
	// The chunk may have sealed since the scan started; use fresh state.
	if fresh, err := s.chunks.Get(meta.ID()); err == nil {
		meta = fresh
	}

	// Clamp to the chunk so each chunk contributes a disjoint slice.
	lo, hi := startMs, endMs
	if lo < meta.StartMs {
		lo = meta.StartMs
	}
	if hi > meta.EndMs {
		hi = meta.EndMs
	}

	if meta.State == types.ChunkActive {
		s.mu.RLock()
		buf := s.buffers[meta.ID()]
		s.mu.RUnlock()
		if buf == nil {
			return nil, nil
		}
		return buf.Query(instrumentID, lo, hi), nil
	}

	dir := s.cfg.ChunkDir(types.ChunkKindTicks)
	path := chunk.FilePath(dir, meta.ID())
	if meta.State == types.ChunkCompressed {
		path = chunk.SegmentedFilePath(dir, meta.ID())
	}

	ticks, err := parquet.ReadTicks(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// A sealed chunk with no file held no ticks.
			return nil, nil
		}
		return nil, fmt.Errorf("read chunk %s: %w", meta.ID(), err)
	}

	filtered := ticks[:0]
	for i := range ticks {
		t := ticks[i]
		if instrumentID != 0 && t.InstrumentID != instrumentID {
			continue
		}
		if t.EventTimeMs < lo || t.EventTimeMs >= hi {
			continue
		}
		filtered = append(filtered, t)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Key().Less(filtered[j].Key())
	})
	return filtered, nil
}
