package buffer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenx/tickstore/internal/storage/types"
)

// TickBuffer holds the in-memory ticks of the active chunk. Inserts are
// deduplicated on the full tick key so replaying the WAL or re-sending a
// tick is a no-op. The buffer is drained wholesale when the chunk rolls
// over, so there is no pop path.
type TickBuffer struct {
	mu       sync.RWMutex
	ticks    []types.Tick
	index    map[types.TickKey]int
	capacity int

	maxEventTimeMs int64

	insertCount    atomic.Int64
	duplicateCount atomic.Int64
	rejectCount    atomic.Int64
}

// New creates a new TickBuffer with the given capacity.
func New(capacity int) *TickBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &TickBuffer{
		ticks:    make([]types.Tick, 0, capacity),
		index:    make(map[types.TickKey]int, capacity),
		capacity: capacity,
	}
}

// Insert adds a tick to the buffer. It returns (false, true) for a
// duplicate key and (false, false) when the buffer is full. A duplicate
// never consumes capacity.
func (b *TickBuffer) Insert(tick types.Tick) (inserted, duplicate bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := tick.Key()
	if _, ok := b.index[key]; ok {
		b.duplicateCount.Add(1)
		return false, true
	}

	if len(b.ticks) >= b.capacity {
		b.rejectCount.Add(1)
		return false, false
	}

	b.index[key] = len(b.ticks)
	b.ticks = append(b.ticks, tick)
	if tick.EventTimeMs > b.maxEventTimeMs {
		b.maxEventTimeMs = tick.EventTimeMs
	}
	b.insertCount.Add(1)

	return true, false
}

// Contains reports whether a tick with the given key is buffered.
func (b *TickBuffer) Contains(key types.TickKey) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[key]
	return ok
}

// MaxEventTime returns the highest event time seen since the last reset,
// or 0 if the buffer has never held a tick.
func (b *TickBuffer) MaxEventTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxEventTimeMs
}

// Len returns the current number of ticks in the buffer.
func (b *TickBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ticks)
}

// Cap returns the capacity of the buffer.
func (b *TickBuffer) Cap() int {
	return b.capacity
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (b *TickBuffer) UsageRatio() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(len(b.ticks)) / float64(b.capacity)
}

// Query returns buffered ticks for the instrument within [startMs, endMs),
// sorted by event time then instrument key. instrumentID 0 matches all
// instruments.
func (b *TickBuffer) Query(instrumentID uint64, startMs, endMs int64) []types.Tick {
	b.mu.RLock()
	var results []types.Tick
	for i := range b.ticks {
		t := &b.ticks[i]
		if instrumentID != 0 && t.InstrumentID != instrumentID {
			continue
		}
		if t.EventTimeMs < startMs || t.EventTimeMs >= endMs {
			continue
		}
		results = append(results, *t)
	}
	b.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key().Less(results[j].Key())
	})
	return results
}

// Snapshot returns a copy of all buffered ticks sorted by key. Used at
// rollover to flush the active chunk.
func (b *TickBuffer) Snapshot() []types.Tick {
	b.mu.RLock()
	out := make([]types.Tick, len(b.ticks))
	copy(out, b.ticks)
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	return out
}

// Reset clears the buffer for the next active chunk.
func (b *TickBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ticks = b.ticks[:0]
	b.index = make(map[types.TickKey]int, b.capacity)
	b.maxEventTimeMs = 0
}

// TimeRange returns the event-time range of buffered ticks.
// Returns (0, 0) if the buffer is empty.
func (b *TickBuffer) TimeRange() (oldest, newest int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ticks) == 0 {
		return 0, 0
	}

	oldest = b.ticks[0].EventTimeMs
	newest = b.ticks[0].EventTimeMs
	for i := 1; i < len(b.ticks); i++ {
		ms := b.ticks[i].EventTimeMs
		if ms < oldest {
			oldest = ms
		}
		if ms > newest {
			newest = ms
		}
	}
	return oldest, newest
}

// Duration returns the event-time span covered by buffered ticks.
func (b *TickBuffer) Duration() time.Duration {
	oldest, newest := b.TimeRange()
	if oldest == 0 || newest == 0 {
		return 0
	}
	return time.Duration(newest-oldest) * time.Millisecond
}

// Stats returns buffer statistics.
func (b *TickBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		Capacity:       b.capacity,
		Count:          len(b.ticks),
		UsageRatio:     float64(len(b.ticks)) / float64(b.capacity),
		InsertCount:    b.insertCount.Load(),
		DuplicateCount: b.duplicateCount.Load(),
		RejectCount:    b.rejectCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity       int
	Count          int
	UsageRatio     float64
	InsertCount    int64
	DuplicateCount int64
	RejectCount    int64
}
