// Package tickstore implements the append-only tick store: WAL-backed
// ingestion into per-chunk memory buffers, chunk sealing to Parquet, and
// ordered scans across sealed files and live buffers.
package tickstore

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/buffer"
	"github.com/arenx/tickstore/internal/storage/chunk"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/parquet"
	"github.com/arenx/tickstore/internal/storage/types"
	"github.com/arenx/tickstore/internal/storage/wal"
	"github.com/arenx/tickstore/internal/validation"
)

// Store is the append-only tick store. Ticks are logged to the WAL first,
// then inserted into the in-memory buffer of the chunk they route to.
// Sealing flushes a chunk's buffer to an immutable Parquet file.
type Store struct {
	mu sync.RWMutex

	cfg    *config.Config
	chunks *chunk.Manager
	wal    *wal.Writer

	// buffers holds the live ticks of each not-yet-sealed chunk,
	// keyed by chunk id.
	buffers map[string]*buffer.TickBuffer

	maxEventTimeMs int64
	closed         bool

	nowFn  func() int64
	logger *slog.Logger

	stats Stats
}

// Stats holds tick store counters.
type Stats struct {
	Appended      int64
	Duplicates    int64
	Invalid       int64
	OutOfOrder    int64
	ChunksSealed  int64
	BufferedTicks int
	BufferUsage   float64
}

// Open creates a Store, replaying any WAL segments left by a previous run.
// Replayed ticks that route to an already-sealed chunk are skipped: their
// data is in the chunk's Parquet file.
func Open(cfg *config.Config, chunks *chunk.Manager) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	replayed, err := wal.ReadAllSegments(cfg.WALDir())
	if err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	walOpts := wal.Options{
		MaxSegmentSize: cfg.WAL.MaxSegmentSize,
		SyncMode:       cfg.WAL.SyncMode,
		SyncInterval:   cfg.WAL.SyncInterval,
	}
	w, err := wal.NewWriter(cfg.WALDir(), walOpts)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		chunks:  chunks,
		wal:     w,
		buffers: make(map[string]*buffer.TickBuffer),
		nowFn:   func() int64 { return time.Now().UnixMilli() },
		logger:  logging.Component("tickstore"),
	}

	skipped := 0
	for i := range replayed {
		tick := replayed[i]
		meta, err := chunks.Ensure(types.ChunkKindTicks, tick.EventTimeMs)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("replay routing: %w", err)
		}
		if meta.State != types.ChunkActive {
			skipped++
			continue
		}
		s.bufferFor(meta.ID()).Insert(tick)
		if tick.EventTimeMs > s.maxEventTimeMs {
			s.maxEventTimeMs = tick.EventTimeMs
		}
	}

	if len(replayed) > 0 {
		s.logger.Info("wal replayed",
			"ticks", len(replayed),
			"skipped_sealed", skipped)
	}

	return s, nil
}

// SetNowFunc overrides the clock. Tests only.
func (s *Store) SetNowFunc(fn func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

func (s *Store) bufferFor(chunkID string) *buffer.TickBuffer {
	buf, ok := s.buffers[chunkID]
	if !ok {
		buf = buffer.New(s.cfg.Ingestion.BufferCapacity)
		s.buffers[chunkID] = buf
	}
	return buf
}

// Append commits a single tick. A re-append of an already-buffered tick is
// a no-op returning nil. Ticks older than the lateness tolerance behind the
// newest accepted tick, or routing to a sealed chunk, are rejected with
// ErrOutOfOrder.
func (s *Store) Append(tick types.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(tick)
}

// AppendBatch commits a batch of ticks in order. It stops at the first
// non-benign error; duplicates within the batch are skipped silently.
func (s *Store) AppendBatch(ticks []types.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range ticks {
		if err := s.appendLocked(ticks[i]); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) appendLocked(tick types.Tick) error {
	if s.closed {
		return storeerrors.ErrStoreClosed
	}

	if err := validation.ValidateTick(&tick); err != nil {
		s.stats.Invalid++
		return err
	}

	lateness := s.cfg.Ingestion.LatenessTolerance.Milliseconds()
	if s.maxEventTimeMs-tick.EventTimeMs > lateness {
		s.stats.OutOfOrder++
		return fmt.Errorf("%w: event %d is %dms behind newest %d",
			storeerrors.ErrOutOfOrder, tick.EventTimeMs,
			s.maxEventTimeMs-tick.EventTimeMs, s.maxEventTimeMs)
	}

	meta, err := s.chunks.Ensure(types.ChunkKindTicks, tick.EventTimeMs)
	if err != nil {
		return err
	}
	if meta.State != types.ChunkActive {
		s.stats.OutOfOrder++
		return fmt.Errorf("%w: chunk %s is %s",
			storeerrors.ErrOutOfOrder, meta.ID(), meta.State)
	}

	buf := s.bufferFor(meta.ID())
	if buf.Contains(tick.Key()) {
		s.stats.Duplicates++
		return nil
	}

	// Capacity is checked before the WAL write: a rejected tick must not be
	// durable, or a restart would replay it past the backpressure signal.
	if buf.Len() >= buf.Cap() {
		return fmt.Errorf("%w: chunk %s buffer full", storeerrors.ErrBackpressure, meta.ID())
	}

	if tick.IngestedAtMs == 0 {
		tick.IngestedAtMs = s.nowFn()
	}

	// WAL before buffer: a tick is durable before it is visible.
	if err := s.wal.Write([]types.Tick{tick}); err != nil {
		return fmt.Errorf("wal write: %w", err)
	}

	inserted, duplicate := buf.Insert(tick)
	if duplicate {
		s.stats.Duplicates++
		return nil
	}
	if !inserted {
		return fmt.Errorf("%w: chunk %s buffer full", storeerrors.ErrBackpressure, meta.ID())
	}

	if tick.EventTimeMs > s.maxEventTimeMs {
		s.maxEventTimeMs = tick.EventTimeMs
	}
	s.stats.Appended++
	return nil
}

// SealEligible seals every active tick chunk whose upper bound has elapsed
// past the lateness tolerance. Returns the ids of sealed chunks.
func (s *Store) SealEligible() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storeerrors.ErrStoreClosed
	}

	nowMs := s.nowFn()
	var sealed []string
	for _, meta := range s.chunks.SealableBefore(nowMs) {
		if meta.Kind != types.ChunkKindTicks {
			continue
		}
		if err := s.sealLocked(meta, nowMs); err != nil {
			return sealed, fmt.Errorf("seal %s: %w", meta.ID(), err)
		}
		sealed = append(sealed, meta.ID())
	}
	return sealed, nil
}

// sealLocked flushes a chunk's buffer to Parquet, verifies the file, marks
// the chunk sealed, and releases WAL segments that no longer back any live
// buffer. Caller must hold s.mu.
func (s *Store) sealLocked(meta *types.ChunkMeta, nowMs int64) error {
	id := meta.ID()
	buf := s.buffers[id]

	var ticks []types.Tick
	if buf != nil {
		ticks = buf.Snapshot()
	}

	if len(ticks) > 0 {
		dir := s.cfg.ChunkDir(types.ChunkKindTicks)
		finalPath := chunk.FilePath(dir, id)
		tmpPath := chunk.TempPath(finalPath)

		pw, err := parquet.NewTickWriter(tmpPath, parquet.Options{
			Compression: parquet.ParseCompressionType(s.cfg.Compression.Algorithm),
		})
		if err != nil {
			return fmt.Errorf("create chunk file: %w", err)
		}
		if err := pw.Write(ticks); err != nil {
			pw.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write chunk file: %w", err)
		}
		if err := pw.Close(); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("close chunk file: %w", err)
		}

		// Verify before the buffer or WAL give anything up.
		info, err := parquet.GetFileInfo(tmpPath)
		if err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("verify chunk file: %w", err)
		}
		if info.NumRows != int64(len(ticks)) {
			os.Remove(tmpPath)
			return fmt.Errorf("%w: %s has %d rows, want %d",
				storeerrors.ErrCompressionVerify, tmpPath, info.NumRows, len(ticks))
		}

		if err := os.Rename(tmpPath, finalPath); err != nil {
			return fmt.Errorf("publish chunk file: %w", err)
		}
	}

	if err := s.chunks.Seal(id, nowMs); err != nil {
		return err
	}

	delete(s.buffers, id)
	s.stats.ChunksSealed++

	if err := s.compactWAL(); err != nil {
		// The flushed data is safe; stale WAL segments only cost space.
		s.logger.Warn("wal compaction failed", "error", err)
	}

	s.logger.Info("chunk sealed",
		"chunk", id,
		"ticks", len(ticks),
		"sealed_at_ms", nowMs)
	return nil
}

// compactWAL rotates to a fresh segment, re-logs the ticks still held in
// live buffers, and deletes the older segments. After a seal this shrinks
// the WAL to just the data that is not yet in a Parquet file.
func (s *Store) compactWAL() error {
	keepFrom, err := s.wal.Rotate()
	if err != nil {
		return err
	}

	for _, buf := range s.buffers {
		live := buf.Snapshot()
		if len(live) == 0 {
			continue
		}
		if err := s.wal.Write(live); err != nil {
			return err
		}
	}
	if err := s.wal.Sync(); err != nil {
		return err
	}

	_, err = s.wal.DeleteSegmentsBefore(keepFrom + 1)
	return err
}

// ActiveTicks returns the buffered ticks of all active chunks inside
// [startMs, endMs), sorted by key. instrumentID 0 matches every instrument.
// The query service merges these with the Parquet-backed chunks.
func (s *Store) ActiveTicks(instrumentID uint64, startMs, endMs int64) []types.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Tick
	for _, buf := range s.buffers {
		out = append(out, buf.Query(instrumentID, startMs, endMs)...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	return out
}

// MaxEventTime returns the newest accepted event time.
func (s *Store) MaxEventTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxEventTimeMs
}

// UsageRatio returns the fill ratio of the fullest live buffer. The
// backpressure controller samples this.
func (s *Store) UsageRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max float64
	for _, buf := range s.buffers {
		if r := buf.UsageRatio(); r > max {
			max = r
		}
	}
	return max
}

// Stats returns current store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	for _, buf := range s.buffers {
		st.BufferedTicks += buf.Len()
	}
	st.BufferUsage = 0
	for _, buf := range s.buffers {
		if r := buf.UsageRatio(); r > st.BufferUsage {
			st.BufferUsage = r
		}
	}
	return st
}

// Sync flushes the WAL to disk.
func (s *Store) Sync() error {
	return s.wal.Sync()
}

// Close flushes the WAL and closes the store. Buffered ticks stay in the
// WAL and are replayed on the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.wal.Sync(); err != nil {
		s.wal.Close()
		return fmt.Errorf("sync wal: %w", err)
	}
	return s.wal.Close()
}
