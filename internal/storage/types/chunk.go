package types

import (
	"fmt"
	"time"
)

// ChunkKind distinguishes raw-tick chunks from frozen-candle chunks.
// The two kinds use independent widths and compression ages.
type ChunkKind string

const (
	ChunkKindTicks   ChunkKind = "ticks"
	ChunkKindCandles ChunkKind = "candles"
)

// ChunkState is the lifecycle state of a chunk. Transitions are one-way:
// active -> sealed -> compressed. Content never changes after sealing.
type ChunkState string

const (
	// ChunkActive accepts writes. Exactly one tick chunk is active.
	ChunkActive ChunkState = "active"

	// ChunkSealed is read-only; its upper bound has elapsed past the
	// ingestion lateness tolerance.
	ChunkSealed ChunkState = "sealed"

	// ChunkCompressed is sealed data re-encoded into the segmented layout.
	ChunkCompressed ChunkState = "compressed"
)

// ChunkMeta describes a time-bounded partition of the store.
// The chunk manager exclusively owns this metadata; the tick store owns the
// payload inside the chunk.
type ChunkMeta struct {
	Kind    ChunkKind  `yaml:"kind"`
	StartMs int64      `yaml:"start_ms"`
	EndMs   int64      `yaml:"end_ms"`
	State   ChunkState `yaml:"state"`

	SealedAtMs     int64 `yaml:"sealed_at_ms,omitempty"`
	CompressedAtMs int64 `yaml:"compressed_at_ms,omitempty"`
}

// ID returns the deterministic chunk identifier. It is a pure function of
// kind and start time, so a chunk resumed after a crash always reuses the
// same id and boundaries.
func (m *ChunkMeta) ID() string {
	return ChunkID(m.Kind, m.StartMs)
}

// ChunkID formats the canonical chunk identifier for a kind and start time.
func ChunkID(kind ChunkKind, startMs int64) string {
	return fmt.Sprintf("%s-%s", kind, time.UnixMilli(startMs).UTC().Format("20060102T150405Z"))
}

// Contains reports whether the timestamp falls inside the chunk's half-open
// [start, end) range. A timestamp on the boundary routes to exactly one chunk.
func (m *ChunkMeta) Contains(ms int64) bool {
	return ms >= m.StartMs && ms < m.EndMs
}

// Start returns the chunk start as a time.Time.
func (m *ChunkMeta) Start() time.Time {
	return time.UnixMilli(m.StartMs)
}

// End returns the chunk end as a time.Time.
func (m *ChunkMeta) End() time.Time {
	return time.UnixMilli(m.EndMs)
}
