// Package chunk tracks the time-bounded partitions of the store and their
// lifecycle. The manager owns chunk metadata only; payload files belong to
// the tick store and compressor.
package chunk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/types"
)

// WidthFunc returns the chunk width for a kind.
type WidthFunc func(types.ChunkKind) time.Duration

// Manager owns chunk metadata and enforces the one-way lifecycle
// active -> sealed -> compressed. All transitions are persisted to a
// manifest before they take effect, so a crash never loses a state change.
type Manager struct {
	mu sync.RWMutex

	chunks       map[string]*types.ChunkMeta
	manifestPath string
	widthFor     WidthFunc
	lateness     time.Duration

	logger *slog.Logger
}

// manifest is the on-disk format of the chunk metadata.
type manifest struct {
	Chunks []types.ChunkMeta `yaml:"chunks"`
}

// NewManager creates a chunk manager, loading an existing manifest if one
// is present at manifestPath.
func NewManager(manifestPath string, widthFor WidthFunc, lateness time.Duration) (*Manager, error) {
	m := &Manager{
		chunks:       make(map[string]*types.ChunkMeta),
		manifestPath: manifestPath,
		widthFor:     widthFor,
		lateness:     lateness,
		logger:       logging.Component("chunk"),
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	return m, nil
}

// Route returns the boundaries of the chunk a timestamp belongs to.
// It is a pure function of kind and timestamp: routing never depends on
// manager state, so the same tick always lands in the same chunk.
func (m *Manager) Route(kind types.ChunkKind, ms int64) (startMs, endMs int64) {
	w := m.widthFor(kind).Milliseconds()
	startMs = ms - ((ms%w)+w)%w
	return startMs, startMs + w
}

// Ensure returns the chunk containing the timestamp, creating it as active
// if it does not exist yet. Creation is persisted before return.
func (m *Manager) Ensure(kind types.ChunkKind, ms int64) (*types.ChunkMeta, error) {
	startMs, endMs := m.Route(kind, ms)
	id := types.ChunkID(kind, startMs)

	m.mu.Lock()
	defer m.mu.Unlock()

	if meta, ok := m.chunks[id]; ok {
		return copyMeta(meta), nil
	}

	meta := &types.ChunkMeta{
		Kind:    kind,
		StartMs: startMs,
		EndMs:   endMs,
		State:   types.ChunkActive,
	}
	m.chunks[id] = meta

	if err := m.persistLocked(); err != nil {
		delete(m.chunks, id)
		return nil, fmt.Errorf("persist manifest: %w", err)
	}

	m.logger.Info("chunk created",
		"chunk", id,
		"kind", string(kind),
		"start_ms", startMs,
		"end_ms", endMs)

	return copyMeta(meta), nil
}

// Get returns the metadata for a chunk id.
func (m *Manager) Get(id string) (*types.ChunkMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.chunks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storeerrors.ErrUnknownChunk, id)
	}
	return copyMeta(meta), nil
}

// Lookup returns the chunk containing the timestamp, if it exists.
func (m *Manager) Lookup(kind types.ChunkKind, ms int64) (*types.ChunkMeta, bool) {
	startMs, _ := m.Route(kind, ms)
	id := types.ChunkID(kind, startMs)

	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.chunks[id]
	if !ok {
		return nil, false
	}
	return copyMeta(meta), true
}

// Seal transitions a chunk from active to sealed. The chunk's upper bound
// must have elapsed past the lateness tolerance. Sealing an already-sealed
// or compressed chunk is a no-op.
func (m *Manager) Seal(id string, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.chunks[id]
	if !ok {
		return fmt.Errorf("%w: %s", storeerrors.ErrUnknownChunk, id)
	}

	if meta.State != types.ChunkActive {
		return nil
	}

	if nowMs < meta.EndMs+m.lateness.Milliseconds() {
		return fmt.Errorf("%w: %s ends at %d, now %d",
			storeerrors.ErrChunkNotElapsed, id, meta.EndMs, nowMs)
	}

	prev := *meta
	meta.State = types.ChunkSealed
	meta.SealedAtMs = nowMs

	if err := m.persistLocked(); err != nil {
		*meta = prev
		return fmt.Errorf("persist manifest: %w", err)
	}

	m.logger.Info("chunk sealed", "chunk", id, "sealed_at_ms", nowMs)
	return nil
}

// MarkCompressed transitions a chunk from sealed to compressed. Marking an
// already-compressed chunk is a no-op, so a compression retry after a crash
// converges.
func (m *Manager) MarkCompressed(id string, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.chunks[id]
	if !ok {
		return fmt.Errorf("%w: %s", storeerrors.ErrUnknownChunk, id)
	}

	if meta.State == types.ChunkCompressed {
		return nil
	}
	if meta.State != types.ChunkSealed {
		return fmt.Errorf("%w: %s is %s", storeerrors.ErrChunkNotSealed, id, meta.State)
	}

	prev := *meta
	meta.State = types.ChunkCompressed
	meta.CompressedAtMs = nowMs

	if err := m.persistLocked(); err != nil {
		*meta = prev
		return fmt.Errorf("persist manifest: %w", err)
	}

	m.logger.Info("chunk compressed", "chunk", id, "compressed_at_ms", nowMs)
	return nil
}

// Remove deletes a chunk from the manifest. Used by retention after the
// chunk's payload files are gone.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.chunks[id]
	if !ok {
		return fmt.Errorf("%w: %s", storeerrors.ErrUnknownChunk, id)
	}

	delete(m.chunks, id)
	if err := m.persistLocked(); err != nil {
		m.chunks[id] = meta
		return fmt.Errorf("persist manifest: %w", err)
	}

	m.logger.Info("chunk removed", "chunk", id)
	return nil
}

// SealableBefore returns active chunks whose upper bound plus lateness
// tolerance has elapsed, oldest first.
func (m *Manager) SealableBefore(nowMs int64) []*types.ChunkMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.ChunkMeta
	for _, meta := range m.chunks {
		if meta.State == types.ChunkActive && nowMs >= meta.EndMs+m.lateness.Milliseconds() {
			out = append(out, copyMeta(meta))
		}
	}
	sortByStart(out)
	return out
}

// CompressibleBefore returns sealed chunks whose upper bound is older than
// the given age, oldest first.
func (m *Manager) CompressibleBefore(nowMs int64, age time.Duration) []*types.ChunkMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := nowMs - age.Milliseconds()
	var out []*types.ChunkMeta
	for _, meta := range m.chunks {
		if meta.State == types.ChunkSealed && meta.EndMs <= cutoff {
			out = append(out, copyMeta(meta))
		}
	}
	sortByStart(out)
	return out
}

// InRange returns chunks of the given kind overlapping [startMs, endMs),
// ordered by start time.
func (m *Manager) InRange(kind types.ChunkKind, startMs, endMs int64) []*types.ChunkMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.ChunkMeta
	for _, meta := range m.chunks {
		if meta.Kind != kind {
			continue
		}
		if meta.EndMs <= startMs || meta.StartMs >= endMs {
			continue
		}
		out = append(out, copyMeta(meta))
	}
	sortByStart(out)
	return out
}

// All returns every chunk, ordered by kind then start time.
func (m *Manager) All() []*types.ChunkMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ChunkMeta, 0, len(m.chunks))
	for _, meta := range m.chunks {
		out = append(out, copyMeta(meta))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].StartMs < out[j].StartMs
	})
	return out
}

// Count returns the number of tracked chunks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// load reads the manifest from disk. A missing manifest means a fresh store.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var mf manifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	for i := range mf.Chunks {
		meta := mf.Chunks[i]
		m.chunks[meta.ID()] = &meta
	}

	m.logger.Info("manifest loaded", "chunks", len(m.chunks))
	return nil
}

// persistLocked writes the manifest atomically via tmp+rename.
// Caller must hold m.mu.
func (m *Manager) persistLocked() error {
	mf := manifest{Chunks: make([]types.ChunkMeta, 0, len(m.chunks))}
	for _, meta := range m.chunks {
		mf.Chunks = append(mf.Chunks, *meta)
	}
	sort.Slice(mf.Chunks, func(i, j int) bool {
		if mf.Chunks[i].Kind != mf.Chunks[j].Kind {
			return mf.Chunks[i].Kind < mf.Chunks[j].Kind
		}
		return mf.Chunks[i].StartMs < mf.Chunks[j].StartMs
	})

	data, err := yaml.Marshal(&mf)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.manifestPath), 0755); err != nil {
		return err
	}

	tmp := m.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.manifestPath)
}

func copyMeta(meta *types.ChunkMeta) *types.ChunkMeta {
	cp := *meta
	return &cp
}

func sortByStart(chunks []*types.ChunkMeta) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].StartMs < chunks[j].StartMs
	})
}
