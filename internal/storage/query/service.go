// Package query answers analytical reads over the whole store. DuckDB scans
// the Parquet chunk files in place; results are merged with the hot tiers
// (active tick buffers, the SQLite candle store) so callers see one
// continuous timeline regardless of where a row currently lives.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/types"
)

// HotTicks supplies ticks still held in active chunk buffers. The tick
// store implements it.
type HotTicks interface {
	ActiveTicks(instrumentID uint64, startMs, endMs int64) []types.Tick
}

// HotCandles supplies candles still held in the hot SQLite store. The
// candle store implements it.
type HotCandles interface {
	Query(ctx context.Context, instrumentID uint64, tf types.Timeframe, startMs, endMs int64) ([]types.Candle, error)
}

// TickQuery selects ticks. InstrumentID 0 matches every instrument.
// The time range is half-open: [StartMs, EndMs).
type TickQuery struct {
	InstrumentID uint64
	StartMs      int64
	EndMs        int64
	Limit        int
}

// CandleQuery selects candles of one timeframe.
// InstrumentID 0 matches every instrument.
type CandleQuery struct {
	InstrumentID uint64
	Timeframe    types.Timeframe
	StartMs      int64
	EndMs        int64
	Limit        int
}

// Stats holds query service counters.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Service executes queries across the cold Parquet chunks and the hot
// tiers. Safe for concurrent use; the embedded DuckDB connection pool
// handles parallel scans.
type Service struct {
	cfg     *config.Config
	db      *sql.DB
	ticks   HotTicks
	candles HotCandles

	queriesExecuted atomic.Int64
	rowsReturned    atomic.Int64
	errors          atomic.Int64
}

// New creates a query service over an in-memory DuckDB instance. ticks and
// candles may be nil; the service then only sees the Parquet files.
func New(cfg *config.Config, ticks HotTicks, candles HotCandles) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.Query.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		cfg:     cfg,
		db:      db,
		ticks:   ticks,
		candles: candles,
	}, nil
}

// Close releases the DuckDB instance.
func (s *Service) Close() error {
	return s.db.Close()
}

// Ticks returns all matching ticks in key order: event time, then
// instrument id, then instrument. Sealed and compressed chunks are read
// through DuckDB; ticks still in active buffers are merged in.
func (s *Service) Ticks(ctx context.Context, q TickQuery) ([]types.Tick, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	cold, err := s.queryTickFiles(ctx, q)
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}

	var hot []types.Tick
	if s.ticks != nil {
		hot = s.ticks.ActiveTicks(q.InstrumentID, q.StartMs, q.EndMs)
	}

	results := mergeTicks(cold, hot)
	results = clampTicks(results, s.effectiveLimit(q.Limit))

	s.queriesExecuted.Add(1)
	s.rowsReturned.Add(int64(len(results)))
	return results, nil
}

// Candles returns all matching candles ordered by open time then
// instrument. Frozen candle chunks are read through DuckDB; the hot SQLite
// rows are merged in.
func (s *Service) Candles(ctx context.Context, q CandleQuery) ([]types.Candle, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	cold, err := s.queryCandleFiles(ctx, q)
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}

	var hot []types.Candle
	if s.candles != nil {
		hot, err = s.candles.Query(ctx, q.InstrumentID, q.Timeframe, q.StartMs, q.EndMs)
		if err != nil {
			s.errors.Add(1)
			return nil, err
		}
	}

	results := mergeCandles(cold, hot)
	if limit := s.effectiveLimit(q.Limit); limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	s.queriesExecuted.Add(1)
	s.rowsReturned.Add(int64(len(results)))
	return results, nil
}

// ExecuteSQL runs a raw DuckDB statement and returns generic rows. Meant
// for ad-hoc analysis; the configured row cap still applies.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("%w: %v", storeerrors.ErrQueryFailed, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	limit := s.effectiveLimit(0)
	var results []map[string]interface{}
	for rows.Next() {
		if limit > 0 && len(results) >= limit {
			break
		}

		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.queriesExecuted.Add(1)
	s.rowsReturned.Add(int64(len(results)))
	return results, rows.Err()
}

// Stats returns query counters.
func (s *Service) Stats() Stats {
	return Stats{
		QueriesExecuted: s.queriesExecuted.Load(),
		RowsReturned:    s.rowsReturned.Load(),
		Errors:          s.errors.Load(),
	}
}

func (s *Service) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Query.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Query.Timeout)
	}
	return context.WithCancel(ctx)
}

// effectiveLimit clamps a caller limit to the configured row cap.
// Zero means the cap alone applies.
func (s *Service) effectiveLimit(limit int) int {
	maxRows := s.cfg.Query.MaxRows
	if limit <= 0 {
		return maxRows
	}
	if maxRows > 0 && limit > maxRows {
		return maxRows
	}
	return limit
}

// chunkFiles expands the existing Parquet files of a chunk kind. Sealed
// chunks and compressed segments live side by side in the same directory.
func (s *Service) chunkFiles(kind types.ChunkKind) ([]string, error) {
	dir := s.cfg.ChunkDir(kind)

	// *.parquet covers both sealed chunks and *.seg.parquet segments, but
	// not the *.tmp files of writes in flight.
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (s *Service) queryTickFiles(ctx context.Context, q TickQuery) ([]types.Tick, error) {
	files, err := s.chunkFiles(types.ChunkKindTicks)
	if err != nil || len(files) == 0 {
		return nil, err
	}

	query := `
		SELECT instrument_id, instrument, event_time_ms,
		       bid_price, ask_price, bid_size, ask_size, ingested_at_ms
		FROM read_parquet($file_list)
		WHERE event_time_ms >= $1 AND event_time_ms < $2`
	args := []interface{}{q.StartMs, q.EndMs}
	if q.InstrumentID != 0 {
		query += " AND instrument_id = $3"
		args = append(args, q.InstrumentID)
	}
	query += " ORDER BY event_time_ms, instrument_id, instrument"

	rows, err := s.db.QueryContext(ctx, injectFileList(query, files), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerrors.ErrQueryFailed, err)
	}
	defer rows.Close()

	var ticks []types.Tick
	for rows.Next() {
		var t types.Tick
		if err := rows.Scan(
			&t.InstrumentID, &t.Instrument, &t.EventTimeMs,
			&t.BidPrice, &t.AskPrice, &t.BidSize, &t.AskSize, &t.IngestedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan tick row: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func (s *Service) queryCandleFiles(ctx context.Context, q CandleQuery) ([]types.Candle, error) {
	files, err := s.chunkFiles(types.ChunkKindCandles)
	if err != nil || len(files) == 0 {
		return nil, err
	}

	query := `
		SELECT instrument_id, instrument, timeframe, open_time_ms, close_time_ms,
		       open, high, low, close, volume, tick_count, p50, p95
		FROM read_parquet($file_list)
		WHERE timeframe = $1 AND open_time_ms >= $2 AND open_time_ms < $3`
	args := []interface{}{q.Timeframe.String(), q.StartMs, q.EndMs}
	if q.InstrumentID != 0 {
		query += " AND instrument_id = $4"
		args = append(args, q.InstrumentID)
	}
	query += " ORDER BY open_time_ms, instrument_id, instrument"

	rows, err := s.db.QueryContext(ctx, injectFileList(query, files), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerrors.ErrQueryFailed, err)
	}
	defer rows.Close()

	var candles []types.Candle
	for rows.Next() {
		var (
			c        types.Candle
			tfName   string
			p50, p95 sql.NullFloat64
		)
		if err := rows.Scan(
			&c.InstrumentID, &c.Instrument, &tfName, &c.OpenTimeMs, &c.CloseTimeMs,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TickCount, &p50, &p95,
		); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		tf, err := types.ParseTimeframe(tfName)
		if err != nil {
			return nil, err
		}
		c.Timeframe = tf
		if p50.Valid {
			v := p50.Float64
			c.P50 = &v
		}
		if p95.Valid {
			v := p95.Float64
			c.P95 = &v
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// injectFileList replaces the $file_list placeholder with a DuckDB list
// literal of quoted paths. Paths come from the chunk directory glob, never
// from callers.
func injectFileList(query string, files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + f + "'"
	}
	list := "[" + strings.Join(quoted, ", ") + "]"
	return strings.Replace(query, "$file_list", list, 1)
}

// clampTicks applies the effective row limit. Zero means unlimited.
func clampTicks(ticks []types.Tick, limit int) []types.Tick {
	if limit > 0 && len(ticks) > limit {
		return ticks[:limit]
	}
	return ticks
}

// mergeTicks concatenates the cold and hot tiers and restores key order.
// A tick cannot live in both tiers at once: sealing deletes the buffer in
// the same critical section that publishes the file.
func mergeTicks(cold, hot []types.Tick) []types.Tick {
	if len(hot) == 0 {
		return cold
	}
	out := make([]types.Tick, 0, len(cold)+len(hot))
	out = append(out, cold...)
	out = append(out, hot...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	return out
}

// mergeCandles prefers the hot row when both tiers hold the same bucket.
// The hot store carries every refresh immediately; exports only remove
// rows after the Parquet copy is verified.
func mergeCandles(cold, hot []types.Candle) []types.Candle {
	if len(hot) == 0 {
		return cold
	}

	seen := make(map[string]bool, len(hot))
	for i := range hot {
		seen[hot[i].Key()] = true
	}

	out := make([]types.Candle, 0, len(cold)+len(hot))
	out = append(out, hot...)
	for i := range cold {
		if !seen[cold[i].Key()] {
			out = append(out, cold[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return candleLess(&out[i], &out[j]) })
	return out
}

func candleLess(a, b *types.Candle) bool {
	if a.OpenTimeMs != b.OpenTimeMs {
		return a.OpenTimeMs < b.OpenTimeMs
	}
	if a.InstrumentID != b.InstrumentID {
		return a.InstrumentID < b.InstrumentID
	}
	return a.Instrument < b.Instrument
}
