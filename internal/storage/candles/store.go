// Package candles persists materialized OHLC candles and per-timeframe
// watermarks in SQLite. Upserts are keyed on (instrument, timeframe, open
// time), so re-materializing a window converges instead of duplicating.
package candles

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/types"
)

// Store is the SQLite-backed candle store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	instrument_id INTEGER NOT NULL,
	instrument    TEXT    NOT NULL,
	timeframe     TEXT    NOT NULL,
	open_time_ms  INTEGER NOT NULL,
	close_time_ms INTEGER NOT NULL,
	open          REAL    NOT NULL,
	high          REAL    NOT NULL,
	low           REAL    NOT NULL,
	close         REAL    NOT NULL,
	volume        REAL    NOT NULL,
	tick_count    INTEGER NOT NULL,
	p50           REAL,
	p95           REAL,
	PRIMARY KEY (instrument_id, instrument, timeframe, open_time_ms)
);

CREATE INDEX IF NOT EXISTS idx_candles_tf_time
	ON candles (timeframe, open_time_ms);

CREATE TABLE IF NOT EXISTS materialization_state (
	timeframe       TEXT PRIMARY KEY,
	watermark_ms    INTEGER NOT NULL,
	last_refresh_ms INTEGER NOT NULL
);
`

// Open opens (creating if necessary) the candle database at path.
func Open(path string) (*Store, error) {
	// WAL journal for concurrent readers during refresh writes.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open candle db: %w", err)
	}

	// SQLite writes are serialized; more connections just contend.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", storeerrors.ErrDatabase, err)
	}

	return &Store{
		db:     db,
		logger: logging.Component("candles"),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertBatch writes candles in a single transaction. An existing candle
// with the same key is replaced wholesale.
func (s *Store) UpsertBatch(ctx context.Context, batch []types.Candle) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storeerrors.ErrDatabase, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (
			instrument_id, instrument, timeframe, open_time_ms, close_time_ms,
			open, high, low, close, volume, tick_count, p50, p95
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument_id, instrument, timeframe, open_time_ms)
		DO UPDATE SET
			close_time_ms = excluded.close_time_ms,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			tick_count = excluded.tick_count,
			p50 = excluded.p50,
			p95 = excluded.p95`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", storeerrors.ErrDatabase, err)
	}
	defer stmt.Close()

	for i := range batch {
		c := &batch[i]
		var p50, p95 any
		if c.P50 != nil {
			p50 = *c.P50
		}
		if c.P95 != nil {
			p95 = *c.P95
		}
		_, err := stmt.ExecContext(ctx,
			c.InstrumentID, c.Instrument, c.Timeframe.String(),
			c.OpenTimeMs, c.CloseTimeMs,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.TickCount, p50, p95)
		if err != nil {
			return fmt.Errorf("%w: upsert %s/%s@%d: %v",
				storeerrors.ErrDatabase, c.Instrument, c.Timeframe, c.OpenTimeMs, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", storeerrors.ErrDatabase, err)
	}
	return nil
}

// Query returns candles for an instrument and timeframe with open time in
// [startMs, endMs), ordered by open time. instrumentID 0 matches all
// instruments.
func (s *Store) Query(ctx context.Context, instrumentID uint64, tf types.Timeframe, startMs, endMs int64) ([]types.Candle, error) {
	q := `
		SELECT instrument_id, instrument, timeframe, open_time_ms, close_time_ms,
		       open, high, low, close, volume, tick_count, p50, p95
		FROM candles
		WHERE timeframe = ? AND open_time_ms >= ? AND open_time_ms < ?`
	args := []any{tf.String(), startMs, endMs}
	if instrumentID != 0 {
		q += ` AND instrument_id = ?`
		args = append(args, instrumentID)
	}
	q += ` ORDER BY open_time_ms, instrument_id, instrument`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query candles: %v", storeerrors.ErrDatabase, err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// QueryRange returns candles of all timeframes whose open time falls in
// [startMs, endMs). Used when freezing a candle chunk.
func (s *Store) QueryRange(ctx context.Context, startMs, endMs int64) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, instrument, timeframe, open_time_ms, close_time_ms,
		       open, high, low, close, volume, tick_count, p50, p95
		FROM candles
		WHERE open_time_ms >= ? AND open_time_ms < ?
		ORDER BY timeframe, open_time_ms, instrument_id, instrument`,
		startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("%w: query range: %v", storeerrors.ErrDatabase, err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// DeleteRange removes candles of all timeframes with open time in
// [startMs, endMs). Called after a range is exported to a frozen chunk.
func (s *Store) DeleteRange(ctx context.Context, startMs, endMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM candles WHERE open_time_ms >= ? AND open_time_ms < ?`,
		startMs, endMs)
	if err != nil {
		return 0, fmt.Errorf("%w: delete range: %v", storeerrors.ErrDatabase, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EarliestOpenTime returns the oldest candle open time in the store, or
// false if the store is empty.
func (s *Store) EarliestOpenTime(ctx context.Context) (int64, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(open_time_ms) FROM candles`).Scan(&ms)
	if err != nil {
		return 0, false, fmt.Errorf("%w: earliest open time: %v", storeerrors.ErrDatabase, err)
	}
	if !ms.Valid {
		return 0, false, nil
	}
	return ms.Int64, true, nil
}

// Watermark returns the materialization watermark for a timeframe. A
// timeframe never refreshed has a zero watermark.
func (s *Store) Watermark(ctx context.Context, tf types.Timeframe) (types.MaterializationState, error) {
	var st types.MaterializationState
	st.Timeframe = tf

	err := s.db.QueryRowContext(ctx,
		`SELECT watermark_ms, last_refresh_ms FROM materialization_state WHERE timeframe = ?`,
		tf.String()).Scan(&st.WatermarkMs, &st.LastRefreshMs)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("%w: read watermark: %v", storeerrors.ErrDatabase, err)
	}
	return st, nil
}

// SetWatermark advances the materialization watermark for a timeframe.
func (s *Store) SetWatermark(ctx context.Context, tf types.Timeframe, watermarkMs, refreshMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materialization_state (timeframe, watermark_ms, last_refresh_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (timeframe) DO UPDATE SET
			watermark_ms = excluded.watermark_ms,
			last_refresh_ms = excluded.last_refresh_ms`,
		tf.String(), watermarkMs, refreshMs)
	if err != nil {
		return fmt.Errorf("%w: set watermark: %v", storeerrors.ErrDatabase, err)
	}
	return nil
}

// Count returns the number of stored candles.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", storeerrors.ErrDatabase, err)
	}
	return n, nil
}

// Vacuum reclaims space after large deletions.
func (s *Store) Vacuum(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("%w: vacuum: %v", storeerrors.ErrDatabase, err)
	}
	s.logger.Info("vacuum completed", "duration", time.Since(start))
	return nil
}

func scanCandles(rows *sql.Rows) ([]types.Candle, error) {
	var out []types.Candle
	for rows.Next() {
		var (
			c        types.Candle
			tfName   string
			p50, p95 sql.NullFloat64
		)
		err := rows.Scan(
			&c.InstrumentID, &c.Instrument, &tfName,
			&c.OpenTimeMs, &c.CloseTimeMs,
			&c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.TickCount, &p50, &p95)
		if err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", storeerrors.ErrDatabase, err)
		}

		tf, err := types.ParseTimeframe(tfName)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timeframe %q: %v", storeerrors.ErrDatabase, tfName, err)
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

		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %v", storeerrors.ErrDatabase, err)
	}
	return out, nil
}
