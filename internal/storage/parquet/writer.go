package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/arenx/tickstore/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// PageSize is the target page size in bytes
	PageSize int

	// Segmented enables per-instrument segment ordering: rows are
	// declared sorted by instrument ascending, event time descending.
	// Used for compressed chunk files.
	Segmented bool
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		RowGroupSize:     100000,
		PageSize:         1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// TickRow represents a tick in Parquet format.
type TickRow struct {
	InstrumentID uint64  `parquet:"instrument_id"`
	Instrument   string  `parquet:"instrument,zstd"`
	EventTimeMs  int64   `parquet:"event_time_ms"`
	BidPrice     float64 `parquet:"bid_price"`
	AskPrice     float64 `parquet:"ask_price"`
	BidSize      float64 `parquet:"bid_size"`
	AskSize      float64 `parquet:"ask_size"`
	IngestedAtMs int64   `parquet:"ingested_at_ms"`
}

// CandleRow represents a candle in Parquet format.
type CandleRow struct {
	InstrumentID uint64  `parquet:"instrument_id"`
	Instrument   string  `parquet:"instrument,zstd"`
	Timeframe    string  `parquet:"timeframe,zstd"`
	OpenTimeMs   int64   `parquet:"open_time_ms"`
	CloseTimeMs  int64   `parquet:"close_time_ms"`
	Open         float64 `parquet:"open"`
	High         float64 `parquet:"high"`
	Low          float64 `parquet:"low"`
	Close        float64 `parquet:"close"`
	Volume       float64 `parquet:"volume"`
	TickCount    int64   `parquet:"tick_count"`
	P50          float64 `parquet:"p50,optional"`
	P95          float64 `parquet:"p95,optional"`
}

// TickToRow converts a Tick to a TickRow.
func TickToRow(t *types.Tick) TickRow {
	return TickRow{
		InstrumentID: t.InstrumentID,
		Instrument:   t.Instrument,
		EventTimeMs:  t.EventTimeMs,
		BidPrice:     t.BidPrice,
		AskPrice:     t.AskPrice,
		BidSize:      t.BidSize,
		AskSize:      t.AskSize,
		IngestedAtMs: t.IngestedAtMs,
	}
}

// RowToTick converts a TickRow to a Tick.
func RowToTick(r *TickRow) types.Tick {
	return types.Tick{
		InstrumentID: r.InstrumentID,
		Instrument:   r.Instrument,
		EventTimeMs:  r.EventTimeMs,
		BidPrice:     r.BidPrice,
		AskPrice:     r.AskPrice,
		BidSize:      r.BidSize,
		AskSize:      r.AskSize,
		IngestedAtMs: r.IngestedAtMs,
	}
}

// CandleToRow converts a Candle to a CandleRow.
func CandleToRow(c *types.Candle) CandleRow {
	row := CandleRow{
		InstrumentID: c.InstrumentID,
		Instrument:   c.Instrument,
		Timeframe:    c.Timeframe.String(),
		OpenTimeMs:   c.OpenTimeMs,
		CloseTimeMs:  c.CloseTimeMs,
		Open:         c.Open,
		High:         c.High,
		Low:          c.Low,
		Close:        c.Close,
		Volume:       c.Volume,
		TickCount:    c.TickCount,
	}

	if c.P50 != nil {
		row.P50 = *c.P50
	}
	if c.P95 != nil {
		row.P95 = *c.P95
	}

	return row
}

// RowToCandle converts a CandleRow to a Candle.
func RowToCandle(r *CandleRow) (types.Candle, error) {
	tf, err := types.ParseTimeframe(r.Timeframe)
	if err != nil {
		return types.Candle{}, err
	}

	c := types.Candle{
		InstrumentID: r.InstrumentID,
		Instrument:   r.Instrument,
		Timeframe:    tf,
		OpenTimeMs:   r.OpenTimeMs,
		CloseTimeMs:  r.CloseTimeMs,
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		TickCount:    r.TickCount,
	}

	if r.P50 != 0 || r.P95 != 0 {
		p50, p95 := r.P50, r.P95
		c.P50 = &p50
		c.P95 = &p95
	}

	return c, nil
}

// writerOptions builds parquet-go writer options from Options.
func writerOptions(opts Options) []parquet.WriterOption {
	out := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.Segmented {
		out = append(out, parquet.SortingWriterConfig(
			parquet.SortingColumns(
				parquet.Ascending("instrument_id"),
				parquet.Ascending("instrument"),
				parquet.Descending("event_time_ms"),
			),
		))
	}
	return out
}

// TickWriter writes ticks to a Parquet file.
type TickWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[TickRow]
	rowCount int64
	closed   bool
}

// NewTickWriter creates a new tick Parquet writer.
func NewTickWriter(path string, opts Options) (*TickWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[TickRow](f, writerOptions(opts)...)

	return &TickWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes ticks to the Parquet file.
func (w *TickWriter) Write(ticks []types.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]TickRow, len(ticks))
	for i := range ticks {
		rows[i] = TickToRow(&ticks[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *TickWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *TickWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *TickWriter) Path() string {
	return w.path
}

// CandleWriter writes candles to a Parquet file.
type CandleWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[CandleRow]
	rowCount int64
	closed   bool
}

// NewCandleWriter creates a new candle Parquet writer.
func NewCandleWriter(path string, opts Options) (*CandleWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[CandleRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	return &CandleWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes candles to the Parquet file.
func (w *CandleWriter) Write(candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]CandleRow, len(candles))
	for i := range candles {
		rows[i] = CandleToRow(&candles[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *CandleWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *CandleWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *CandleWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
