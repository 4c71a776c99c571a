package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/arenx/tickstore/internal/storage/types"
)

// TickReader reads ticks from a Parquet file.
type TickReader struct {
	file   *os.File
	reader *parquet.GenericReader[TickRow]
	path   string
}

// NewTickReader creates a new tick Parquet reader.
func NewTickReader(path string) (*TickReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[TickRow](f)

	return &TickReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n ticks from the file.
func (r *TickReader) Read(n int) ([]types.Tick, error) {
	rows := make([]TickRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	ticks := make([]types.Tick, count)
	for i := 0; i < count; i++ {
		ticks[i] = RowToTick(&rows[i])
	}

	if count == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return ticks, nil
}

// ReadAll reads all ticks from the file.
func (r *TickReader) ReadAll() ([]types.Tick, error) {
	numRows := r.reader.NumRows()
	if numRows == 0 {
		return nil, nil
	}

	rows := make([]TickRow, numRows)
	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	ticks := make([]types.Tick, n)
	for i := 0; i < n; i++ {
		ticks[i] = RowToTick(&rows[i])
	}

	return ticks, nil
}

// NumRows returns the total number of rows in the file.
func (r *TickReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *TickReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *TickReader) Path() string {
	return r.path
}

// ReadTicks reads all ticks from a Parquet file in one call.
func ReadTicks(path string) ([]types.Tick, error) {
	r, err := NewTickReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// CandleReader reads candles from a Parquet file.
type CandleReader struct {
	file   *os.File
	reader *parquet.GenericReader[CandleRow]
	path   string
}

// NewCandleReader creates a new candle Parquet reader.
func NewCandleReader(path string) (*CandleReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[CandleRow](f)

	return &CandleReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all candles from the file.
func (r *CandleReader) ReadAll() ([]types.Candle, error) {
	numRows := r.reader.NumRows()
	if numRows == 0 {
		return nil, nil
	}

	rows := make([]CandleRow, numRows)
	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	candles := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		c, err := RowToCandle(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		candles = append(candles, c)
	}

	return candles, nil
}

// NumRows returns the total number of rows in the file.
func (r *CandleReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *CandleReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *CandleReader) Path() string {
	return r.path
}

// ReadCandles reads all candles from a Parquet file in one call.
func ReadCandles(path string) ([]types.Candle, error) {
	r, err := NewCandleReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[TickRow](f)
	defer reader.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: reader.NumRows(),
	}, nil
}
