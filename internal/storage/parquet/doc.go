// Package parquet implements Parquet file reading and writing for ticks and candles.
//
// The package provides:
//   - TickWriter/TickReader for raw tick data
//   - CandleWriter/CandleReader for materialized OHLC candles
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Type conversion between storage types and Parquet rows
package parquet
