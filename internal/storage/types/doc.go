// Package types defines the core data types used throughout the storage engine.
//
// Key types:
//   - Tick: A single immutable quote tick from the upstream feed
//   - Candle: One OHLC row per (instrument, timeframe, open_time) bucket
//   - Timeframe: One of the seven maintained candle resolutions
//   - ChunkMeta: A time-bounded partition of the store and its lifecycle state
package types
