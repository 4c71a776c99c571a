// Package storage implements the market tick storage and aggregation engine.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Tick Store │────▶│   Buffer    │────▶│   Parquet   │
//	│  (Append)   │     │  (+ WAL)    │     │   Chunks    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                           │
//	                           ▼
//	                    ┌─────────────┐
//	                    │  Aggregate  │
//	                    │   Engine    │
//	                    └─────────────┘
//
// The engine provides:
//   - WAL-first tick ingestion with duplicate and lateness handling
//   - Time-partitioned chunks with a one-way active/sealed/compressed lifecycle
//   - Parquet-based columnar storage, rewritten per-instrument on compression
//   - OHLC candle materialization across seven timeframes with freshness tracking
//   - DuckDB-backed queries merging cold chunks with hot in-memory tiers
//   - DDSketch-based per-candle price percentiles
//   - Backpressure handling and retention policies
//
// Service is the orchestration facade: it owns the component lifecycle and
// the background workers (sealing, compression, retention, WAL sync).
package storage
