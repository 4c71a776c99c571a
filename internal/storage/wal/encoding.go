package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arenx/tickstore/internal/storage/types"
)

// Tick encoding format (binary, little-endian):
// - Tick count (4 bytes)
// Per tick:
// - InstrumentID (8 bytes)
// - Instrument length (2 bytes) + Instrument string
// - EventTimeMs (8 bytes)
// - BidPrice, AskPrice, BidSize, AskSize (8 bytes each, float64)
// - IngestedAtMs (8 bytes)

// encodeTicks encodes a slice of ticks into a binary record payload.
func encodeTicks(ticks []types.Tick) ([]byte, error) {
	if len(ticks) == 0 {
		return nil, nil
	}

	// Estimate size: ~70 bytes per tick average
	buf := make([]byte, 0, len(ticks)*70)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ticks)))

	for i := range ticks {
		t := &ticks[i]
		buf = binary.LittleEndian.AppendUint64(buf, t.InstrumentID)
		buf = appendString(buf, t.Instrument)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t.EventTimeMs))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t.BidPrice))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t.AskPrice))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t.BidSize))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t.AskSize))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t.IngestedAtMs))
	}

	return buf, nil
}

// decodeTicks decodes a binary record payload into a slice of ticks.
func decodeTicks(data []byte) ([]types.Tick, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for tick count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	ticks := make([]types.Tick, count)
	offset := 4

	for i := 0; i < count; i++ {
		t := &ticks[i]
		var err error

		if offset+8 > len(data) {
			return nil, fmt.Errorf("tick %d: truncated instrument id", i)
		}
		t.InstrumentID = binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		t.Instrument, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("tick %d instrument: %w", i, err)
		}

		if offset+48 > len(data) {
			return nil, fmt.Errorf("tick %d: truncated payload", i)
		}
		t.EventTimeMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		t.BidPrice = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		t.AskPrice = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		t.BidSize = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		t.AskSize = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		t.IngestedAtMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
	}

	return ticks, nil
}

// appendString appends a length-prefixed string (2-byte length).
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string starting at offset.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if offset+n > len(data) {
		return "", offset, fmt.Errorf("truncated string payload")
	}
	return string(data[offset : offset+n]), offset + n, nil
}
