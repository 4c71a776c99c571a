package types

import (
	"fmt"
	"time"
)

// Timeframe identifies one of the seven maintained candle resolutions.
type Timeframe int

const (
	Timeframe1m Timeframe = iota
	Timeframe5m
	Timeframe15m
	Timeframe30m
	Timeframe1h
	Timeframe4h
	Timeframe1d
)

// String returns the string representation of the timeframe.
func (tf Timeframe) String() string {
	switch tf {
	case Timeframe1m:
		return "1m"
	case Timeframe5m:
		return "5m"
	case Timeframe15m:
		return "15m"
	case Timeframe30m:
		return "30m"
	case Timeframe1h:
		return "1h"
	case Timeframe4h:
		return "4h"
	case Timeframe1d:
		return "1d"
	default:
		return fmt.Sprintf("unknown(%d)", tf)
	}
}

// Duration returns the bucket duration for this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Cadence returns the default refresh interval for this timeframe.
// Each materialization refreshes at its own bucket granularity.
func (tf Timeframe) Cadence() time.Duration {
	return tf.Duration()
}

// RefreshWindow returns the default lookback width of the refresh window.
// Coarser timeframes get wider windows to tolerate longer catch-up after
// downtime.
func (tf Timeframe) RefreshWindow() time.Duration {
	switch tf {
	case Timeframe1m:
		return 2 * time.Hour
	case Timeframe5m:
		return 6 * time.Hour
	case Timeframe15m:
		return 12 * time.Hour
	case Timeframe30m:
		return 24 * time.Hour
	case Timeframe1h:
		return 2 * 24 * time.Hour
	case Timeframe4h:
		return 7 * 24 * time.Hour
	case Timeframe1d:
		return 90 * 24 * time.Hour
	default:
		return 0
	}
}

// TruncateMs truncates a unix-millisecond timestamp to the start of its
// bucket. All seven durations divide the day evenly, so truncation is pure
// modulo arithmetic in UTC.
func (tf Timeframe) TruncateMs(ms int64) int64 {
	d := tf.Duration().Milliseconds()
	if d <= 0 {
		return ms
	}
	ts := ms - ms%d
	if ms < 0 && ms%d != 0 {
		ts -= d
	}
	return ts
}

// BucketEndMs returns the exclusive end of the bucket containing ms.
func (tf Timeframe) BucketEndMs(ms int64) int64 {
	return tf.TruncateMs(ms) + tf.Duration().Milliseconds()
}

// ParseTimeframe parses a string into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	switch s {
	case "1m":
		return Timeframe1m, nil
	case "5m":
		return Timeframe5m, nil
	case "15m":
		return Timeframe15m, nil
	case "30m":
		return Timeframe30m, nil
	case "1h":
		return Timeframe1h, nil
	case "4h":
		return Timeframe4h, nil
	case "1d":
		return Timeframe1d, nil
	default:
		return Timeframe1m, fmt.Errorf("unknown timeframe: %s", s)
	}
}

// AllTimeframes returns all maintained timeframes in order.
func AllTimeframes() []Timeframe {
	return []Timeframe{
		Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
		Timeframe1h, Timeframe4h, Timeframe1d,
	}
}
