package models

import (
	"fmt"
	"time"
)

// supportedIntervals maps the interval notation used on exchange kline
// endpoints to their durations.
var supportedIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseInterval converts an interval string such as "1m", "4h" or "1d" into
// its duration. Unknown intervals are rejected rather than guessed at.
func ParseInterval(interval string) (time.Duration, error) {
	d, ok := supportedIntervals[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return d, nil
}

// FloorPeriod truncates t down to the start of its period. Truncation is
// against the Unix epoch, so daily periods floor to 00:00 UTC.
func FloorPeriod(t time.Time, period time.Duration) time.Time {
	return t.UTC().Truncate(period)
}

// TargetBoundary returns the start of the current period for the injected
// clock value now. Every candle whose close time falls at or before
// TargetBoundary minus one millisecond is final.
func TargetBoundary(now time.Time, period time.Duration) time.Time {
	return FloorPeriod(now, period)
}

// IsClosed reports whether a candle with the given close time is final at
// the instant now. A bar is closed once its close time is at or before the
// start of the current period minus one millisecond; the in-progress bar of
// the current period is never closed, regardless of how near its end the
// clock is.
func IsClosed(closeTime, now time.Time, period time.Duration) bool {
	cutoff := TargetBoundary(now, period).Add(-time.Millisecond)
	return !closeTime.After(cutoff)
}

// FilterClosed returns the candles that are final at the instant now,
// preserving order. The input is not modified.
func FilterClosed(candles []Candle, now time.Time, period time.Duration) []Candle {
	closed := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if IsClosed(c.CloseTime, now, period) {
			closed = append(closed, c)
		}
	}
	return closed
}
