// Package models provides the core data types for the OHLCV feed: the
// candle value type, its validation rules, interval parsing, and the
// closure predicate that decides when a bar is final and safe to persist.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV bar. Timestamp is the period start (UTC) and
// CloseTime the period end instant as reported by the exchange. Price and
// volume fields are decimal strings exactly as serialized upstream; they are
// parsed on demand so no precision is lost before persistence.
type Candle struct {
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`
	Volume    string    `json:"volume" db:"volume"`
	CloseTime time.Time `json:"close_time" db:"close_time"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Interval  string    `json:"interval" db:"interval"`
}

// ValidationError reports a candle field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that the candle is well-formed: all numeric fields parse as
// decimals, prices are positive, volume is non-negative, the OHLC envelope
// holds (low <= open,close <= high), and close_time is after the period start.
// Violations are reported, never coerced.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if c.CloseTime.IsZero() {
		return &ValidationError{Field: "close_time", Message: "close_time cannot be zero"}
	}
	if !c.CloseTime.After(c.Timestamp) {
		return &ValidationError{
			Field:   "close_time",
			Message: fmt.Sprintf("close_time (%s) must be after timestamp (%s)", c.CloseTime, c.Timestamp),
		}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	close, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, close)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}
	minOpenClose := decimal.Min(open, close)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// OpenDecimal returns the open price as a decimal.Decimal.
func (c *Candle) OpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Open)
}

// HighDecimal returns the high price as a decimal.Decimal.
func (c *Candle) HighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.High)
}

// LowDecimal returns the low price as a decimal.Decimal.
func (c *Candle) LowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Low)
}

// CloseDecimal returns the close price as a decimal.Decimal.
func (c *Candle) CloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Close)
}

// VolumeDecimal returns the volume as a decimal.Decimal.
func (c *Candle) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Volume)
}

// Field returns the named OHLCV field as a decimal. Recognized names are
// "open", "high", "low", "close" and "volume".
func (c *Candle) Field(name string) (decimal.Decimal, error) {
	switch name {
	case "open":
		return c.OpenDecimal()
	case "high":
		return c.HighDecimal()
	case "low":
		return c.LowDecimal()
	case "close":
		return c.CloseDecimal()
	case "volume":
		return c.VolumeDecimal()
	default:
		return decimal.Zero, fmt.Errorf("unknown candle field %q", name)
	}
}

// FieldNames lists the five numeric candle fields in persisted column order.
var FieldNames = []string{"open", "high", "low", "close", "volume"}

// String implements fmt.Stringer.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Interval: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.Interval, c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// NewCandle creates and validates a candle. Price and volume values are
// decimal strings; timestamp is the period start and closeTime the period end.
func NewCandle(timestamp, closeTime time.Time, open, high, low, close, volume, symbol, interval string) (*Candle, error) {
	candle := &Candle{
		Timestamp: timestamp,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		CloseTime: closeTime,
		Symbol:    symbol,
		Interval:  interval,
	}

	if err := candle.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return candle, nil
}

// SortedByTimestamp reports whether candles are in strictly ascending
// timestamp order with no duplicates.
func SortedByTimestamp(candles []Candle) bool {
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return false
		}
	}
	return true
}
