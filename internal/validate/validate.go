// Package validate checks a freshly fetched candle window against the
// persisted tail before anything is appended. Disagreement over the shared
// region means one side is wrong, and the append is refused.
package validate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// Tolerance is the maximum absolute per-field difference allowed between an
// API value and its stored counterpart. It absorbs float round-trips through
// the store without masking real disagreements.
var Tolerance = decimal.New(1, -8)

// WindowError reports a window that cannot be validated: unsorted input or
// duplicate timestamps.
type WindowError struct {
	Side   string
	Detail string
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("invalid %s window: %s", e.Side, e.Detail)
}

// NoOverlapError reports a fetched window that shares no timestamp with a
// non-empty stored tail. Nothing can be cross-checked, so nothing may be
// appended; the series needs a wider window or a backfill first.
type NoOverlapError struct {
	APIStart   time.Time
	APIEnd     time.Time
	StoreStart time.Time
	StoreEnd   time.Time
}

func (e *NoOverlapError) Error() string {
	return fmt.Sprintf("no overlap between fetched window [%s, %s] and stored tail [%s, %s]: widen the window or backfill first",
		e.APIStart.Format(time.RFC3339), e.APIEnd.Format(time.RFC3339),
		e.StoreStart.Format(time.RFC3339), e.StoreEnd.Format(time.RFC3339))
}

// OverlapError reports a disagreement between the fetched window and the
// persisted tail. Timestamp locates the offending bar; Field is the candle
// field that differs, or "timestamp" when a bar is present on one side only.
type OverlapError struct {
	Timestamp  time.Time
	Field      string
	APIValue   string
	StoreValue string
}

func (e *OverlapError) Error() string {
	if e.Field == "timestamp" {
		return fmt.Sprintf("overlap mismatch at %s: bar present on one side only (api=%s, store=%s)",
			e.Timestamp.Format(time.RFC3339), e.APIValue, e.StoreValue)
	}
	return fmt.Sprintf("overlap mismatch at %s: field %s differs beyond tolerance (api=%s, store=%s)",
		e.Timestamp.Format(time.RFC3339), e.Field, e.APIValue, e.StoreValue)
}

// Window validates the fetched window against the stored tail over their
// shared timestamp range. Both inputs must be in ascending timestamp order.
// Within the intersection of the two ranges the timestamp sets must be
// identical and every OHLCV field must agree within Tolerance. An empty
// stored side validates trivially (bootstrap); a non-empty store sharing no
// timestamp with a non-empty window is a NoOverlapError, since nothing
// could be cross-checked before appending.
func Window(api, stored []models.Candle) error {
	if !models.SortedByTimestamp(api) {
		return &WindowError{Side: "api", Detail: "candles not in strictly ascending timestamp order"}
	}
	if !models.SortedByTimestamp(stored) {
		return &WindowError{Side: "store", Detail: "candles not in strictly ascending timestamp order"}
	}
	if len(api) == 0 || len(stored) == 0 {
		return nil
	}

	// Intersection of the two ranges, inclusive on both ends.
	lo := api[0].Timestamp
	if stored[0].Timestamp.After(lo) {
		lo = stored[0].Timestamp
	}
	hi := api[len(api)-1].Timestamp
	if stored[len(stored)-1].Timestamp.Before(hi) {
		hi = stored[len(stored)-1].Timestamp
	}
	if lo.After(hi) {
		return &NoOverlapError{
			APIStart:   api[0].Timestamp,
			APIEnd:     api[len(api)-1].Timestamp,
			StoreStart: stored[0].Timestamp,
			StoreEnd:   stored[len(stored)-1].Timestamp,
		}
	}

	apiShared := restrict(api, lo, hi)
	storedShared := restrict(stored, lo, hi)

	i, j := 0, 0
	for i < len(apiShared) && j < len(storedShared) {
		a, s := &apiShared[i], &storedShared[j]
		switch {
		case a.Timestamp.Before(s.Timestamp):
			return &OverlapError{Timestamp: a.Timestamp, Field: "timestamp", APIValue: "present", StoreValue: "absent"}
		case s.Timestamp.Before(a.Timestamp):
			return &OverlapError{Timestamp: s.Timestamp, Field: "timestamp", APIValue: "absent", StoreValue: "present"}
		default:
			if err := compareFields(a, s); err != nil {
				return err
			}
			i++
			j++
		}
	}
	if i < len(apiShared) {
		return &OverlapError{Timestamp: apiShared[i].Timestamp, Field: "timestamp", APIValue: "present", StoreValue: "absent"}
	}
	if j < len(storedShared) {
		return &OverlapError{Timestamp: storedShared[j].Timestamp, Field: "timestamp", APIValue: "absent", StoreValue: "present"}
	}
	return nil
}

func restrict(candles []models.Candle, lo, hi time.Time) []models.Candle {
	var out []models.Candle
	for _, c := range candles {
		if c.Timestamp.Before(lo) || c.Timestamp.After(hi) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func compareFields(api, stored *models.Candle) error {
	for _, field := range models.FieldNames {
		av, err := api.Field(field)
		if err != nil {
			return &WindowError{Side: "api", Detail: fmt.Sprintf("bar %s field %s: %v", api.Timestamp.Format(time.RFC3339), field, err)}
		}
		sv, err := stored.Field(field)
		if err != nil {
			return &WindowError{Side: "store", Detail: fmt.Sprintf("bar %s field %s: %v", stored.Timestamp.Format(time.RFC3339), field, err)}
		}
		if av.Sub(sv).Abs().GreaterThan(Tolerance) {
			return &OverlapError{
				Timestamp:  api.Timestamp,
				Field:      field,
				APIValue:   rawField(api, field),
				StoreValue: rawField(stored, field),
			}
		}
	}
	return nil
}

func rawField(c *models.Candle, name string) string {
	switch name {
	case "open":
		return c.Open
	case "high":
		return c.High
	case "low":
		return c.Low
	case "close":
		return c.Close
	case "volume":
		return c.Volume
	}
	return ""
}
