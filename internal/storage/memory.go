package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// MemoryStore is an in-memory SeriesStore used in tests and dry runs. It
// honors the same insert-if-absent semantics as the DuckDB store.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string]map[int64]models.Candle

	// FailWrites, when set, makes InsertIfAbsent fail after the given number
	// of successful row writes. Used to exercise partial-batch behavior.
	FailWrites int
	writes     int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[string]map[int64]models.Candle)}
}

func seriesKey(symbol, interval string) string {
	return symbol + "/" + interval
}

// Init implements SeriesManager.
func (s *MemoryStore) Init(ctx context.Context) error {
	return nil
}

// Close implements SeriesManager.
func (s *MemoryStore) Close() error {
	return nil
}

// InsertIfAbsent implements SeriesWriter.
func (s *MemoryStore) InsertIfAbsent(ctx context.Context, candles []models.Candle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, c := range candles {
		if s.FailWrites > 0 && s.writes >= s.FailWrites {
			return inserted, NewStorageError("insert", fmt.Errorf("simulated write failure after %d writes", s.writes))
		}

		key := seriesKey(c.Symbol, c.Interval)
		bucket, ok := s.series[key]
		if !ok {
			bucket = make(map[int64]models.Candle)
			s.series[key] = bucket
		}

		ts := c.Timestamp.UTC().UnixMilli()
		if _, exists := bucket[ts]; !exists {
			bucket[ts] = c
			inserted++
		}
		s.writes++
	}
	return inserted, nil
}

func (s *MemoryStore) sorted(symbol, interval string) []models.Candle {
	bucket := s.series[seriesKey(symbol, interval)]
	out := make([]models.Candle, 0, len(bucket))
	for _, c := range bucket {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ReadTail implements SeriesReader.
func (s *MemoryStore) ReadTail(ctx context.Context, symbol, interval string, n int) ([]models.Candle, error) {
	if n <= 0 {
		return nil, NewStorageError("read tail", fmt.Errorf("n must be positive, got %d", n))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sorted(symbol, interval)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// ReadRange implements SeriesReader.
func (s *MemoryStore) ReadRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Candle
	for _, c := range s.sorted(symbol, interval) {
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// MaxTimestamp implements SeriesReader.
func (s *MemoryStore) MaxTimestamp(ctx context.Context, symbol, interval string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sorted(symbol, interval)
	if len(all) == 0 {
		return time.Time{}, false, nil
	}
	return all[len(all)-1].Timestamp, true, nil
}

// Coverage implements SeriesReader.
func (s *MemoryStore) Coverage(ctx context.Context, symbol, interval string) (*CoverageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sorted(symbol, interval)
	stats := &CoverageStats{Symbol: symbol, Interval: interval, Rows: int64(len(all))}
	if len(all) > 0 {
		stats.First = all[0].Timestamp
		stats.Last = all[len(all)-1].Timestamp
	}
	return stats, nil
}

// Compile-time check that MemoryStore implements SeriesStore.
var _ SeriesStore = (*MemoryStore)(nil)
