package candles

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Source fetches candles from the broker. max is the number of most recent
// bars requested; the result is sorted ascending by time and may include the
// in-progress bar.
type Source interface {
	GetCandles(ctx context.Context, epic, resolution string, max int) ([]Bar, error)
}

// Store keeps, per timeframe, an ordered sequence of closed bars. The
// in-progress bar is never stored; arrival order always equals time order.
type Store struct {
	mu sync.RWMutex

	source    Source
	epic      string
	retention int
	fetch     int // bars per incremental update, excluding the in-progress one

	bars         map[Timeframe][]Bar
	lastClosedAt map[Timeframe]int64

	now func() time.Time
}

// NewStore creates a candle store for one epic
func NewStore(source Source, epic string, retention, incrementalBars int) *Store {
	return &Store{
		source:       source,
		epic:         epic,
		retention:    retention,
		fetch:        incrementalBars,
		bars:         make(map[Timeframe][]Bar),
		lastClosedAt: make(map[Timeframe]int64),
		now:          time.Now,
	}
}

// LoadHistory seeds the store for a timeframe with up to max closed bars
func (s *Store) LoadHistory(ctx context.Context, tf Timeframe, max int) error {
	// Fetch one extra so the trailing in-progress bar can be dropped
	raw, err := s.source.GetCandles(ctx, s.epic, tf.Resolution(), max+1)
	if err != nil {
		return fmt.Errorf("load %s history: %w", tf, err)
	}

	closed := s.dropInProgress(raw, tf)
	sort.Slice(closed, func(i, j int) bool { return closed[i].Time < closed[j].Time })
	if len(closed) > max {
		closed = closed[len(closed)-max:]
	}

	s.mu.Lock()
	s.bars[tf] = closed
	if len(closed) > 0 {
		s.lastClosedAt[tf] = closed[len(closed)-1].Time
	}
	s.mu.Unlock()

	log.Info().
		Str("tf", string(tf)).
		Int("bars", len(closed)).
		Msg("📊 Candle history loaded")
	return nil
}

// Update fetches a small recent window and appends any newly closed bars.
// Returns true iff at least one new bar was appended.
func (s *Store) Update(ctx context.Context, tf Timeframe) (bool, error) {
	raw, err := s.source.GetCandles(ctx, s.epic, tf.Resolution(), s.fetch+1)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", tf, err)
	}

	closed := s.dropInProgress(raw, tf)
	if len(closed) == 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	last := s.lastClosedAt[tf]
	for _, bar := range closed {
		if bar.Time <= last {
			continue
		}
		s.bars[tf] = append(s.bars[tf], bar)
		last = bar.Time
		added++
	}
	s.lastClosedAt[tf] = last

	if n := len(s.bars[tf]); n > s.retention {
		s.bars[tf] = s.bars[tf][n-s.retention:]
	}

	if added > 0 {
		log.Debug().
			Str("tf", string(tf)).
			Int("added", added).
			Int64("last_closed", last).
			Msg("Candle close")
	}
	return added > 0, nil
}

// Get returns the closed-bar sequence for a timeframe. The result is a copy
// and safe to hold across broker calls.
func (s *Store) Get(tf Timeframe) []Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.bars[tf]
	out := make([]Bar, len(src))
	copy(out, src)
	return out
}

// LastClosedAt returns the open time of the newest stored bar for a timeframe
func (s *Store) LastClosedAt(tf Timeframe) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastClosedAt[tf]
}

// dropInProgress filters out bars that have not closed yet by the wall clock
func (s *Store) dropInProgress(bars []Bar, tf Timeframe) []Bar {
	now := s.now()
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if tf.Closed(b.Time, now) {
			out = append(out, b)
		}
	}
	return out
}
