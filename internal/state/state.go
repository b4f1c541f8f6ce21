package state

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Direction of a trade or setup
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Mode classifies how a position entered the book
type Mode string

const (
	ModeScalp   Mode = "SCALP"
	ModeSwing   Mode = "SWING"
	ModeAdopted Mode = "ADOPTED" // pre-existing broker position picked up at startup
)

// Setup is an armed pullback: trend confirmed, price touched the pullback
// EMA with a rejection candle, now waiting for a break of structure.
type Setup struct {
	Direction       Direction
	PullbackExtreme float64 // lowest low (BUY) / highest high (SELL) seen since arming
	CreatedAt       int64   // open time of the bar that armed the setup, epoch ms
	BarsActive      int     // closed bars since arming
	EntryATR        float64 // ATR at arming time, for reference in records
}

// Position is the bot's view of one open deal
type Position struct {
	DealID    string
	Direction Direction
	Mode      Mode
	Size      float64
	Entry     float64
	SL        float64
	TP1       float64
	TP2       float64
	TP1Done   bool
	OpenedAt  int64 // epoch ms
}

// Snapshot of the daily risk counters
type Stats struct {
	TradesToday       int
	DailyPnL          float64
	ConsecutiveLosses int
	DayStartEquity    float64
	OpenPositions     int
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE - positions, armed setups, daily risk counters
// ═══════════════════════════════════════════════════════════════════════════════

// State is the single in-memory source of truth shared by the strategy, the
// position manager and the reconciler. All access is mutex-guarded.
type State struct {
	mu sync.RWMutex

	positions map[string]*Position
	setups    map[Mode]*Setup

	tradesToday       int
	dailyPnL          float64
	consecutiveLosses int
	dayStartEquity    float64

	maxTrades int
	lossLimit float64
	maxConsec int
}

// New creates state with the given daily risk limits
func New(maxTradesPerDay int, dailyLossLimit float64, maxConsecutiveLosses int) *State {
	return &State{
		positions: make(map[string]*Position),
		setups:    make(map[Mode]*Setup),
		maxTrades: maxTradesPerDay,
		lossLimit: dailyLossLimit,
		maxConsec: maxConsecutiveLosses,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// Risk
// ═══════════════════════════════════════════════════════════════════════════════

// RiskOK reports whether a new trade is allowed today. All three limits must
// hold: trade count below max, realized PnL above the loss limit, and the
// consecutive-loss streak below max.
func (s *State) RiskOK() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tradesToday < s.maxTrades &&
		s.dailyPnL > -s.lossLimit &&
		s.consecutiveLosses < s.maxConsec
}

// RiskReason names the first violated limit, empty when trading is allowed
func (s *State) RiskReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.tradesToday >= s.maxTrades:
		return "max_trades"
	case s.dailyPnL <= -s.lossLimit:
		return "daily_loss_limit"
	case s.consecutiveLosses >= s.maxConsec:
		return "consecutive_losses"
	}
	return ""
}

// UpdatePnL records realized profit on a closed trade. Strictly negative
// deltas extend the loss streak; zero or positive deltas reset it.
func (s *State) UpdatePnL(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyPnL += delta
	if delta < 0 {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
	}

	log.Info().
		Float64("delta", delta).
		Float64("daily_pnl", s.dailyPnL).
		Int("consec_losses", s.consecutiveLosses).
		Msg("💰 PnL updated")
}

// DailyReset zeroes the counters at the UTC day boundary, disarms any setups
// and records the new day's starting equity. Open positions survive.
func (s *State) DailyReset(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tradesToday = 0
	s.dailyPnL = 0
	s.consecutiveLosses = 0
	s.dayStartEquity = equity
	s.setups = make(map[Mode]*Setup)

	log.Info().Float64("equity", equity).Msg("🌅 Daily counters reset")
}

// ═══════════════════════════════════════════════════════════════════════════════
// Positions
// ═══════════════════════════════════════════════════════════════════════════════

// AddPosition books a freshly opened trade and counts it against the daily
// trade limit.
func (s *State) AddPosition(p *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.DealID] = p
	s.tradesToday++
}

// AdoptPosition books a position discovered at the broker without counting
// it as a trade taken today.
func (s *State) AdoptPosition(p *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.DealID] = p
}

// ReplacePosition swaps a position for its re-entered remainder after a TP1
// partial close. The trade count does not change: economically it is the
// same trade.
func (s *State) ReplacePosition(oldDealID string, p *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, oldDealID)
	s.positions[p.DealID] = p
}

// RemovePosition drops a position from the book, returning it if present
func (s *State) RemovePosition(dealID string) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.positions[dealID]
	delete(s.positions, dealID)
	return p
}

// GetPosition returns a copy of one position, or nil
func (s *State) GetPosition(dealID string) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[dealID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Positions returns a copy of all open positions
func (s *State) Positions() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// HasPosition reports whether any position is open for a mode
func (s *State) HasPosition(mode Mode) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.Mode == mode {
			return true
		}
	}
	return false
}

// MarkTP1Done flags the first target as taken and optionally moves the
// recorded stop to breakeven.
func (s *State) MarkTP1Done(dealID string, slToEntry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[dealID]
	if !ok {
		return
	}
	p.TP1Done = true
	if slToEntry {
		p.SL = p.Entry
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// Setups
// ═══════════════════════════════════════════════════════════════════════════════

// Setup returns a copy of the armed setup for a mode, or nil
func (s *State) Setup(mode Mode) *Setup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.setups[mode]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// SetSetup arms or updates the setup for a mode
func (s *State) SetSetup(mode Mode, st *Setup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups[mode] = st
}

// ClearSetup disarms the setup for a mode
func (s *State) ClearSetup(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.setups, mode)
}

// ═══════════════════════════════════════════════════════════════════════════════
// Reporting
// ═══════════════════════════════════════════════════════════════════════════════

// Stats returns a snapshot of the daily counters
func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TradesToday:       s.tradesToday,
		DailyPnL:          s.dailyPnL,
		ConsecutiveLosses: s.consecutiveLosses,
		DayStartEquity:    s.dayStartEquity,
		OpenPositions:     len(s.positions),
	}
}
