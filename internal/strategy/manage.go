package strategy

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devmorrow/goldbot/internal/capital"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/notify"
	"github.com/devmorrow/goldbot/internal/state"
	"github.com/devmorrow/goldbot/internal/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - tick-driven SL / TP1 partial / TP2 handling
// ═══════════════════════════════════════════════════════════════════════════════
//
// The broker holds SL and TP2 natively; TP1 is watched here. Exits use the
// adverse quote side: bid for a BUY exit, ask for a SELL exit. The manager
// runs on every tick regardless of market status so that positions are
// handled the moment the market reopens.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Manager struct {
	cfg    *config.Config
	broker Broker
	st     *state.State
	rec    *storage.Recorder
	bot    *notify.Notifier
}

func NewManager(cfg *config.Config, broker Broker, st *state.State, rec *storage.Recorder, bot *notify.Notifier) *Manager {
	return &Manager{cfg: cfg, broker: broker, st: st, rec: rec, bot: bot}
}

// OnTick checks every tracked position against the current quote
func (m *Manager) OnTick(ctx context.Context, quote capital.Quote) {
	for _, pos := range m.st.Positions() {
		exit := quote.Bid
		if pos.Direction == state.Sell {
			exit = quote.Ask
		}

		switch {
		case slHit(pos, exit):
			m.closeAndSettle(ctx, pos, exit, "SL")
		case !pos.TP1Done && tp1Hit(pos, exit):
			m.handleTP1(ctx, pos, exit)
		case tp2Hit(pos, exit):
			m.closeAndSettle(ctx, pos, exit, "TP2")
		}
	}
}

func slHit(p *state.Position, exit float64) bool {
	if p.Direction == state.Buy {
		return exit <= p.SL
	}
	return exit >= p.SL
}

func tp1Hit(p *state.Position, exit float64) bool {
	if p.Direction == state.Buy {
		return exit >= p.TP1
	}
	return exit <= p.TP1
}

func tp2Hit(p *state.Position, exit float64) bool {
	if p.Direction == state.Buy {
		return exit >= p.TP2
	}
	return exit <= p.TP2
}

// directionalPnL is the math fallback when the broker does not report profit
func directionalPnL(p *state.Position, exit, size float64) float64 {
	if p.Direction == state.Buy {
		return (exit - p.Entry) * size
	}
	return (p.Entry - exit) * size
}

// closeAndSettle closes the position remotely, resolves realized PnL and
// retires the position locally.
func (m *Manager) closeAndSettle(ctx context.Context, pos *state.Position, exit float64, reason string) {
	log.Info().
		Str("reason", reason).
		Str("deal_id", pos.DealID).
		Float64("exit", exit).
		Msg("🔔 Exit hit")

	result, err := m.broker.ClosePosition(ctx, pos.DealID)
	if err != nil {
		// the broker-side SL/TP may have fired first
		log.Warn().Err(err).Str("deal_id", pos.DealID).Msg("Close failed, may already be closed")
	}

	pnl := m.resolvePnL(ctx, result, pos, exit, pos.Size)
	m.st.UpdatePnL(pnl)
	m.st.RemovePosition(pos.DealID)
	m.rec.RecordTradeClose(pos.DealID, reason, pnl, time.Now().UnixMilli())

	if reason == "SL" {
		m.bot.StopHit(pos.DealID, pnl, exit)
	} else {
		m.bot.TP2Hit(pos.DealID, pnl, exit)
	}
}

// handleTP1 takes partial profit at the first target. The broker cannot
// partially close a position, so the whole deal is closed and the remainder
// re-entered at market with the stop at breakeven.
func (m *Manager) handleTP1(ctx context.Context, pos *state.Position, exit float64) {
	closeSize := math.Floor(pos.Size * m.cfg.PartialCloseTP1)

	if closeSize < 1 {
		// too small to split: keep the whole position running to TP2
		m.st.MarkTP1Done(pos.DealID, m.cfg.MoveSLToBreakeven)
		if m.cfg.MoveSLToBreakeven {
			sl := pos.Entry
			if err := m.broker.UpdatePosition(ctx, pos.DealID, &sl, nil, m.cfg.Epic); err != nil {
				log.Warn().Err(err).Str("deal_id", pos.DealID).Msg("Breakeven stop update failed")
			}
		}
		log.Info().Str("deal_id", pos.DealID).Msg("🎯 TP1 hit, size too small to split")
		m.bot.TP1Hit(pos.DealID, 0, pos.Size, exit)
		return
	}

	log.Info().
		Str("deal_id", pos.DealID).
		Float64("exit", exit).
		Float64("close_size", closeSize).
		Msg("🎯 TP1 hit, partial close")

	result, err := m.broker.ClosePosition(ctx, pos.DealID)
	if err != nil {
		log.Error().Err(err).Str("deal_id", pos.DealID).Msg("TP1 close failed")
		m.st.MarkTP1Done(pos.DealID, false)
		return
	}

	pnl := m.resolvePnL(ctx, result, pos, exit, closeSize)
	m.st.UpdatePnL(pnl)

	remaining := pos.Size - closeSize
	if remaining < 1 {
		m.st.RemovePosition(pos.DealID)
		m.rec.RecordTradeClose(pos.DealID, "TP1", pnl, time.Now().UnixMilli())
		m.bot.TP1Hit(pos.DealID, closeSize, 0, exit)
		return
	}

	newSL := pos.SL
	if m.cfg.MoveSLToBreakeven {
		newSL = pos.Entry
	}

	reopened, err := m.broker.CreatePosition(ctx, m.cfg.Epic, string(pos.Direction), remaining, newSL, pos.TP2)
	if err != nil {
		// no recursive retry; the original deal is already closed, so only
		// the booked remainder is lost and the reconciler will converge
		log.Error().Err(err).Str("deal_id", pos.DealID).Msg("TP1 re-entry failed")
		m.st.RemovePosition(pos.DealID)
		m.rec.RecordTradeClose(pos.DealID, "TP1", pnl, time.Now().UnixMilli())
		return
	}

	now := time.Now().UnixMilli()
	follower := &state.Position{
		DealID:    reopened.DealID,
		Direction: pos.Direction,
		Mode:      pos.Mode,
		Size:      remaining,
		Entry:     exit,
		SL:        newSL,
		TP1:       pos.TP1,
		TP2:       pos.TP2,
		TP1Done:   true,
		OpenedAt:  now,
	}
	m.st.ReplacePosition(pos.DealID, follower)

	m.rec.RecordTradeClose(pos.DealID, "TP1", pnl, now)
	m.rec.RecordTrade(storage.TradeRecord{
		DealID: reopened.DealID, Epic: m.cfg.Epic,
		Direction: string(pos.Direction), Mode: string(pos.Mode),
		Size: remaining, Entry: exit, SL: newSL, TP1: pos.TP1, TP2: pos.TP2,
		Status: "open", OpenedTs: now,
	})
	m.bot.TP1Hit(pos.DealID, closeSize, remaining, exit)

	log.Info().
		Str("old_deal_id", pos.DealID).
		Str("new_deal_id", reopened.DealID).
		Float64("remaining", remaining).
		Msg("♻️ Remainder re-entered")
}

// resolvePnL picks the realized profit, in strict priority: the broker's
// confirmed profit, then the activity history for the deal, then the
// directional math from the observed exit.
func (m *Manager) resolvePnL(ctx context.Context, result capital.DealResult, pos *state.Position, exit, size float64) float64 {
	if result.Profit != nil {
		return *result.Profit
	}

	if pnl, ok := activityPnL(ctx, m.broker, pos.DealID, pos.OpenedAt); ok {
		return pnl
	}

	pnl := directionalPnL(pos, exit, size)
	log.Warn().
		Str("deal_id", pos.DealID).
		Float64("pnl", pnl).
		Msg("Broker PnL unavailable, using directional math")
	return pnl
}

// activityPnL recovers realized profit from the closed-position events of
// the account activity history since the deal opened.
func activityPnL(ctx context.Context, broker Broker, dealID string, openedAt int64) (float64, bool) {
	events, err := broker.GetActivity(ctx, openedAt)
	if err != nil {
		log.Warn().Err(err).Str("deal_id", dealID).Msg("Activity fetch failed")
		return 0, false
	}
	for _, ev := range events {
		if ev.DealID == dealID && ev.ClosedPosition() {
			return *ev.Profit, true
		}
	}
	return 0, false
}
