package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devmorrow/goldbot/internal/capital"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/state"
	"github.com/devmorrow/goldbot/internal/storage"
)

// computeSLTP derives stop and targets from the pullback extreme.
//
// The stop sits one buffer beyond the deepest retracement. Scalp targets
// are fixed ATR multiples of the entry; swing targets are R multiples of
// the realized risk.
func computeSLTP(cfg *config.Config, setup *state.Setup, mode state.Mode, entry, atr float64) (sl, tp1, tp2 float64) {
	buffer := cfg.SLBufferATR * atr

	if setup.Direction == state.Buy {
		sl = setup.PullbackExtreme - buffer
		if mode == state.ModeSwing {
			r := entry - sl
			tp1 = entry + r
			tp2 = entry + cfg.TP2RSwing*r
		} else {
			tp1 = entry + cfg.TP1ATR*atr
			tp2 = entry + cfg.TP2ATR*atr
		}
		return sl, tp1, tp2
	}

	sl = setup.PullbackExtreme + buffer
	if mode == state.ModeSwing {
		r := sl - entry
		tp1 = entry - r
		tp2 = entry - cfg.TP2RSwing*r
	} else {
		tp1 = entry - cfg.TP1ATR*atr
		tp2 = entry - cfg.TP2ATR*atr
	}
	return sl, tp1, tp2
}

// placeOrder issues the market order with the broker holding sl and tp2
// natively; tp1 is watched locally by the position manager.
func (e *Engine) placeOrder(ctx context.Context, mode state.Mode, setup *state.Setup, quote capital.Quote, atr, spread float64, sig *Signal) {
	entry := quote.Ask
	size := e.cfg.ScalpSizeUnits
	if setup.Direction == state.Sell {
		entry = quote.Bid
	}
	if mode == state.ModeSwing {
		size = e.cfg.SwingSizeUnits
	}

	sl, tp1, tp2 := computeSLTP(e.cfg, setup, mode, entry, atr)

	// a first target inside the spread noise is not worth taking
	if math.Abs(tp1-entry) < e.cfg.MinTP1SpreadMult*spread {
		sig.Action = ActionSkipTP1Spread
		sig.reason("tp1", fmt.Sprintf("dist=%.4f spread=%.4f", math.Abs(tp1-entry), spread))
		return
	}

	log.Info().
		Str("mode", string(mode)).
		Str("direction", string(setup.Direction)).
		Float64("size", size).
		Float64("entry", entry).
		Float64("sl", sl).
		Float64("tp1", tp1).
		Float64("tp2", tp2).
		Msg("🚀 Placing order")

	result, err := e.broker.CreatePosition(ctx, e.cfg.Epic, string(setup.Direction), size, sl, tp2)
	if err != nil {
		log.Error().Err(err).Msg("Order failed")
		sig.Action = ActionSkipOrderFailed
		sig.reason("order", err.Error())
		return
	}

	now := time.Now().UnixMilli()
	pos := &state.Position{
		DealID:    result.DealID,
		Direction: setup.Direction,
		Mode:      mode,
		Size:      size,
		Entry:     entry,
		SL:        sl,
		TP1:       tp1,
		TP2:       tp2,
		OpenedAt:  now,
	}
	e.st.AddPosition(pos)

	e.rec.RecordTrade(storage.TradeRecord{
		DealID: result.DealID, Epic: e.cfg.Epic,
		Direction: string(setup.Direction), Mode: string(mode),
		Size: size, Entry: entry, SL: sl, TP1: tp1, TP2: tp2,
		Status: "open", OpenedTs: now,
	})
	e.bot.TradeOpened(string(setup.Direction), string(mode), result.DealID, size, entry, sl, tp1, tp2)

	sig.Action = Exec(setup.Direction)
	log.Info().Str("deal_id", result.DealID).Msg("✅ Order placed")
}
