package strategy

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/devmorrow/goldbot/internal/candles"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/state"
)

// trend of the context timeframe
type trend int

const (
	trendNone trend = iota
	trendUp
	trendDown
)

func (t trend) direction() state.Direction {
	if t == trendUp {
		return state.Buy
	}
	return state.Sell
}

func (t trend) String() string {
	switch t {
	case trendUp:
		return "UP"
	case trendDown:
		return "DOWN"
	}
	return "NONE"
}

// tryCreateSetup arms a pullback setup when the entry EMAs are stacked with
// the trend and the last closed bar touches the pullback EMA inside an
// adaptive tolerance and rejects away from it.
//
// The tolerance around EMA50 widens with trend strength:
//
//	tol50 = min(tol_max, tol_base + tol_k * max(0, emaSpreadATR - chop_min)) * ATR
//
// In a strong trend (emaSpreadATR >= fast_min) price often only retraces to
// EMA20, so a tighter touch band around EMA20 is also accepted.
func tryCreateSetup(cfg *config.Config, tr trend, bar candles.Bar, ema20, ema50, atr, emaSpreadATR float64) *state.Setup {
	if !emaAligned(tr.direction(), ema20, ema50) {
		return nil
	}

	excess := emaSpreadATR - cfg.ChopEMADistATRMin
	if excess < 0 {
		excess = 0
	}
	tol50 := math.Min(cfg.PullbackTolMax, cfg.PullbackTolBase+cfg.PullbackTolK*excess) * atr

	allow20 := emaSpreadATR >= cfg.FastTrendMin
	tol20 := cfg.FastTol20 * atr

	var touched bool
	if tr == trendUp {
		touched = math.Abs(bar.Low-ema50) <= tol50 || (allow20 && math.Abs(bar.Low-ema20) <= tol20)
	} else {
		touched = math.Abs(bar.High-ema50) <= tol50 || (allow20 && math.Abs(bar.High-ema20) <= tol20)
	}
	if !touched {
		return nil
	}

	if !isRejectionCandle(cfg, tr, bar) {
		return nil
	}

	dir := tr.direction()
	extreme := bar.Low
	if dir == state.Sell {
		extreme = bar.High
	}

	log.Info().
		Str("direction", string(dir)).
		Float64("extreme", extreme).
		Float64("tol50", tol50).
		Bool("ema20_band", allow20).
		Msg("🎯 Setup armed")

	return &state.Setup{
		Direction:       dir,
		PullbackExtreme: extreme,
		CreatedAt:       bar.Time,
		EntryATR:        atr,
	}
}

// isRejectionCandle checks that the touch bar closed back in the trend
// direction with a meaningful adverse wick. For BUY the bar must be bullish,
// close in the top part of its range, and show a lower wick; SELL mirrors
// on the upper wick.
func isRejectionCandle(cfg *config.Config, tr trend, bar candles.Bar) bool {
	rng := bar.Range()
	if rng <= 0 {
		return false
	}

	if tr == trendUp {
		if bar.Close <= bar.Open {
			return false
		}
		closePos := (bar.Close - bar.Low) / rng
		lowerWick := (math.Min(bar.Open, bar.Close) - bar.Low) / rng
		return closePos >= cfg.RejectClosePct && lowerWick >= cfg.RejectWickPct
	}

	if bar.Close >= bar.Open {
		return false
	}
	closePos := (bar.High - bar.Close) / rng
	upperWick := (bar.High - math.Max(bar.Open, bar.Close)) / rng
	return closePos >= cfg.RejectClosePct && upperWick >= cfg.RejectWickPct
}

// updateExtreme tracks the deepest retracement since arming: non-increasing
// for BUY, non-decreasing for SELL.
func updateExtreme(setup *state.Setup, bar candles.Bar) {
	if setup.Direction == state.Buy {
		setup.PullbackExtreme = math.Min(setup.PullbackExtreme, bar.Low)
	} else {
		setup.PullbackExtreme = math.Max(setup.PullbackExtreme, bar.High)
	}
}

// meanBroken reports whether price has closed through the pullback EMA far
// enough to invalidate the setup.
func meanBroken(cfg *config.Config, setup *state.Setup, close, ema50, atr float64) bool {
	threshold := cfg.InvalidationATR * atr
	if setup.Direction == state.Buy {
		return close < ema50-threshold
	}
	return close > ema50+threshold
}

// emaAligned reports whether fast/pullback EMA ordering matches a direction
func emaAligned(dir state.Direction, ema20, ema50 float64) bool {
	if dir == state.Buy {
		return ema20 > ema50
	}
	return ema20 < ema50
}
