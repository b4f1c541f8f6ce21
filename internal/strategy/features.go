package strategy

import (
	"github.com/devmorrow/goldbot/internal/candles"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/indicators"
)

// Feature names follow the scalp layout the trainer consumes: the m5_*
// group describes the entry timeframe and m15_* the trend context, even in
// swing mode where those are H1 and H4. A feature that cannot be computed
// is left out of the map rather than written as zero, except
// m1_ema20_50_dist which is zero when M1 history is short.
const (
	featSpread         = "spread"
	featSpreadNorm     = "spread_norm"
	featM15EMA200Dist  = "m15_ema200_dist_atr"
	featM5EMADist      = "m5_ema20_50_dist_atr"
	featM5ATR          = "m5_atr"
	featM5CloseEMA50   = "m5_close_ema50_dist"
	featM5RSI          = "m5_rsi14"
	featM5BBWidth      = "m5_bb_width"
	featM5ATRRatio     = "m5_atr_ratio"
	featM15Strength    = "m15_trend_strength"
	featM15EMA200Slope = "m15_ema200_slope"
	featH1EMA200Dist   = "h1_ema200_dist_atr"
	featH1RSI          = "h1_rsi14"
	featM1EMADist      = "m1_ema20_50_dist"
	featChop           = "chop"
	featSetupActive    = "setup_active"
)

const (
	bbWidthPeriod  = 20
	atrRatioWindow = 20
	slopeLag       = 5
)

func closesOf(bars []candles.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func highsOf(bars []candles.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func lowsOf(bars []candles.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// seriesView caches the indicator inputs of one timeframe for one evaluation
type seriesView struct {
	bars   []candles.Bar
	closes []float64
	highs  []float64
	lows   []float64
}

func newSeriesView(bars []candles.Bar) seriesView {
	return seriesView{bars: bars, closes: closesOf(bars), highs: highsOf(bars), lows: lowsOf(bars)}
}

func (v seriesView) last() (candles.Bar, bool) {
	if len(v.bars) == 0 {
		return candles.Bar{}, false
	}
	return v.bars[len(v.bars)-1], true
}

func (v seriesView) ema(period int) (float64, bool) {
	return indicators.EMA(v.closes, period)
}

func (v seriesView) atr(period int) (float64, bool) {
	return indicators.ATR(v.highs, v.lows, v.closes, period)
}

func (v seriesView) rsi(period int) (float64, bool) {
	return indicators.RSI(v.closes, period)
}

// collectFeatures fills the signal's feature map from the current store
// contents. entry is the entry timeframe (M5 scalp / H1 swing), trend the
// context timeframe (M15 / H4).
func collectFeatures(sig *Signal, cfg *config.Config, entry, trend, h1, m1 seriesView, spread float64) {
	sig.Features[featSpread] = spread

	entryATR, haveATR := entry.atr(cfg.ATRPeriod)
	if haveATR && entryATR > 0 {
		sig.Features[featM5ATR] = entryATR
		sig.Features[featSpreadNorm] = spread / entryATR
	}

	ema20, have20 := entry.ema(cfg.EMAFastPeriod)
	ema50, have50 := entry.ema(cfg.EMAPullbackPeriod)
	if entryBar, ok := entry.last(); ok {
		if have50 {
			sig.Features[featM5CloseEMA50] = entryBar.Close - ema50
		}
		if have20 && have50 && haveATR && entryATR > 0 {
			sig.Features[featM5EMADist] = (ema20 - ema50) / entryATR
		}
	}

	if rsi, ok := entry.rsi(cfg.RSIPeriod); ok {
		sig.Features[featM5RSI] = rsi
	}
	if width, ok := indicators.BollWidth(entry.closes, bbWidthPeriod); ok {
		sig.Features[featM5BBWidth] = width
	}
	if ratio, ok := indicators.ATRRatio(entry.highs, entry.lows, entry.closes, cfg.ATRPeriod, atrRatioWindow); ok {
		sig.Features[featM5ATRRatio] = ratio
	}

	trendEMA, haveTrendEMA := trend.ema(cfg.EMATrendPeriod)
	trendATR, haveTrendATR := trend.atr(cfg.ATRPeriod)
	if trendBar, ok := trend.last(); ok && haveTrendEMA {
		if haveATR && entryATR > 0 {
			sig.Features[featM15EMA200Dist] = (trendBar.Close - trendEMA) / entryATR
		}
		if haveTrendATR && trendATR > 0 {
			strength := (trendBar.Close - trendEMA) / trendATR
			if strength < 0 {
				strength = -strength
			}
			sig.Features[featM15Strength] = strength
			if slope, ok := indicators.EMASlope(trend.closes, cfg.EMATrendPeriod, slopeLag, trendATR); ok {
				sig.Features[featM15EMA200Slope] = slope
			}
		}
	}

	h1EMA, haveH1EMA := h1.ema(cfg.EMATrendPeriod)
	if h1Bar, ok := h1.last(); ok && haveH1EMA && haveATR && entryATR > 0 {
		sig.Features[featH1EMA200Dist] = (h1Bar.Close - h1EMA) / entryATR
	}
	if rsi, ok := h1.rsi(cfg.RSIPeriod); ok {
		sig.Features[featH1RSI] = rsi
	}

	m1EMA20, m1Have20 := m1.ema(cfg.EMAFastPeriod)
	m1EMA50, m1Have50 := m1.ema(cfg.EMAPullbackPeriod)
	if m1Have20 && m1Have50 {
		sig.Features[featM1EMADist] = m1EMA20 - m1EMA50
	} else {
		sig.Features[featM1EMADist] = 0
	}
}
