package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/devmorrow/goldbot/internal/candles"
	"github.com/devmorrow/goldbot/internal/capital"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/indicators"
	"github.com/devmorrow/goldbot/internal/ml"
	"github.com/devmorrow/goldbot/internal/notify"
	"github.com/devmorrow/goldbot/internal/state"
	"github.com/devmorrow/goldbot/internal/storage"
)

// Broker is the slice of the brokerage client the strategy and position
// manager depend on.
type Broker interface {
	GetPrice(ctx context.Context, epic string) (capital.Quote, error)
	CreatePosition(ctx context.Context, epic, direction string, size, stopLevel, profitLevel float64) (capital.DealResult, error)
	ClosePosition(ctx context.Context, dealID string) (capital.DealResult, error)
	UpdatePosition(ctx context.Context, dealID string, stopLevel, profitLevel *float64, epic string) error
	GetActivity(ctx context.Context, fromTs int64) ([]capital.ActivityEvent, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY ENGINE - trend-following pullback + break of structure
// ═══════════════════════════════════════════════════════════════════════════════
//
// Evaluated once per new closed entry-timeframe bar (M5 scalp, H1 swing).
// The evaluation walks an ordered gate chain; the first failing gate labels
// the outcome and stops. Exactly one signal record is emitted per
// evaluation whichever gate fired.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Engine struct {
	cfg    *config.Config
	broker Broker
	store  *candles.Store
	st     *state.State
	models *ml.Registry
	rec    *storage.Recorder
	bot    *notify.Notifier
}

func NewEngine(cfg *config.Config, broker Broker, store *candles.Store, st *state.State, models *ml.Registry, rec *storage.Recorder, bot *notify.Notifier) *Engine {
	return &Engine{cfg: cfg, broker: broker, store: store, st: st, models: models, rec: rec, bot: bot}
}

// OnM5Close runs the scalp evaluation
func (e *Engine) OnM5Close(ctx context.Context) {
	e.evaluate(ctx, state.ModeScalp)
}

// OnH1Close runs the swing evaluation when enabled
func (e *Engine) OnH1Close(ctx context.Context) {
	if !e.cfg.SwingEnabled {
		return
	}
	e.evaluate(ctx, state.ModeSwing)
}

// timeframes returns (entry, trend context) for a mode
func timeframes(mode state.Mode) (candles.Timeframe, candles.Timeframe) {
	if mode == state.ModeSwing {
		return candles.H1, candles.H4
	}
	return candles.M5, candles.M15
}

func (e *Engine) evaluate(ctx context.Context, mode state.Mode) {
	entryTF, trendTF := timeframes(mode)
	swing := mode == state.ModeSwing

	entry := newSeriesView(e.store.Get(entryTF))
	trendView := newSeriesView(e.store.Get(trendTF))
	h1View := newSeriesView(e.store.Get(candles.H1))
	m1View := newSeriesView(e.store.Get(candles.M1))

	bar, ok := entry.last()
	if !ok {
		return
	}

	sig := newSignal(mode, bar.Time)
	defer sig.flush(e.cfg.Epic, e.rec)

	// 1. risk gate
	if !e.st.RiskOK() {
		sig.Action = ActionSkipRisk
		sig.reason("risk", e.st.RiskReason())
		return
	}

	quote, err := e.broker.GetPrice(ctx, e.cfg.Epic)
	if err != nil {
		log.Error().Err(err).Str("mode", string(mode)).Msg("Price fetch failed, evaluation skipped")
		return
	}
	spread := quote.Spread()
	sig.Price = quote.Mid()
	sig.Spread = spread

	collectFeatures(sig, e.cfg, entry, trendView, h1View, m1View, spread)

	// 2. market status
	if !quote.Tradeable() {
		sig.Action = ActionSkipMarketClosed
		sig.reason("status", quote.Status)
		return
	}

	atr, haveATR := entry.atr(e.cfg.ATRPeriod)
	if !haveATR || atr <= 0 {
		sig.Action = ActionSkipChop
		sig.reason("data", "atr_unavailable")
		return
	}
	sig.ATR = atr

	// 3. dynamic spread cap; equality is allowed
	spreadCap := math.Min(e.cfg.SpreadMax, math.Max(e.cfg.SpreadMin, e.cfg.SpreadATRMult*atr))
	if spread > spreadCap {
		sig.Action = ActionSkipSpread
		sig.reason("spread", fmt.Sprintf("%.4f > %.4f", spread, spreadCap))
		return
	}

	// 4. trend filter on the context timeframe
	tr := trendOf(trendView, e.cfg.EMATrendPeriod)
	if tr == trendNone {
		e.st.ClearSetup(mode)
		sig.Action = ActionSkipTrend
		return
	}

	// 5. chop filter on the entry timeframe
	ema20, have20 := entry.ema(e.cfg.EMAFastPeriod)
	ema50, have50 := entry.ema(e.cfg.EMAPullbackPeriod)
	if !have20 || !have50 {
		sig.Action = ActionSkipChop
		sig.reason("data", "ema_unavailable")
		return
	}
	emaSpreadATR := math.Abs(ema20-ema50) / atr
	if emaSpreadATR < e.cfg.ChopEMADistATRMin {
		sig.Features[featChop] = 1
		e.st.ClearSetup(mode)
		sig.Action = ActionSkipChop
		sig.reason("chop", fmt.Sprintf("%.4f < %.4f", emaSpreadATR, e.cfg.ChopEMADistATRMin))
		return
	}
	sig.Features[featChop] = 0

	// 6. setup state
	setup := e.st.Setup(mode)
	if setup == nil {
		sig.Features[featSetupActive] = 0
		created := tryCreateSetup(e.cfg, tr, bar, ema20, ema50, atr, emaSpreadATR)
		if created == nil {
			sig.Action = Watching(tr.direction())
			return
		}
		e.st.SetSetup(mode, created)
		sig.Action = Candidate(created.Direction)
		return
	}
	sig.Features[featSetupActive] = 1

	// 7. setup still valid
	if tr.direction() != setup.Direction {
		e.st.ClearSetup(mode)
		sig.Action = ActionSkipTrendFlip
		return
	}
	if !emaAligned(setup.Direction, ema20, ema50) {
		e.st.ClearSetup(mode)
		sig.Action = ActionSkipEMAAlignment
		return
	}
	if meanBroken(e.cfg, setup, bar.Close, ema50, atr) {
		e.st.ClearSetup(mode)
		sig.Action = ActionSkipMeanBreak
		return
	}
	setup.BarsActive++
	if setup.BarsActive > e.cfg.SetupExpiryBars(swing) {
		e.st.ClearSetup(mode)
		sig.Action = ActionSkipExpired
		return
	}

	// 8. track the deepest retracement
	updateExtreme(setup, bar)
	e.st.SetSetup(mode, setup)

	// 9. H1 macro alignment (scalp only)
	if !swing && !e.h1MacroOK(setup.Direction, h1View, sig) {
		sig.Action = ActionSkipH1Macro
		return
	}

	// 10. context-tf strength and slope
	if !e.trendStrengthOK(setup.Direction, sig) {
		sig.Action = ActionSkipM15Strength
		return
	}

	// 11. break of structure; a triggered setup is spent whatever the
	// remaining gates decide
	if !e.bosTriggered(setup, entry, bar, atr, spread, swing, sig) {
		sig.Action = Watching(setup.Direction)
		return
	}
	e.st.ClearSetup(mode)

	// 12. RSI on the entry timeframe
	rsi, haveRSI := entry.rsi(e.cfg.RSIPeriod)
	if !haveRSI ||
		(setup.Direction == state.Buy && rsi < e.cfg.RSIBuyMin) ||
		(setup.Direction == state.Sell && rsi > e.cfg.RSISellMax) {
		sig.Action = ActionSkipRSI
		sig.reason("rsi", fmt.Sprintf("%.1f", rsi))
		return
	}

	// 13. volatility floor
	ratio, haveRatio := indicators.ATRRatio(entry.highs, entry.lows, entry.closes, e.cfg.ATRPeriod, atrRatioWindow)
	if atr < e.cfg.ATRAbsMin || !haveRatio || ratio < e.cfg.ATRRatioMin {
		sig.Action = ActionSkipATRRatio
		sig.reason("atr", fmt.Sprintf("abs=%.4f ratio=%.4f", atr, ratio))
		return
	}

	// 14. BOS bar body
	if bar.Body() < e.cfg.BodyATRMin*atr {
		sig.Action = ActionSkipBody
		sig.reason("body", fmt.Sprintf("%.4f < %.4f", bar.Body(), e.cfg.BodyATRMin*atr))
		return
	}

	// 15. M1 micro-confirm; missing M1 history blocks
	if !e.m1Confirms(setup.Direction, m1View) {
		sig.Action = ActionSkipM1
		return
	}

	// 16. ML gate; the champion can block, the challenger only shadows
	if !e.mlGateOK(setup.Direction, sig) {
		sig.Action = ActionSkipML
		return
	}

	// 17. order issue
	e.placeOrder(ctx, mode, setup, quote, atr, spread, sig)
}

func trendOf(v seriesView, period int) trend {
	ema, ok := v.ema(period)
	if !ok {
		return trendNone
	}
	bar, ok := v.last()
	if !ok {
		return trendNone
	}
	switch {
	case bar.Close > ema:
		return trendUp
	case bar.Close < ema:
		return trendDown
	}
	return trendNone
}

// h1MacroOK requires the H1 close on the setup side of the H1 EMA200 and
// H1 RSI out of the exhaustion bands.
func (e *Engine) h1MacroOK(dir state.Direction, h1 seriesView, sig *Signal) bool {
	ema, haveEMA := h1.ema(e.cfg.EMATrendPeriod)
	rsi, haveRSI := h1.rsi(e.cfg.RSIPeriod)
	bar, haveBar := h1.last()
	if !haveEMA || !haveRSI || !haveBar {
		sig.reason("h1", "insufficient_data")
		return false
	}

	if dir == state.Buy && bar.Close <= ema {
		sig.reason("h1", "below_ema200")
		return false
	}
	if dir == state.Sell && bar.Close >= ema {
		sig.reason("h1", "above_ema200")
		return false
	}
	if rsi < e.cfg.H1RSIOversold || rsi > e.cfg.H1RSIOverbought {
		sig.reason("h1", fmt.Sprintf("rsi=%.1f", rsi))
		return false
	}
	return true
}

// trendStrengthOK requires distance from the context EMA200 of at least
// m15_strength_min ATR and a slope whose sign agrees with the direction.
func (e *Engine) trendStrengthOK(dir state.Direction, sig *Signal) bool {
	strength, haveStrength := sig.Features[featM15Strength]
	slope, haveSlope := sig.Features[featM15EMA200Slope]
	if !haveStrength || !haveSlope {
		sig.reason("m15", "insufficient_data")
		return false
	}

	if strength < e.cfg.M15StrengthMin {
		sig.reason("m15", fmt.Sprintf("strength=%.2f", strength))
		return false
	}
	if (dir == state.Buy && slope <= 0) || (dir == state.Sell && slope >= 0) {
		sig.reason("m15", fmt.Sprintf("slope=%.4f", slope))
		return false
	}
	return true
}

// bosTriggered checks the break-of-structure condition: close beyond the
// extreme of the n bars preceding the trigger bar by a margin of
// max(spread, atr_margin_k*ATR). An oversized trigger bar (range strictly
// above big_k*ATR) is skipped.
func (e *Engine) bosTriggered(setup *state.Setup, entry seriesView, bar candles.Bar, atr, spread float64, swing bool, sig *Signal) bool {
	if bar.Range() > e.cfg.BigCandleATRMax*atr {
		sig.reason("bos", "big_candle")
		return false
	}

	lookback := e.cfg.BOSLookback(swing)
	if len(entry.bars) < lookback+1 {
		sig.reason("bos", "insufficient_bars")
		return false
	}
	prevHighs := entry.highs[:len(entry.highs)-1]
	prevLows := entry.lows[:len(entry.lows)-1]

	margin := math.Max(spread, e.cfg.BOSMarginATR*atr)

	if setup.Direction == state.Buy {
		level, ok := indicators.HighestHigh(prevHighs, lookback)
		if !ok || bar.Close <= level+margin {
			return false
		}
		log.Info().Float64("close", bar.Close).Float64("level", level).Float64("margin", margin).Msg("💥 BOS BUY")
		return true
	}

	level, ok := indicators.LowestLow(prevLows, lookback)
	if !ok || bar.Close >= level-margin {
		return false
	}
	log.Info().Float64("close", bar.Close).Float64("level", level).Float64("margin", margin).Msg("💥 BOS SELL")
	return true
}

// m1Confirms requires the M1 fast/pullback EMAs aligned with the direction
// and the M1 close on the right side of the fast EMA. Too little M1 history
// blocks the trade.
func (e *Engine) m1Confirms(dir state.Direction, m1 seriesView) bool {
	ema20, have20 := m1.ema(e.cfg.EMAFastPeriod)
	ema50, have50 := m1.ema(e.cfg.EMAPullbackPeriod)
	bar, haveBar := m1.last()
	if !have20 || !have50 || !haveBar {
		return false
	}

	if dir == state.Buy {
		return ema20 > ema50 && bar.Close > ema20
	}
	return ema20 < ema50 && bar.Close < ema20
}

// mlGateOK scores the feature vector. The champion blocks when its score is
// on the wrong side of the direction threshold; absence of a champion is a
// pass. The challenger is always scored in shadow and never blocks.
func (e *Engine) mlGateOK(dir state.Direction, sig *Signal) bool {
	if score, version, ok := e.models.Challenger(sig.Features); ok {
		e.rec.RecordPrediction(storage.Prediction{
			Epic: e.cfg.Epic, Ts: sig.Ts, Slot: "challenger",
			ModelVersion: version, Score: score, Action: string(dir),
		})
	}

	score, version, ok := e.models.Champion(sig.Features)
	if !ok {
		return true
	}

	sig.ModelVersion = version
	sig.ModelScore = score
	sig.ModelScored = true
	e.rec.RecordPrediction(storage.Prediction{
		Epic: e.cfg.Epic, Ts: sig.Ts, Slot: "champion",
		ModelVersion: version, Score: score, Action: string(dir),
	})

	if dir == state.Buy && score < e.cfg.MLBuyThreshold {
		sig.reason("ml", fmt.Sprintf("score=%.3f", score))
		return false
	}
	if dir == state.Sell && score > e.cfg.MLSellThreshold {
		sig.reason("ml", fmt.Sprintf("score=%.3f", score))
		return false
	}
	return true
}
