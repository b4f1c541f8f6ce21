package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmorrow/goldbot/internal/candles"
	"github.com/devmorrow/goldbot/internal/capital"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/indicators"
	"github.com/devmorrow/goldbot/internal/ml"
	"github.com/devmorrow/goldbot/internal/state"
	"github.com/devmorrow/goldbot/internal/storage"
)

// ── test doubles ──

type createCall struct {
	direction string
	size      float64
	sl        float64
	tp        float64
}

type fakeBroker struct {
	quote    capital.Quote
	priceErr error

	createResult capital.DealResult
	createErr    error
	created      []createCall

	closeResult capital.DealResult
	closeErr    error
	closed      []string

	updatedSL []float64

	activity    []capital.ActivityEvent
	activityErr error
}

func (f *fakeBroker) GetPrice(context.Context, string) (capital.Quote, error) {
	return f.quote, f.priceErr
}

func (f *fakeBroker) CreatePosition(_ context.Context, _, direction string, size, sl, tp float64) (capital.DealResult, error) {
	f.created = append(f.created, createCall{direction: direction, size: size, sl: sl, tp: tp})
	return f.createResult, f.createErr
}

func (f *fakeBroker) ClosePosition(_ context.Context, dealID string) (capital.DealResult, error) {
	f.closed = append(f.closed, dealID)
	return f.closeResult, f.closeErr
}

func (f *fakeBroker) UpdatePosition(_ context.Context, _ string, sl, _ *float64, _ string) error {
	if sl != nil {
		f.updatedSL = append(f.updatedSL, *sl)
	}
	return nil
}

func (f *fakeBroker) GetActivity(context.Context, int64) ([]capital.ActivityEvent, error) {
	return f.activity, f.activityErr
}

type stubSource struct {
	bars map[string][]candles.Bar
}

func (s stubSource) GetCandles(_ context.Context, _, resolution string, _ int) ([]candles.Bar, error) {
	return s.bars[resolution], nil
}

// ── series builders ──

var seriesEnd = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

// risingBars builds a steadily trending series ending in the past so every
// bar counts as closed.
func risingBars(n int, start, step float64, period time.Duration) []candles.Bar {
	out := make([]candles.Bar, n)
	for i := 0; i < n; i++ {
		close := start + step*float64(i)
		out[i] = candles.Bar{
			Time:  seriesEnd.Add(time.Duration(i-n) * period).UnixMilli(),
			Open:  close - 0.15,
			High:  close + 0.4,
			Low:   close - 0.6,
			Close: close,
		}
	}
	return out
}

// wavyBars trends upward with alternating pullbacks so RSI stays mid-range
func wavyBars(n int, start, step, wobble float64, period time.Duration) []candles.Bar {
	out := make([]candles.Bar, n)
	for i := 0; i < n; i++ {
		close := start + step*float64(i) + wobble*float64(i%2)
		out[i] = candles.Bar{
			Time:  seriesEnd.Add(time.Duration(i-n) * period).UnixMilli(),
			Open:  close - 0.2,
			High:  close + 0.8,
			Low:   close - 1.2,
			Close: close,
		}
	}
	return out
}

func seriesOf(bars []candles.Bar) (highs, lows, closes []float64) {
	return highsOf(bars), lowsOf(bars), closesOf(bars)
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}

// ── fixture ──

type fixture struct {
	cfg    *config.Config
	engine *Engine
	st     *state.State
	broker *fakeBroker
	db     *storage.Database
	rec    *storage.Recorder
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CAPITAL_API_KEY", "k")
	t.Setenv("CAPITAL_EMAIL", "e")
	t.Setenv("CAPITAL_PASSWORD", "p")
	t.Setenv("DB_URL", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newFixture(t *testing.T, broker *fakeBroker, m5, m15, h1, m1 []candles.Bar) *fixture {
	t.Helper()
	cfg := testConfig(t)

	src := stubSource{bars: map[string][]candles.Bar{
		"MINUTE_5":  m5,
		"MINUTE_15": m15,
		"HOUR":      h1,
		"MINUTE":    m1,
	}}
	store := candles.NewStore(src, cfg.Epic, 600, 6)
	for res, bars := range src.bars {
		if len(bars) == 0 {
			continue
		}
		var tf candles.Timeframe
		switch res {
		case "MINUTE":
			tf = candles.M1
		case "MINUTE_5":
			tf = candles.M5
		case "MINUTE_15":
			tf = candles.M15
		case "HOUR":
			tf = candles.H1
		}
		require.NoError(t, store.LoadHistory(context.Background(), tf, len(bars)))
	}

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	rec := storage.NewRecorder(db)

	st := state.New(cfg.MaxTradesPerDay, cfg.DailyLossLimitUSD, cfg.MaxConsecutiveLosses)
	models := ml.NewRegistry(filepath.Join(t.TempDir(), "none.json"), "")

	return &fixture{
		cfg:    cfg,
		engine: NewEngine(cfg, broker, store, st, models, rec, nil),
		st:     st,
		broker: broker,
		db:     db,
		rec:    rec,
	}
}

// lastAction drains the recorder and returns the newest signal action
func (f *fixture) lastAction(t *testing.T) string {
	t.Helper()
	f.rec.Close()
	signals, err := f.db.GetRecentSignals(f.cfg.Epic, 1)
	require.NoError(t, err)
	require.NotEmpty(t, signals)
	return signals[0].Action
}

func (f *fixture) noSignals(t *testing.T) {
	t.Helper()
	f.rec.Close()
	signals, err := f.db.GetRecentSignals(f.cfg.Epic, 1)
	require.NoError(t, err)
	assert.Empty(t, signals)
}

// trendingFixtureData returns M15/H1/M1 series that pass the trend, macro
// and micro gates for a BUY.
func trendingContext() (m15, h1, m1 []candles.Bar) {
	m15 = risingBars(250, 1900, 0.5, 15*time.Minute)
	h1 = wavyBars(250, 1850, 0.5, 2.0, time.Hour)
	m1 = risingBars(80, 2012, 0.01, time.Minute)
	return m15, h1, m1
}

func armedBuySetup(m5 []candles.Bar) *state.Setup {
	return &state.Setup{
		Direction:       state.Buy,
		PullbackExtreme: 2009.0,
		CreatedAt:       m5[len(m5)-3].Time,
		BarsActive:      1,
	}
}

// ── end-to-end scenarios ──

func TestScalpBuy_BOSFires_OrderPlaced(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	// trigger bar: breaks the previous highs with margin, moderate range
	m5[59] = candles.Bar{Time: m5[59].Time, Open: 2011.7, High: 2012.7, Low: 2011.5, Close: 2012.5}
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{
		quote:        capital.Quote{Bid: 2012.4, Ask: 2012.5, Status: capital.StatusTradeable},
		createResult: capital.DealResult{DealID: "deal-1", DealReference: "ref-1"},
	}
	f := newFixture(t, broker, m5, m15, h1, m1)
	f.st.SetSetup(state.ModeScalp, armedBuySetup(m5))

	f.engine.OnM5Close(context.Background())

	require.Len(t, broker.created, 1)
	assert.Equal(t, "BUY", broker.created[0].direction)
	assert.Equal(t, 1.0, broker.created[0].size)

	highs, lows, closes := seriesOf(m5)
	atr, ok := indicators.ATR(highs, lows, closes, f.cfg.ATRPeriod)
	require.True(t, ok)

	pos := f.st.GetPosition("deal-1")
	require.NotNil(t, pos)
	assert.Equal(t, state.Buy, pos.Direction)
	assert.Equal(t, state.ModeScalp, pos.Mode)
	assert.Equal(t, 2012.5, pos.Entry) // ask side for a BUY
	assert.InDelta(t, 2009.0-f.cfg.SLBufferATR*atr, pos.SL, 1e-9)
	assert.InDelta(t, 2012.5+f.cfg.TP1ATR*atr, pos.TP1, 1e-9)
	assert.InDelta(t, 2012.5+f.cfg.TP2ATR*atr, pos.TP2, 1e-9)
	assert.InDelta(t, pos.SL, broker.created[0].sl, 1e-9)
	assert.InDelta(t, pos.TP2, broker.created[0].tp, 1e-9)

	assert.Equal(t, 1, f.st.Stats().TradesToday)
	assert.Nil(t, f.st.Setup(state.ModeScalp))
	assert.Equal(t, "BUY_EXEC", f.lastAction(t))
}

func TestScalpBuy_CloseInsideMargin_StaysWatching(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	// close reaches the old high but not the margin beyond it
	m5[59] = candles.Bar{Time: m5[59].Time, Open: 2011.7, High: 2012.2, Low: 2011.5, Close: 2012.1}
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.0, Ask: 2012.1, Status: capital.StatusTradeable}}
	f := newFixture(t, broker, m5, m15, h1, m1)
	f.st.SetSetup(state.ModeScalp, armedBuySetup(m5))

	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	assert.NotNil(t, f.st.Setup(state.ModeScalp), "setup stays armed while watching")
	assert.Equal(t, "BUY_WATCHING", f.lastAction(t))
}

func TestScalpBuy_TrendFlip_ClearsSetup(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	// context timeframe now trends down
	m15 := risingBars(250, 2100, -0.5, 15*time.Minute)
	_, h1, m1 := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.0, Ask: 2012.1, Status: capital.StatusTradeable}}
	f := newFixture(t, broker, m5, m15, h1, m1)
	f.st.SetSetup(state.ModeScalp, armedBuySetup(m5))

	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	assert.Nil(t, f.st.Setup(state.ModeScalp))
	assert.Equal(t, "SKIP_TREND_FLIP", f.lastAction(t))
}

func TestEvaluate_RiskLockout(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.0, Ask: 2012.1, Status: capital.StatusTradeable}}
	f := newFixture(t, broker, m5, m15, h1, m1)
	for i := 0; i < f.cfg.MaxTradesPerDay; i++ {
		f.st.AddPosition(&state.Position{DealID: string(rune('a' + i))})
	}

	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	assert.Equal(t, "SKIP_RISK", f.lastAction(t))
}

func TestEvaluate_MarketClosed(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.0, Ask: 2012.1, Status: capital.StatusClosed}}
	f := newFixture(t, broker, m5, m15, h1, m1)

	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	assert.Equal(t, "SKIP_MARKET_CLOSED", f.lastAction(t))
}

func TestEvaluate_WideSpread(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m15, h1, m1 := trendingContext()

	// ATR near 1.0 puts the dynamic cap near 0.25
	broker := &fakeBroker{quote: capital.Quote{Bid: 2011.6, Ask: 2012.1, Status: capital.StatusTradeable}}
	f := newFixture(t, broker, m5, m15, h1, m1)

	f.engine.OnM5Close(context.Background())

	assert.Equal(t, "SKIP_SPREAD", f.lastAction(t))
}

func TestEvaluate_PriceFetchFailure_EmitsNothing(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{priceErr: assert.AnError}
	f := newFixture(t, broker, m5, m15, h1, m1)

	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	f.noSignals(t)
}

func TestEvaluate_ExpiredSetup(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.0, Ask: 2012.1, Status: capital.StatusTradeable}}
	f := newFixture(t, broker, m5, m15, h1, m1)
	setup := armedBuySetup(m5)
	setup.BarsActive = f.cfg.SetupExpiryBarsScalp
	f.st.SetSetup(state.ModeScalp, setup)

	f.engine.OnM5Close(context.Background())

	assert.Nil(t, f.st.Setup(state.ModeScalp))
	assert.Equal(t, "SKIP_EXPIRED", f.lastAction(t))
}

func TestEvaluate_MissingM1_BlocksTrade(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m5[59] = candles.Bar{Time: m5[59].Time, Open: 2011.7, High: 2012.7, Low: 2011.5, Close: 2012.5}
	m15, h1, _ := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.4, Ask: 2012.5, Status: capital.StatusTradeable}}
	f := newFixture(t, broker, m5, m15, h1, nil)
	f.st.SetSetup(state.ModeScalp, armedBuySetup(m5))

	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	assert.Equal(t, "SKIP_M1", f.lastAction(t))
}

func TestEvaluate_NoSetup_WatchingOrCandidate(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.0, Ask: 2012.1, Status: capital.StatusTradeable}}
	f := newFixture(t, broker, m5, m15, h1, m1)

	f.engine.OnM5Close(context.Background())

	// the last bar is far above the pullback EMAs, so nothing arms
	assert.Empty(t, broker.created)
	assert.Equal(t, "BUY_WATCHING", f.lastAction(t))
}

func TestBOS_RangeExactlyAtBigCandleLimit_NotSkipped(t *testing.T) {
	cfg := testConfig(t)
	e := &Engine{cfg: cfg}

	bars := make([]candles.Bar, 12)
	for i := range bars {
		close := 2000 + float64(i)
		bars[i] = candles.Bar{Time: int64(i), Open: close - 0.25, High: close + 0.25, Low: close - 0.75, Close: close}
	}
	// trigger bar with range exactly big_k * atr for atr = 1.0
	bar := candles.Bar{Time: 12, Open: 2011.0, High: 2012.5, Low: 2011.0, Close: 2012.5}
	bars = append(bars, bar)

	entry := newSeriesView(bars)
	setup := &state.Setup{Direction: state.Buy, PullbackExtreme: 2005}
	sig := newSignal(state.ModeScalp, bar.Time)

	triggered := e.bosTriggered(setup, entry, bar, 1.0, 0.1, false, sig)
	assert.True(t, triggered)
	assert.NotEqual(t, "big_candle", sig.Reasons["bos"])
}

func TestMLGate_ChampionBlocksLowScoreBuy(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m5[59] = candles.Bar{Time: m5[59].Time, Open: 2011.7, High: 2012.7, Low: 2011.5, Close: 2012.5}
	m15, h1, m1 := trendingContext()

	broker := &fakeBroker{
		quote:        capital.Quote{Bid: 2012.4, Ask: 2012.5, Status: capital.StatusTradeable},
		createResult: capital.DealResult{DealID: "deal-1"},
	}
	f := newFixture(t, broker, m5, m15, h1, m1)

	// champion with a strongly negative bias scores near zero for any input
	dir := t.TempDir()
	champ := filepath.Join(dir, "current.json")
	require.NoError(t, writeFile(champ, `{"model_version":"t1","feature_names":["spread"],"bias":-9,"weights":{"spread":0}}`))
	f.engine.models = ml.NewRegistry(champ, "")

	f.st.SetSetup(state.ModeScalp, armedBuySetup(m5))
	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	assert.Nil(t, f.st.Setup(state.ModeScalp), "setup is spent once structure breaks")
	assert.Equal(t, "SKIP_ML", f.lastAction(t))
}

func TestScalpBuy_GateFailAfterBOS_SpendsSetup(t *testing.T) {
	m5 := risingBars(60, 2000, 0.2, 5*time.Minute)
	m5[59] = candles.Bar{Time: m5[59].Time, Open: 2011.7, High: 2012.7, Low: 2011.5, Close: 2012.5}
	m15, h1, _ := trendingContext()

	broker := &fakeBroker{quote: capital.Quote{Bid: 2012.4, Ask: 2012.5, Status: capital.StatusTradeable}}
	// no M1 history, so the micro-confirm gate fails after the break
	f := newFixture(t, broker, m5, m15, h1, nil)
	f.st.SetSetup(state.ModeScalp, armedBuySetup(m5))

	f.engine.OnM5Close(context.Background())

	assert.Empty(t, broker.created)
	assert.Equal(t, "SKIP_M1", f.lastAction(t))
	assert.Nil(t, f.st.Setup(state.ModeScalp),
		"a broken structure must not leave the setup armed for the next bar")
}
