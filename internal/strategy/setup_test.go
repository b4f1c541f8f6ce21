package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmorrow/goldbot/internal/candles"
	"github.com/devmorrow/goldbot/internal/state"
)

func TestTryCreateSetup_BuyTouchAndRejection(t *testing.T) {
	cfg := testConfig(t)

	// bullish rejection: low touches EMA50, closes near the high with a
	// long lower wick
	bar := candles.Bar{Time: 1000, Open: 2005.6, High: 2006.1, Low: 2004.9, Close: 2006.0}
	// emaSpreadATR just above the chop floor keeps tol50 at its base
	setup := tryCreateSetup(cfg, trendUp, bar, 2008.0, 2005.0, 1.0, 0.15)

	require.NotNil(t, setup)
	assert.Equal(t, state.Buy, setup.Direction)
	assert.Equal(t, 2004.9, setup.PullbackExtreme)
	assert.Equal(t, int64(1000), setup.CreatedAt)
}

func TestTryCreateSetup_NoTouch(t *testing.T) {
	cfg := testConfig(t)

	// low stays far from both EMAs
	bar := candles.Bar{Time: 1000, Open: 2009.6, High: 2010.1, Low: 2008.9, Close: 2010.0}
	setup := tryCreateSetup(cfg, trendUp, bar, 2006.0, 2003.0, 1.0, 0.15)
	assert.Nil(t, setup)
}

func TestTryCreateSetup_TouchWithoutRejection(t *testing.T) {
	cfg := testConfig(t)

	// bearish bar at the EMA is not a rejection for a BUY
	bar := candles.Bar{Time: 1000, Open: 2005.8, High: 2006.0, Low: 2004.9, Close: 2005.0}
	setup := tryCreateSetup(cfg, trendUp, bar, 2008.0, 2005.0, 1.0, 0.15)
	assert.Nil(t, setup)
}

func TestTryCreateSetup_FastTrendAllowsEMA20Band(t *testing.T) {
	cfg := testConfig(t)

	// low only reaches EMA20; accepted because the trend is fast
	bar := candles.Bar{Time: 1000, Open: 2008.6, High: 2009.1, Low: 2007.9, Close: 2009.0}
	setup := tryCreateSetup(cfg, trendUp, bar, 2008.0, 2005.0, 1.0, 0.50)
	require.NotNil(t, setup)

	// same touch in a slow trend is rejected: tol50 does not reach EMA20
	// and the EMA20 band is not allowed
	slow := tryCreateSetup(cfg, trendUp, bar, 2008.0, 2005.0, 1.0, 0.15)
	assert.Nil(t, slow)
}

func TestTryCreateSetup_MisalignedEMAsNeverArm(t *testing.T) {
	cfg := testConfig(t)

	// same touch and rejection as the armed BUY case, but the fast EMA sits
	// below the pullback EMA
	bar := candles.Bar{Time: 1000, Open: 2005.6, High: 2006.1, Low: 2004.9, Close: 2006.0}
	setup := tryCreateSetup(cfg, trendUp, bar, 2003.0, 2005.0, 1.0, 0.15)
	assert.Nil(t, setup)

	// SELL mirror: fast EMA above the pullback EMA
	bar = candles.Bar{Time: 1000, Open: 2005.4, High: 2006.1, Low: 2004.9, Close: 2005.0}
	setup = tryCreateSetup(cfg, trendDown, bar, 2008.0, 2006.0, 1.0, 0.15)
	assert.Nil(t, setup)
}

func TestTryCreateSetup_SellMirrors(t *testing.T) {
	cfg := testConfig(t)

	// bearish rejection off the EMA50 from below
	bar := candles.Bar{Time: 1000, Open: 2005.4, High: 2006.1, Low: 2004.9, Close: 2005.0}
	setup := tryCreateSetup(cfg, trendDown, bar, 2002.0, 2006.0, 1.0, 0.15)

	require.NotNil(t, setup)
	assert.Equal(t, state.Sell, setup.Direction)
	assert.Equal(t, 2006.1, setup.PullbackExtreme)
}

func TestUpdateExtreme_MonotonicTowardAdverseSide(t *testing.T) {
	buy := &state.Setup{Direction: state.Buy, PullbackExtreme: 2005.0}
	updateExtreme(buy, candles.Bar{Low: 2004.0})
	assert.Equal(t, 2004.0, buy.PullbackExtreme)
	updateExtreme(buy, candles.Bar{Low: 2004.5})
	assert.Equal(t, 2004.0, buy.PullbackExtreme, "never retreats for BUY")

	sell := &state.Setup{Direction: state.Sell, PullbackExtreme: 2010.0}
	updateExtreme(sell, candles.Bar{High: 2011.0})
	assert.Equal(t, 2011.0, sell.PullbackExtreme)
	updateExtreme(sell, candles.Bar{High: 2010.5})
	assert.Equal(t, 2011.0, sell.PullbackExtreme, "never retreats for SELL")
}

func TestMeanBroken(t *testing.T) {
	cfg := testConfig(t)
	buy := &state.Setup{Direction: state.Buy}

	// invalidation threshold is 0.25 ATR below the EMA50
	assert.False(t, meanBroken(cfg, buy, 2004.8, 2005.0, 1.0))
	assert.True(t, meanBroken(cfg, buy, 2004.7, 2005.0, 1.0))

	sell := &state.Setup{Direction: state.Sell}
	assert.False(t, meanBroken(cfg, sell, 2005.2, 2005.0, 1.0))
	assert.True(t, meanBroken(cfg, sell, 2005.3, 2005.0, 1.0))
}

func TestComputeSLTP_ScalpUsesATRTargets(t *testing.T) {
	cfg := testConfig(t)
	setup := &state.Setup{Direction: state.Buy, PullbackExtreme: 2009.0}

	sl, tp1, tp2 := computeSLTP(cfg, setup, state.ModeScalp, 2012.0, 1.0)
	assert.InDelta(t, 2008.9, sl, 1e-9)
	assert.InDelta(t, 2012.8, tp1, 1e-9)
	assert.InDelta(t, 2013.6, tp2, 1e-9)
}

func TestComputeSLTP_SwingUsesRMultiples(t *testing.T) {
	cfg := testConfig(t)
	setup := &state.Setup{Direction: state.Sell, PullbackExtreme: 2015.0}

	sl, tp1, tp2 := computeSLTP(cfg, setup, state.ModeSwing, 2012.0, 1.0)
	// sl = 2015.1, R = 3.1
	assert.InDelta(t, 2015.1, sl, 1e-9)
	assert.InDelta(t, 2012.0-3.1, tp1, 1e-9)
	assert.InDelta(t, 2012.0-3*3.1, tp2, 1e-9)
}
