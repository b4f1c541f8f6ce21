package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmorrow/goldbot/internal/capital"
	"github.com/devmorrow/goldbot/internal/state"
)

func ptr(f float64) *float64 { return &f }

func newManagerFixture(t *testing.T, broker *fakeBroker) (*Manager, *state.State) {
	t.Helper()
	cfg := testConfig(t)
	st := state.New(cfg.MaxTradesPerDay, cfg.DailyLossLimitUSD, cfg.MaxConsecutiveLosses)
	return NewManager(cfg, broker, st, nil, nil), st
}

func buyPosition(size float64) *state.Position {
	return &state.Position{
		DealID:    "deal-1",
		Direction: state.Buy,
		Mode:      state.ModeScalp,
		Size:      size,
		Entry:     2010.0,
		SL:        2007.0,
		TP1:       2012.0,
		TP2:       2014.0,
		OpenedAt:  1000,
	}
}

func TestOnTick_NoTriggerInsideBand(t *testing.T) {
	broker := &fakeBroker{}
	m, st := newManagerFixture(t, broker)
	st.AddPosition(buyPosition(2))

	m.OnTick(context.Background(), capital.Quote{Bid: 2010.5, Ask: 2010.6})

	assert.Empty(t, broker.closed)
	assert.NotNil(t, st.GetPosition("deal-1"))
}

func TestOnTick_SLHit_ClosesAndCountsLoss(t *testing.T) {
	broker := &fakeBroker{closeResult: capital.DealResult{DealID: "deal-1", Profit: ptr(-6.0)}}
	m, st := newManagerFixture(t, broker)
	st.AddPosition(buyPosition(2))

	// BUY exits on the bid
	m.OnTick(context.Background(), capital.Quote{Bid: 2006.9, Ask: 2007.1})

	assert.Equal(t, []string{"deal-1"}, broker.closed)
	assert.Nil(t, st.GetPosition("deal-1"))

	stats := st.Stats()
	assert.Equal(t, -6.0, stats.DailyPnL)
	assert.Equal(t, 1, stats.ConsecutiveLosses)
}

func TestOnTick_TP1Partial_ReopensRemainder(t *testing.T) {
	broker := &fakeBroker{
		closeResult:  capital.DealResult{DealID: "deal-1"},
		createResult: capital.DealResult{DealID: "deal-2", DealReference: "ref-2"},
		activityErr:  assert.AnError, // force the directional math fallback
	}
	m, st := newManagerFixture(t, broker)
	st.AddPosition(buyPosition(4))
	require.Equal(t, 1, st.Stats().TradesToday)

	m.OnTick(context.Background(), capital.Quote{Bid: 2012.0, Ask: 2012.2})

	// half of 4 closed at 2012.0
	assert.Equal(t, []string{"deal-1"}, broker.closed)
	require.Len(t, broker.created, 1)
	assert.Equal(t, 2.0, broker.created[0].size)
	assert.Equal(t, 2010.0, broker.created[0].sl, "stop moves to breakeven")
	assert.Equal(t, 2014.0, broker.created[0].tp)

	assert.Nil(t, st.GetPosition("deal-1"))
	follower := st.GetPosition("deal-2")
	require.NotNil(t, follower)
	assert.Equal(t, 2.0, follower.Size)
	assert.Equal(t, 2012.0, follower.Entry)
	assert.Equal(t, 2010.0, follower.SL)
	assert.True(t, follower.TP1Done)

	stats := st.Stats()
	assert.Equal(t, 1, stats.TradesToday, "re-entry is not a new trade")
	assert.InDelta(t, (2012.0-2010.0)*2, stats.DailyPnL, 1e-9)
	assert.Equal(t, 0, stats.ConsecutiveLosses)
}

func TestOnTick_TP1TooSmallToSplit_MovesStopToBreakeven(t *testing.T) {
	broker := &fakeBroker{}
	m, st := newManagerFixture(t, broker)
	st.AddPosition(buyPosition(1))

	m.OnTick(context.Background(), capital.Quote{Bid: 2012.0, Ask: 2012.2})

	assert.Empty(t, broker.closed)
	assert.Empty(t, broker.created)
	assert.Equal(t, []float64{2010.0}, broker.updatedSL)

	pos := st.GetPosition("deal-1")
	require.NotNil(t, pos)
	assert.True(t, pos.TP1Done)
	assert.Equal(t, 2010.0, pos.SL)
}

func TestOnTick_TP1ReentryFailure_RetiresOriginal(t *testing.T) {
	broker := &fakeBroker{
		closeResult: capital.DealResult{DealID: "deal-1", Profit: ptr(4.0)},
		createErr:   assert.AnError,
	}
	m, st := newManagerFixture(t, broker)
	st.AddPosition(buyPosition(4))

	m.OnTick(context.Background(), capital.Quote{Bid: 2012.0, Ask: 2012.2})

	// the original deal is closed and nothing replaces it; no retry loop
	assert.Equal(t, []string{"deal-1"}, broker.closed)
	assert.Nil(t, st.GetPosition("deal-1"))
	assert.Empty(t, st.Positions())
	assert.Equal(t, 4.0, st.Stats().DailyPnL)
}

func TestOnTick_TP2AfterTP1Done_ClosesAll(t *testing.T) {
	broker := &fakeBroker{closeResult: capital.DealResult{DealID: "deal-1", Profit: ptr(8.0)}}
	m, st := newManagerFixture(t, broker)
	pos := buyPosition(2)
	pos.TP1Done = true
	st.AddPosition(pos)

	m.OnTick(context.Background(), capital.Quote{Bid: 2014.0, Ask: 2014.2})

	assert.Equal(t, []string{"deal-1"}, broker.closed)
	assert.Nil(t, st.GetPosition("deal-1"))
	assert.Equal(t, 8.0, st.Stats().DailyPnL)
	assert.Equal(t, 0, st.Stats().ConsecutiveLosses)
}

func TestOnTick_SellExitsOnAsk(t *testing.T) {
	broker := &fakeBroker{closeResult: capital.DealResult{DealID: "deal-s", Profit: ptr(-2.0)}}
	m, st := newManagerFixture(t, broker)
	st.AddPosition(&state.Position{
		DealID: "deal-s", Direction: state.Sell, Mode: state.ModeScalp,
		Size: 1, Entry: 2010.0, SL: 2013.0, TP1: 2008.0, TP2: 2006.0, OpenedAt: 1000,
	})

	// bid alone beyond the stop must not trigger a SELL exit
	m.OnTick(context.Background(), capital.Quote{Bid: 2013.5, Ask: 2012.9})
	assert.Empty(t, broker.closed)

	m.OnTick(context.Background(), capital.Quote{Bid: 2013.5, Ask: 2013.0})
	assert.Equal(t, []string{"deal-s"}, broker.closed)
}

func TestResolvePnL_Priority(t *testing.T) {
	pos := buyPosition(2)

	// 1. broker-confirmed profit wins
	broker := &fakeBroker{activity: []capital.ActivityEvent{
		{DealID: "deal-1", Type: capital.ActivityTypePosition, Profit: ptr(99.0)},
	}}
	m, _ := newManagerFixture(t, broker)
	got := m.resolvePnL(context.Background(), capital.DealResult{Profit: ptr(5.5)}, pos, 2012.0, 2)
	assert.Equal(t, 5.5, got)

	// 2. activity history when the broker omits profit
	got = m.resolvePnL(context.Background(), capital.DealResult{}, pos, 2012.0, 2)
	assert.Equal(t, 99.0, got)

	// 3. directional math as the last resort
	broker.activity = nil
	got = m.resolvePnL(context.Background(), capital.DealResult{}, pos, 2012.0, 2)
	assert.InDelta(t, 4.0, got, 1e-9)
}

func TestResolvePnL_OnlyClosedPositionEventsCount(t *testing.T) {
	pos := buyPosition(2)

	// a stop edit for the same deal carries a number that is not trade profit
	broker := &fakeBroker{activity: []capital.ActivityEvent{
		{DealID: "deal-1", Type: "EDIT_STOP_AND_LIMIT", Profit: ptr(99.0)},
		{DealID: "deal-1", Type: capital.ActivityTypePosition, Profit: ptr(3.5)},
	}}
	m, _ := newManagerFixture(t, broker)
	got := m.resolvePnL(context.Background(), capital.DealResult{}, pos, 2012.0, 2)
	assert.Equal(t, 3.5, got)

	// with only non-position events the directional math takes over
	broker.activity = []capital.ActivityEvent{
		{DealID: "deal-1", Type: "WORKING_ORDER", Profit: ptr(99.0)},
	}
	got = m.resolvePnL(context.Background(), capital.DealResult{}, pos, 2012.0, 2)
	assert.InDelta(t, 4.0, got, 1e-9)
}
