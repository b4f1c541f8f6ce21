package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("CAPITAL_API_KEY", "k")
	t.Setenv("CAPITAL_EMAIL", "e")
	t.Setenv("CAPITAL_PASSWORD", "p")
}

func TestLoad_Defaults(t *testing.T) {
	setCredentials(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "XAUUSD", cfg.Epic)
	assert.Equal(t, "demo", cfg.AccountType)
	assert.Equal(t, "https://demo-api-capital.backend-capital.com", cfg.BaseURL)
	assert.False(t, cfg.SwingEnabled)

	assert.Equal(t, 3, cfg.MaxTradesPerDay)
	assert.Equal(t, 10.0, cfg.DailyLossLimitUSD)
	assert.Equal(t, 3, cfg.MaxConsecutiveLosses)

	assert.Equal(t, 0.60, cfg.SpreadMax)
	assert.Equal(t, 0.20, cfg.SpreadMin)
	assert.Equal(t, 0.25, cfg.SpreadATRMult)

	assert.Equal(t, 200, cfg.EMATrendPeriod)
	assert.Equal(t, 0.5, cfg.PartialCloseTP1)
	assert.True(t, cfg.MoveSLToBreakeven)
	assert.Equal(t, 3, cfg.ReconcileMissThreshold)
	assert.Equal(t, 9*time.Minute, cfg.SessionRefresh)
}

func TestLoad_LiveBaseURL(t *testing.T) {
	setCredentials(t)
	t.Setenv("ACCOUNT_TYPE", "live")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api-capital.backend-capital.com", cfg.BaseURL)
}

func TestLoad_MissingCredentials(t *testing.T) {
	t.Setenv("CAPITAL_API_KEY", "k")
	t.Setenv("CAPITAL_EMAIL", "")
	t.Setenv("CAPITAL_PASSWORD", "p")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidChatID(t *testing.T) {
	setCredentials(t)
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	setCredentials(t)
	t.Setenv("EPIC", "GOLD")
	t.Setenv("MAX_TRADES_PER_DAY", "5")
	t.Setenv("SPREAD_MAX", "0.45")
	t.Setenv("SWING_ENABLED", "true")
	t.Setenv("TICK_POLL", "2s")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "GOLD", cfg.Epic)
	assert.Equal(t, 5, cfg.MaxTradesPerDay)
	assert.Equal(t, 0.45, cfg.SpreadMax)
	assert.True(t, cfg.SwingEnabled)
	assert.Equal(t, 2*time.Second, cfg.TickPoll)
	assert.Equal(t, int64(12345), cfg.TelegramChatID)
}

func TestPerModeLookups(t *testing.T) {
	setCredentials(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.BOSLookbackScalp, cfg.BOSLookback(false))
	assert.Equal(t, cfg.BOSLookbackSwing, cfg.BOSLookback(true))
	assert.Equal(t, cfg.SetupExpiryBarsScalp, cfg.SetupExpiryBars(false))
	assert.Equal(t, cfg.SetupExpiryBarsSwing, cfg.SetupExpiryBars(true))
}
