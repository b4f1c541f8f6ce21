package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the bot
type Config struct {
	// Capital.com credentials
	APIKey      string
	Email       string
	Password    string
	AccountType string // "demo" or "live"
	BaseURL     string

	// Instrument
	Epic string

	// Mode
	SwingEnabled bool
	Debug        bool

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Risk gates
	MaxTradesPerDay      int
	DailyLossLimitUSD    float64
	MaxConsecutiveLosses int

	// Position sizing
	ScalpSizeUnits float64
	SwingSizeUnits float64

	// Spread filter (dynamic cap: min(SpreadMax, max(SpreadMin, SpreadATRMult*ATR)))
	SpreadMax     float64
	SpreadMin     float64
	SpreadATRMult float64

	// Indicator periods
	EMATrendPeriod    int // 200, on M15 (scalp) / H4 (swing)
	EMAFastPeriod     int // 20, entry TF
	EMAPullbackPeriod int // 50, entry TF
	ATRPeriod         int // 14, entry TF
	RSIPeriod         int // 14

	// BOS
	BOSLookbackScalp int
	BOSLookbackSwing int
	BOSMarginATR     float64
	BigCandleATRMax  float64

	// Setup lifecycle
	SetupExpiryBarsScalp int
	SetupExpiryBarsSwing int
	ChopEMADistATRMin    float64
	InvalidationATR      float64 // close through EMA50 by this many ATR kills the setup

	// Pullback touch tolerance
	PullbackTolBase float64
	PullbackTolK    float64
	PullbackTolMax  float64
	FastTrendMin    float64
	FastTol20       float64

	// Rejection candle
	RejectClosePct float64
	RejectWickPct  float64

	// Quality gates
	RSIBuyMin       float64
	RSISellMax      float64
	H1RSIOversold   float64
	H1RSIOverbought float64
	M15StrengthMin  float64
	ATRAbsMin       float64
	ATRRatioMin     float64
	BodyATRMin      float64

	// SL / TP
	SLBufferATR       float64
	TP1ATR            float64
	TP2ATR            float64
	TP2RSwing         float64
	PartialCloseTP1   float64
	MoveSLToBreakeven bool
	MinTP1SpreadMult  float64

	// Candle store
	HistoryBars     int
	IncrementalBars int

	// Poll intervals
	TickPoll       time.Duration
	M1Poll         time.Duration
	M5Poll         time.Duration
	M15Poll        time.Duration
	H1Poll         time.Duration
	H4Poll         time.Duration
	ReconcilePoll  time.Duration
	StatusPoll     time.Duration
	QuoteFlushPoll time.Duration
	ModelReload    time.Duration

	// Session
	SessionRefresh time.Duration

	// Reconciler
	ReconcileMissThreshold int

	// ML gate
	ChampionPath    string
	ChallengerPath  string
	MLBuyThreshold  float64
	MLSellThreshold float64

	// Database (postgres DSN or sqlite path; empty disables persistence)
	DBURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		APIKey:      os.Getenv("CAPITAL_API_KEY"),
		Email:       os.Getenv("CAPITAL_EMAIL"),
		Password:    os.Getenv("CAPITAL_PASSWORD"),
		AccountType: getEnv("ACCOUNT_TYPE", "demo"),

		Epic: getEnv("EPIC", "XAUUSD"),

		SwingEnabled: getEnvBool("SWING_ENABLED", false),
		Debug:        getEnvBool("DEBUG", false),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		MaxTradesPerDay:      getEnvInt("MAX_TRADES_PER_DAY", 3),
		DailyLossLimitUSD:    getEnvFloat("DAILY_LOSS_LIMIT_USD", 10.0),
		MaxConsecutiveLosses: getEnvInt("MAX_CONSECUTIVE_LOSSES", 3),

		ScalpSizeUnits: getEnvFloat("SCALP_SIZE_UNITS", 1),
		SwingSizeUnits: getEnvFloat("SWING_SIZE_UNITS", 1),

		SpreadMax:     getEnvFloat("SPREAD_MAX", 0.60),
		SpreadMin:     getEnvFloat("SPREAD_MIN", 0.20),
		SpreadATRMult: getEnvFloat("SPREAD_ATR_MULT", 0.25),

		EMATrendPeriod:    200,
		EMAFastPeriod:     20,
		EMAPullbackPeriod: 50,
		ATRPeriod:         14,
		RSIPeriod:         14,

		BOSLookbackScalp: getEnvInt("BOS_LOOKBACK_SCALP", 8),
		BOSLookbackSwing: getEnvInt("BOS_LOOKBACK_SWING", 10),
		BOSMarginATR:     getEnvFloat("BOS_MARGIN_ATR", 0.10),
		BigCandleATRMax:  getEnvFloat("BIG_CANDLE_ATR_MAX", 1.50),

		SetupExpiryBarsScalp: getEnvInt("SETUP_EXPIRY_BARS_SCALP", 6),
		SetupExpiryBarsSwing: getEnvInt("SETUP_EXPIRY_BARS_SWING", 12),
		ChopEMADistATRMin:    getEnvFloat("CHOP_EMA_DIST_ATR_MIN", 0.12),
		InvalidationATR:      getEnvFloat("INVALIDATION_ATR", 0.25),

		PullbackTolBase: getEnvFloat("PULLBACK_TOL_BASE", 0.40),
		PullbackTolK:    getEnvFloat("PULLBACK_TOL_K", 0.50),
		PullbackTolMax:  getEnvFloat("PULLBACK_TOL_MAX", 0.80),
		FastTrendMin:    getEnvFloat("FAST_TREND_MIN", 0.35),
		FastTol20:       getEnvFloat("FAST_TOL_20", 0.25),

		RejectClosePct: getEnvFloat("REJECT_CLOSE_PCT", 0.60),
		RejectWickPct:  getEnvFloat("REJECT_WICK_PCT", 0.30),

		RSIBuyMin:       getEnvFloat("RSI_BUY_MIN", 55),
		RSISellMax:      getEnvFloat("RSI_SELL_MAX", 45),
		H1RSIOversold:   getEnvFloat("H1_RSI_OVERSOLD", 30),
		H1RSIOverbought: getEnvFloat("H1_RSI_OVERBOUGHT", 70),
		M15StrengthMin:  getEnvFloat("M15_STRENGTH_MIN", 0.5),
		ATRAbsMin:       getEnvFloat("ATR_ABS_MIN", 0.35),
		ATRRatioMin:     getEnvFloat("ATR_RATIO_MIN", 0.80),
		BodyATRMin:      getEnvFloat("BODY_ATR_MIN", 0.30),

		SLBufferATR:       getEnvFloat("SL_BUFFER_ATR", 0.10),
		TP1ATR:            getEnvFloat("TP1_ATR", 0.8),
		TP2ATR:            getEnvFloat("TP2_ATR", 1.6),
		TP2RSwing:         getEnvFloat("TP2_R_SWING", 3.0),
		PartialCloseTP1:   getEnvFloat("PARTIAL_CLOSE_TP1", 0.50),
		MoveSLToBreakeven: getEnvBool("MOVE_SL_TO_BREAKEVEN_ON_TP1", true),
		MinTP1SpreadMult:  getEnvFloat("MIN_TP1_SPREAD_MULT", 1.5),

		HistoryBars:     getEnvInt("HISTORY_BARS", 300),
		IncrementalBars: getEnvInt("INCREMENTAL_BARS", 6),

		TickPoll:       getEnvDuration("TICK_POLL", 5*time.Second),
		M1Poll:         getEnvDuration("M1_POLL", 10*time.Second),
		M5Poll:         getEnvDuration("M5_POLL", 30*time.Second),
		M15Poll:        getEnvDuration("M15_POLL", 60*time.Second),
		H1Poll:         getEnvDuration("H1_POLL", 5*time.Minute),
		H4Poll:         getEnvDuration("H4_POLL", 20*time.Minute),
		ReconcilePoll:  getEnvDuration("RECONCILE_POLL", time.Minute),
		StatusPoll:     getEnvDuration("STATUS_POLL", time.Minute),
		QuoteFlushPoll: getEnvDuration("QUOTE_FLUSH_POLL", 30*time.Second),
		ModelReload:    getEnvDuration("MODEL_RELOAD", 5*time.Minute),

		SessionRefresh: getEnvDuration("SESSION_REFRESH", 9*time.Minute),

		ReconcileMissThreshold: getEnvInt("RECONCILE_MISS_THRESHOLD", 3),

		ChampionPath:    getEnv("ML_CHAMPION_PATH", "models/current.json"),
		ChallengerPath:  getEnv("ML_CHALLENGER_PATH", "models/challenger.json"),
		MLBuyThreshold:  getEnvFloat("ML_BUY_THRESHOLD", 0.60),
		MLSellThreshold: getEnvFloat("ML_SELL_THRESHOLD", 0.40),

		DBURL: os.Getenv("DB_URL"),
	}

	if cfg.AccountType == "live" {
		cfg.BaseURL = getEnv("CAPITAL_BASE_URL", "https://api-capital.backend-capital.com")
	} else {
		cfg.BaseURL = getEnv("CAPITAL_BASE_URL", "https://demo-api-capital.backend-capital.com")
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if cfg.APIKey == "" || cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("CAPITAL_API_KEY, CAPITAL_EMAIL and CAPITAL_PASSWORD are required")
	}

	return cfg, nil
}

// BOSLookback returns the BOS lookback for a mode
func (c *Config) BOSLookback(swing bool) int {
	if swing {
		return c.BOSLookbackSwing
	}
	return c.BOSLookbackScalp
}

// SetupExpiryBars returns the setup expiry for a mode
func (c *Config) SetupExpiryBars(swing bool) int {
	if swing {
		return c.SetupExpiryBarsSwing
	}
	return c.SetupExpiryBarsScalp
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
