// GoldBot - XAUUSD Trend-Following Pullback + BOS Trading Bot
//
// Automated single-instrument trading against the Capital.com REST API.
//
// Strategy:
// 1. Confirm the trend on a context timeframe (M15 EMA200 for scalp)
// 2. Wait for a pullback into the EMA50/EMA20 band with a rejection candle
// 3. Enter on a break of structure past the recent extreme plus a margin
// 4. Quality gates: spread, chop, H1 macro, RSI, volatility, M1 confirm
// 5. Optional logistic ML gate with a shadow challenger model
// 6. Manage SL / TP1 partial close + re-entry / TP2 on every tick
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devmorrow/goldbot/internal/candles"
	"github.com/devmorrow/goldbot/internal/capital"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/ml"
	"github.com/devmorrow/goldbot/internal/notify"
	"github.com/devmorrow/goldbot/internal/reconcile"
	"github.com/devmorrow/goldbot/internal/scheduler"
	"github.com/devmorrow/goldbot/internal/state"
	"github.com/devmorrow/goldbot/internal/storage"
	"github.com/devmorrow/goldbot/internal/strategy"
)

const version = "1.0.0"

// historyThrottle spaces the startup candle fetches to stay under the API
// rate limit.
const historyThrottle = 250 * time.Millisecond

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("epic", cfg.Epic).
		Str("account", cfg.AccountType).
		Bool("swing", cfg.SwingEnabled).
		Msg("🥇 GoldBot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database (optional)
	var db *storage.Database
	if cfg.DBURL != "" {
		db, err = storage.New(cfg.DBURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
	} else {
		log.Info().Msg("DB_URL not set, persistence disabled")
	}
	rec := storage.NewRecorder(db)

	// ====== CORE COMPONENTS ======

	// 1. Broker session
	broker := capital.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Email, cfg.Password)
	if err := broker.CreateSession(ctx); err != nil {
		log.Fatal().Err(err).Msg("Authentication failed")
	}

	equity, err := broker.GetEquity(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Equity fetch failed")
	}

	// 2. Shared runtime state
	st := state.New(cfg.MaxTradesPerDay, cfg.DailyLossLimitUSD, cfg.MaxConsecutiveLosses)
	st.DailyReset(equity)

	// 3. Telegram notifications
	bot := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	bot.Startup(cfg.Epic, cfg.AccountType, equity)

	// 4. ML models (champion gates, challenger shadows)
	models := ml.NewRegistry(cfg.ChampionPath, cfg.ChallengerPath)

	// 5. Candle store with full history per timeframe
	store := candles.NewStore(broker, cfg.Epic, cfg.HistoryBars, cfg.IncrementalBars)
	for _, tf := range []candles.Timeframe{candles.M1, candles.M5, candles.M15, candles.H1, candles.H4} {
		if err := store.LoadHistory(ctx, tf, cfg.HistoryBars); err != nil {
			log.Fatal().Err(err).Str("tf", string(tf)).Msg("History load failed")
		}
		time.Sleep(historyThrottle)
	}

	// 6. Strategy, position manager, reconciler
	engine := strategy.NewEngine(cfg, broker, store, st, models, rec, bot)
	manager := strategy.NewManager(cfg, broker, st, rec, bot)
	reconciler := reconcile.New(cfg, broker, st, rec, bot)

	// Adopt positions already open at the broker
	if err := reconciler.Adopt(ctx); err != nil {
		log.Warn().Err(err).Msg("Position adoption failed")
	}

	// ====== SCHEDULED JOBS ======

	sched := scheduler.New()

	sched.Every(cfg.TickPoll, "tick", func(ctx context.Context) {
		quote, err := broker.GetPrice(ctx, cfg.Epic)
		if err != nil {
			log.Debug().Err(err).Msg("Tick price fetch failed")
			return
		}
		rec.BufferQuote(storage.QuoteTick{
			Epic: cfg.Epic, Ts: time.Now().UnixMilli(),
			Bid: quote.Bid, Ask: quote.Ask, Status: quote.Status,
		})
		manager.OnTick(ctx, quote)
	})

	updateJob := func(tf candles.Timeframe, onClose func(context.Context)) func(context.Context) {
		return func(ctx context.Context) {
			closed, err := store.Update(ctx, tf)
			if err != nil {
				log.Warn().Err(err).Str("tf", string(tf)).Msg("Candle update failed")
				return
			}
			if closed {
				persistLatest(rec, store, cfg.Epic, tf)
				if onClose != nil {
					onClose(ctx)
				}
			}
		}
	}
	sched.Every(cfg.M1Poll, "m1", updateJob(candles.M1, nil))
	sched.Every(cfg.M5Poll, "m5", updateJob(candles.M5, engine.OnM5Close))
	sched.Every(cfg.M15Poll, "m15", updateJob(candles.M15, nil))
	sched.Every(cfg.H1Poll, "h1", updateJob(candles.H1, engine.OnH1Close))
	sched.Every(cfg.H4Poll, "h4", updateJob(candles.H4, nil))

	sched.Every(cfg.ReconcilePoll, "reconcile", reconciler.Run)

	sched.Every(cfg.SessionRefresh, "session", func(ctx context.Context) {
		if err := broker.CreateSession(ctx); err != nil {
			log.Error().Err(err).Msg("Session refresh failed")
		}
	})

	sched.Every(cfg.ModelReload, "models", func(ctx context.Context) {
		models.Reload()
	})

	sched.Every(cfg.QuoteFlushPoll, "quotes", func(ctx context.Context) {
		rec.FlushQuotes()
	})

	sched.Every(cfg.StatusPoll, "status", func(ctx context.Context) {
		s := st.Stats()
		log.Info().
			Int("trades", s.TradesToday).
			Float64("pnl", s.DailyPnL).
			Int("consec_losses", s.ConsecutiveLosses).
			Int("open", s.OpenPositions).
			Msg("📊 Status")
	})

	sched.DailyAt(ctx, func(ctx context.Context) {
		equity, err := broker.GetEquity(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Daily reset equity fetch failed")
		}
		st.DailyReset(equity)
		bot.DailyReset(equity)
	})

	sched.Start(ctx)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down...")

	cancel()
	sched.Wait()

	// best effort teardown with a fresh deadline; ctx is already canceled
	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer teardownCancel()
	if err := broker.DestroySession(teardownCtx); err != nil {
		log.Warn().Err(err).Msg("Session destroy failed")
	}
	bot.Shutdown()
	rec.Close()

	log.Info().Msg("👋 GoldBot stopped")
}

// persistLatest writes the most recent closed bar of a timeframe
func persistLatest(rec *storage.Recorder, store *candles.Store, epic string, tf candles.Timeframe) {
	bars := store.Get(tf)
	if len(bars) == 0 {
		return
	}
	b := bars[len(bars)-1]
	rec.RecordCandles([]storage.Candle{{
		Epic: epic, Timeframe: string(tf), Ts: b.Time,
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
	}})
}
