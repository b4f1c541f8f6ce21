package storage

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECORDER - non-blocking persistence front
// ═══════════════════════════════════════════════════════════════════════════════
//
// The trading path must never wait on the database. Writes are queued to a
// bounded channel and applied by a single worker; when the queue is full the
// write is dropped with a warning. Persistence is best effort by design:
// the broker, not the database, is the source of truth.
//
// Quote ticks arrive every few seconds and are buffered in memory, then
// flushed as one batch on a timer.
//
// ═══════════════════════════════════════════════════════════════════════════════

const recorderQueueSize = 256

// Recorder is the async write front over Database. A nil Recorder is valid
// and discards everything, which is how the bot runs with persistence
// disabled.
type Recorder struct {
	db    *Database
	queue chan func(*Database)
	done  chan struct{}

	quoteMu sync.Mutex
	quotes  []QuoteTick
}

// NewRecorder starts the write worker. Pass nil db to disable persistence.
func NewRecorder(db *Database) *Recorder {
	if db == nil {
		return nil
	}
	r := &Recorder{
		db:    db,
		queue: make(chan func(*Database), recorderQueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for job := range r.queue {
		job(r.db)
	}
}

// enqueue queues a write, dropping it when the queue is full
func (r *Recorder) enqueue(kind string, job func(*Database)) {
	select {
	case r.queue <- job:
	default:
		log.Warn().Str("kind", kind).Msg("Persistence queue full, write dropped")
	}
}

// RecordCandles persists a batch of closed bars
func (r *Recorder) RecordCandles(candles []Candle) {
	if r == nil || len(candles) == 0 {
		return
	}
	r.enqueue("candles", func(db *Database) {
		if err := db.SaveCandles(candles); err != nil {
			log.Error().Err(err).Int("count", len(candles)).Msg("Candle save failed")
		}
	})
}

// RecordSignal persists one strategy evaluation
func (r *Recorder) RecordSignal(sig SignalRecord) {
	if r == nil {
		return
	}
	r.enqueue("signal", func(db *Database) {
		if err := db.SaveSignal(&sig); err != nil {
			log.Error().Err(err).Str("action", sig.Action).Msg("Signal save failed")
		}
	})
}

// RecordPrediction persists one model score
func (r *Recorder) RecordPrediction(pred Prediction) {
	if r == nil {
		return
	}
	r.enqueue("prediction", func(db *Database) {
		if err := db.SavePrediction(&pred); err != nil {
			log.Error().Err(err).Str("slot", pred.Slot).Msg("Prediction save failed")
		}
	})
}

// RecordTrade persists or updates one trade record
func (r *Recorder) RecordTrade(trade TradeRecord) {
	if r == nil {
		return
	}
	r.enqueue("trade", func(db *Database) {
		if err := db.SaveTrade(&trade); err != nil {
			log.Error().Err(err).Str("deal_id", trade.DealID).Msg("Trade save failed")
		}
	})
}

// RecordTradeClose marks a trade closed with its outcome
func (r *Recorder) RecordTradeClose(dealID, reason string, profit float64, closedTs int64) {
	if r == nil {
		return
	}
	r.enqueue("trade_close", func(db *Database) {
		if err := db.CloseTrade(dealID, reason, profit, closedTs); err != nil {
			log.Error().Err(err).Str("deal_id", dealID).Msg("Trade close save failed")
		}
	})
}

// BufferQuote adds one tick to the in-memory buffer
func (r *Recorder) BufferQuote(q QuoteTick) {
	if r == nil {
		return
	}
	r.quoteMu.Lock()
	r.quotes = append(r.quotes, q)
	r.quoteMu.Unlock()
}

// FlushQuotes writes the buffered ticks as one batch
func (r *Recorder) FlushQuotes() {
	if r == nil {
		return
	}
	r.quoteMu.Lock()
	batch := r.quotes
	r.quotes = nil
	r.quoteMu.Unlock()

	if len(batch) == 0 {
		return
	}
	r.enqueue("quotes", func(db *Database) {
		if err := db.SaveQuotes(batch); err != nil {
			log.Error().Err(err).Int("count", len(batch)).Msg("Quote flush failed")
		}
	})
}

// Close flushes buffered quotes and drains the queue
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.FlushQuotes()
	close(r.queue)
	<-r.done
}
