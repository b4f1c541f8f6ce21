package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devmorrow/goldbot/internal/capital"
	"github.com/devmorrow/goldbot/internal/config"
	"github.com/devmorrow/goldbot/internal/notify"
	"github.com/devmorrow/goldbot/internal/state"
	"github.com/devmorrow/goldbot/internal/storage"
)

// Broker is the slice of the brokerage client the reconciler depends on
type Broker interface {
	GetPositions(ctx context.Context) ([]capital.RemotePosition, error)
	GetPosition(ctx context.Context, dealID string) (*capital.RemotePosition, error)
	GetActivity(ctx context.Context, fromTs int64) ([]capital.ActivityEvent, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILER - local book vs broker truth
// ═══════════════════════════════════════════════════════════════════════════════
//
// The positions list endpoint is eventually consistent: a live position can
// be briefly absent from it. A tracked deal is therefore only retired after
// it has been missing for missThreshold consecutive cycles AND a direct
// single-position fetch confirms it no longer exists. List staleness is
// never a ground for destructive local action.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Reconciler struct {
	cfg    *config.Config
	broker Broker
	st     *state.State
	rec    *storage.Recorder
	bot    *notify.Notifier

	// touched only from the reconcile job, which never overlaps itself
	misses map[string]int
}

func New(cfg *config.Config, broker Broker, st *state.State, rec *storage.Recorder, bot *notify.Notifier) *Reconciler {
	return &Reconciler{cfg: cfg, broker: broker, st: st, rec: rec, bot: bot, misses: make(map[string]int)}
}

// Run performs one reconcile cycle
func (r *Reconciler) Run(ctx context.Context) {
	remote, err := r.broker.GetPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Reconcile: positions fetch failed, cycle skipped")
		return
	}

	present := make(map[string]bool, len(remote))
	for _, p := range remote {
		present[p.DealID] = true
	}

	tracked := r.st.Positions()
	for _, pos := range tracked {
		if present[pos.DealID] {
			delete(r.misses, pos.DealID)
			continue
		}

		r.misses[pos.DealID]++
		if r.misses[pos.DealID] < r.cfg.ReconcileMissThreshold {
			log.Debug().
				Str("deal_id", pos.DealID).
				Int("misses", r.misses[pos.DealID]).
				Msg("Reconcile: position absent from list")
			continue
		}

		r.verify(ctx, pos)
	}

	// drop counters for deals no longer tracked
	trackedIDs := make(map[string]bool, len(tracked))
	for _, pos := range tracked {
		trackedIDs[pos.DealID] = true
	}
	for id := range r.misses {
		if !trackedIDs[id] {
			delete(r.misses, id)
		}
	}
}

// verify settles the at-threshold case with a direct single-position fetch
func (r *Reconciler) verify(ctx context.Context, pos *state.Position) {
	remote, err := r.broker.GetPosition(ctx, pos.DealID)
	if err == nil && remote != nil {
		// the list was stale, the position is alive
		log.Info().Str("deal_id", pos.DealID).Msg("Reconcile: direct fetch found position, list was stale")
		delete(r.misses, pos.DealID)
		return
	}
	if err != nil && !errors.Is(err, capital.ErrNotFound) {
		log.Warn().Err(err).Str("deal_id", pos.DealID).Msg("Reconcile: direct fetch failed, keeping position")
		return
	}

	// confirmed gone: closed at the broker by its own SL/TP or manually
	pnl, recovered := r.recoverPnL(ctx, pos)

	r.st.RemovePosition(pos.DealID)
	delete(r.misses, pos.DealID)
	if recovered {
		r.st.UpdatePnL(pnl)
	}
	r.rec.RecordTradeClose(pos.DealID, "BROKER", pnl, time.Now().UnixMilli())
	r.bot.BrokerClosed(pos.DealID, pnl, recovered)

	log.Warn().
		Str("deal_id", pos.DealID).
		Float64("pnl", pnl).
		Bool("pnl_recovered", recovered).
		Msg("⚠️ Position closed at broker, removed locally")
}

// recoverPnL looks up the realized profit in the closed-position events of
// the activity history since the deal opened.
func (r *Reconciler) recoverPnL(ctx context.Context, pos *state.Position) (float64, bool) {
	events, err := r.broker.GetActivity(ctx, pos.OpenedAt)
	if err != nil {
		log.Warn().Err(err).Str("deal_id", pos.DealID).Msg("Reconcile: activity fetch failed")
		return 0, false
	}
	for _, ev := range events {
		if ev.DealID == pos.DealID && ev.ClosedPosition() {
			return *ev.Profit, true
		}
	}
	return 0, false
}

// Adopt books positions that already exist at the broker on startup. An
// adopted position keeps its broker-side SL/TP; a position without a stop
// level cannot be managed safely and is skipped.
func (r *Reconciler) Adopt(ctx context.Context) error {
	remote, err := r.broker.GetPositions(ctx)
	if err != nil {
		return err
	}

	for _, rp := range remote {
		if r.st.GetPosition(rp.DealID) != nil {
			continue
		}
		if rp.StopLevel == nil || rp.Level == 0 {
			log.Warn().
				Str("deal_id", rp.DealID).
				Msg("Adoption skipped: missing entry or stop, broker keeps management")
			continue
		}

		entry := rp.Level
		sl := *rp.StopLevel

		// tp2 from the broker's limit when present, else a synthetic 2R
		var tp2 float64
		if rp.LimitLevel != nil {
			tp2 = *rp.LimitLevel
		} else if rp.Direction == string(state.Buy) {
			tp2 = entry + 2*(entry-sl)
		} else {
			tp2 = entry - 2*(sl-entry)
		}
		tp1 := (entry + tp2) / 2

		openedAt := rp.CreatedAt
		if openedAt == 0 {
			openedAt = time.Now().UnixMilli()
		}

		pos := &state.Position{
			DealID:    rp.DealID,
			Direction: state.Direction(rp.Direction),
			Mode:      state.ModeAdopted,
			Size:      rp.Size,
			Entry:     entry,
			SL:        sl,
			TP1:       tp1,
			TP2:       tp2,
			OpenedAt:  openedAt,
		}
		r.st.AdoptPosition(pos)

		r.rec.RecordTrade(storage.TradeRecord{
			DealID: rp.DealID, Epic: r.cfg.Epic,
			Direction: rp.Direction, Mode: string(state.ModeAdopted),
			Size: rp.Size, Entry: entry, SL: sl, TP1: tp1, TP2: tp2,
			Status: "open", OpenedTs: openedAt,
		})

		log.Info().
			Str("deal_id", rp.DealID).
			Str("direction", rp.Direction).
			Float64("size", rp.Size).
			Msg("📥 Existing position adopted")
	}
	return nil
}
