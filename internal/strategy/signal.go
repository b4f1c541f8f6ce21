package strategy

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/devmorrow/goldbot/internal/state"
	"github.com/devmorrow/goldbot/internal/storage"
)

// Action is the labeled outcome of one strategy evaluation. Gate failures
// use the bare SKIP_* form; outcomes that depend on a direction are
// prefixed with it (BUY_WATCHING, SELL_EXEC, ...).
type Action string

const (
	ActionSkipRisk         Action = "SKIP_RISK"
	ActionSkipMarketClosed Action = "SKIP_MARKET_CLOSED"
	ActionSkipSpread       Action = "SKIP_SPREAD"
	ActionSkipTrend        Action = "SKIP_TREND"
	ActionSkipChop         Action = "SKIP_CHOP"
	ActionSkipTrendFlip    Action = "SKIP_TREND_FLIP"
	ActionSkipEMAAlignment Action = "SKIP_EMA_ALIGNMENT"
	ActionSkipMeanBreak    Action = "SKIP_MEAN_BREAK"
	ActionSkipExpired      Action = "SKIP_EXPIRED"
	ActionSkipH1Macro      Action = "SKIP_H1_MACRO"
	ActionSkipM15Strength  Action = "SKIP_M15_STRENGTH"
	ActionSkipRSI          Action = "SKIP_RSI"
	ActionSkipATRRatio     Action = "SKIP_ATR_RATIO"
	ActionSkipBody         Action = "SKIP_BODY"
	ActionSkipM1           Action = "SKIP_M1"
	ActionSkipML           Action = "SKIP_ML"
	ActionSkipTP1Spread    Action = "SKIP_TP1_SPREAD"
	ActionSkipOrderFailed  Action = "SKIP_ORDER_FAILED"

	suffixWatching  = "_WATCHING"
	suffixCandidate = "_CANDIDATE"
	suffixExec      = "_EXEC"
)

// Watching marks a setup armed but not yet triggered
func Watching(d state.Direction) Action { return Action(string(d) + suffixWatching) }

// Candidate marks a setup armed on this bar
func Candidate(d state.Direction) Action { return Action(string(d) + suffixCandidate) }

// Exec marks an order issued
func Exec(d state.Direction) Action { return Action(string(d) + suffixExec) }

// Signal accumulates one evaluation's outcome, reasons and feature vector.
// It is created when the handler starts and flushed exactly once when the
// handler returns, whichever gate fired.
type Signal struct {
	Ts       int64 // open time of the evaluated bar, epoch ms
	Mode     state.Mode
	Action   Action
	Reasons  map[string]string
	Features map[string]float64

	Price  float64
	ATR    float64
	Spread float64

	ModelVersion string
	ModelScore   float64
	ModelScored  bool
}

func newSignal(mode state.Mode, ts int64) *Signal {
	return &Signal{
		Ts:       ts,
		Mode:     mode,
		Reasons:  make(map[string]string),
		Features: make(map[string]float64),
	}
}

// reason attaches a labeled detail to the record
func (s *Signal) reason(key, value string) {
	s.Reasons[key] = value
}

// flush writes the record to the persistence sink and the log. A signal
// whose action was never set means the evaluation aborted on broker I/O,
// and nothing is recorded.
func (s *Signal) flush(epic string, rec *storage.Recorder) {
	if s.Action == "" {
		return
	}

	log.Info().
		Str("mode", string(s.Mode)).
		Str("action", string(s.Action)).
		Float64("price", s.Price).
		Float64("spread", s.Spread).
		Msg("📋 Signal")

	features, _ := json.Marshal(s.Features)
	rec.RecordSignal(storage.SignalRecord{
		Epic:     epic,
		Mode:     string(s.Mode),
		Ts:       s.Ts,
		Action:   string(s.Action),
		Reason:   s.reasonSummary(),
		Price:    s.Price,
		ATR:      s.ATR,
		Spread:   s.Spread,
		Features: string(features),
	})
}

func (s *Signal) reasonSummary() string {
	if len(s.Reasons) == 0 {
		return ""
	}
	b, _ := json.Marshal(s.Reasons)
	return string(b)
}
