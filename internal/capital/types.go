package capital

// Wire types for the Capital.com REST API. Only the fields the bot consumes
// are mapped.

// MarketStatus values from the market snapshot
const (
	StatusTradeable = "TRADEABLE"
	StatusClosed    = "CLOSED"
	StatusEditsOnly = "EDITS_ONLY"
	StatusOffline   = "OFFLINE"
	StatusSuspended = "SUSPENDED"
)

// Quote is the current bid/ask snapshot for an epic
type Quote struct {
	Bid    float64
	Ask    float64
	Status string
}

// Spread returns ask - bid
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Mid returns (bid + ask) / 2
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Tradeable reports whether new orders are accepted
func (q Quote) Tradeable() bool {
	return q.Status == StatusTradeable
}

// DealResult is the outcome of a confirmed create/close
type DealResult struct {
	DealID        string
	DealReference string
	Profit        *float64 // present on close confirmations when the broker reports it
}

// RemotePosition is one entry of the positions list
type RemotePosition struct {
	DealID     string
	Direction  string // BUY or SELL
	Size       float64
	Level      float64 // entry level
	StopLevel  *float64
	LimitLevel *float64
	CreatedAt  int64 // epoch ms, zero when the broker omits it
}

// ActivityTypePosition marks position lifecycle events in the activity
// history; other types (order edits, swaps, system entries) never carry a
// realized trade profit.
const ActivityTypePosition = "POSITION"

// ActivityEvent is one entry of the account activity history
type ActivityEvent struct {
	DealID string
	Type   string
	Status string
	Epic   string
	Ts     int64
	Profit *float64
}

// ClosedPosition reports whether the event records a position close carrying
// realized profit.
func (e ActivityEvent) ClosedPosition() bool {
	return e.Type == ActivityTypePosition && e.Profit != nil
}

// sessionResponse is the body of POST /api/v1/session
type sessionResponse struct {
	CurrentAccountID string `json:"currentAccountId"`
	AccountInfo      struct {
		Preferred string `json:"preferred"`
	} `json:"accountInfo"`
}

// dualPrice is the bid/ask pair the candle endpoint returns per OHLC field
type dualPrice struct {
	Bid *float64 `json:"bid"`
	Ask *float64 `json:"ask"`
}

func (p dualPrice) mid() float64 {
	switch {
	case p.Bid != nil && p.Ask != nil:
		return (*p.Bid + *p.Ask) / 2
	case p.Bid != nil:
		return *p.Bid
	case p.Ask != nil:
		return *p.Ask
	}
	return 0
}

type pricesResponse struct {
	Prices []struct {
		SnapshotTimeUTC  string    `json:"snapshotTimeUTC"`
		SnapshotTime     string    `json:"snapshotTime"`
		OpenPrice        dualPrice `json:"openPrice"`
		HighPrice        dualPrice `json:"highPrice"`
		LowPrice         dualPrice `json:"lowPrice"`
		ClosePrice       dualPrice `json:"closePrice"`
		LastTradedVolume float64   `json:"lastTradedVolume"`
	} `json:"prices"`
}

type marketResponse struct {
	Snapshot struct {
		Bid           float64 `json:"bid"`
		Offer         float64 `json:"offer"`
		MarketStatus  string  `json:"marketStatus"`
		DecimalPlaces *int    `json:"decimalPlacesFactor"`
	} `json:"snapshot"`
	Instrument struct {
		Epic string `json:"epic"`
	} `json:"instrument"`
}

type accountsResponse struct {
	Accounts []struct {
		AccountID string `json:"accountId"`
		Balance   struct {
			Balance   float64 `json:"balance"`
			Available float64 `json:"available"`
		} `json:"balance"`
	} `json:"accounts"`
}

type positionsResponse struct {
	Positions []positionEnvelope `json:"positions"`
}

type positionEnvelope struct {
	Position struct {
		DealID         string   `json:"dealId"`
		Direction      string   `json:"direction"`
		Size           float64  `json:"size"`
		Level          float64  `json:"level"`
		StopLevel      *float64 `json:"stopLevel"`
		LimitLevel     *float64 `json:"limitLevel"`
		CreatedDateUTC string   `json:"createdDateUTC"`
	} `json:"position"`
}

type dealReferenceResponse struct {
	DealReference string `json:"dealReference"`
}

type confirmResponse struct {
	DealStatus    string   `json:"dealStatus"`
	Status        string   `json:"status"`
	DealID        string   `json:"dealId"`
	DealReference string   `json:"dealReference"`
	Profit        *float64 `json:"profit"`
	AffectedDeals []struct {
		DealID string `json:"dealId"`
		Status string `json:"status"`
	} `json:"affectedDeals"`
}

type activityResponse struct {
	Activities []struct {
		DealID  string   `json:"dealId"`
		Type    string   `json:"type"`
		Status  string   `json:"status"`
		Epic    string   `json:"epic"`
		DateUTC string   `json:"dateUTC"`
		Profit  *float64 `json:"profit"`
		Details *struct {
			Profit *float64 `json:"profit"`
		} `json:"details"`
	} `json:"activities"`
}
