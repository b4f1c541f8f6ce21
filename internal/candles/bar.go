package candles

import "time"

// Bar is a closed OHLC candle. Time is the epoch-ms open of the bar; prices
// are the mid of bid/ask as returned by the broker.
type Bar struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Range returns high - low
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Body returns |close - open|
func (b Bar) Body() float64 {
	if b.Close > b.Open {
		return b.Close - b.Open
	}
	return b.Open - b.Close
}

// Timeframe is one of the fixed aggregation windows the bot tracks
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
)

// closeCushion tolerates broker clock skew when deciding whether the most
// recent bar has closed.
const closeCushion = time.Second

// Period returns the timeframe duration
func (tf Timeframe) Period() time.Duration {
	switch tf {
	case M1:
		return time.Minute
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	}
	return 0
}

// Resolution returns the Capital.com resolution string for the timeframe
func (tf Timeframe) Resolution() string {
	switch tf {
	case M1:
		return "MINUTE"
	case M5:
		return "MINUTE_5"
	case M15:
		return "MINUTE_15"
	case H1:
		return "HOUR"
	case H4:
		return "HOUR_4"
	}
	return ""
}

// Closed reports whether a bar opening at t (epoch ms) has closed by now
func (tf Timeframe) Closed(t int64, now time.Time) bool {
	opened := time.UnixMilli(t)
	return now.Sub(opened) >= tf.Period()-closeCushion
}
