package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

// Models

// Candle is one closed bar of one timeframe, keyed by (epic, tf, ts)
type Candle struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Epic      string `gorm:"uniqueIndex:idx_candle_key"`
	Timeframe string `gorm:"uniqueIndex:idx_candle_key"`
	Ts        int64  `gorm:"uniqueIndex:idx_candle_key"` // bar open, epoch ms
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CreatedAt time.Time
}

// SignalRecord is one strategy evaluation: the action taken, the gate that
// stopped it (if any) and the full feature vector as JSON.
type SignalRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Epic      string `gorm:"index"`
	Mode      string // SCALP or SWING
	Ts        int64  `gorm:"index"` // evaluated bar open, epoch ms
	Action    string `gorm:"index"`
	Reason    string
	Price     float64
	ATR       float64
	Spread    float64
	Features  string `gorm:"type:text"` // JSON feature map
	CreatedAt time.Time
}

// Prediction is one model score attached to a signal evaluation. Champion
// and challenger rows share the signal timestamp.
type Prediction struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Epic         string `gorm:"index"`
	Ts           int64  `gorm:"index"`
	Slot         string // "champion" or "challenger"
	ModelVersion string
	Score        float64
	Action       string
	CreatedAt    time.Time
}

// TradeRecord is the lifecycle of one deal from open to close
type TradeRecord struct {
	DealID      string `gorm:"primaryKey"`
	Epic        string `gorm:"index"`
	Direction   string
	Mode        string
	Size        float64
	Entry       float64
	SL          float64
	TP1         float64
	TP2         float64
	Status      string `gorm:"index"` // "open", "closed"
	CloseReason string // "SL", "TP1", "TP2", "BROKER", "MANUAL"
	Profit      float64
	OpenedTs    int64
	ClosedTs    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QuoteTick is one bid/ask observation, keyed by (epic, ts)
type QuoteTick struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Epic      string `gorm:"uniqueIndex:idx_quote_key"`
	Ts        int64  `gorm:"uniqueIndex:idx_quote_key"` // epoch ms
	Bid       float64
	Ask       float64
	Status    string
	CreatedAt time.Time
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		// SQLite fallback
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	// Auto migrate all models
	if err := db.AutoMigrate(&Candle{}, &SignalRecord{}, &Prediction{}, &TradeRecord{}, &QuoteTick{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Candle operations

// SaveCandles upserts a batch of bars; re-fetched bars overwrite in place
func (d *Database) SaveCandles(candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "epic"}, {Name: "timeframe"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).Create(&candles).Error
}

func (d *Database) GetCandles(epic, timeframe string, limit int) ([]Candle, error) {
	var candles []Candle
	err := d.db.Where("epic = ? AND timeframe = ?", epic, timeframe).
		Order("ts DESC").Limit(limit).Find(&candles).Error
	if err != nil {
		return nil, err
	}
	// back to ascending
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// Signal operations

func (d *Database) SaveSignal(sig *SignalRecord) error {
	return d.db.Create(sig).Error
}

func (d *Database) GetRecentSignals(epic string, limit int) ([]SignalRecord, error) {
	var signals []SignalRecord
	err := d.db.Where("epic = ?", epic).Order("ts DESC").Limit(limit).Find(&signals).Error
	return signals, err
}

// Prediction operations

func (d *Database) SavePrediction(pred *Prediction) error {
	return d.db.Create(pred).Error
}

// Trade operations

func (d *Database) SaveTrade(trade *TradeRecord) error {
	return d.db.Save(trade).Error
}

func (d *Database) CloseTrade(dealID, reason string, profit float64, closedTs int64) error {
	return d.db.Model(&TradeRecord{}).Where("deal_id = ?", dealID).Updates(map[string]any{
		"status":       "closed",
		"close_reason": reason,
		"profit":       profit,
		"closed_ts":    closedTs,
	}).Error
}

func (d *Database) GetOpenTrades(epic string) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Where("epic = ? AND status = ?", epic, "open").Find(&trades).Error
	return trades, err
}

func (d *Database) GetRecentTrades(epic string, limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Where("epic = ?", epic).Order("opened_ts DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// Quote operations

// SaveQuotes inserts a tick batch, ignoring duplicates of (epic, ts)
func (d *Database) SaveQuotes(quotes []QuoteTick) error {
	if len(quotes) == 0 {
		return nil
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&quotes).Error
}

// Stats operations

func (d *Database) GetStats(epic string) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var signalCount int64
	d.db.Model(&SignalRecord{}).Where("epic = ?", epic).Count(&signalCount)
	stats["total_signals"] = signalCount

	var tradeCount int64
	d.db.Model(&TradeRecord{}).Where("epic = ?", epic).Count(&tradeCount)
	stats["total_trades"] = tradeCount

	var openCount int64
	d.db.Model(&TradeRecord{}).Where("epic = ? AND status = ?", epic, "open").Count(&openCount)
	stats["open_trades"] = openCount

	var profitResult struct {
		Total float64
	}
	d.db.Model(&TradeRecord{}).Where("epic = ? AND status = ?", epic, "closed").
		Select("COALESCE(SUM(profit), 0) as total").Scan(&profitResult)
	stats["total_profit"] = profitResult.Total

	return stats, nil
}
