// Package storage is the durable store for opportunities, trade results
// and rolling statistics (spec §4.6), backed by GORM against either
// Postgres or SQLite depending on the configured DSN.
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/types"
)

// TTL compaction windows, per spec §4.6.
const (
	OpportunityTTL = 30 * 24 * time.Hour
	TradeTTL       = 365 * 24 * time.Hour
	StatisticsTTL  = 2 * 365 * 24 * time.Hour
)

// OpportunityRecord is the persisted shape of an ArbitrageOpportunity.
type OpportunityRecord struct {
	ID              string `gorm:"primaryKey"`
	Pair            string `gorm:"index:idx_opp_pair_detected,priority:1"`
	BuyExchange     string `gorm:"index:idx_opp_route_detected,priority:1"`
	SellExchange    string `gorm:"index:idx_opp_route_detected,priority:2"`
	BuyPrice        decimal.Decimal `gorm:"type:decimal(24,10)"`
	SellPrice       decimal.Decimal `gorm:"type:decimal(24,10)"`
	EffectiveQty    decimal.Decimal `gorm:"type:decimal(24,10)"`
	SpreadAbs       decimal.Decimal `gorm:"type:decimal(24,10)"`
	SpreadPct       decimal.Decimal `gorm:"type:decimal(24,10)"`
	EstProfitQuote  decimal.Decimal `gorm:"type:decimal(24,10);index:idx_opp_profit,sort:desc"`
	EstFeesQuote    decimal.Decimal `gorm:"type:decimal(24,10)"`
	DetectedAt      time.Time       `gorm:"index;index:idx_opp_pair_detected,priority:2;index:idx_opp_route_detected,priority:3"`
	Status          string
	RejectionReason string
	CreatedAt       time.Time
}

func (OpportunityRecord) TableName() string { return "opportunities" }

// TradeRecord is the persisted shape of a TradeResult.
type TradeRecord struct {
	ID              string `gorm:"primaryKey"`
	OpportunityID   string `gorm:"index"`
	IsSuccess       bool
	BuyExchange     string
	BuyPrice        decimal.Decimal `gorm:"type:decimal(24,10)"`
	BuyQty          decimal.Decimal `gorm:"type:decimal(24,10)"`
	BuyFee          decimal.Decimal `gorm:"type:decimal(24,10)"`
	SellExchange    string
	SellPrice       decimal.Decimal `gorm:"type:decimal(24,10)"`
	SellQty         decimal.Decimal `gorm:"type:decimal(24,10)"`
	SellFee         decimal.Decimal `gorm:"type:decimal(24,10)"`
	ProfitAbs       decimal.Decimal `gorm:"type:decimal(24,10);index:idx_trade_profit,sort:desc"`
	ProfitPct       decimal.Decimal `gorm:"type:decimal(24,10)"`
	Err             string
	ExecutionTimeMs int64
	Timestamp       time.Time `gorm:"index"`
	CreatedAt       time.Time
}

func (TradeRecord) TableName() string { return "trades" }

// StatisticsRecord is a cached rollup for one pair over one day.
type StatisticsRecord struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	Pair               string `gorm:"uniqueIndex:idx_stats_pair_day"`
	Day                string `gorm:"uniqueIndex:idx_stats_pair_day"` // YYYY-MM-DD, UTC
	TotalOpportunities int64
	TotalTrades        int64
	WinningTrades       int64
	TotalProfit        decimal.Decimal `gorm:"type:decimal(24,10)"`
	WinRatePct         decimal.Decimal `gorm:"type:decimal(10,4)"`
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
}

func (StatisticsRecord) TableName() string { return "statistics" }

// TimeRange bounds a query by detected_at/timestamp, either side optional.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) applyOpportunity(q *gorm.DB) *gorm.DB {
	if !r.From.IsZero() {
		q = q.Where("detected_at >= ?", r.From)
	}
	if !r.To.IsZero() {
		q = q.Where("detected_at <= ?", r.To)
	}
	return q
}

func (r TimeRange) applyTrade(q *gorm.DB) *gorm.DB {
	if !r.From.IsZero() {
		q = q.Where("timestamp >= ?", r.From)
	}
	if !r.To.IsZero() {
		q = q.Where("timestamp <= ?", r.To)
	}
	return q
}

// Repository is the durable store described in spec §4.6.
type Repository struct {
	db *gorm.DB
}

// New opens a connection: a postgres://... DSN selects the Postgres
// driver, anything else is treated as a SQLite file path.
func New(dsn string) (*Repository, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, &errs.PersistenceError{Op: "open", Err: err}
		}
		log.Info().Msg("🗄️ repository connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &errs.PersistenceError{Op: "mkdir", Err: err}
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, &errs.PersistenceError{Op: "open", Err: err}
		}
		log.Info().Str("path", dsn).Msg("🗄️ repository connected (sqlite)")
	}

	if err := db.AutoMigrate(&OpportunityRecord{}, &TradeRecord{}, &StatisticsRecord{}); err != nil {
		return nil, &errs.PersistenceError{Op: "migrate", Err: err}
	}

	return &Repository{db: db}, nil
}

// Close releases the underlying database connection.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return &errs.PersistenceError{Op: "close", Err: err}
	}
	return sqlDB.Close()
}

// SaveOpportunity is idempotent by opportunity.id.
func (r *Repository) SaveOpportunity(o types.ArbitrageOpportunity) error {
	record := OpportunityRecord{
		ID:              o.ID.String(),
		Pair:            o.Pair.String(),
		BuyExchange:     string(o.BuyExchange),
		SellExchange:    string(o.SellExchange),
		BuyPrice:        o.BuyPrice,
		SellPrice:       o.SellPrice,
		EffectiveQty:    o.EffectiveQty,
		SpreadAbs:       o.SpreadAbs,
		SpreadPct:       o.SpreadPct,
		EstProfitQuote:  o.EstProfitQuote,
		EstFeesQuote:    o.EstFeesQuote,
		DetectedAt:      o.DetectedAt,
		Status:          string(o.Status),
		RejectionReason: o.RejectionReason,
		CreatedAt:       time.Now().UTC(),
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "rejection_reason"}),
	}).Create(&record).Error
	if err != nil {
		return &errs.PersistenceError{Op: "save_opportunity", Err: err}
	}
	return nil
}

// SaveTrade is idempotent by trade.id and links to opportunity_id.
func (r *Repository) SaveTrade(t types.TradeResult) error {
	record := TradeRecord{
		ID:              t.ID.String(),
		OpportunityID:   t.OpportunityID.String(),
		IsSuccess:       t.IsSuccess,
		ProfitAbs:       t.ProfitAbs,
		ProfitPct:       t.ProfitPct,
		Err:             t.Err,
		ExecutionTimeMs: t.ExecutionTimeMs,
		Timestamp:       t.Timestamp,
		CreatedAt:       time.Now().UTC(),
	}
	if t.BuyExecution != nil {
		record.BuyExchange = string(t.BuyExecution.ExchangeID)
		record.BuyPrice = t.BuyExecution.Price
		record.BuyQty = t.BuyExecution.Quantity
		record.BuyFee = t.BuyExecution.Fee
	}
	if t.SellExecution != nil {
		record.SellExchange = string(t.SellExecution.ExchangeID)
		record.SellPrice = t.SellExecution.Price
		record.SellQty = t.SellExecution.Quantity
		record.SellFee = t.SellExecution.Fee
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&record).Error
	if err != nil {
		return &errs.PersistenceError{Op: "save_trade", Err: err}
	}
	return nil
}

// GetOpportunities returns opportunities in the range, newest first.
func (r *Repository) GetOpportunities(tr TimeRange, limit int) ([]OpportunityRecord, error) {
	var out []OpportunityRecord
	q := tr.applyOpportunity(r.db.Model(&OpportunityRecord{})).Order("detected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "get_opportunities", Err: err}
	}
	return out, nil
}

// GetTrades returns trades in the range, newest first.
func (r *Repository) GetTrades(tr TimeRange, limit int) ([]TradeRecord, error) {
	var out []TradeRecord
	q := tr.applyTrade(r.db.Model(&TradeRecord{})).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "get_trades", Err: err}
	}
	return out, nil
}

// GetTradesByOpportunity returns every trade linked to one opportunity id.
func (r *Repository) GetTradesByOpportunity(opportunityID string) ([]TradeRecord, error) {
	var out []TradeRecord
	if err := r.db.Where("opportunity_id = ?", opportunityID).Order("timestamp ASC").Find(&out).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "get_trades_by_opportunity", Err: err}
	}
	return out, nil
}

// Statistics is the computed rollup returned by GetStatistics.
type Statistics struct {
	Pair               string
	TotalOpportunities int64
	TotalTrades        int64
	WinningTrades      int64
	TotalProfit        decimal.Decimal
	WinRatePct         decimal.Decimal
}

// GetStatistics computes (and caches, per day) statistics for pair over
// the given range. pair == "" aggregates across all pairs.
func (r *Repository) GetStatistics(pair string, tr TimeRange) (Statistics, error) {
	stats := Statistics{Pair: pair}

	oppQuery := tr.applyOpportunity(r.db.Model(&OpportunityRecord{}))
	if pair != "" {
		oppQuery = oppQuery.Where("pair = ?", pair)
	}
	if err := oppQuery.Count(&stats.TotalOpportunities).Error; err != nil {
		return Statistics{}, &errs.PersistenceError{Op: "get_statistics", Err: err}
	}

	type tradeAgg struct {
		Total   int64
		Winning int64
		Profit  decimal.Decimal
	}
	var agg tradeAgg
	tradeQuery := tr.applyTrade(r.db.Model(&TradeRecord{}))
	if pair != "" {
		tradeQuery = tradeQuery.Joins("JOIN opportunities ON opportunities.id = trades.opportunity_id").
			Where("opportunities.pair = ?", pair)
	}
	row := tradeQuery.Select(
		"COUNT(*) as total",
		"SUM(CASE WHEN is_success AND profit_abs > 0 THEN 1 ELSE 0 END) as winning",
		"COALESCE(SUM(profit_abs), 0) as profit",
	).Row()
	if row != nil {
		if err := row.Scan(&agg.Total, &agg.Winning, &agg.Profit); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return Statistics{}, &errs.PersistenceError{Op: "get_statistics", Err: err}
		}
	}

	stats.TotalTrades = agg.Total
	stats.WinningTrades = agg.Winning
	stats.TotalProfit = agg.Profit
	if agg.Total > 0 {
		stats.WinRatePct = decimal.NewFromInt(agg.Winning).Div(decimal.NewFromInt(agg.Total)).Mul(decimal.NewFromInt(100))
	}

	r.cacheStatistics(stats)
	return stats, nil
}

func (r *Repository) cacheStatistics(stats Statistics) {
	day := time.Now().UTC().Format("2006-01-02")
	record := StatisticsRecord{
		Pair:               stats.Pair,
		Day:                day,
		TotalOpportunities: stats.TotalOpportunities,
		TotalTrades:        stats.TotalTrades,
		WinningTrades:      stats.WinningTrades,
		TotalProfit:        stats.TotalProfit,
		WinRatePct:         stats.WinRatePct,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair"}, {Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_opportunities", "total_trades", "winning_trades", "total_profit", "win_rate_pct", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ failed to cache statistics rollup")
	}
}

// CompactOlderThan deletes rows past each table's TTL, measured from now:
// 30 days for opportunities, 1 year for trades, 2 years for statistics.
func (r *Repository) CompactOlderThan(now time.Time) error {
	if err := r.db.Where("detected_at < ?", now.Add(-OpportunityTTL)).Delete(&OpportunityRecord{}).Error; err != nil {
		return &errs.PersistenceError{Op: "compact_opportunities", Err: err}
	}
	if err := r.db.Where("timestamp < ?", now.Add(-TradeTTL)).Delete(&TradeRecord{}).Error; err != nil {
		return &errs.PersistenceError{Op: "compact_trades", Err: err}
	}
	if err := r.db.Where("created_at < ?", now.Add(-StatisticsTTL)).Delete(&StatisticsRecord{}).Error; err != nil {
		return &errs.PersistenceError{Op: "compact_statistics", Err: err}
	}
	log.Info().Time("as_of", now).Msg("🧹 repository TTL compaction complete")
	return nil
}
