package execution

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/risk"
	"github.com/web3guy0/arbengine/internal/storage"
	"github.com/web3guy0/arbengine/types"
)

// Reconciler handles startup recovery: no live order state survives a
// process restart, so any opportunity left Executing from a prior crash
// is orphaned and must be marked Failed rather than silently forgotten.
type Reconciler struct {
	repo *storage.Repository
}

// NewReconciler constructs a Reconciler over repo.
func NewReconciler(repo *storage.Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

// RecoverOrphanedExecutions finds opportunities left in the Executing
// state by a previous process and marks them Failed. Returns the count
// recovered.
func (r *Reconciler) RecoverOrphanedExecutions() (int, error) {
	if r.repo == nil {
		log.Info().Msg("📦 no repository configured — skipping orphan recovery")
		return 0, nil
	}

	records, err := r.repo.GetOpportunities(storage.TimeRange{}, 0)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range records {
		if rec.Status != string(types.StatusExecuting) {
			continue
		}
		opp := types.ArbitrageOpportunity{
			ID:              mustParseID(rec.ID),
			Pair:            parsePair(rec.Pair),
			BuyExchange:     types.ExchangeID(rec.BuyExchange),
			SellExchange:    types.ExchangeID(rec.SellExchange),
			BuyPrice:        rec.BuyPrice,
			SellPrice:       rec.SellPrice,
			EffectiveQty:    rec.EffectiveQty,
			SpreadAbs:       rec.SpreadAbs,
			SpreadPct:       rec.SpreadPct,
			EstProfitQuote:  rec.EstProfitQuote,
			EstFeesQuote:    rec.EstFeesQuote,
			DetectedAt:      rec.DetectedAt,
			Status:          types.StatusFailed,
			RejectionReason: "orphaned: process restarted mid-execution",
		}
		if err := r.repo.SaveOpportunity(opp); err != nil {
			log.Error().Err(err).Str("opportunity_id", rec.ID).Msg("❌ failed to mark orphaned opportunity Failed")
			continue
		}
		recovered++
		log.Warn().Str("opportunity_id", rec.ID).Msg("⚠️ recovered orphaned in-flight opportunity from previous run")
	}

	log.Info().Int("recovered", recovered).Msg("✅ orphan execution recovery complete")
	return recovered, nil
}

// ReplayDailyPnL sums today's (UTC) realized trade P&L and seeds gate's
// daily loss counter, so a restart mid-day doesn't reset the daily_loss
// guard to zero.
func (r *Reconciler) ReplayDailyPnL(gate *risk.Gate) error {
	if r.repo == nil {
		return nil
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	stats, err := r.repo.GetStatistics("", storage.TimeRange{From: dayStart})
	if err != nil {
		return err
	}
	loss := decimal.Zero
	if stats.TotalProfit.IsNegative() {
		loss = stats.TotalProfit.Abs()
	}
	gate.Seed(loss)
	log.Info().Str("realized_loss_today", loss.StringFixed(2)).Msg("📥 replayed daily P&L into risk gate")
	return nil
}

func mustParseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.New()
	}
	return id
}

func parsePair(s string) types.TradingPair {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return types.TradingPair{}
	}
	return types.TradingPair{Base: types.Currency(parts[0]), Quote: types.Currency(parts[1])}
}
