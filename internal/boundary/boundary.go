// Package boundary is the seam between the arbitrage core and any outer
// control plane (HTTP admin API, TUI, CLI) per spec.md §6. It does not
// implement those outer callers — only the interface they would call into
// and the Supervisor-backed implementation of it.
package boundary

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/exchange"
	"github.com/web3guy0/arbengine/internal/storage"
	"github.com/web3guy0/arbengine/internal/supervisor"
	"github.com/web3guy0/arbengine/types"
)

// Status is the get_status surface of spec.md §6: per-exchange connection
// health plus the risk gate's live counters.
type Status struct {
	Running           bool
	Equity            decimal.Decimal
	EquityAtDayStart  decimal.Decimal
	RealizedLossToday decimal.Decimal
	OpenTrades        int
	Exchanges         map[types.ExchangeID]exchange.Status
}

// ConfigUpdate is the payload of update_configuration: any nil field is
// left unchanged. Per spec.md §6, a RiskProfile change takes effect on the
// next detection tick; exchange auth changes (not modeled here — those are
// re-read by each client's own Authenticate call) take effect on the next
// reconnect.
type ConfigUpdate struct {
	RiskProfile *types.RiskProfile
}

// ControlPlane is the operation set spec.md §6 names: start, stop,
// get_status, get_opportunities, get_trades, get_statistics,
// get_exchange_statuses, update_configuration.
type ControlPlane interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetStatus() Status
	GetOpportunities(tr storage.TimeRange, limit int) ([]storage.OpportunityRecord, error)
	GetTrades(tr storage.TimeRange, limit int) ([]storage.TradeRecord, error)
	GetStatistics(pair string, tr storage.TimeRange) (storage.Statistics, error)
	GetExchangeStatuses() map[types.ExchangeID]exchange.Status
	UpdateConfiguration(update ConfigUpdate) error
}

// Adapter implements ControlPlane over a Supervisor and its Repository.
// start/stop are idempotent because Supervisor.Start/Stop already are.
type Adapter struct {
	sup  *supervisor.Supervisor
	repo *storage.Repository
}

// New constructs an Adapter. repo may be nil (e.g. an all-in-memory paper
// run); query operations then return the zero value with no error.
func New(sup *supervisor.Supervisor, repo *storage.Repository) *Adapter {
	return &Adapter{sup: sup, repo: repo}
}

// Start implements ControlPlane.
func (a *Adapter) Start(ctx context.Context) error { return a.sup.Start(ctx) }

// Stop implements ControlPlane.
func (a *Adapter) Stop(ctx context.Context) error { return a.sup.Stop(ctx) }

// GetStatus implements ControlPlane.
func (a *Adapter) GetStatus() Status {
	state := a.sup.GateState()
	return Status{
		Running:           a.sup.Running(),
		Equity:            state.Equity,
		EquityAtDayStart:  state.EquityAtDayStart,
		RealizedLossToday: state.RealizedLossToday,
		OpenTrades:        state.OpenTrades,
		Exchanges:         a.sup.ExchangeStatuses(),
	}
}

// GetOpportunities implements ControlPlane.
func (a *Adapter) GetOpportunities(tr storage.TimeRange, limit int) ([]storage.OpportunityRecord, error) {
	if a.repo == nil {
		return nil, nil
	}
	return a.repo.GetOpportunities(tr, limit)
}

// GetTrades implements ControlPlane.
func (a *Adapter) GetTrades(tr storage.TimeRange, limit int) ([]storage.TradeRecord, error) {
	if a.repo == nil {
		return nil, nil
	}
	return a.repo.GetTrades(tr, limit)
}

// GetStatistics implements ControlPlane.
func (a *Adapter) GetStatistics(pair string, tr storage.TimeRange) (storage.Statistics, error) {
	if a.repo == nil {
		return storage.Statistics{}, nil
	}
	return a.repo.GetStatistics(pair, tr)
}

// GetExchangeStatuses implements ControlPlane.
func (a *Adapter) GetExchangeStatuses() map[types.ExchangeID]exchange.Status {
	return a.sup.ExchangeStatuses()
}

// UpdateConfiguration implements ControlPlane: applies atomically, taking
// effect on the Supervisor's next detection tick.
func (a *Adapter) UpdateConfiguration(update ConfigUpdate) error {
	if update.RiskProfile != nil {
		a.sup.UpdateRiskProfile(*update.RiskProfile)
	}
	return nil
}
