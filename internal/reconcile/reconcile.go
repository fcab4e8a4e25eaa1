// Package reconcile compares the ledger's recorded totals with what the
// custody account actually holds.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumendark/lumendark/internal/asset"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/ledger"
	"github.com/lumendark/lumendark/internal/metrics"
)

// Drift is the per-asset comparison. Difference is custody minus ledger.
type Drift struct {
	Asset      string
	Token      string
	Ledger     int64
	Custody    int64
	Difference int64
}

// Report is the outcome of one check.
type Report struct {
	At     time.Time
	Assets []Drift
}

// Balanced reports whether every asset matched.
func (r Report) Balanced() bool {
	for _, d := range r.Assets {
		if d.Difference != 0 {
			return false
		}
	}
	return true
}

// Reconciler runs conservation checks.
type Reconciler struct {
	ledger   ledger.Ledger
	holdings custody.BalanceReader
	assets   *asset.Registry
	account  string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewReconciler builds a Reconciler for the given custody account.
func NewReconciler(l ledger.Ledger, holdings custody.BalanceReader, assets *asset.Registry, account string, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:   l,
		holdings: holdings,
		assets:   assets,
		account:  account,
		metrics:  m,
		logger:   logger,
	}
}

// Check reads ledger totals and custody holdings for every registered asset.
// The two reads are not taken atomically, so an operation in flight can show
// up as transient drift.
func (r *Reconciler) Check(ctx context.Context) (Report, error) {
	totals, err := r.ledger.Totals(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("ledger totals: %w", err)
	}

	report := Report{At: time.Now().UTC()}
	for _, id := range r.assets.IDs() {
		token, _ := r.assets.Address(id)
		held, err := r.holdings.HoldingOf(ctx, token, r.account)
		if err != nil {
			return Report{}, fmt.Errorf("custody holding of %s: %w", id, err)
		}
		d := Drift{
			Asset:      id,
			Token:      token,
			Ledger:     totals[id],
			Custody:    held,
			Difference: held - totals[id],
		}
		report.Assets = append(report.Assets, d)
		r.metrics.SetDrift(id, d.Difference)

		if d.Difference != 0 {
			r.logger.Warn("custody drift detected",
				"asset", id, "token", token, "ledger", d.Ledger, "custody", d.Custody, "difference", d.Difference)
		}
	}
	if report.Balanced() {
		r.logger.Debug("reconciliation balanced", "assets", len(report.Assets))
	}
	return report, nil
}
