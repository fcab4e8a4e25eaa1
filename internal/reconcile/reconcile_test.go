package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lumendark/lumendark/internal/asset"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/ledger"
	"github.com/lumendark/lumendark/internal/logging"
	"github.com/lumendark/lumendark/internal/metrics"
)

func newRegistry(t *testing.T) *asset.Registry {
	t.Helper()
	reg, err := asset.NewRegistry([]asset.Binding{
		{ID: "A", Address: "CTOKENA", Decimals: 7},
		{ID: "B", Address: "CTOKENB", Decimals: 7},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestCheckBalanced(t *testing.T) {
	l := ledger.NewInMemory()
	vault := custody.NewMemoryVault()
	ledger.SeedBalance(l, "alice", "A", 70)
	ledger.SeedBalance(l, "bob", "A", 30)
	ledger.SeedBalance(l, "bob", "B", 700)
	vault.Mint("CTOKENA", "CUSTODY", 100)
	vault.Mint("CTOKENB", "CUSTODY", 700)

	rec := NewReconciler(l, vault, newRegistry(t), "CUSTODY", nil, logging.Discard())
	report, err := rec.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Balanced() {
		t.Fatalf("expected balanced report, got %+v", report.Assets)
	}
	if len(report.Assets) != 2 || report.Assets[0].Ledger != 100 {
		t.Fatalf("unexpected report: %+v", report.Assets)
	}
}

func TestCheckReportsDrift(t *testing.T) {
	l := ledger.NewInMemory()
	vault := custody.NewMemoryVault()
	ledger.SeedBalance(l, "alice", "A", 100)
	vault.Mint("CTOKENA", "CUSTODY", 90)
	m := metrics.New()

	rec := NewReconciler(l, vault, newRegistry(t), "CUSTODY", m, logging.Discard())
	report, err := rec.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Balanced() {
		t.Fatal("expected drift")
	}
	if report.Assets[0].Difference != -10 {
		t.Fatalf("expected -10 drift on A, got %+v", report.Assets[0])
	}

	want := `
# HELP ledger_reconcile_drift Custody holding minus recorded ledger total, per asset.
# TYPE ledger_reconcile_drift gauge
ledger_reconcile_drift{asset="A"} -10
ledger_reconcile_drift{asset="B"} 0
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "ledger_reconcile_drift"); err != nil {
		t.Fatalf("drift metric: %v", err)
	}
}

func TestSchedulerStopsWithContext(t *testing.T) {
	rec := NewReconciler(ledger.NewInMemory(), custody.NewMemoryVault(), newRegistry(t), "CUSTODY", nil, logging.Discard())
	s, err := NewScheduler(rec, "@every 1h", logging.Discard())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	rec := NewReconciler(ledger.NewInMemory(), custody.NewMemoryVault(), newRegistry(t), "CUSTODY", nil, logging.Discard())
	if _, err := NewScheduler(rec, "every now and then", logging.Discard()); err == nil {
		t.Fatal("expected invalid cron spec error")
	}
}
