package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("withdraw", OutcomeCommitted)
	m.ObserveOperation("withdraw", OutcomeCommitted)
	m.ObserveOperation("withdraw", OutcomeAborted)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("withdraw", OutcomeCommitted)); got != 2 {
		t.Fatalf("expected 2 committed withdrawals, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("withdraw", OutcomeAborted)); got != 1 {
		t.Fatalf("expected 1 aborted withdrawal, got %v", got)
	}
}

func TestHandlerServesGauges(t *testing.T) {
	m := New()
	m.SetNonce(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "ledger_nonce 7") {
		t.Fatalf("expected nonce gauge, got:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("deposit", OutcomeCommitted)
	m.SetNonce(1)
	m.SetDrift("A", 5)
}
