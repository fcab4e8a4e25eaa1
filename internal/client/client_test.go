package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/lumendark/lumendark/internal/asset"
	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/config"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/ledger"
	"github.com/lumendark/lumendark/internal/logging"
	"github.com/lumendark/lumendark/internal/routes"
	"github.com/lumendark/lumendark/internal/settlement"
)

type testLedger struct {
	baseURL string
	vault   *custody.MemoryVault
	admin   ed25519.PrivateKey
}

func startLedger(t *testing.T) *testLedger {
	t.Helper()
	adminPrincipal, adminKey, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate admin: %v", err)
	}
	registry, err := asset.NewRegistry([]asset.Binding{
		{ID: "A", Address: "CTOKENA", Decimals: 7},
		{ID: "B", Address: "CTOKENB", Decimals: 7},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	vault := custody.NewMemoryVault()
	gate := auth.NewGate(time.Minute)
	engine, err := settlement.NewService(adminPrincipal, "CUSTODY", settlement.Deps{
		Ledger:    ledger.NewInMemory(),
		Gate:      gate,
		Assets:    registry,
		Transfers: vault,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	app := fiber.New()
	routes.Setup(app, routes.Deps{
		Cfg:    config.Config{DepositRateLimit: 10},
		Logger: logging.Discard(),
		Gate:   gate,
		Engine: engine,
	})
	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)

	return &testLedger{baseURL: srv.URL + "/api/v1", vault: vault, admin: adminKey}
}

func newClient(t *testing.T, baseURL string, key ed25519.PrivateKey) *Client {
	t.Helper()
	c, err := New(baseURL, key, WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func newUserClient(t *testing.T, l *testLedger) *Client {
	t.Helper()
	_, key, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return newClient(t, l.baseURL, key)
}

func TestClientDepositAndReads(t *testing.T) {
	l := startLedger(t)
	ctx := context.Background()
	alice := newUserClient(t, l)
	l.vault.Mint("CTOKENA", alice.Principal(), 100)

	dep, err := alice.Deposit(ctx, "A", 100)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", dep.Balance)
	}

	bal, err := alice.Balance(ctx, alice.Principal(), "A")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Balance != 100 {
		t.Fatalf("expected 100, got %d", bal.Balance)
	}

	admin, err := alice.Admin(ctx)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if admin != auth.PrincipalOf(l.admin) {
		t.Fatalf("unexpected admin %s", admin)
	}

	assets, err := alice.Assets(ctx)
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 2 || assets[0].Asset != "A" {
		t.Fatalf("unexpected assets: %+v", assets)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	l := startLedger(t)
	alice := newUserClient(t, l)

	_, err := alice.Withdraw(context.Background(), settlement.WithdrawRequest{User: alice.Principal(), Asset: "A", Amount: 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
	if IsNonceMismatch(err) {
		t.Fatal("unauthorized must not look like a nonce mismatch")
	}
}

func TestSubmitterRunsOpsInOrder(t *testing.T) {
	l := startLedger(t)
	ctx := context.Background()
	alice := newUserClient(t, l)
	bob := newUserClient(t, l)
	l.vault.Mint("CTOKENA", alice.Principal(), 100)
	l.vault.Mint("CTOKENB", bob.Principal(), 1000)
	if _, err := alice.Deposit(ctx, "A", 100); err != nil {
		t.Fatalf("alice deposit: %v", err)
	}
	if _, err := bob.Deposit(ctx, "B", 1000); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}

	sub := NewSubmitter(newClient(t, l.baseURL, l.admin), logging.Discard())
	results, err := sub.Run(ctx, []Op{
		{Kind: OpSettle, Buyer: bob.Principal(), Seller: alice.Principal(),
			AssetSold: "A", AmountSold: 30, AssetBought: "B", AmountBought: 300},
		{Kind: OpWithdraw, User: alice.Principal(), Asset: "B", Amount: 100},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 2 || results[0].Nonce != 0 || results[1].Nonce != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if sub.Nonce() != 2 {
		t.Fatalf("expected local nonce 2, got %d", sub.Nonce())
	}

	bal, err := alice.Balance(ctx, alice.Principal(), "B")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Balance != 200 {
		t.Fatalf("expected alice B balance 200, got %d", bal.Balance)
	}
	held, _ := l.vault.HoldingOf(ctx, "CTOKENB", alice.Principal())
	if held != 100 {
		t.Fatalf("expected alice to hold 100 B tokens, got %d", held)
	}
}

func TestSubmitterResyncsAfterMismatchWithoutResending(t *testing.T) {
	l := startLedger(t)
	ctx := context.Background()
	alice := newUserClient(t, l)
	l.vault.Mint("CTOKENA", alice.Principal(), 100)
	if _, err := alice.Deposit(ctx, "A", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	adminClient := newClient(t, l.baseURL, l.admin)
	sub := NewSubmitter(adminClient, logging.Discard())
	if err := sub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Another submitter consumes nonce 0 behind our back.
	if _, err := adminClient.Withdraw(ctx, settlement.WithdrawRequest{Nonce: 0, User: alice.Principal(), Asset: "A", Amount: 10}); err != nil {
		t.Fatalf("direct withdraw: %v", err)
	}

	if _, err := sub.Withdraw(ctx, alice.Principal(), "A", 10); !IsNonceMismatch(err) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}
	if sub.Nonce() != 1 {
		t.Fatalf("expected resynced nonce 1, got %d", sub.Nonce())
	}
	bal, _ := alice.Balance(ctx, alice.Principal(), "A")
	if bal.Balance != 90 {
		t.Fatalf("mismatched instruction must not be resent, balance %d", bal.Balance)
	}

	res, err := sub.Withdraw(ctx, alice.Principal(), "A", 10)
	if err != nil {
		t.Fatalf("withdraw after resync: %v", err)
	}
	if res.Nonce != 1 || res.Balance != 80 || sub.Nonce() != 2 {
		t.Fatalf("unexpected result: %+v nonce=%d", res, sub.Nonce())
	}
}

// dropResponse forwards requests but loses the first response whose path
// ends in suffix, as a connection reset after the server committed would.
type dropResponse struct {
	mu      sync.Mutex
	base    http.RoundTripper
	suffix  string
	dropped bool
}

func (d *dropResponse) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := d.base.RoundTrip(req)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil && !d.dropped && strings.HasSuffix(req.URL.Path, d.suffix) {
		d.dropped = true
		resp.Body.Close()
		return nil, errors.New("connection reset by peer")
	}
	return resp, err
}

func TestSubmitterLostResponseDoesNotDoubleWithdraw(t *testing.T) {
	l := startLedger(t)
	ctx := context.Background()
	alice := newUserClient(t, l)
	l.vault.Mint("CTOKENA", alice.Principal(), 100)
	if _, err := alice.Deposit(ctx, "A", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	flaky, err := New(l.baseURL, l.admin, WithHTTPClient(&http.Client{
		Timeout:   5 * time.Second,
		Transport: &dropResponse{base: http.DefaultTransport, suffix: "/withdrawals"},
	}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sub := NewSubmitter(flaky, logging.Discard())

	if _, err := sub.Withdraw(ctx, alice.Principal(), "A", 40); err == nil {
		t.Fatal("expected the lost response to surface as an error")
	}
	if _, err := sub.Withdraw(ctx, alice.Principal(), "A", 40); !IsNonceMismatch(err) {
		t.Fatalf("expected nonce mismatch on retry, got %v", err)
	}

	bal, err := alice.Balance(ctx, alice.Principal(), "A")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Balance != 60 {
		t.Fatalf("expected one 40 debit (balance 60), got %d", bal.Balance)
	}
	n, err := alice.Nonce(ctx)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if n != 1 || sub.Nonce() != 1 {
		t.Fatalf("expected ledger and local nonce 1, got %d and %d", n, sub.Nonce())
	}
	held, _ := l.vault.HoldingOf(ctx, "CTOKENA", alice.Principal())
	if held != 40 {
		t.Fatalf("expected alice to hold 40 tokens, got %d", held)
	}
}

func TestDrainExecutesEachRequestOnce(t *testing.T) {
	l := startLedger(t)
	ctx := context.Background()
	alice := newUserClient(t, l)
	l.vault.Mint("CTOKENA", alice.Principal(), 100)
	if _, err := alice.Deposit(ctx, "A", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	first, err := alice.RequestWithdrawal(ctx, "A", 60)
	if err != nil {
		t.Fatalf("request 60: %v", err)
	}
	second, err := alice.RequestWithdrawal(ctx, "A", 50)
	if err != nil {
		t.Fatalf("request 50: %v", err)
	}
	if first.Status != "pending" || second.Status != "pending" {
		t.Fatalf("expected pending requests, got %s and %s", first.Status, second.Status)
	}
	if _, err := alice.RequestWithdrawal(ctx, "A", 500); err == nil {
		t.Fatal("expected an unfunded request to be refused at intake")
	}

	sub := NewSubmitter(newClient(t, l.baseURL, l.admin), logging.Discard())
	results, err := sub.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(results) != 1 || results[0].Op.RequestID != first.ID || results[0].Nonce != 0 {
		t.Fatalf("unexpected drain results: %+v", results)
	}

	got, err := alice.WithdrawalRequest(ctx, first.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != "accepted" || got.Nonce == nil || *got.Nonce != 0 || got.ProcessedAt == "" {
		t.Fatalf("unexpected first request: %+v", got)
	}
	got, _ = alice.WithdrawalRequest(ctx, second.ID)
	if got.Status != "rejected" || got.Reason == "" {
		t.Fatalf("expected second request rejected with a reason, got %+v", got)
	}

	again, err := sub.Drain(ctx, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing left to drain, got %+v %v", again, err)
	}
	bal, _ := alice.Balance(ctx, alice.Principal(), "A")
	if bal.Balance != 40 {
		t.Fatalf("expected balance 40, got %d", bal.Balance)
	}

	_, err = newClient(t, l.baseURL, l.admin).Withdraw(ctx, settlement.WithdrawRequest{
		Nonce: sub.Nonce(), User: alice.Principal(), Asset: "A", Amount: 60, RequestID: first.ID,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || IsNonceMismatch(err) {
		t.Fatalf("expected 409 for an accepted request, got %v", err)
	}
}

func TestAdminRejectsRequest(t *testing.T) {
	l := startLedger(t)
	ctx := context.Background()
	alice := newUserClient(t, l)
	l.vault.Mint("CTOKENA", alice.Principal(), 10)
	if _, err := alice.Deposit(ctx, "A", 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	req, err := alice.RequestWithdrawal(ctx, "A", 10)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := alice.RejectWithdrawalRequest(ctx, req.ID, "self"); err == nil {
		t.Fatal("only the admin may reject")
	}
	admin := newClient(t, l.baseURL, l.admin)
	got, err := admin.RejectWithdrawalRequest(ctx, req.ID, "compliance hold")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != "rejected" || got.Reason != "compliance hold" {
		t.Fatalf("unexpected rejected request: %+v", got)
	}
	rejected, err := admin.WithdrawalRequests(ctx, "rejected", 0)
	if err != nil || len(rejected) != 1 {
		t.Fatalf("expected one rejected request, got %+v %v", rejected, err)
	}
	if n, _ := admin.Nonce(ctx); n != 0 {
		t.Fatalf("rejecting must not consume the nonce, got %d", n)
	}

	_, err = admin.WithdrawalRequest(ctx, "does-not-exist")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestSubmitterStopsAtFirstFailure(t *testing.T) {
	l := startLedger(t)
	alice := newUserClient(t, l)

	sub := NewSubmitter(newClient(t, l.baseURL, l.admin), logging.Discard())
	results, err := sub.Run(context.Background(), []Op{
		{Kind: OpWithdraw, User: alice.Principal(), Asset: "A", Amount: 1},
		{Kind: OpWithdraw, User: alice.Principal(), Asset: "A", Amount: 1},
	})
	if err == nil {
		t.Fatal("expected insufficient balance failure")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
	if len(results) != 0 || sub.Nonce() != 0 {
		t.Fatalf("expected nothing committed, got %+v nonce=%d", results, sub.Nonce())
	}
}
