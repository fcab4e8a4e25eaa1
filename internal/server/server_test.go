package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lumendark/lumendark/internal/asset"
	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/config"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/logging"
)

func testConfig(t *testing.T) (config.Config, string) {
	t.Helper()
	admin, _, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return config.Config{
		AppName:        "lumendark-test",
		AppEnv:         "test",
		AdminPublicKey: admin,
		CustodyAccount: "CUSTODY",
		Assets: []asset.Binding{
			{ID: "A", Address: "CTOKENA", Decimals: 7},
			{ID: "B", Address: "CTOKENB", Decimals: 7},
		},
		ReconcileCron: "@every 1h",
	}, admin
}

func newTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	cfg, admin := testConfig(t)
	srv, err := New(context.Background(), cfg, nil, nil, logging.Discard(), opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, admin
}

func TestServerRequiresStoresOutsideDev(t *testing.T) {
	cfg := config.Config{AppEnv: "production", CustodyBackend: config.CustodyExternal}
	_, err := New(context.Background(), cfg, nil, nil, logging.Discard(), WithCustody(custody.NewMemoryVault()))
	if err == nil || !strings.Contains(err.Error(), "database is required") {
		t.Fatalf("expected error without database in production, got %v", err)
	}
}

func TestServerHealthAndReads(t *testing.T) {
	srv, admin := newTestServer(t)

	resp, err := srv.App().Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}

	resp, err = srv.App().Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/admin", nil))
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode admin: %v", err)
	}
	if body["admin"] != admin {
		t.Fatalf("expected admin %s, got %s", admin, body["admin"])
	}

	resp, err = srv.App().Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/assets/C", nil))
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown asset, got %d", resp.StatusCode)
	}
}

func TestServerRejectsUnsignedWithdrawal(t *testing.T) {
	srv, _ := newTestServer(t)
	user, _, _ := auth.GenerateKey()

	body := `{"nonce":0,"user":"` + user + `","asset":"A","amount":10}`
	req := httptest.NewRequest(fiber.MethodPost, "/api/v1/withdrawals", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(payload["error"], "unauthorized") {
		t.Fatalf("unexpected error body: %v", payload)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.App().Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "ledger_nonce 0") {
		t.Fatalf("expected nonce gauge in metrics output, got:\n%s", raw)
	}
}

func TestServerCustodyBackendSelection(t *testing.T) {
	cases := []struct {
		name    string
		env     string
		backend string
		vault   custody.Vault
		want    string
	}{
		{"memory in production", "production", config.CustodyMemory, nil, "only allowed in development"},
		{"default in production", "production", "", nil, "only allowed in development"},
		{"external without vault", "development", config.CustodyExternal, nil, "WithCustody"},
		{"unknown backend", "development", "chain", custody.NewMemoryVault(), "unknown custody backend"},
	}
	for _, tc := range cases {
		cfg, _ := testConfig(t)
		cfg.AppEnv, cfg.CustodyBackend = tc.env, tc.backend
		var opts []Option
		if tc.vault != nil {
			opts = append(opts, WithCustody(tc.vault))
		}
		_, err := New(context.Background(), cfg, nil, nil, logging.Discard(), opts...)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func postJSON(t *testing.T, app *fiber.App, priv ed25519.PrivateKey, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if priv != nil {
		ts := time.Now().Unix()
		req.Header.Set(auth.HeaderSigner, auth.PrincipalOf(priv))
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, auth.Sign(priv, fiber.MethodPost, path, []byte(body), ts))
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestServerDevFaucetFundsDeposit(t *testing.T) {
	srv, _ := newTestServer(t)
	user, key, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	resp := postJSON(t, srv.App(), key, "/api/v1/deposits", `{"user":"`+user+`","asset":"A","amount":25}`)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502 before funding, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.App(), nil, "/api/v1/dev/faucet", `{"holder":"`+user+`","asset":"A","amount":25}`)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201 from faucet, got %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.App(), nil, "/api/v1/dev/faucet", `{"holder":"`+user+`","asset":"C","amount":25}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for unknown asset, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.App(), key, "/api/v1/deposits", `{"user":"`+user+`","asset":"A","amount":25}`)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201 deposit after funding, got %d", resp.StatusCode)
	}
	bal, err := srv.Engine().Balance(context.Background(), user, "A")
	if err != nil || bal != 25 {
		t.Fatalf("expected balance 25, got %d %v", bal, err)
	}
}

// holdingsOnly exposes a vault without its Mint method.
type holdingsOnly struct{ v *custody.MemoryVault }

func (h holdingsOnly) Transfer(ctx context.Context, token, from, to string, amount int64) (custody.Receipt, error) {
	return h.v.Transfer(ctx, token, from, to, amount)
}

func (h holdingsOnly) HoldingOf(ctx context.Context, token, holder string) (int64, error) {
	return h.v.HoldingOf(ctx, token, holder)
}

func TestServerFaucetNeedsMintingVault(t *testing.T) {
	srv, _ := newTestServer(t, WithCustody(holdingsOnly{v: custody.NewMemoryVault()}))
	user, _, _ := auth.GenerateKey()

	resp := postJSON(t, srv.App(), nil, "/api/v1/dev/faucet", `{"holder":"`+user+`","asset":"A","amount":1}`)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected no faucet route, got %d", resp.StatusCode)
	}
}
