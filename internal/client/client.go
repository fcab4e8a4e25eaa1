// Package client calls the ledger API with ed25519-signed requests.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/nonce"
	"github.com/lumendark/lumendark/internal/settlement"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the ledger.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger api: %d %s", e.Status, e.Message)
}

// IsNonceMismatch reports whether err is the ledger rejecting a stale or
// premature nonce. Other conflicts, such as a request that was already
// processed, do not match.
func IsNonceMismatch(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict &&
		strings.Contains(apiErr.Message, nonce.ErrMismatch.Error())
}

// Client signs every request with one key.
type Client struct {
	base      *url.URL
	http      *http.Client
	key       ed25519.PrivateKey
	principal string
	now       func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a client for baseURL, e.g. "http://localhost:8080/api/v1".
func New(baseURL string, key ed25519.PrivateKey, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
		key:  key,
		now:  time.Now,
	}
	if key != nil {
		c.principal = auth.PrincipalOf(key)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Principal returns the identity requests are signed with.
func (c *Client) Principal() string {
	return c.principal
}

// Deposit credits the signer's own balance.
func (c *Client) Deposit(ctx context.Context, assetID string, amount int64) (settlement.DepositResponse, error) {
	var out settlement.DepositResponse
	err := c.do(ctx, http.MethodPost, "/deposits", settlement.DepositRequest{
		User:   c.principal,
		Asset:  assetID,
		Amount: amount,
	}, &out)
	return out, err
}

// Withdraw submits an admin withdrawal at the given nonce.
func (c *Client) Withdraw(ctx context.Context, req settlement.WithdrawRequest) (settlement.WithdrawResponse, error) {
	var out settlement.WithdrawResponse
	err := c.do(ctx, http.MethodPost, "/withdrawals", req, &out)
	return out, err
}

// RequestWithdrawal records a withdrawal request for the signer. The admin
// executes or rejects it later.
func (c *Client) RequestWithdrawal(ctx context.Context, assetID string, amount int64) (settlement.WithdrawalRequestResponse, error) {
	var out settlement.WithdrawalRequestResponse
	err := c.do(ctx, http.MethodPost, "/withdrawal-requests", settlement.WithdrawalRequestBody{
		User:   c.principal,
		Asset:  assetID,
		Amount: amount,
	}, &out)
	return out, err
}

// WithdrawalRequest reads the status of one request.
func (c *Client) WithdrawalRequest(ctx context.Context, id string) (settlement.WithdrawalRequestResponse, error) {
	var out settlement.WithdrawalRequestResponse
	err := c.do(ctx, http.MethodGet, "/withdrawal-requests/"+url.PathEscape(id), nil, &out)
	return out, err
}

// WithdrawalRequests lists requests in status ("" for all), oldest first.
func (c *Client) WithdrawalRequests(ctx context.Context, status string, limit int) ([]settlement.WithdrawalRequestResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/withdrawal-requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []settlement.WithdrawalRequestResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// RejectWithdrawalRequest closes a pending request without executing it.
func (c *Client) RejectWithdrawalRequest(ctx context.Context, id, reason string) (settlement.WithdrawalRequestResponse, error) {
	var out settlement.WithdrawalRequestResponse
	err := c.do(ctx, http.MethodPost, "/withdrawal-requests/"+url.PathEscape(id)+"/reject",
		settlement.RejectRequestBody{Reason: reason}, &out)
	return out, err
}

// Faucet mints tokens into holder's external account. Only development
// servers expose it.
func (c *Client) Faucet(ctx context.Context, holder, assetID string, amount int64) (settlement.FaucetResponse, error) {
	var out settlement.FaucetResponse
	err := c.do(ctx, http.MethodPost, "/dev/faucet", settlement.FaucetRequest{
		Holder: holder,
		Asset:  assetID,
		Amount: amount,
	}, &out)
	return out, err
}

// Settle submits an admin settlement at the given nonce.
func (c *Client) Settle(ctx context.Context, req settlement.SettleRequest) (settlement.SettleResponse, error) {
	var out settlement.SettleResponse
	err := c.do(ctx, http.MethodPost, "/settlements", req, &out)
	return out, err
}

// Balance reads the recorded balance of principal for assetID.
func (c *Client) Balance(ctx context.Context, principal, assetID string) (settlement.BalanceResponse, error) {
	var out settlement.BalanceResponse
	err := c.do(ctx, http.MethodGet, "/balances/"+url.PathEscape(principal)+"/"+url.PathEscape(assetID), nil, &out)
	return out, err
}

// Nonce reads the current execution nonce.
func (c *Client) Nonce(ctx context.Context) (uint64, error) {
	var out settlement.NonceResponse
	if err := c.do(ctx, http.MethodGet, "/nonce", nil, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

// Admin reads the admin principal.
func (c *Client) Admin(ctx context.Context) (string, error) {
	var out struct {
		Admin string `json:"admin"`
	}
	err := c.do(ctx, http.MethodGet, "/admin", nil, &out)
	return out.Admin, err
}

// Assets lists the registered assets.
func (c *Client) Assets(ctx context.Context) ([]settlement.AssetResponse, error) {
	var out []settlement.AssetResponse
	err := c.do(ctx, http.MethodGet, "/assets", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	u := *c.base
	path, query, _ := strings.Cut(path, "?")
	u.Path = c.base.Path + path
	u.RawQuery = query
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.key != nil {
		ts := c.now().Unix()
		req.Header.Set(auth.HeaderSigner, c.principal)
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, auth.Sign(c.key, method, u.Path, body, ts))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
