package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lumendark/lumendark/internal/settlement"
)

// Op kinds accepted by Submitter.Run.
const (
	OpWithdraw = "withdraw"
	OpSettle   = "settle"
)

// Op is one admin instruction, as read from a batch file.
type Op struct {
	Kind         string `yaml:"kind"`
	User         string `yaml:"user,omitempty"`
	Asset        string `yaml:"asset,omitempty"`
	Amount       int64  `yaml:"amount,omitempty"`
	Buyer        string `yaml:"buyer,omitempty"`
	Seller       string `yaml:"seller,omitempty"`
	AssetSold    string `yaml:"asset_sold,omitempty"`
	AmountSold   int64  `yaml:"amount_sold,omitempty"`
	AssetBought  string `yaml:"asset_bought,omitempty"`
	AmountBought int64  `yaml:"amount_bought,omitempty"`
	RequestID    string `yaml:"request_id,omitempty"`
}

// Result pairs a submitted op with the nonce it consumed.
type Result struct {
	Op      Op
	Nonce   uint64
	EventID string
}

// Submitter sends admin operations strictly in order. It tracks the nonce
// locally and advances it only after the ledger accepts an operation. On a
// nonce mismatch it re-reads the ledger's nonce and returns the mismatch
// without resending: the rejected instruction may already have landed under
// the nonce it was sent with, and only the caller can tell.
type Submitter struct {
	client *Client
	logger *slog.Logger

	mu     sync.Mutex
	nonce  uint64
	synced bool
}

// NewSubmitter wraps an admin-keyed client.
func NewSubmitter(c *Client, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{client: c, logger: logger}
}

// Nonce returns the locally tracked nonce.
func (s *Submitter) Nonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// Sync reloads the nonce from the ledger.
func (s *Submitter) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

func (s *Submitter) syncLocked(ctx context.Context) error {
	n, err := s.client.Nonce(ctx)
	if err != nil {
		return fmt.Errorf("sync nonce: %w", err)
	}
	s.nonce, s.synced = n, true
	return nil
}

// Withdraw submits a withdrawal at the next nonce.
func (s *Submitter) Withdraw(ctx context.Context, user, assetID string, amount int64) (settlement.WithdrawResponse, error) {
	return s.withdraw(ctx, settlement.WithdrawRequest{User: user, Asset: assetID, Amount: amount})
}

// ExecuteRequest withdraws what a pending request asks for and accepts it in
// the same commit. A request can be executed at most once.
func (s *Submitter) ExecuteRequest(ctx context.Context, req settlement.WithdrawalRequestResponse) (settlement.WithdrawResponse, error) {
	return s.withdraw(ctx, settlement.WithdrawRequest{
		User:      req.User,
		Asset:     req.Asset,
		Amount:    req.Amount,
		RequestID: req.ID,
	})
}

func (s *Submitter) withdraw(ctx context.Context, req settlement.WithdrawRequest) (settlement.WithdrawResponse, error) {
	var out settlement.WithdrawResponse
	err := s.submit(ctx, func(n uint64) error {
		req.Nonce = n
		var err error
		out, err = s.client.Withdraw(ctx, req)
		return err
	})
	return out, err
}

// Drain executes up to limit pending withdrawal requests, oldest first.
// Requests the ledger refuses for lack of funds are rejected server-side and
// skipped; any other failure stops the drain.
func (s *Submitter) Drain(ctx context.Context, limit int) ([]Result, error) {
	pending, err := s.client.WithdrawalRequests(ctx, "pending", limit)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	results := make([]Result, 0, len(pending))
	for _, req := range pending {
		res, err := s.ExecuteRequest(ctx, req)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			s.logger.Warn("withdrawal request not funded", "request_id", req.ID, "error", err)
			continue
		}
		if err != nil {
			return results, fmt.Errorf("request %s: %w", req.ID, err)
		}
		results = append(results, Result{
			Op:      Op{Kind: OpWithdraw, User: req.User, Asset: req.Asset, Amount: req.Amount, RequestID: req.ID},
			Nonce:   res.Nonce,
			EventID: res.EventID,
		})
	}
	return results, nil
}

// Settle submits a settlement at the next nonce. req.Nonce is ignored.
func (s *Submitter) Settle(ctx context.Context, req settlement.SettleRequest) (settlement.SettleResponse, error) {
	var out settlement.SettleResponse
	err := s.submit(ctx, func(n uint64) error {
		req.Nonce = n
		var err error
		out, err = s.client.Settle(ctx, req)
		return err
	})
	return out, err
}

// Run submits ops in order and stops at the first failure. Results holds the
// ops that were committed.
func (s *Submitter) Run(ctx context.Context, ops []Op) ([]Result, error) {
	results := make([]Result, 0, len(ops))
	for i, op := range ops {
		var (
			nonce   uint64
			eventID string
		)
		switch op.Kind {
		case OpWithdraw:
			res, err := s.withdraw(ctx, settlement.WithdrawRequest{
				User: op.User, Asset: op.Asset, Amount: op.Amount, RequestID: op.RequestID,
			})
			if err != nil {
				return results, fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
			}
			nonce, eventID = res.Nonce, res.EventID
		case OpSettle:
			res, err := s.Settle(ctx, settlement.SettleRequest{
				Buyer:        op.Buyer,
				Seller:       op.Seller,
				AssetSold:    op.AssetSold,
				AmountSold:   op.AmountSold,
				AssetBought:  op.AssetBought,
				AmountBought: op.AmountBought,
			})
			if err != nil {
				return results, fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
			}
			nonce, eventID = res.Nonce, res.EventID
		default:
			return results, fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
		results = append(results, Result{Op: op, Nonce: nonce, EventID: eventID})
	}
	return results, nil
}

func (s *Submitter) submit(ctx context.Context, send func(nonce uint64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		if err := s.syncLocked(ctx); err != nil {
			return err
		}
	}

	err := send(s.nonce)
	if IsNonceMismatch(err) {
		stale := s.nonce
		if serr := s.syncLocked(ctx); serr != nil {
			return errors.Join(err, serr)
		}
		s.logger.Warn("nonce mismatch, resynced without resending", "stale", stale, "current", s.nonce)
		return err
	}
	if err != nil {
		return err
	}
	s.logger.Info("operation committed", "nonce", s.nonce)
	s.nonce++
	return nil
}
