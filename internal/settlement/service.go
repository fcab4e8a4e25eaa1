package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumendark/lumendark/internal/asset"
	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/ledger"
	"github.com/lumendark/lumendark/internal/logging"
	"github.com/lumendark/lumendark/internal/metrics"
	"github.com/lumendark/lumendark/internal/nonce"
	"github.com/lumendark/lumendark/internal/notification"
)

const (
	opDeposit  = "deposit"
	opWithdraw = "withdraw"
	opSettle   = "settle"
	opRequest  = "withdrawal_request"
	opReject   = "withdrawal_reject"

	compensationTimeout = 10 * time.Second
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnconfigured indicates the admin identity, custody account or asset
	// registry was never provided. It is a deployment defect.
	ErrUnconfigured = errors.New("ledger not configured")

	// ErrRequestMismatch is returned when a withdrawal names a request whose
	// user, asset or amount differ from the instruction.
	ErrRequestMismatch = errors.New("withdrawal does not match request")

	// ErrInvalidStatus is returned for an unknown request status filter.
	ErrInvalidStatus = errors.New("invalid request status")
)

// Deps aggregates the collaborators the engine orchestrates.
type Deps struct {
	Ledger    ledger.Ledger
	Sequencer *nonce.Sequencer
	Gate      *auth.Gate
	Assets    *asset.Registry
	Transfers custody.Transferer
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service applies deposits, withdrawals and settlements against the ledger.
type Service struct {
	ledger    ledger.Ledger
	seq       *nonce.Sequencer
	gate      *auth.Gate
	assets    *asset.Registry
	transfers custody.Transferer
	notifier  notification.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger

	admin          string
	custodyAccount string
}

// NewService wires the engine. admin is the only principal allowed to
// withdraw and settle; custodyAccount is the holder that receives deposits.
func NewService(admin, custodyAccount string, d Deps) (*Service, error) {
	canonicalAdmin, err := auth.CanonicalPrincipal(admin)
	if err != nil {
		return nil, fmt.Errorf("%w: admin: %v", ErrUnconfigured, err)
	}
	if custodyAccount == "" {
		return nil, fmt.Errorf("%w: custody account is required", ErrUnconfigured)
	}
	if d.Assets == nil {
		return nil, fmt.Errorf("%w: asset registry is required", ErrUnconfigured)
	}
	if d.Ledger == nil || d.Transfers == nil || d.Gate == nil {
		return nil, fmt.Errorf("%w: ledger, transfers and gate are required", ErrUnconfigured)
	}
	if d.Sequencer == nil {
		d.Sequencer = nonce.NewSequencer()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		ledger:         d.Ledger,
		seq:            d.Sequencer,
		gate:           d.Gate,
		assets:         d.Assets,
		transfers:      d.Transfers,
		notifier:       d.Notifier,
		metrics:        d.Metrics,
		logger:         d.Logger,
		admin:          canonicalAdmin,
		custodyAccount: custodyAccount,
	}, nil
}

// DepositInput captures a self-service deposit.
type DepositInput struct {
	User   string
	Asset  string
	Amount int64
}

// DepositResult describes a committed deposit.
type DepositResult struct {
	User              string
	Asset             string
	Amount            int64
	Balance           int64
	TransferReference string
	EventID           string
}

// Deposit moves amount of asset from user into custody and credits the ledger.
// The user must have signed the request. Deposits do not consume the nonce.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (DepositResult, error) {
	if err := s.gate.Require(ctx, in.User); err != nil {
		return DepositResult{}, s.abort(ctx, opDeposit, err)
	}
	if in.Amount <= 0 {
		return DepositResult{}, s.abort(ctx, opDeposit, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, in.Amount))
	}
	user, err := auth.CanonicalPrincipal(in.User)
	if err != nil {
		return DepositResult{}, s.abort(ctx, opDeposit, err)
	}
	token, err := s.assets.Address(in.Asset)
	if err != nil {
		return DepositResult{}, s.abort(ctx, opDeposit, err)
	}

	var (
		receipt     custody.Receipt
		transferred bool
		balance     int64
	)
	err = s.ledger.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		r, err := s.transfers.Transfer(ctx, token, user, s.custodyAccount, in.Amount)
		if err != nil {
			return err
		}
		receipt, transferred = r, true

		balance, err = ledger.Increase(ctx, tx, user, in.Asset, in.Amount)
		return err
	})
	if err != nil {
		if transferred {
			s.compensate(ctx, opDeposit, token, s.custodyAccount, user, in.Amount)
		}
		return DepositResult{}, s.abort(ctx, opDeposit, err)
	}

	ev := notification.NewDeposit(user, in.Asset, in.Amount)
	s.committed(ctx, opDeposit, ev, "user", user, "asset", in.Asset, "amount", in.Amount, "balance", balance)

	return DepositResult{
		User:              user,
		Asset:             in.Asset,
		Amount:            in.Amount,
		Balance:           balance,
		TransferReference: receipt.Reference,
		EventID:           ev.ID,
	}, nil
}

// WithdrawInput captures an admin-authorized withdrawal.
type WithdrawInput struct {
	Nonce  uint64
	User   string
	Asset  string
	Amount int64
	// RequestID optionally names the pending withdrawal request this
	// instruction executes. The request is accepted in the same commit.
	RequestID string
}

// WithdrawResult describes a committed withdrawal.
type WithdrawResult struct {
	Nonce             uint64
	NextNonce         uint64
	User              string
	Asset             string
	Amount            int64
	Balance           int64
	TransferReference string
	EventID           string
	RequestID         string
}

// Withdraw debits the user's recorded balance and releases the tokens from
// custody. Only the admin may authorize it, and nonce must equal the current
// execution nonce.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (WithdrawResult, error) {
	if err := s.gate.Require(ctx, s.admin); err != nil {
		return WithdrawResult{}, s.abort(ctx, opWithdraw, err)
	}
	if in.Amount <= 0 {
		return WithdrawResult{}, s.abort(ctx, opWithdraw, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, in.Amount))
	}
	user, err := auth.CanonicalPrincipal(in.User)
	if err != nil {
		return WithdrawResult{}, s.abort(ctx, opWithdraw, err)
	}
	token, err := s.assets.Address(in.Asset)
	if err != nil {
		return WithdrawResult{}, s.abort(ctx, opWithdraw, err)
	}

	var (
		receipt     custody.Receipt
		transferred bool
		balance     int64
		next        uint64
	)
	err = s.ledger.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := s.seq.Validate(ctx, tx, in.Nonce); err != nil {
			return err
		}
		req, err := s.pendingRequest(ctx, tx, in, user)
		if err != nil {
			return err
		}
		if balance, err = ledger.Decrease(ctx, tx, user, in.Asset, in.Amount); err != nil {
			return err
		}
		r, err := s.transfers.Transfer(ctx, token, s.custodyAccount, user, in.Amount)
		if err != nil {
			return err
		}
		receipt, transferred = r, true

		if next, err = s.seq.Advance(ctx, tx); err != nil {
			return err
		}
		if req == nil {
			return nil
		}
		executed := in.Nonce
		if err := req.Close(ledger.RequestAccepted, "", &executed, time.Now()); err != nil {
			return err
		}
		return tx.PutWithdrawalRequest(ctx, *req)
	})
	if err != nil {
		if transferred {
			s.compensate(ctx, opWithdraw, token, user, s.custodyAccount, in.Amount)
		}
		if in.RequestID != "" && errors.Is(err, ledger.ErrInsufficientBalance) {
			s.rejectUnfunded(ctx, in.RequestID, err)
		}
		return WithdrawResult{}, s.abort(ctx, opWithdraw, err)
	}

	ev := notification.NewWithdraw(in.Nonce, user, in.Asset, in.Amount)
	s.metrics.SetNonce(next)
	s.committed(ctx, opWithdraw, ev, "nonce", in.Nonce, "user", user, "asset", in.Asset, "amount", in.Amount, "balance", balance, "request_id", in.RequestID)

	return WithdrawResult{
		Nonce:             in.Nonce,
		NextNonce:         next,
		User:              user,
		Asset:             in.Asset,
		Amount:            in.Amount,
		Balance:           balance,
		TransferReference: receipt.Reference,
		EventID:           ev.ID,
		RequestID:         in.RequestID,
	}, nil
}

// pendingRequest loads the request a withdrawal executes, if any, and checks
// it is still pending and describes the same withdrawal.
func (s *Service) pendingRequest(ctx context.Context, tx ledger.Tx, in WithdrawInput, user string) (*ledger.WithdrawalRequest, error) {
	if in.RequestID == "" {
		return nil, nil
	}
	req, err := tx.WithdrawalRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if !req.Pending() {
		return nil, fmt.Errorf("%w: %s is %s", ledger.ErrRequestClosed, req.ID, req.Status)
	}
	if req.User != user || req.Asset != in.Asset || req.Amount != in.Amount {
		return nil, fmt.Errorf("%w: request %s is %d %s for %s", ErrRequestMismatch, req.ID, req.Amount, req.Asset, req.User)
	}
	return &req, nil
}

// rejectUnfunded closes a request whose user no longer holds the amount.
func (s *Service) rejectUnfunded(ctx context.Context, id string, cause error) {
	err := s.ledger.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		req, err := tx.WithdrawalRequest(ctx, id)
		if err != nil {
			return err
		}
		if err := req.Close(ledger.RequestRejected, cause.Error(), nil, time.Now()); err != nil {
			return err
		}
		return tx.PutWithdrawalRequest(ctx, req)
	})
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("could not reject withdrawal request", "request_id", id, "error", err)
	}
}

// WithdrawalRequestInput captures a user's ask to withdraw.
type WithdrawalRequestInput struct {
	User   string
	Asset  string
	Amount int64
}

// RequestWithdrawal records a pending withdrawal request for the signing
// user. It is vetted against the user's current balance but moves nothing;
// the admin executes it later with Withdraw.
func (s *Service) RequestWithdrawal(ctx context.Context, in WithdrawalRequestInput) (ledger.WithdrawalRequest, error) {
	if err := s.gate.Require(ctx, in.User); err != nil {
		return ledger.WithdrawalRequest{}, s.abort(ctx, opRequest, err)
	}
	if in.Amount <= 0 {
		return ledger.WithdrawalRequest{}, s.abort(ctx, opRequest, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, in.Amount))
	}
	user, err := auth.CanonicalPrincipal(in.User)
	if err != nil {
		return ledger.WithdrawalRequest{}, s.abort(ctx, opRequest, err)
	}
	if _, err := s.assets.Address(in.Asset); err != nil {
		return ledger.WithdrawalRequest{}, s.abort(ctx, opRequest, err)
	}

	req := ledger.WithdrawalRequest{
		ID:        uuid.NewString(),
		User:      user,
		Asset:     in.Asset,
		Amount:    in.Amount,
		Status:    ledger.RequestPending,
		CreatedAt: time.Now().UTC(),
	}
	err = s.ledger.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		bal, err := tx.Balance(ctx, user, in.Asset)
		if err != nil {
			return err
		}
		if bal < in.Amount {
			return fmt.Errorf("%w: %s holds %d of %s, requested %d", ledger.ErrInsufficientBalance, user, bal, in.Asset, in.Amount)
		}
		return tx.PutWithdrawalRequest(ctx, req)
	})
	if err != nil {
		return ledger.WithdrawalRequest{}, s.abort(ctx, opRequest, err)
	}

	s.metrics.ObserveOperation(opRequest, metrics.OutcomeCommitted)
	logging.FromContext(ctx, s.logger).Info("withdrawal requested",
		"request_id", req.ID, "user", user, "asset", in.Asset, "amount", in.Amount)
	return req, nil
}

// RejectWithdrawalRequest closes a pending request without executing it.
// Only the admin may reject, and it does not consume the nonce.
func (s *Service) RejectWithdrawalRequest(ctx context.Context, id, reason string) (ledger.WithdrawalRequest, error) {
	if err := s.gate.Require(ctx, s.admin); err != nil {
		return ledger.WithdrawalRequest{}, s.abort(ctx, opReject, err)
	}
	var req ledger.WithdrawalRequest
	err := s.ledger.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if req, err = tx.WithdrawalRequest(ctx, id); err != nil {
			return err
		}
		if err := req.Close(ledger.RequestRejected, reason, nil, time.Now()); err != nil {
			return fmt.Errorf("%w: %s is %s", err, req.ID, req.Status)
		}
		return tx.PutWithdrawalRequest(ctx, req)
	})
	if err != nil {
		return ledger.WithdrawalRequest{}, s.abort(ctx, opReject, err)
	}
	s.metrics.ObserveOperation(opReject, metrics.OutcomeCommitted)
	logging.FromContext(ctx, s.logger).Info("withdrawal request rejected", "request_id", id, "reason", reason)
	return req, nil
}

// WithdrawalRequest returns one request by id.
func (s *Service) WithdrawalRequest(ctx context.Context, id string) (ledger.WithdrawalRequest, error) {
	return s.ledger.WithdrawalRequest(ctx, id)
}

// WithdrawalRequests lists requests in status ("" for all), oldest first.
func (s *Service) WithdrawalRequests(ctx context.Context, status string, limit int) ([]ledger.WithdrawalRequest, error) {
	switch status {
	case "", ledger.RequestPending, ledger.RequestAccepted, ledger.RequestRejected:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.ledger.WithdrawalRequests(ctx, status, limit)
}

// SettleInput captures a matched trade. The seller gives AmountSold of
// AssetSold to the buyer; the buyer gives AmountBought of AssetBought to the
// seller. Amounts are applied verbatim.
type SettleInput struct {
	Nonce        uint64
	Buyer        string
	Seller       string
	AssetSold    string
	AmountSold   int64
	AssetBought  string
	AmountBought int64
}

// SettleResult describes a committed settlement with post-trade balances.
type SettleResult struct {
	Nonce             uint64
	NextNonce         uint64
	Buyer             string
	Seller            string
	SellerAssetSold   int64
	SellerAssetBought int64
	BuyerAssetSold    int64
	BuyerAssetBought  int64
	EventID           string
}

// Settle applies the four ledger legs of a trade in a fixed order:
//
//	decrease(seller, sold), increase(seller, bought),
//	increase(buyer, sold), decrease(buyer, bought)
//
// The order decides which self-trades and same-asset trades are accepted.
func (s *Service) Settle(ctx context.Context, in SettleInput) (SettleResult, error) {
	if err := s.gate.Require(ctx, s.admin); err != nil {
		return SettleResult{}, s.abort(ctx, opSettle, err)
	}
	if in.AmountSold <= 0 || in.AmountBought <= 0 {
		return SettleResult{}, s.abort(ctx, opSettle, fmt.Errorf("%w: amounts must be positive, got sold=%d bought=%d",
			ErrInvalidAmount, in.AmountSold, in.AmountBought))
	}
	buyer, err := auth.CanonicalPrincipal(in.Buyer)
	if err != nil {
		return SettleResult{}, s.abort(ctx, opSettle, fmt.Errorf("buyer: %w", err))
	}
	seller, err := auth.CanonicalPrincipal(in.Seller)
	if err != nil {
		return SettleResult{}, s.abort(ctx, opSettle, fmt.Errorf("seller: %w", err))
	}
	for _, id := range []string{in.AssetSold, in.AssetBought} {
		if _, err := s.assets.Address(id); err != nil {
			return SettleResult{}, s.abort(ctx, opSettle, err)
		}
	}

	res := SettleResult{Nonce: in.Nonce, Buyer: buyer, Seller: seller}
	err = s.ledger.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := s.seq.Validate(ctx, tx, in.Nonce); err != nil {
			return err
		}
		if _, err := ledger.Decrease(ctx, tx, seller, in.AssetSold, in.AmountSold); err != nil {
			return fmt.Errorf("seller: %w", err)
		}
		if _, err := ledger.Increase(ctx, tx, seller, in.AssetBought, in.AmountBought); err != nil {
			return fmt.Errorf("seller: %w", err)
		}
		if _, err := ledger.Increase(ctx, tx, buyer, in.AssetSold, in.AmountSold); err != nil {
			return fmt.Errorf("buyer: %w", err)
		}
		if _, err := ledger.Decrease(ctx, tx, buyer, in.AssetBought, in.AmountBought); err != nil {
			return fmt.Errorf("buyer: %w", err)
		}

		var err error
		if res.NextNonce, err = s.seq.Advance(ctx, tx); err != nil {
			return err
		}
		return readSettleBalances(ctx, tx, in, &res)
	})
	if err != nil {
		return SettleResult{}, s.abort(ctx, opSettle, err)
	}

	ev := notification.NewSettle(in.Nonce, buyer, seller, in.AssetSold, in.AmountSold, in.AssetBought, in.AmountBought)
	res.EventID = ev.ID
	s.metrics.SetNonce(res.NextNonce)
	s.committed(ctx, opSettle, ev,
		"nonce", in.Nonce, "buyer", buyer, "seller", seller,
		"asset_sold", in.AssetSold, "amount_sold", in.AmountSold,
		"asset_bought", in.AssetBought, "amount_bought", in.AmountBought)

	return res, nil
}

func readSettleBalances(ctx context.Context, tx ledger.Tx, in SettleInput, res *SettleResult) error {
	var err error
	if res.SellerAssetSold, err = tx.Balance(ctx, res.Seller, in.AssetSold); err != nil {
		return err
	}
	if res.SellerAssetBought, err = tx.Balance(ctx, res.Seller, in.AssetBought); err != nil {
		return err
	}
	if res.BuyerAssetSold, err = tx.Balance(ctx, res.Buyer, in.AssetSold); err != nil {
		return err
	}
	res.BuyerAssetBought, err = tx.Balance(ctx, res.Buyer, in.AssetBought)
	return err
}

// Balance returns the recorded balance of principal for asset, 0 if none.
func (s *Service) Balance(ctx context.Context, principal, assetID string) (int64, error) {
	p, err := auth.CanonicalPrincipal(principal)
	if err != nil {
		return 0, err
	}
	if !s.assets.Has(assetID) {
		return 0, fmt.Errorf("%w: %q", asset.ErrUnknownAsset, assetID)
	}
	return s.ledger.Balance(ctx, p, assetID)
}

// Admin returns the admin principal.
func (s *Service) Admin() string {
	return s.admin
}

// Asset returns the custody address bound to an asset identifier.
func (s *Service) Asset(id string) (string, error) {
	return s.assets.Address(id)
}

// Assets returns the registry backing the engine.
func (s *Service) Assets() *asset.Registry {
	return s.assets
}

// Nonce returns the current execution nonce.
func (s *Service) Nonce(ctx context.Context) (uint64, error) {
	return s.ledger.Nonce(ctx)
}

func (s *Service) committed(ctx context.Context, op string, ev notification.Event, attrs ...any) {
	s.metrics.ObserveOperation(op, metrics.OutcomeCommitted)
	log := logging.FromContext(ctx, s.logger)
	log.Info(op+" committed", attrs...)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, ev); err != nil {
		log.Error("notification delivery failed", "op", op, "event_id", ev.ID, "error", err)
	}
}

func (s *Service) abort(ctx context.Context, op string, err error) error {
	s.metrics.ObserveOperation(op, metrics.OutcomeAborted)
	logging.FromContext(ctx, s.logger).Warn(op+" aborted", "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

// compensate reverses an external transfer whose ledger effect was not
// committed.
func (s *Service) compensate(ctx context.Context, op, token, from, to string, amount int64) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	log := logging.FromContext(ctx, s.logger)
	if _, err := s.transfers.Transfer(cctx, token, from, to, amount); err != nil {
		log.Error("compensating transfer failed",
			"op", op, "token", token, "from", from, "to", to, "amount", amount, "error", err)
		return
	}
	log.Warn("compensating transfer issued", "op", op, "token", token, "from", from, "to", to, "amount", amount)
}
