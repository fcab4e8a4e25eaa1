package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInsufficientBalance occurs when a principal's recorded balance cannot
	// cover a requested decrease.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOverflow indicates an increase would exceed the representable range.
	ErrOverflow = errors.New("balance overflow")

	// ErrNonceRange is returned when a nonce cannot be stored by the backend.
	ErrNonceRange = errors.New("nonce out of range")

	// ErrNonPositiveAmount guards the mutation primitives against zero or
	// negative amounts. Callers are expected to reject these first.
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Tx is the mutable view handed to an Update callback. Writes made through a
// Tx become visible only if the callback returns nil.
type Tx interface {
	Balance(ctx context.Context, principal, asset string) (int64, error)
	SetBalance(ctx context.Context, principal, asset string, amount int64) error
	Nonce(ctx context.Context) (uint64, error)
	SetNonce(ctx context.Context, n uint64) error
	WithdrawalRequest(ctx context.Context, id string) (WithdrawalRequest, error)
	PutWithdrawalRequest(ctx context.Context, r WithdrawalRequest) error
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
//
// Update is the single serialization point for every mutating operation: at
// most one callback runs at a time, and its writes are committed all together
// or not at all.
type Ledger interface {
	Balance(ctx context.Context, principal, asset string) (int64, error)
	Nonce(ctx context.Context) (uint64, error)
	Totals(ctx context.Context) (map[string]int64, error)
	WithdrawalRequest(ctx context.Context, id string) (WithdrawalRequest, error)
	// WithdrawalRequests lists requests in status (all when empty), oldest
	// first, at most limit of them.
	WithdrawalRequests(ctx context.Context, status string, limit int) ([]WithdrawalRequest, error)
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Increase credits amount to (principal, asset) and returns the new balance.
func Increase(ctx context.Context, tx Tx, principal, asset string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrNonPositiveAmount
	}
	bal, err := tx.Balance(ctx, principal, asset)
	if err != nil {
		return 0, err
	}
	if bal > math.MaxInt64-amount {
		return 0, fmt.Errorf("%w: could not add balance (asset=%s, bal=%d, principal=%s, amount=%d)",
			ErrOverflow, asset, bal, principal, amount)
	}
	nbal := bal + amount
	if err := tx.SetBalance(ctx, principal, asset, nbal); err != nil {
		return 0, err
	}
	return nbal, nil
}

// Decrease debits amount from (principal, asset) and returns the new balance.
// Zero balances are kept rather than removed.
func Decrease(ctx context.Context, tx Tx, principal, asset string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrNonPositiveAmount
	}
	bal, err := tx.Balance(ctx, principal, asset)
	if err != nil {
		return 0, err
	}
	if bal < amount {
		return 0, fmt.Errorf("%w: could not subtract balance (asset=%s, bal=%d, principal=%s, amount=%d)",
			ErrInsufficientBalance, asset, bal, principal, amount)
	}
	nbal := bal - amount
	if err := tx.SetBalance(ctx, principal, asset, nbal); err != nil {
		return 0, err
	}
	return nbal, nil
}

func addTotal(totals map[string]int64, asset string, amount int64) error {
	cur := totals[asset]
	if cur > math.MaxInt64-amount {
		return fmt.Errorf("%w: total for asset %s", ErrOverflow, asset)
	}
	totals[asset] = cur + amount
	return nil
}
