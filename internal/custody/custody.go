// Package custody defines the external value-transfer capability the ledger
// relies on to move real assets in and out of its custody account.
package custody

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientHolding is returned when the sender holds fewer tokens
	// than the transfer requires.
	ErrInsufficientHolding = errors.New("insufficient holding")

	// ErrTransferFailed wraps any failure reported by the transfer backend.
	ErrTransferFailed = errors.New("transfer failed")
)

// Receipt describes a completed transfer.
type Receipt struct {
	Reference string
	Token     string
	From      string
	To        string
	Amount    int64
}

// Transferer moves amount of the token at the given custody address from one
// holder to another. A failed transfer must have no effect.
type Transferer interface {
	Transfer(ctx context.Context, token, from, to string, amount int64) (Receipt, error)
}

// BalanceReader reports what a holder actually owns of a token.
type BalanceReader interface {
	HoldingOf(ctx context.Context, token, holder string) (int64, error)
}

// Vault is a custody backend the ledger can transfer with and reconcile
// against.
type Vault interface {
	Transferer
	BalanceReader
}

// Minter credits a holder with tokens that came from nowhere. Only
// development vaults implement it.
type Minter interface {
	Mint(token, holder string, amount int64)
}
