package custody

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// MemoryVault simulates token contracts in process. It backs local
// development and tests where no real custody backend is wired.
type MemoryVault struct {
	mu       sync.Mutex
	holdings map[string]map[string]int64
	failNext error
}

// NewMemoryVault creates an empty vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{holdings: make(map[string]map[string]int64)}
}

// Mint credits holder with amount of token out of thin air.
func (v *MemoryVault) Mint(token, holder string, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accounts(token)[holder] += amount
}

// FailNext makes the next Transfer call fail with err.
func (v *MemoryVault) FailNext(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = err
}

// Transfer moves amount of token from one holder to another.
func (v *MemoryVault) Transfer(ctx context.Context, token, from, to string, amount int64) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: amount must be positive", ErrTransferFailed)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.failNext; err != nil {
		v.failNext = nil
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	accounts := v.accounts(token)
	if accounts[from] < amount {
		return Receipt{}, fmt.Errorf("%w: %s holds %d of %s, needs %d", ErrInsufficientHolding, from, accounts[from], token, amount)
	}
	if accounts[to] > math.MaxInt64-amount {
		return Receipt{}, fmt.Errorf("%w: holding overflow for %s", ErrTransferFailed, to)
	}
	accounts[from] -= amount
	accounts[to] += amount

	return Receipt{
		Reference: uuid.NewString(),
		Token:     token,
		From:      from,
		To:        to,
		Amount:    amount,
	}, nil
}

// HoldingOf returns what holder owns of token.
func (v *MemoryVault) HoldingOf(_ context.Context, token, holder string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.holdings[token][holder], nil
}

func (v *MemoryVault) accounts(token string) map[string]int64 {
	accounts, ok := v.holdings[token]
	if !ok {
		accounts = make(map[string]int64)
		v.holdings[token] = accounts
	}
	return accounts
}
