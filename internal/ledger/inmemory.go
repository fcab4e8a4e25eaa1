package ledger

import (
	"context"
	"fmt"
	"sync"
)

type balanceKey struct {
	principal string
	asset     string
}

type inMemoryLedger struct {
	mu       sync.RWMutex
	balances map[balanceKey]int64
	nonce    uint64
	requests map[string]WithdrawalRequest
	order    []string
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and local development.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		balances: make(map[balanceKey]int64),
		requests: make(map[string]WithdrawalRequest),
	}
}

func (l *inMemoryLedger) Balance(_ context.Context, principal, asset string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey{principal, asset}], nil
}

func (l *inMemoryLedger) Nonce(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nonce, nil
}

func (l *inMemoryLedger) Totals(_ context.Context) (map[string]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	totals := make(map[string]int64)
	for k, v := range l.balances {
		if err := addTotal(totals, k.asset, v); err != nil {
			return nil, err
		}
	}
	return totals, nil
}

func (l *inMemoryLedger) WithdrawalRequest(_ context.Context, id string) (WithdrawalRequest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.requests[id]
	if !ok {
		return WithdrawalRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r, nil
}

func (l *inMemoryLedger) WithdrawalRequests(_ context.Context, status string, limit int) ([]WithdrawalRequest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]WithdrawalRequest, 0)
	for _, id := range l.order {
		if limit > 0 && len(out) == limit {
			break
		}
		r := l.requests[id]
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *inMemoryLedger) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	v := &memoryView{
		base:     l,
		pending:  make(map[balanceKey]int64),
		requests: make(map[string]WithdrawalRequest),
	}
	if err := fn(ctx, v); err != nil {
		return err
	}

	for k, amount := range v.pending {
		l.balances[k] = amount
	}
	if v.nonceSet {
		l.nonce = v.nonce
	}
	l.order = append(l.order, v.created...)
	for id, r := range v.requests {
		l.requests[id] = r
	}
	return nil
}

// memoryView buffers writes on top of the committed maps. It is only used
// while the ledger's write lock is held.
type memoryView struct {
	base     *inMemoryLedger
	pending  map[balanceKey]int64
	nonce    uint64
	nonceSet bool
	requests map[string]WithdrawalRequest
	created  []string
}

func (v *memoryView) Balance(_ context.Context, principal, asset string) (int64, error) {
	k := balanceKey{principal, asset}
	if amount, ok := v.pending[k]; ok {
		return amount, nil
	}
	return v.base.balances[k], nil
}

func (v *memoryView) SetBalance(_ context.Context, principal, asset string, amount int64) error {
	if amount < 0 {
		return ErrInsufficientBalance
	}
	v.pending[balanceKey{principal, asset}] = amount
	return nil
}

func (v *memoryView) Nonce(_ context.Context) (uint64, error) {
	if v.nonceSet {
		return v.nonce, nil
	}
	return v.base.nonce, nil
}

func (v *memoryView) SetNonce(_ context.Context, n uint64) error {
	v.nonce = n
	v.nonceSet = true
	return nil
}

func (v *memoryView) WithdrawalRequest(_ context.Context, id string) (WithdrawalRequest, error) {
	if r, ok := v.requests[id]; ok {
		return r, nil
	}
	r, ok := v.base.requests[id]
	if !ok {
		return WithdrawalRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r, nil
}

func (v *memoryView) PutWithdrawalRequest(_ context.Context, r WithdrawalRequest) error {
	if r.ID == "" {
		return fmt.Errorf("withdrawal request id is required")
	}
	_, known := v.base.requests[r.ID]
	if _, staged := v.requests[r.ID]; !known && !staged {
		v.created = append(v.created, r.ID)
	}
	v.requests[r.ID] = r
	return nil
}
