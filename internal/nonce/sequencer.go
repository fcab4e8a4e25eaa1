// Package nonce orders admin-authorized operations with a single global
// counter. A submission is accepted only when it carries the counter's current
// value, so replays and out-of-order submissions fail instead of executing.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrMismatch signals a replayed or out-of-order submission.
var ErrMismatch = errors.New("nonce mismatch")

// Store holds the counter. ledger.Tx satisfies it, so the nonce lives in the
// same transaction as the balances it orders.
type Store interface {
	Nonce(ctx context.Context) (uint64, error)
	SetNonce(ctx context.Context, n uint64) error
}

// Sequencer validates and advances the counter kept in a Store.
type Sequencer struct{}

// NewSequencer returns a Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Validate fails unless provided equals the current value. It never mutates.
func (s *Sequencer) Validate(ctx context.Context, store Store, provided uint64) error {
	current, err := store.Nonce(ctx)
	if err != nil {
		return err
	}
	if provided != current {
		return fmt.Errorf("%w: expected %d, got %d", ErrMismatch, current, provided)
	}
	return nil
}

// Advance moves the counter forward by exactly one and returns the new value.
func (s *Sequencer) Advance(ctx context.Context, store Store) (uint64, error) {
	current, err := store.Nonce(ctx)
	if err != nil {
		return 0, err
	}
	if current == math.MaxUint64 {
		return 0, fmt.Errorf("nonce exhausted at %d", current)
	}
	next := current + 1
	if err := store.SetNonce(ctx, next); err != nil {
		return 0, err
	}
	return next, nil
}
