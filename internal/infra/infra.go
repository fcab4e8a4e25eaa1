// Package infra opens the ledger's backing stores.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Dial controls how long startup waits for a store to come up.
type Dial struct {
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

// DefaultDial tolerates a store that starts a few seconds after the API.
func DefaultDial(logger *slog.Logger) Dial {
	return Dial{Attempts: 5, Backoff: 500 * time.Millisecond, Logger: logger}
}

// retry runs connect until it succeeds, attempts run out or ctx ends.
// The backoff doubles after each failure.
func (d Dial) retry(ctx context.Context, store string, connect func(context.Context) error) error {
	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := d.Backoff
	var err error
	for i := 1; i <= attempts; i++ {
		if err = connect(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		if d.Logger != nil {
			d.Logger.Warn("store not ready", "store", store, "attempt", i, "error", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", store, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", store, attempts, err)
}
