package ledger

// SeedBalance is a test helper that seeds the balance for (principal, asset)
// when using the in-memory ledger.
func SeedBalance(l Ledger, principal, asset string, amount int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.balances[balanceKey{principal, asset}] = amount
	}
}
