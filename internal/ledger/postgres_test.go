package ledger

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeNonceStopsAtBigintRange(t *testing.T) {
	v, err := encodeNonce(math.MaxInt64)
	if err != nil || v != math.MaxInt64 {
		t.Fatalf("expected MaxInt64 to encode, got %d %v", v, err)
	}
	if _, err := encodeNonce(math.MaxInt64 + 1); !errors.Is(err, ErrNonceRange) {
		t.Fatalf("expected ErrNonceRange past MaxInt64, got %v", err)
	}
	if _, err := encodeNonce(math.MaxUint64); !errors.Is(err, ErrNonceRange) {
		t.Fatalf("expected ErrNonceRange at MaxUint64, got %v", err)
	}
}

func TestDecodeNonceRejectsNegative(t *testing.T) {
	if _, err := decodeNonce(-1); !errors.Is(err, ErrNonceRange) {
		t.Fatalf("expected ErrNonceRange, got %v", err)
	}
	n, err := decodeNonce(42)
	if err != nil || n != 42 {
		t.Fatalf("expected 42, got %d %v", n, err)
	}
}
