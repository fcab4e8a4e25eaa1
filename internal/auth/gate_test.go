package auth

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func signedRequest(t *testing.T, body string, ts int64) (SignedRequest, string) {
	t.Helper()
	principal, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return SignedRequest{
		Method:    "POST",
		Path:      "/api/v1/deposits",
		Body:      []byte(body),
		Signer:    principal,
		Signature: Sign(priv, "POST", "/api/v1/deposits", []byte(body), ts),
		Timestamp: ts,
	}, principal
}

func TestGateVerifyAndRequire(t *testing.T) {
	gate := NewGate(time.Minute)
	req, principal := signedRequest(t, `{"amount":100}`, time.Now().Unix())

	proof, err := gate.Verify(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if proof.Signer() != principal {
		t.Fatalf("expected signer %s, got %s", principal, proof.Signer())
	}

	ctx := NewContext(context.Background(), proof)
	if err := gate.Require(ctx, strings.ToUpper(principal)); err != nil {
		t.Fatalf("require signer: %v", err)
	}

	other, _, _ := GenerateKey()
	if err := gate.Require(ctx, other); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for other principal, got %v", err)
	}
}

func TestGateRequireWithoutProof(t *testing.T) {
	gate := NewGate(time.Minute)
	principal, _, _ := GenerateKey()
	if err := gate.Require(context.Background(), principal); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestGateRejectsTamperedBody(t *testing.T) {
	gate := NewGate(time.Minute)
	req, _ := signedRequest(t, `{"amount":100}`, time.Now().Unix())
	req.Body = []byte(`{"amount":100000}`)

	if _, err := gate.Verify(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for tampered body, got %v", err)
	}
}

func TestGateRejectsStaleTimestamp(t *testing.T) {
	gate := NewGate(time.Minute)
	req, _ := signedRequest(t, `{}`, time.Now().Add(-2*time.Minute).Unix())

	if _, err := gate.Verify(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for stale timestamp, got %v", err)
	}
}

func TestCanonicalPrincipal(t *testing.T) {
	if _, err := CanonicalPrincipal("alice"); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("expected invalid principal, got %v", err)
	}
	principal, _, _ := GenerateKey()
	got, err := CanonicalPrincipal(" " + strings.ToUpper(principal) + " ")
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if got != principal {
		t.Fatalf("expected %s, got %s", principal, got)
	}
}

func TestGateRejectsFarFutureTimestamp(t *testing.T) {
	gate := NewGate(time.Minute)
	for _, ts := range []int64{1 << 62, math.MaxInt64, math.MinInt64, time.Now().Add(2 * time.Minute).Unix()} {
		req, principal := signedRequest(t, `{}`, ts)
		if _, err := gate.Verify(req); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("timestamp %d: expected unauthorized, got %v", ts, err)
		}
		if err := gate.Require(context.Background(), principal); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("timestamp %d: require must fail without a proof, got %v", ts, err)
		}
	}
}

func TestGateWindowBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	gate := NewGate(time.Minute)
	gate.now = func() time.Time { return now }

	cases := []struct {
		ts int64
		ok bool
	}{
		{now.Unix() - 60, true},
		{now.Unix() + 60, true},
		{now.Unix() - 61, false},
		{now.Unix() + 61, false},
	}
	for _, tc := range cases {
		req, _ := signedRequest(t, `{}`, tc.ts)
		_, err := gate.Verify(req)
		if tc.ok && err != nil {
			t.Fatalf("timestamp %d: expected accepted, got %v", tc.ts, err)
		}
		if !tc.ok && !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("timestamp %d: expected unauthorized, got %v", tc.ts, err)
		}
	}
}
