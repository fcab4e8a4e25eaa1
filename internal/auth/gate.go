package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hdevalence/ed25519consensus"
)

// DefaultWindow bounds how far a signature timestamp may drift from the
// server clock.
const DefaultWindow = 5 * time.Minute

// ErrUnauthorized is returned when the required principal has not signed the
// request.
var ErrUnauthorized = errors.New("unauthorized")

// SignedRequest is the material a caller presents to prove who it is.
type SignedRequest struct {
	Method    string
	Path      string
	Body      []byte
	Signer    string
	Signature string
	Timestamp int64
}

// Proof records a verified signer. It can only be obtained from Gate.Verify.
type Proof struct {
	signer     string
	verifiedAt time.Time
}

// Signer returns the canonical principal that produced the signature.
func (p Proof) Signer() string { return p.signer }

// Gate verifies request signatures and enforces that the right principal
// authorized an operation.
type Gate struct {
	window time.Duration
	now    func() time.Time
}

// NewGate builds a Gate accepting timestamps within window of the current time.
func NewGate(window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate{window: window, now: time.Now}
}

// Verify checks the signature and timestamp of req.
func (g *Gate) Verify(req SignedRequest) (Proof, error) {
	pub, err := parsePublicKey(req.Signer)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	now := g.now()
	if !g.fresh(now, req.Timestamp) {
		return Proof{}, fmt.Errorf("%w: timestamp expired or too far in future", ErrUnauthorized)
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: invalid signature encoding", ErrUnauthorized)
	}
	if !ed25519consensus.Verify(pub, Message(req.Method, req.Path, req.Body, req.Timestamp), sig) {
		return Proof{}, fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	signer, _ := CanonicalPrincipal(req.Signer)
	return Proof{signer: signer, verifiedAt: now}, nil
}

// fresh reports whether ts lies within the window around now. The bounds are
// computed in whole seconds on the server side, so extreme timestamps cannot
// overflow into range.
func (g *Gate) fresh(now time.Time, ts int64) bool {
	window := int64(g.window / time.Second)
	cur := now.Unix()
	return ts >= cur-window && ts <= cur+window
}

// Require succeeds only when ctx carries a proof signed by principal.
func (g *Gate) Require(ctx context.Context, principal string) error {
	proof, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}
	want, err := CanonicalPrincipal(principal)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if proof.signer != want {
		return fmt.Errorf("%w: signed by %s, requires %s", ErrUnauthorized, proof.signer, want)
	}
	return nil
}

type proofKey struct{}

// NewContext returns a copy of ctx carrying proof.
func NewContext(ctx context.Context, proof Proof) context.Context {
	return context.WithValue(ctx, proofKey{}, proof)
}

// FromContext extracts the proof stored by NewContext.
func FromContext(ctx context.Context) (Proof, bool) {
	p, ok := ctx.Value(proofKey{}).(Proof)
	return p, ok && p.signer != ""
}
