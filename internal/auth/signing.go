package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Headers carrying a request signature.
const (
	HeaderSigner    = "X-Ledger-Signer"
	HeaderSignature = "X-Ledger-Signature"
	HeaderTimestamp = "X-Ledger-Timestamp"
)

// ErrInvalidPrincipal is returned for identities that are not hex-encoded
// ed25519 public keys.
var ErrInvalidPrincipal = errors.New("invalid principal")

// Message builds the bytes a client signs: METHOD|PATH|hex(SHA256(BODY))|TIMESTAMP.
func Message(method, path string, body []byte, timestamp int64) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + "|" + path + "|" + hex.EncodeToString(sum[:]) + "|" + strconv.FormatInt(timestamp, 10))
}

// GenerateKey creates a new ed25519 key pair and returns the principal that
// identifies it.
func GenerateKey() (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(pub), priv, nil
}

// PrincipalOf returns the principal for a private key.
func PrincipalOf(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}

// ParsePrivateKey decodes a hex-encoded ed25519 seed or full private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// Sign returns the hex-encoded signature of the request message.
func Sign(priv ed25519.PrivateKey, method, path string, body []byte, timestamp int64) string {
	return hex.EncodeToString(ed25519.Sign(priv, Message(method, path, body, timestamp)))
}

// CanonicalPrincipal validates a principal and returns its lowercase form.
func CanonicalPrincipal(s string) (string, error) {
	if _, err := parsePublicKey(s); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(s)), nil
}

func parsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrincipal, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
