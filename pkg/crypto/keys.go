// Package crypto holds the sidecar's key material: the configured root
// public key and the rotating Ed25519 session keypair used to mint and
// verify receipts.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenID is the digest identifying a capability token: SHA-256 over its
// encoded bytes. Revocation operates on these ids.
type TokenID [32]byte

// Hex returns the lowercase hex form of the id.
func (id TokenID) Hex() string { return hex.EncodeToString(id[:]) }

// DigestToken computes the id of an encoded token.
func DigestToken(encoded []byte) TokenID {
	return TokenID(sha256.Sum256(encoded))
}

// ParseTokenID parses a 64-char hex token id.
func ParseTokenID(s string) (TokenID, error) {
	var id TokenID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("token id is not hex: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("token id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// ParseRootPublicKey parses the configured hex-encoded Ed25519 public key.
func ParseRootPublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("root public key is not hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("root public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// SessionKeyring owns the sidecar's session keypair. Exactly one keypair is
// live at a time; Rotate swaps it atomically. Request tasks read the halves
// they need under a read lock and release immediately.
type SessionKeyring struct {
	mu         sync.RWMutex
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	generation int
	rotatedAt  time.Time
	clock      func() time.Time
}

// NewSessionKeyring generates the initial session keypair.
func NewSessionKeyring() (*SessionKeyring, error) {
	k := &SessionKeyring{clock: time.Now}
	if err := k.rotateLocked(); err != nil {
		return nil, err
	}
	return k, nil
}

// WithClock overrides the clock for testing.
func (k *SessionKeyring) WithClock(clock func() time.Time) *SessionKeyring {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clock = clock
	return k
}

func (k *SessionKeyring) rotateLocked() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("session key generation failed: %w", err)
	}
	k.priv = priv
	k.pub = pub
	k.generation++
	k.rotatedAt = k.clock()
	return nil
}

// Rotate generates and installs a fresh keypair. Receipts signed by the
// previous key become unverifiable from this point on.
func (k *SessionKeyring) Rotate() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rotateLocked()
}

// Private returns the current signing key.
func (k *SessionKeyring) Private() ed25519.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.priv
}

// Public returns the current verification key.
func (k *SessionKeyring) Public() ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.pub
}

// PublicHex returns the current public key in hex, as advertised to the
// control plane on every heartbeat.
func (k *SessionKeyring) PublicHex() string {
	return hex.EncodeToString(k.Public())
}

// Generation returns how many keypairs have been installed so far.
func (k *SessionKeyring) Generation() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.generation
}

// LastRotation returns when the current keypair was installed.
func (k *SessionKeyring) LastRotation() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.rotatedAt
}
