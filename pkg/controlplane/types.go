// Package controlplane implements the sidecar's side of the control-plane
// protocol plus an in-memory mock control plane used by tests and demos.
package controlplane

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/certainly-param/vac/pkg/crypto"
)

// HeartbeatRequest is the POST /heartbeat body. The signature is the
// Ed25519 signature of the canonical (RFC 8785) form of the body without
// the signature field, made with the advertised session key; it lets the
// control plane treat the advertised key as proven rather than claimed.
type HeartbeatRequest struct {
	SidecarID     string `json:"sidecar_id"`
	SessionKeyPub string `json:"session_key_pub"`
	Timestamp     int64  `json:"timestamp"`
	Signature     string `json:"signature,omitempty"`
}

// HeartbeatResponse is the POST /heartbeat reply. Revoked ids travel as
// arrays of 32 bytes.
type HeartbeatResponse struct {
	Healthy         bool             `json:"healthy"`
	RevokedTokenIDs []crypto.TokenID `json:"revoked_token_ids"`
}

// RevokeRequest is the POST /revoke body.
type RevokeRequest struct {
	TokenID string `json:"token_id"`
}

// SidecarRecord is one entry of the GET /sidecars listing.
type SidecarRecord struct {
	SidecarID     string `json:"sidecar_id"`
	SessionKeyPub string `json:"session_key_pub"`
	LastSeen      int64  `json:"last_seen"`
}

// canonicalPayload returns the RFC 8785 bytes of the request without its
// signature field.
func (r HeartbeatRequest) canonicalPayload() ([]byte, error) {
	unsigned := r
	unsigned.Signature = ""
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshaling heartbeat: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing heartbeat: %w", err)
	}
	return canonical, nil
}

// Sign fills the signature field using the session private key.
func (r *HeartbeatRequest) Sign(priv ed25519.PrivateKey) error {
	payload, err := r.canonicalPayload()
	if err != nil {
		return err
	}
	r.Signature = hex.EncodeToString(ed25519.Sign(priv, payload))
	return nil
}

// VerifySignature checks the signature against the advertised session key.
func (r HeartbeatRequest) VerifySignature() error {
	pub, err := hex.DecodeString(r.SessionKeyPub)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("session_key_pub is not a valid key")
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("signature is not hex")
	}
	payload, err := r.canonicalPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return fmt.Errorf("heartbeat signature does not verify")
	}
	return nil
}
