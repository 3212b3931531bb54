// Package state holds the sidecar's process-wide shared state. Request
// tasks are the readers; the heartbeat task and the rotation timer are the
// only writers. Both hot structures sit behind read-write locks and read
// sections copy out what they need and release immediately.
package state

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certainly-param/vac/pkg/adapter"
	"github.com/certainly-param/vac/pkg/crypto"
)

// Sidecar is the shared state for one sidecar process.
type Sidecar struct {
	// Immutable after startup.
	ID            uuid.UUID
	RootPublicKey ed25519.PublicKey
	Keys          *crypto.SessionKeyring
	Adapters      *adapter.Registry

	mu            sync.RWMutex
	lockdown      bool
	failureCount  int
	lastHeartbeat time.Time

	revMu   sync.RWMutex
	revoked map[crypto.TokenID]struct{}
}

// New builds the shared state around the given key material and registry.
func New(root ed25519.PublicKey, keys *crypto.SessionKeyring, adapters *adapter.Registry) *Sidecar {
	return &Sidecar{
		ID:            uuid.New(),
		RootPublicKey: root,
		Keys:          keys,
		Adapters:      adapters,
		revoked:       make(map[crypto.TokenID]struct{}),
	}
}

// Lockdown reports whether the sidecar is in lockdown.
func (s *Sidecar) Lockdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockdown
}

// EnterLockdown flips the lockdown flag on.
func (s *Sidecar) EnterLockdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockdown = true
}

// RecordHeartbeatSuccess resets the failure counter and clears lockdown,
// reporting whether lockdown was active so the caller can trigger the
// recovery key rotation.
func (s *Sidecar) RecordHeartbeatSuccess(now time.Time) (wasLockdown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasLockdown = s.lockdown
	s.lockdown = false
	s.failureCount = 0
	s.lastHeartbeat = now
	return wasLockdown
}

// RecordHeartbeatFailure increments the failure counter and reports the
// new count.
func (s *Sidecar) RecordHeartbeatFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	return s.failureCount
}

// FailureCount returns the consecutive heartbeat failure count.
func (s *Sidecar) FailureCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failureCount
}

// LastHeartbeat returns when the last successful heartbeat landed.
func (s *Sidecar) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// IsRevoked reports whether a token id is in the revocation set.
func (s *Sidecar) IsRevoked(id crypto.TokenID) bool {
	s.revMu.RLock()
	defer s.revMu.RUnlock()
	_, ok := s.revoked[id]
	return ok
}

// MergeRevoked unions the given ids into the revocation set. Ids never
// leave the set; the control plane is the authority on what is revoked and
// only ever adds.
func (s *Sidecar) MergeRevoked(ids []crypto.TokenID) {
	if len(ids) == 0 {
		return
	}
	s.revMu.Lock()
	defer s.revMu.Unlock()
	for _, id := range ids {
		s.revoked[id] = struct{}{}
	}
}

// RevokedCount returns the size of the revocation set.
func (s *Sidecar) RevokedCount() int {
	s.revMu.RLock()
	defer s.revMu.RUnlock()
	return len(s.revoked)
}
