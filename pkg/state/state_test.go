package state

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certainly-param/vac/pkg/crypto"
)

func newSidecar(t *testing.T) *Sidecar {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keys, err := crypto.NewSessionKeyring()
	require.NoError(t, err)
	return New(pub, keys, nil)
}

func TestLockdownTransitions(t *testing.T) {
	s := newSidecar(t)
	assert.False(t, s.Lockdown())

	s.EnterLockdown()
	assert.True(t, s.Lockdown())

	wasLockdown := s.RecordHeartbeatSuccess(time.Unix(1_700_000_000, 0))
	assert.True(t, wasLockdown)
	assert.False(t, s.Lockdown())
	assert.Equal(t, 0, s.FailureCount())
	assert.Equal(t, int64(1_700_000_000), s.LastHeartbeat().Unix())
}

func TestFailureCounter(t *testing.T) {
	s := newSidecar(t)
	assert.Equal(t, 1, s.RecordHeartbeatFailure())
	assert.Equal(t, 2, s.RecordHeartbeatFailure())
	assert.Equal(t, 3, s.RecordHeartbeatFailure())

	s.RecordHeartbeatSuccess(time.Now())
	assert.Equal(t, 0, s.FailureCount())
}

func TestRevocationSetIsUnionOnly(t *testing.T) {
	s := newSidecar(t)
	var a, b crypto.TokenID
	a[0], b[0] = 1, 2

	s.MergeRevoked([]crypto.TokenID{a})
	assert.True(t, s.IsRevoked(a))
	assert.False(t, s.IsRevoked(b))

	// A later merge without a must not shrink the set.
	s.MergeRevoked([]crypto.TokenID{b})
	assert.True(t, s.IsRevoked(a))
	assert.True(t, s.IsRevoked(b))
	assert.Equal(t, 2, s.RevokedCount())

	s.MergeRevoked(nil)
	assert.Equal(t, 2, s.RevokedCount())
}
