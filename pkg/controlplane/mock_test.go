package controlplane

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certainly-param/vac/pkg/crypto"
)

func signedHeartbeat(t *testing.T, id string) (HeartbeatRequest, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	req := HeartbeatRequest{
		SidecarID:     id,
		SessionKeyPub: hex.EncodeToString(pub),
		Timestamp:     time.Now().Unix(),
	}
	require.NoError(t, req.Sign(priv))
	return req, pub
}

func TestHeartbeatRoundTrip(t *testing.T) {
	mock := NewMock()
	server := httptest.NewServer(mock.Handler())
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	req, _ := signedHeartbeat(t, "sidecar-1")

	resp, err := client.Heartbeat(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Healthy)
	assert.Empty(t, resp.RevokedTokenIDs)
}

func TestHeartbeatPushesRevocations(t *testing.T) {
	mock := NewMock()
	id := crypto.DigestToken([]byte("bad token"))
	mock.Revoke(id)

	server := httptest.NewServer(mock.Handler())
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	req, _ := signedHeartbeat(t, "sidecar-1")

	resp, err := client.Heartbeat(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.RevokedTokenIDs, 1)
	assert.Equal(t, id, resp.RevokedTokenIDs[0])
}

func TestKillSwitch(t *testing.T) {
	mock := NewMock()
	mock.Kill()

	server := httptest.NewServer(mock.Handler())
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	req, _ := signedHeartbeat(t, "sidecar-1")

	resp, err := client.Heartbeat(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Healthy)

	mock.Revive()
	resp, err = client.Heartbeat(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Healthy)
}

func TestHeartbeatRejectsBadSignature(t *testing.T) {
	mock := NewMock()
	server := httptest.NewServer(mock.Handler())
	defer server.Close()

	req, _ := signedHeartbeat(t, "sidecar-1")
	req.Timestamp++ // signature no longer covers the payload

	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/heartbeat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRevokeEndpoint(t *testing.T) {
	mock := NewMock()
	server := httptest.NewServer(mock.Handler())
	defer server.Close()

	id := crypto.DigestToken([]byte("revoked"))
	body, err := json.Marshal(RevokeRequest{TokenID: id.Hex()})
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/revoke", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	client := NewClient(server.URL, 5*time.Second)
	hb, _ := signedHeartbeat(t, "sidecar-1")
	out, err := client.Heartbeat(context.Background(), hb)
	require.NoError(t, err)
	require.Len(t, out.RevokedTokenIDs, 1)
	assert.Equal(t, id, out.RevokedTokenIDs[0])
}

func TestSidecarListing(t *testing.T) {
	mock := NewMock()
	server := httptest.NewServer(mock.Handler())
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	req, _ := signedHeartbeat(t, "sidecar-42")
	_, err := client.Heartbeat(context.Background(), req)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/sidecars")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var list []SidecarRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "sidecar-42", list[0].SidecarID)
}
