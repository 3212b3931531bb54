package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/certainly-param/vac/pkg/crypto"
)

// Mock is an in-memory control plane implementing the full §6 protocol:
// heartbeat intake, revocation, the kill switch, and the sidecar listing.
// It backs cmd/vac-control and the end-to-end tests.
type Mock struct {
	mu       sync.Mutex
	sidecars map[string]SidecarRecord
	revoked  []crypto.TokenID
	killed   bool
	clock    func() time.Time
	logger   *slog.Logger
}

// NewMock builds an empty mock control plane.
func NewMock() *Mock {
	return &Mock{
		sidecars: make(map[string]SidecarRecord),
		clock:    time.Now,
		logger:   slog.Default().With("component", "controlplane"),
	}
}

// WithClock overrides the clock for testing.
func (m *Mock) WithClock(clock func() time.Time) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// Revoke adds a token id to the revocation list pushed on heartbeats.
func (m *Mock) Revoke(id crypto.TokenID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, id)
}

// Kill flips the kill switch: every subsequent heartbeat reports
// healthy=false until Revive.
func (m *Mock) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = true
}

// Revive clears the kill switch.
func (m *Mock) Revive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = false
}

// Handler returns the protocol mux.
func (m *Mock) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /heartbeat", m.handleHeartbeat)
	mux.HandleFunc("POST /revoke", m.handleRevoke)
	mux.HandleFunc("POST /kill", func(w http.ResponseWriter, _ *http.Request) {
		m.Kill()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /revive", func(w http.ResponseWriter, _ *http.Request) {
		m.Revive()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /sidecars", m.handleSidecars)
	return mux
}

func (m *Mock) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed heartbeat", http.StatusBadRequest)
		return
	}
	if req.Signature != "" {
		if err := req.VerifySignature(); err != nil {
			http.Error(w, "heartbeat signature rejected", http.StatusForbidden)
			return
		}
	}

	m.mu.Lock()
	m.sidecars[req.SidecarID] = SidecarRecord{
		SidecarID:     req.SidecarID,
		SessionKeyPub: req.SessionKeyPub,
		LastSeen:      m.clock().Unix(),
	}
	resp := HeartbeatResponse{
		Healthy:         !m.killed,
		RevokedTokenIDs: append([]crypto.TokenID(nil), m.revoked...),
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *Mock) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed revoke", http.StatusBadRequest)
		return
	}
	id, err := crypto.ParseTokenID(req.TokenID)
	if err != nil {
		http.Error(w, "token_id must be 64 hex characters", http.StatusBadRequest)
		return
	}
	m.Revoke(id)
	m.logger.Info("token revoked", "token_id", req.TokenID)
	w.WriteHeader(http.StatusNoContent)
}

func (m *Mock) handleSidecars(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	list := make([]SidecarRecord, 0, len(m.sidecars))
	for _, rec := range m.sidecars {
		list = append(list, rec)
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}
