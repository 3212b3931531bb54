// Package heartbeat runs the sidecar's two background tasks: the
// control-plane liveness loop and the session key rotation timer. The loop
// drives the Healthy/Degraded/Lockdown state machine; three consecutive
// failures or an explicit kill switch put the sidecar in lockdown, and the
// first success afterwards lifts it and forces a key rotation.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/certainly-param/vac/pkg/controlplane"
	"github.com/certainly-param/vac/pkg/observability"
	"github.com/certainly-param/vac/pkg/state"
)

// LockdownThreshold is how many consecutive failures enter lockdown.
const LockdownThreshold = 3

// Monitor polls the control plane and applies the liveness transitions.
type Monitor struct {
	state    *state.Sidecar
	client   *controlplane.Client
	interval time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// NewMonitor builds the heartbeat loop.
func NewMonitor(st *state.Sidecar, client *controlplane.Client, interval time.Duration, metrics *observability.Metrics) *Monitor {
	return &Monitor{
		state:    st,
		client:   client,
		interval: interval,
		metrics:  metrics,
		logger:   slog.Default().With("component", "heartbeat"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Run loops until the context is done. Errors are never fatal here; they
// only move the state machine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs one heartbeat exchange and applies the resulting
// transition. Exported so tests can step the state machine directly.
func (m *Monitor) Poll(ctx context.Context) {
	req := controlplane.HeartbeatRequest{
		SidecarID:     m.state.ID.String(),
		SessionKeyPub: m.state.Keys.PublicHex(),
		Timestamp:     m.clock().Unix(),
	}
	if err := req.Sign(m.state.Keys.Private()); err != nil {
		m.logger.Error("signing heartbeat", "error", err)
		m.fail()
		return
	}

	resp, err := m.client.Heartbeat(ctx, req)
	if err != nil {
		m.logger.Warn("heartbeat failed", "error", err)
		m.fail()
		return
	}

	if !resp.Healthy {
		// Kill switch: counted as a failure and locked down immediately,
		// without waiting for the threshold.
		count := m.state.RecordHeartbeatFailure()
		m.state.EnterLockdown()
		m.observe()
		m.logger.Error("control plane reports unhealthy, entering lockdown", "failure_count", count)
		return
	}

	m.state.MergeRevoked(resp.RevokedTokenIDs)
	wasLockdown := m.state.RecordHeartbeatSuccess(m.clock())
	if wasLockdown {
		m.logger.Warn("exiting lockdown, rotating session key")
		if err := m.state.Keys.Rotate(); err != nil {
			m.logger.Error("recovery key rotation failed", "error", err)
		} else if m.metrics != nil {
			m.metrics.KeyRotations.Inc()
		}
	}
	m.observe()
	m.logger.Debug("heartbeat ok", "revoked", len(resp.RevokedTokenIDs))
}

func (m *Monitor) fail() {
	count := m.state.RecordHeartbeatFailure()
	if count >= LockdownThreshold && !m.state.Lockdown() {
		m.logger.Error("entering lockdown", "failure_count", count)
		m.state.EnterLockdown()
	}
	m.observe()
}

func (m *Monitor) observe() {
	if m.metrics == nil {
		return
	}
	m.metrics.HeartbeatFails.Set(float64(m.state.FailureCount()))
	if m.state.Lockdown() {
		m.metrics.LockdownActive.Set(1)
	} else {
		m.metrics.LockdownActive.Set(0)
	}
	m.metrics.RevocationSetLen.Set(float64(m.state.RevokedCount()))
}
