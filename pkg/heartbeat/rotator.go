package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/certainly-param/vac/pkg/crypto"
	"github.com/certainly-param/vac/pkg/observability"
)

// Rotator swaps the session keypair on a fixed cadence. The receipt
// validity window matches the cadence, so receipts a rotation orphans are
// ones whose timestamps were about to expire anyway.
type Rotator struct {
	keys     *crypto.SessionKeyring
	interval time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewRotator builds the rotation timer.
func NewRotator(keys *crypto.SessionKeyring, interval time.Duration, metrics *observability.Metrics) *Rotator {
	return &Rotator{
		keys:     keys,
		interval: interval,
		metrics:  metrics,
		logger:   slog.Default().With("component", "rotation"),
	}
}

// Run loops until the context is done.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.keys.Rotate(); err != nil {
				r.logger.Error("session key rotation failed", "error", err)
				continue
			}
			if r.metrics != nil {
				r.metrics.KeyRotations.Inc()
			}
			r.logger.Info("session key rotated", "generation", r.keys.Generation())
		}
	}
}
