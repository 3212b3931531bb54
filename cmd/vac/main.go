// Command vac runs the capability-enforcing sidecar: it terminates agent
// traffic, verifies credentials and receipts, evaluates the embedded
// policy, and forwards authorized requests upstream with the real API key.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certainly-param/vac/pkg/adapter"
	"github.com/certainly-param/vac/pkg/api"
	"github.com/certainly-param/vac/pkg/config"
	"github.com/certainly-param/vac/pkg/controlplane"
	"github.com/certainly-param/vac/pkg/crypto"
	"github.com/certainly-param/vac/pkg/heartbeat"
	"github.com/certainly-param/vac/pkg/observability"
	"github.com/certainly-param/vac/pkg/policy"
	"github.com/certainly-param/vac/pkg/proxy"
	"github.com/certainly-param/vac/pkg/state"
)

func main() {
	os.Exit(Run(os.Stderr))
}

// Run wires and runs the sidecar; split from main for testing.
func Run(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "vac: %v\n", err)
		return 1
	}

	logger := observability.SetupLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootPub, err := crypto.ParseRootPublicKey(cfg.RootPublicKey)
	if err != nil {
		logger.Error("invalid root public key", "error", err)
		return 1
	}
	keys, err := crypto.NewSessionKeyring()
	if err != nil {
		logger.Error("session key generation failed", "error", err)
		return 1
	}
	registry, err := adapter.NewRegistry(ctx, cfg.AdapterDir, adapter.DefaultConfig())
	if err != nil {
		logger.Error("adapter registry scan failed", "error", err)
		return 1
	}
	defer func() { _ = registry.Close(context.Background()) }()

	st := state.New(rootPub, keys, registry)
	metrics := observability.NewMetrics()

	tracing, err := observability.NewTracing(ctx, cfg.TraceEndpoint, "vac-sidecar")
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		return 1
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	engine, err := policy.NewEngine(logger)
	if err != nil {
		logger.Error("policy engine setup failed", "error", err)
		return 1
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		logger.Error("invalid upstream url", "error", err)
		return 1
	}

	handler := proxy.NewHandler(st, engine, proxy.Options{
		Upstream:        upstream,
		UpstreamAPIKey:  cfg.UpstreamAPIKey,
		UpstreamTimeout: time.Duration(cfg.UpstreamTimeoutSecs) * time.Second,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Metrics:         metrics,
		Tracer:          tracing.Tracer(),
	})

	if cfg.ControlPlaneURL != "" {
		client := controlplane.NewClient(cfg.ControlPlaneURL, 10*time.Second)
		monitor := heartbeat.NewMonitor(st, client, time.Duration(cfg.HeartbeatIntervalSecs)*time.Second, metrics)
		go monitor.Run(ctx)
	} else {
		logger.Warn("no control plane configured, revocation and liveness are disabled")
	}
	rotator := heartbeat.NewRotator(keys, time.Duration(cfg.RotationIntervalSecs)*time.Second, metrics)
	go rotator.Run(ctx)

	var chain http.Handler = handler
	chain = api.RateLimit(cfg.RateLimitRPS, int(cfg.RateLimitRPS))(chain)
	chain = api.RequestID(chain)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           chain,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var admin *http.Server
	if cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /vac/metrics", metrics.Handler())
		mux.HandleFunc("GET /vac/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"sidecar_id":      st.ID.String(),
				"lockdown":        st.Lockdown(),
				"failure_count":   st.FailureCount(),
				"last_heartbeat":  st.LastHeartbeat().Unix(),
				"last_rotation":   keys.LastRotation().Unix(),
				"session_key_pub": keys.PublicHex(),
				"adapters":        registry.Len(),
			})
		})
		admin = &http.Server{Addr: cfg.AdminAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin listener failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sidecar listening",
			"addr", cfg.ListenAddr,
			"upstream", cfg.UpstreamURL,
			"sidecar_id", st.ID.String(),
			"adapters", registry.Len(),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listener failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	return 0
}
