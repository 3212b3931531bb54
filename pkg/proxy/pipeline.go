// Package proxy is the sidecar's request pipeline: verify the credential,
// the delegation chain and the receipts, derive adapter facts, evaluate
// policy, and only then forward the request upstream with the real API key
// attached. Every failure short-circuits into exactly one taxonomy error;
// nothing recovers locally.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/certainly-param/vac/pkg/api"
	"github.com/certainly-param/vac/pkg/observability"
	"github.com/certainly-param/vac/pkg/policy"
	"github.com/certainly-param/vac/pkg/state"
	"github.com/certainly-param/vac/pkg/token"
)

// Protocol headers.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderReceipt       = "X-VAC-Receipt"
	HeaderDelegation    = "X-VAC-Delegation"
)

// Handler is the proxy surface. One instance serves all requests; all
// mutable state lives behind the shared Sidecar.
type Handler struct {
	state    *state.Sidecar
	engine   *policy.Engine
	upstream *url.URL
	apiKey   string
	client   *http.Client
	timeout  time.Duration
	maxBody  int64
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	clock    func() time.Time
}

// Options configures the handler.
type Options struct {
	Upstream        *url.URL
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
	Metrics         *observability.Metrics
	Tracer          trace.Tracer
}

// NewHandler builds the pipeline handler.
func NewHandler(st *state.Sidecar, engine *policy.Engine, opts Options) *Handler {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("vac")
	}
	return &Handler{
		state:    st,
		engine:   engine,
		upstream: opts.Upstream,
		apiKey:   opts.UpstreamAPIKey,
		client:   &http.Client{},
		timeout:  opts.UpstreamTimeout,
		maxBody:  opts.MaxBodyBytes,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   slog.Default().With("component", "proxy"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func readOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.clock()
	status, err := h.serve(w, r)
	h.record(r, status, err, h.clock().Sub(start))
}

// serve runs the pipeline. It returns the upstream status on success; on
// error it writes the taxonomy response itself.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) (int, error) {
	ctx, span := h.tracer.Start(r.Context(), "vac.pipeline")
	defer span.End()

	// Lockdown gates mutating verbs ahead of all verification.
	if h.state.Lockdown() && !readOnly(r.Method) {
		err := api.E(api.KindPolicyViolation, "lockdown")
		api.Write(w, err)
		return 0, err
	}

	correlationID := r.Header.Get(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	} else if _, parseErr := uuid.Parse(correlationID); parseErr != nil {
		err := api.E(api.KindInvalidTokenFormat, "correlation id must be a UUID")
		api.Write(w, err)
		return 0, err
	}
	span.SetAttributes(attribute.String("vac.correlation_id", correlationID))

	in, err := h.verify(r, correlationID)
	if err != nil {
		api.Write(w, err)
		return 0, err
	}

	body, err := h.readBody(r)
	if err != nil {
		api.Write(w, err)
		return 0, err
	}

	if err := h.adapterFacts(ctx, in, body); err != nil {
		api.Write(w, err)
		return 0, err
	}

	if err := h.engine.Evaluate(*in); err != nil {
		api.Write(w, err)
		return 0, err
	}

	status, err := h.forward(w, r.WithContext(ctx), body, in)
	if err != nil {
		api.Write(w, err)
		return 0, err
	}
	return status, nil
}

// verify runs credential, delegation and receipt verification and builds
// the policy input.
func (h *Handler) verify(r *http.Request, correlationID string) (*policy.Input, error) {
	bearer, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	cred, err := token.VerifyCredential(bearer, h.state.RootPublicKey, h.state.IsRevoked)
	if err != nil {
		return nil, err
	}

	chain, err := token.VerifyDelegation(r.Header.Values(HeaderDelegation), h.state.RootPublicKey)
	if err != nil {
		return nil, err
	}
	if chain != nil && chain.Leaf() != cred.ID {
		return nil, api.E(api.KindPolicyViolation, "delegation chain does not terminate at the presented credential")
	}

	sessionPub := h.state.Keys.Public()
	now := h.clock()
	var receipts []*token.Receipt
	for _, header := range r.Header.Values(HeaderReceipt) {
		receipt, err := token.VerifyReceipt(header, sessionPub, correlationID, now)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}

	return &policy.Input{
		Credential:    cred,
		Method:        r.Method,
		Path:          r.URL.Path,
		CorrelationID: correlationID,
		Receipts:      receipts,
		Chain:         chain,
	}, nil
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", api.E(api.KindMissingToken, "")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return "", api.E(api.KindMissingToken, "")
	}
	return header[len(prefix):], nil
}

// readBody buffers the request body so it can feed both the adapter and
// the upstream hop.
func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return nil, api.Wrap(api.KindProxyError, "reading request body", err)
	}
	if int64(len(body)) > h.maxBody {
		return nil, api.Ef(api.KindProxyError, "request body exceeds %d bytes", h.maxBody)
	}
	return body, nil
}

// adapterFacts runs the pinned adapter, when the credential names one.
func (h *Handler) adapterFacts(ctx context.Context, in *policy.Input, body []byte) error {
	hash, pinned, err := in.Credential.FirstString("adapter_hash")
	if err != nil {
		return err
	}
	if !pinned {
		return nil
	}
	if !h.state.Adapters.Lookup(hash) {
		h.observeAdapter("not_pinned")
		return api.E(api.KindPolicyViolation, "adapter not pinned")
	}
	facts, err := h.state.Adapters.Extract(ctx, hash, body)
	if err != nil {
		h.observeAdapter("failed")
		return err
	}
	h.observeAdapter("ok")
	in.AdapterFacts = facts
	return nil
}

func (h *Handler) observeAdapter(outcome string) {
	if h.metrics != nil {
		h.metrics.AdapterRuns.WithLabelValues(outcome).Inc()
	}
}

// record emits the per-request decision log line and metrics.
func (h *Handler) record(r *http.Request, status int, err error, elapsed time.Duration) {
	decision := "allow"
	kind := ""
	if err != nil {
		decision = "deny"
		kind = api.KindOf(err).String()
	}
	h.logger.Info("decision",
		"decision", decision,
		"kind", kind,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", r.Header.Get(api.RequestIDHeader),
		"duration_ms", elapsed.Milliseconds(),
	)
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(decision, kind).Inc()
		h.metrics.RequestDuration.WithLabelValues(decision).Observe(elapsed.Seconds())
	}
}
