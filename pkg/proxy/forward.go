package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/certainly-param/vac/pkg/api"
	"github.com/certainly-param/vac/pkg/policy"
	"github.com/certainly-param/vac/pkg/token"
)

// hopByHop headers never cross the proxy, per RFC 9110 §7.6.1.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// dropInbound reports whether an inbound header stays with the sidecar
// instead of crossing to the upstream.
func dropInbound(name string) bool {
	if _, ok := hopByHop[name]; ok {
		return true
	}
	if strings.EqualFold(name, "Authorization") || strings.EqualFold(name, HeaderCorrelationID) {
		return true
	}
	return strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Vac-")
}

// forward sends the authorized request upstream and relays the response.
// On a 2xx it mints a fresh receipt before writing the response head.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, body []byte, in *policy.Input) (int, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outURL := *h.upstream
	outURL.Path = singleJoin(h.upstream.Path, r.URL.Path)
	outURL.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), bytes.NewReader(body))
	if err != nil {
		return 0, api.Wrap(api.KindProxyError, "building upstream request", err)
	}
	for name, values := range r.Header {
		if dropInbound(name) {
			continue
		}
		out.Header[name] = values
	}
	// The real key is attached here and only here; the agent never sees it.
	out.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, api.Ef(api.KindProxyError, "upstream exceeded %s deadline", h.timeout)
		}
		return 0, api.Wrap(api.KindProxyError, "upstream request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		if _, ok := hopByHop[name]; ok {
			continue
		}
		w.Header()[name] = values
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.mintReceipt(w, r, in)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Response head is already written; nothing to map, just log.
		h.logger.Warn("relaying upstream body failed", "error", err)
	}
	return resp.StatusCode, nil
}

// mintReceipt signs the fresh receipt for this operation. Failure is
// logged and swallowed: the upstream call already succeeded, the agent
// just does not get a proof for the next step.
func (h *Handler) mintReceipt(w http.ResponseWriter, r *http.Request, in *policy.Input) {
	operation := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
	receipt, err := token.MintReceipt(h.state.Keys.Private(), operation, in.CorrelationID, h.clock(), in.Chain)
	if err != nil {
		h.logger.Error("receipt minting failed", "operation", operation, "error", err)
		return
	}
	w.Header().Set(HeaderReceipt, receipt)
	w.Header().Set(HeaderCorrelationID, in.CorrelationID)
	if h.metrics != nil {
		h.metrics.ReceiptsMinted.Inc()
	}
}

// singleJoin joins URL paths without doubling the slash.
func singleJoin(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}
