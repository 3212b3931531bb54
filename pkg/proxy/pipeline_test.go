package proxy

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certainly-param/vac/pkg/adapter"
	"github.com/certainly-param/vac/pkg/crypto"
	"github.com/certainly-param/vac/pkg/policy"
	"github.com/certainly-param/vac/pkg/state"
	"github.com/certainly-param/vac/pkg/token"
)

const (
	testAPIKey = "sk-upstream-secret"
	testCID    = "6b7e1a0e-53a4-4a6e-9d1c-0a4e1d3f2b11"
	otherCID   = "0e0e0e0e-0000-4000-8000-000000000000"
)

// env wires a full sidecar pipeline against a recording upstream.
type env struct {
	t        *testing.T
	rootPub  ed25519.PublicKey
	rootPriv ed25519.PrivateKey
	st       *state.Sidecar
	handler  *Handler
	upstream *httptest.Server
	seen     []*http.Request
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	e := &env{
		t:        t,
		rootPub:  rootPub,
		rootPriv: rootPriv,
		now:      time.Unix(1_700_000_000, 0),
	}

	e.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.seen = append(e.seen, r.Clone(r.Context()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(e.upstream.Close)

	keys, err := crypto.NewSessionKeyring()
	require.NoError(t, err)
	registry, err := adapter.NewRegistry(t.Context(), "", adapter.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(t.Context()) })

	e.st = state.New(rootPub, keys, registry)

	engine, err := policy.NewEngine(slog.Default())
	require.NoError(t, err)

	upstreamURL, err := url.Parse(e.upstream.URL)
	require.NoError(t, err)

	e.handler = NewHandler(e.st, engine, Options{
		Upstream:        upstreamURL,
		UpstreamAPIKey:  testAPIKey,
		UpstreamTimeout: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
	}).WithClock(func() time.Time { return e.now })

	return e
}

func (e *env) issue(spec token.CredentialSpec) string {
	e.t.Helper()
	if spec.Depth == 0 {
		spec.Depth = -1
	}
	encoded, _, err := token.Issue(e.rootPriv, spec)
	require.NoError(e.t, err)
	return encoded
}

type reqOpts struct {
	credential string
	cid        string
	receipts   []string
	delegation []string
	body       string
}

func (e *env) do(method, target string, opts reqOpts) *httptest.ResponseRecorder {
	e.t.Helper()
	var body io.Reader
	if opts.body != "" {
		body = strings.NewReader(opts.body)
	}
	r := httptest.NewRequest(method, target, body)
	if opts.credential != "" {
		r.Header.Set("Authorization", "Bearer "+opts.credential)
	}
	if opts.cid != "" {
		r.Header.Set(HeaderCorrelationID, opts.cid)
	}
	for _, receipt := range opts.receipts {
		r.Header.Add(HeaderReceipt, receipt)
	}
	for _, d := range opts.delegation {
		r.Header.Add(HeaderDelegation, d)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func TestAllowSimpleGet(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation("GET", $p)`},
	})

	w := e.do(http.MethodGet, "/search?q=x", reqOpts{credential: cred, cid: testCID})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderReceipt), "a fresh receipt must accompany 2xx responses")
}

func TestSearchThenCharge(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{
			`allow if operation("GET", "/search")`,
			`allow if operation("POST", "/charge"), prior_event($op, $cid, $ts), $op.starts_with("GET /search")`,
		},
	})

	first := e.do(http.MethodGet, "/search?q=flights", reqOpts{credential: cred, cid: testCID})
	require.Equal(t, http.StatusOK, first.Code)
	r1 := first.Header().Get(HeaderReceipt)
	require.NotEmpty(t, r1)

	second := e.do(http.MethodPost, "/charge", reqOpts{
		credential: cred,
		cid:        testCID,
		receipts:   []string{r1},
		body:       `{"amount": 42}`,
	})
	assert.Equal(t, http.StatusOK, second.Code)
	assert.NotEmpty(t, second.Header().Get(HeaderReceipt))

	// The same charge without the receipt must fail and say why.
	third := e.do(http.MethodPost, "/charge", reqOpts{credential: cred, cid: testCID})
	assert.Equal(t, http.StatusForbidden, third.Code)
	assert.Contains(t, third.Body.String(), "prior_event")
}

func TestExpiredReceipt(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})

	first := e.do(http.MethodGet, "/search", reqOpts{credential: cred, cid: testCID})
	require.Equal(t, http.StatusOK, first.Code)
	r1 := first.Header().Get(HeaderReceipt)
	require.NotEmpty(t, r1)

	e.now = e.now.Add(400 * time.Second)
	w := e.do(http.MethodPost, "/charge", reqOpts{credential: cred, cid: testCID, receipts: []string{r1}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "expired")
}

func TestCorrelationMismatch(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})

	first := e.do(http.MethodGet, "/search", reqOpts{credential: cred, cid: testCID})
	require.Equal(t, http.StatusOK, first.Code)
	r1 := first.Header().Get(HeaderReceipt)
	require.NotEmpty(t, r1)

	w := e.do(http.MethodPost, "/charge", reqOpts{credential: cred, cid: otherCID, receipts: []string{r1}})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLockdown(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})
	e.st.EnterLockdown()

	blocked := e.do(http.MethodPost, "/charge", reqOpts{credential: cred, cid: testCID})
	assert.Equal(t, http.StatusForbidden, blocked.Code)
	assert.Contains(t, blocked.Body.String(), "lockdown")

	// Read-only verbs still run the full pipeline.
	allowed := e.do(http.MethodGet, "/search", reqOpts{credential: cred, cid: testCID})
	assert.Equal(t, http.StatusOK, allowed.Code)
}

func TestLockdownBlocksBeforeCredentialCheck(t *testing.T) {
	e := newEnv(t)
	e.st.EnterLockdown()

	// No credential at all: lockdown must answer first.
	w := e.do(http.MethodPost, "/charge", reqOpts{cid: testCID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "lockdown")
}

func TestDelegationDepthExceeded(t *testing.T) {
	e := newEnv(t)
	chain, _, err := token.IssueDelegationChain(e.rootPriv, 7, token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})
	require.NoError(t, err)

	w := e.do(http.MethodGet, "/search", reqOpts{
		credential: chain[len(chain)-1],
		cid:        testCID,
		delegation: chain,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "delegation depth")
}

func TestDelegatedRequestSucceeds(t *testing.T) {
	e := newEnv(t)
	chain, _, err := token.IssueDelegationChain(e.rootPriv, 3, token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})
	require.NoError(t, err)

	w := e.do(http.MethodGet, "/search", reqOpts{
		credential: chain[len(chain)-1],
		cid:        testCID,
		delegation: chain,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderReceipt))
}

func TestDelegationMustEndAtCredential(t *testing.T) {
	e := newEnv(t)
	chain, _, err := token.IssueDelegationChain(e.rootPriv, 2, token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})
	require.NoError(t, err)
	stranger := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})

	w := e.do(http.MethodGet, "/search", reqOpts{
		credential: stranger,
		cid:        testCID,
		delegation: chain,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpstreamHeaderHygiene(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})

	first := e.do(http.MethodGet, "/search", reqOpts{credential: cred, cid: testCID})
	require.Equal(t, http.StatusOK, first.Code)
	r1 := first.Header().Get(HeaderReceipt)

	w := e.do(http.MethodPost, "/charge", reqOpts{
		credential: cred,
		cid:        testCID,
		receipts:   []string{r1},
		body:       `{"amount": 1}`,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, e.seen, 2)

	for _, seen := range e.seen {
		assert.Equal(t, []string{"Bearer " + testAPIKey}, seen.Header.Values("Authorization"),
			"exactly one Authorization header carrying the injected key")
		assert.Empty(t, seen.Header.Get(HeaderCorrelationID))
		for name := range seen.Header {
			assert.False(t, strings.HasPrefix(name, "X-Vac-"), "no X-VAC-* header may cross upstream: %s", name)
		}
	}
}

func TestMissingToken(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/search", reqOpts{cid: testCID})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMalformedCredential(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/search", reqOpts{credential: "%%%", cid: testCID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRevokedCredential(t *testing.T) {
	e := newEnv(t)
	encoded, id, err := token.Issue(e.rootPriv, token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
		Depth:    -1,
	})
	require.NoError(t, err)
	e.st.MergeRevoked([]crypto.TokenID{id})

	w := e.do(http.MethodGet, "/search", reqOpts{credential: encoded, cid: testCID})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRotationInvalidatesReceipts(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})

	first := e.do(http.MethodGet, "/search", reqOpts{credential: cred, cid: testCID})
	require.Equal(t, http.StatusOK, first.Code)
	r1 := first.Header().Get(HeaderReceipt)
	require.NotEmpty(t, r1)

	require.NoError(t, e.st.Keys.Rotate())

	w := e.do(http.MethodPost, "/charge", reqOpts{credential: cred, cid: testCID, receipts: []string{r1}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGeneratedCorrelationID(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})

	w := e.do(http.MethodGet, "/search", reqOpts{credential: cred})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderCorrelationID),
		"the generated workflow id must be returned so the agent can reuse it")
}

func TestInvalidCorrelationID(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{`allow if operation($m, $p)`},
	})

	w := e.do(http.MethodGet, "/search", reqOpts{credential: cred, cid: "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdapterNotPinned(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies:    []string{`allow if operation($m, $p)`},
		AdapterHash: "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
	})

	w := e.do(http.MethodPost, "/charge", reqOpts{credential: cred, cid: testCID, body: `{}`})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "adapter not pinned")
}

func TestReceiptRoundTripFact(t *testing.T) {
	e := newEnv(t)
	cred := e.issue(token.CredentialSpec{
		Policies: []string{
			`allow if operation("GET", $p)`,
			`allow if operation("POST", "/charge"), prior_event("GET /search", $cid, $ts), correlation_id($cid)`,
		},
	})

	first := e.do(http.MethodGet, "/search", reqOpts{credential: cred, cid: testCID})
	require.Equal(t, http.StatusOK, first.Code)
	r1 := first.Header().Get(HeaderReceipt)

	// The receipt must surface in the authorizer as exactly
	// prior_event("GET /search", CID, ts) bound to this correlation id.
	w := e.do(http.MethodPost, "/charge", reqOpts{credential: cred, cid: testCID, receipts: []string{r1}})
	assert.Equal(t, http.StatusOK, w.Code)
}
