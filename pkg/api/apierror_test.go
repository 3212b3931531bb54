package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindMissingToken:          http.StatusUnauthorized,
		KindInvalidTokenFormat:    http.StatusBadRequest,
		KindInvalidSignature:      http.StatusForbidden,
		KindReceiptExpired:        http.StatusForbidden,
		KindPolicyViolation:       http.StatusForbidden,
		KindDeny:                  http.StatusForbidden,
		KindCorrelationIDMismatch: http.StatusConflict,
		KindProxyError:            http.StatusBadGateway,
		KindConfigError:           http.StatusInternalServerError,
		KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, Status(kind), kind.String())
	}
}

func TestKindOfUnclassifiedIsDeny(t *testing.T) {
	assert.Equal(t, KindDeny, KindOf(errors.New("surprise")))
	assert.Equal(t, KindPolicyViolation, KindOf(E(KindPolicyViolation, "lockdown")))
}

func TestWriteCarriesDiagnosticForPolicyViolations(t *testing.T) {
	w := httptest.NewRecorder()
	Write(w, E(KindPolicyViolation, "Missing required fact: prior_event('GET /search')"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "prior_event")
}

func TestWriteOpaqueForSignatureFailures(t *testing.T) {
	w := httptest.NewRecorder()
	Write(w, Wrap(KindInvalidSignature, "ed25519 chain broke at block 2", errors.New("detail")))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "block 2",
		"signature diagnostics must not leak; they are verification oracles")
	assert.Contains(t, w.Body.String(), "InvalidSignature")
}

func TestWriteUnclassified(t *testing.T) {
	w := httptest.NewRecorder()
	Write(w, errors.New("panic adjacent"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Deny")
	assert.NotContains(t, w.Body.String(), "panic")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindProxyError, "upstream failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ProxyError")
}
