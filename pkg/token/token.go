// Package token implements the capability tokens the sidecar consumes and
// mints: root credentials and delegation tokens issued by the control plane
// under the root key, and receipts signed by the rotating session key.
// Tokens are Biscuits: ordered blocks of datalog facts, rules and checks
// under an Ed25519 signature chain.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/biscuit-auth/biscuit-go/v2"

	"github.com/certainly-param/vac/pkg/api"
	vaccrypto "github.com/certainly-param/vac/pkg/crypto"
)

// Credential is a verified root credential: the parsed token plus the
// digest identifying it for revocation.
type Credential struct {
	ID    vaccrypto.TokenID
	Token *biscuit.Biscuit

	root ed25519.PublicKey
}

func encodeToken(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeToken(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// VerifyCredential validates the bearer value from the Authorization
// header: base64 decode, revocation lookup on the SHA-256 id, then the
// signature chain anchored at the root public key. No policy runs here.
func VerifyCredential(bearer string, root ed25519.PublicKey, revoked func(vaccrypto.TokenID) bool) (*Credential, error) {
	if bearer == "" {
		return nil, api.E(api.KindMissingToken, "")
	}

	raw, err := decodeToken(bearer)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidTokenFormat, "credential is not base64", err)
	}

	id := vaccrypto.DigestToken(raw)
	if revoked != nil && revoked(id) {
		// Revoked tokens are indistinguishable from badly signed ones.
		return nil, api.E(api.KindInvalidSignature, "")
	}

	tok, err := biscuit.Unmarshal(raw)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidTokenFormat, "credential is malformed", err)
	}

	// Authorizer construction verifies the signature chain against the
	// anchor; the authorizer itself is discarded.
	if _, err := tok.Authorizer(root); err != nil {
		return nil, api.Wrap(api.KindInvalidSignature, "", err)
	}

	return &Credential{ID: id, Token: tok, root: root}, nil
}

// Authorizer returns a fresh authorizer over the credential, with the
// signature chain re-checked against the anchor it was verified under.
func (c *Credential) Authorizer() (biscuit.Authorizer, error) {
	a, err := c.Token.Authorizer(c.root)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidSignature, "", err)
	}
	return a, nil
}

// queryRule builds the probe rule vac_query(v0..vn) <- name(v0..vn) used to
// read facts of a known arity out of a token's trusted scope.
func queryRule(name string, arity int) biscuit.Rule {
	vars := make([]biscuit.Term, arity)
	for i := range vars {
		vars[i] = biscuit.Variable(fmt.Sprintf("v%d", i))
	}
	return biscuit.Rule{
		Head: biscuit.Predicate{Name: "vac_query", IDs: vars},
		Body: []biscuit.Predicate{{Name: name, IDs: vars}},
	}
}

// QueryFacts reads all facts with the given name and arity visible in the
// token's trusted scope (authority block plus authorizer). Facts smuggled
// into attenuation blocks are invisible here on purpose.
func QueryFacts(a biscuit.Authorizer, name string, arity int) ([]biscuit.Fact, error) {
	fs, err := a.Query(queryRule(name, arity))
	if err != nil {
		return nil, fmt.Errorf("querying %s/%d: %w", name, arity, err)
	}
	return fs, nil
}

// FirstString reads the single string-argument fact with the given name
// from the credential's trusted scope. found is false when absent.
func (c *Credential) FirstString(name string) (value string, found bool, err error) {
	a, err := c.Authorizer()
	if err != nil {
		return "", false, err
	}
	facts, err := QueryFacts(a, name, 1)
	if err != nil {
		return "", false, api.Wrap(api.KindDeny, "", err)
	}
	if len(facts) == 0 {
		return "", false, nil
	}
	s, ok := facts[0].Predicate.IDs[0].(biscuit.String)
	if !ok {
		return "", false, api.Ef(api.KindPolicyViolation, "%s must carry a string argument", name)
	}
	return string(s), true, nil
}
