package token

import (
	"crypto/ed25519"

	"github.com/biscuit-auth/biscuit-go/v2"

	"github.com/certainly-param/vac/pkg/api"
	vaccrypto "github.com/certainly-param/vac/pkg/crypto"
)

// MaxDelegationDepth is the deepest legal chain: root at depth 0 plus five
// hand-offs.
const MaxDelegationDepth = 5

// DelegationChain is the verified result of walking the X-VAC-Delegation
// headers: the token ids in order root to leaf, and the depth of the leaf.
type DelegationChain struct {
	IDs   []vaccrypto.TokenID
	Depth int64
}

// Hex returns the chain ids in hex, in order, for fact injection.
func (d *DelegationChain) Hex() []string {
	out := make([]string, len(d.IDs))
	for i, id := range d.IDs {
		out[i] = id.Hex()
	}
	return out
}

// Leaf returns the id of the last token in the chain.
func (d *DelegationChain) Leaf() vaccrypto.TokenID {
	return d.IDs[len(d.IDs)-1]
}

// VerifyDelegation walks the ordered delegation headers. Each token must
// parse, verify under the root public key, and carry exactly one authority
// depth(N) fact; the depths must run 0, 1, 2, ... with no gaps. An empty
// header list is legal and yields a nil chain.
func VerifyDelegation(headers []string, root ed25519.PublicKey) (*DelegationChain, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	if len(headers) > MaxDelegationDepth+1 {
		return nil, api.E(api.KindPolicyViolation, "delegation depth exceeded")
	}

	chain := &DelegationChain{IDs: make([]vaccrypto.TokenID, 0, len(headers))}
	for i, header := range headers {
		raw, err := decodeToken(header)
		if err != nil {
			return nil, api.Wrap(api.KindInvalidTokenFormat, "delegation token is not base64", err)
		}
		tok, err := biscuit.Unmarshal(raw)
		if err != nil {
			return nil, api.Wrap(api.KindInvalidTokenFormat, "delegation token is malformed", err)
		}
		a, err := tok.Authorizer(root)
		if err != nil {
			return nil, api.Wrap(api.KindInvalidSignature, "", err)
		}

		depth, err := singleDepth(a)
		if err != nil {
			return nil, err
		}
		if depth != int64(i) {
			return nil, api.Ef(api.KindPolicyViolation,
				"delegation depth must increase without gaps: position %d carries depth(%d)", i, depth)
		}

		chain.IDs = append(chain.IDs, vaccrypto.DigestToken(raw))
	}

	chain.Depth = int64(len(headers) - 1)
	return chain, nil
}

// singleDepth reads the one depth(N) fact a delegation token must carry.
func singleDepth(a biscuit.Authorizer) (int64, error) {
	facts, err := QueryFacts(a, "depth", 1)
	if err != nil {
		return 0, api.Wrap(api.KindDeny, "", err)
	}
	if len(facts) != 1 {
		return 0, api.Ef(api.KindPolicyViolation, "delegation token must carry exactly one depth fact, found %d", len(facts))
	}
	n, ok := facts[0].Predicate.IDs[0].(biscuit.Integer)
	if !ok {
		return 0, api.E(api.KindPolicyViolation, "depth fact must carry an integer")
	}
	return int64(n), nil
}

// Depth reads the credential's own authority depth(N) fact, when present.
// A credential with depth(0) and no delegation headers is legal and means
// no delegation.
func (c *Credential) Depth() (int64, bool, error) {
	a, err := c.Authorizer()
	if err != nil {
		return 0, false, err
	}
	facts, err := QueryFacts(a, "depth", 1)
	if err != nil {
		return 0, false, api.Wrap(api.KindDeny, "", err)
	}
	if len(facts) == 0 {
		return 0, false, nil
	}
	n, ok := facts[0].Predicate.IDs[0].(biscuit.Integer)
	if !ok {
		return 0, false, api.E(api.KindPolicyViolation, "depth fact must carry an integer")
	}
	return int64(n), true, nil
}
