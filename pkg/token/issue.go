package token

import (
	"crypto/ed25519"
	"fmt"

	"github.com/biscuit-auth/biscuit-go/v2"
	"github.com/biscuit-auth/biscuit-go/v2/parser"

	vaccrypto "github.com/certainly-param/vac/pkg/crypto"
)

// CredentialSpec describes a credential to issue. All source strings use
// biscuit datalog syntax. Policies ("allow if ...", "deny if ...") cannot
// ride in a biscuit block natively, so each is embedded as an authority
// fact policy("<source>") and re-parsed by the policy engine at evaluation
// time; they are validated for parseability here at issuance.
type CredentialSpec struct {
	Facts    []string
	Rules    []string
	Checks   []string
	Policies []string

	// AdapterHash pins a WASM adapter by the hex SHA-256 of its bytes.
	AdapterHash string

	// Depth marks the credential's position in a delegation chain.
	// Negative means the fact is omitted.
	Depth int64
}

// Issue builds and signs a credential under the root private key, returning
// the encoded token and its id.
func Issue(rootPriv ed25519.PrivateKey, spec CredentialSpec) (string, vaccrypto.TokenID, error) {
	var zero vaccrypto.TokenID
	builder := biscuit.NewBuilder(rootPriv)

	for _, src := range spec.Facts {
		fact, err := parser.FromStringFact(src)
		if err != nil {
			return "", zero, fmt.Errorf("parsing fact %q: %w", src, err)
		}
		if err := builder.AddAuthorityFact(fact); err != nil {
			return "", zero, fmt.Errorf("adding fact %q: %w", src, err)
		}
	}
	for _, src := range spec.Rules {
		rule, err := parser.FromStringRule(src)
		if err != nil {
			return "", zero, fmt.Errorf("parsing rule %q: %w", src, err)
		}
		if err := builder.AddAuthorityRule(rule); err != nil {
			return "", zero, fmt.Errorf("adding rule %q: %w", src, err)
		}
	}
	for _, src := range spec.Checks {
		check, err := parser.FromStringCheck(src)
		if err != nil {
			return "", zero, fmt.Errorf("parsing check %q: %w", src, err)
		}
		if err := builder.AddAuthorityCheck(check); err != nil {
			return "", zero, fmt.Errorf("adding check %q: %w", src, err)
		}
	}
	for _, src := range spec.Policies {
		if _, err := parser.FromStringPolicy(src); err != nil {
			return "", zero, fmt.Errorf("parsing policy %q: %w", src, err)
		}
		fact := biscuit.Fact{Predicate: biscuit.Predicate{
			Name: "policy",
			IDs:  []biscuit.Term{biscuit.String(src)},
		}}
		if err := builder.AddAuthorityFact(fact); err != nil {
			return "", zero, fmt.Errorf("embedding policy %q: %w", src, err)
		}
	}

	if spec.AdapterHash != "" {
		fact := biscuit.Fact{Predicate: biscuit.Predicate{
			Name: "adapter_hash",
			IDs:  []biscuit.Term{biscuit.String(spec.AdapterHash)},
		}}
		if err := builder.AddAuthorityFact(fact); err != nil {
			return "", zero, fmt.Errorf("adding adapter_hash: %w", err)
		}
	}
	if spec.Depth >= 0 {
		fact := biscuit.Fact{Predicate: biscuit.Predicate{
			Name: "depth",
			IDs:  []biscuit.Term{biscuit.Integer(spec.Depth)},
		}}
		if err := builder.AddAuthorityFact(fact); err != nil {
			return "", zero, fmt.Errorf("adding depth: %w", err)
		}
	}

	tok, err := builder.Build()
	if err != nil {
		return "", zero, fmt.Errorf("signing credential: %w", err)
	}
	raw, err := tok.Serialize()
	if err != nil {
		return "", zero, fmt.Errorf("encoding credential: %w", err)
	}
	return encodeToken(raw), vaccrypto.DigestToken(raw), nil
}

// IssueDelegationChain issues a chain of n tokens with depths 0..n-1, the
// last one carrying the given spec. Earlier links carry only their depth
// fact; the leaf is the credential the agent presents.
func IssueDelegationChain(rootPriv ed25519.PrivateKey, n int, leaf CredentialSpec) (encoded []string, leafID vaccrypto.TokenID, err error) {
	var zero vaccrypto.TokenID
	if n < 1 {
		return nil, zero, fmt.Errorf("chain length must be at least 1, got %d", n)
	}
	encoded = make([]string, 0, n)
	for i := 0; i < n-1; i++ {
		link, _, err := Issue(rootPriv, CredentialSpec{Depth: int64(i)})
		if err != nil {
			return nil, zero, fmt.Errorf("issuing chain link %d: %w", i, err)
		}
		encoded = append(encoded, link)
	}
	leaf.Depth = int64(n - 1)
	tok, id, err := Issue(rootPriv, leaf)
	if err != nil {
		return nil, zero, fmt.Errorf("issuing chain leaf: %w", err)
	}
	return append(encoded, tok), id, nil
}
