// Package policy evaluates the credential-embedded datalog policy against
// the request. The credential is the single trust anchor: receipts and
// adapter output enter the world as plain facts, never as attested tokens,
// because they are signed by the session key rather than the root key.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/biscuit-auth/biscuit-go/v2"
	"github.com/biscuit-auth/biscuit-go/v2/parser"

	"github.com/certainly-param/vac/pkg/adapter"
	"github.com/certainly-param/vac/pkg/api"
	"github.com/certainly-param/vac/pkg/token"
)

// globalDenySrc is applied by the engine on every evaluation, ahead of any
// credential policy.
const globalDenySrc = "deny if depth($d), $d > 5"

// Input is everything the engine needs for one decision.
type Input struct {
	Credential    *token.Credential
	Method        string
	Path          string
	CorrelationID string
	Receipts      []*token.Receipt
	Chain         *token.DelegationChain
	AdapterFacts  []adapter.Fact
}

// Engine builds and runs the authorizer. Stateless; one instance serves
// all requests.
type Engine struct {
	logger     *slog.Logger
	globalDeny biscuit.Policy
}

// NewEngine constructs the engine.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deny, err := parser.FromStringPolicy(globalDenySrc)
	if err != nil {
		return nil, fmt.Errorf("parsing global deny policy: %w", err)
	}
	return &Engine{
		logger:     logger.With("component", "policy"),
		globalDeny: deny,
	}, nil
}

// Evaluate runs the full decision: seed facts, extract the credential's
// embedded policies, and authorize. nil means allow; anything else is a
// pipeline error, PolicyViolation in the normal case.
func (e *Engine) Evaluate(in Input) error {
	seeds := e.seedFacts(in)

	a, err := in.Credential.Authorizer()
	if err != nil {
		return err
	}
	for _, fact := range seeds {
		a.AddFact(fact)
	}

	denies, allows, err := e.credentialPolicies(a)
	if err != nil {
		return err
	}

	// Deny dominates: global deny first, then credential denies, then
	// allows, then the fail-closed default.
	ordered := make([]biscuit.Policy, 0, len(denies)+len(allows)+2)
	ordered = append(ordered, e.globalDeny)
	ordered = append(ordered, denies...)
	ordered = append(ordered, allows...)
	ordered = append(ordered, biscuit.DefaultDenyPolicy)
	for _, p := range ordered {
		a.AddPolicy(p)
	}

	if err := a.Authorize(); err != nil {
		return e.diagnose(in, seeds, allows, err)
	}
	return nil
}

// seedFacts builds the ground facts for this request.
func (e *Engine) seedFacts(in Input) []biscuit.Fact {
	facts := []biscuit.Fact{
		fact("operation", biscuit.String(in.Method), biscuit.String(in.Path)),
		fact("correlation_id", biscuit.String(in.CorrelationID)),
	}
	for _, r := range in.Receipts {
		facts = append(facts, fact("prior_event",
			biscuit.String(r.Operation),
			biscuit.String(r.CorrelationID),
			biscuit.Integer(r.Timestamp)))
	}
	if in.Chain != nil {
		facts = append(facts, fact("depth", biscuit.Integer(in.Chain.Depth)))
		for _, id := range in.Chain.Hex() {
			facts = append(facts, fact("delegation_chain", biscuit.String(id)))
		}
	}
	for _, af := range in.AdapterFacts {
		terms := make([]biscuit.Term, 0, len(af.Args))
		for _, arg := range af.Args {
			if arg.Numeric {
				terms = append(terms, biscuit.Integer(arg.Int))
			} else {
				terms = append(terms, biscuit.String(arg.String))
			}
		}
		facts = append(facts, fact(af.Name, terms...))
	}
	return facts
}

// credentialPolicies extracts and parses the policy("...") facts from the
// credential's trusted scope, split by kind.
func (e *Engine) credentialPolicies(a biscuit.Authorizer) (denies, allows []biscuit.Policy, err error) {
	sources, err := token.QueryFacts(a, "policy", 1)
	if err != nil {
		return nil, nil, api.Wrap(api.KindDeny, "", err)
	}
	for _, f := range sources {
		src, ok := f.Predicate.IDs[0].(biscuit.String)
		if !ok {
			return nil, nil, api.E(api.KindPolicyViolation, "policy fact must carry a string argument")
		}
		p, err := parser.FromStringPolicy(string(src))
		if err != nil {
			return nil, nil, api.Wrap(api.KindPolicyViolation, "credential carries an unparseable policy", err)
		}
		if p.Kind == biscuit.PolicyKindDeny {
			denies = append(denies, p)
		} else {
			allows = append(allows, p)
		}
	}
	return denies, allows, nil
}

func fact(name string, terms ...biscuit.Term) biscuit.Fact {
	return biscuit.Fact{Predicate: biscuit.Predicate{Name: name, IDs: terms}}
}
