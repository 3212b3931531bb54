package policy

import (
	"fmt"
	"strings"

	"github.com/biscuit-auth/biscuit-go/v2"

	"github.com/certainly-param/vac/pkg/api"
)

// diagnose turns an authorization failure into an actionable
// PolicyViolation. Agents retry workflows based on these messages, so the
// first unmet fact or clause is named whenever it can be found; the raw
// biscuit error is kept as the cause for the logs.
func (e *Engine) diagnose(in Input, seeds []biscuit.Fact, allows []biscuit.Policy, cause error) error {
	e.logger.Debug("authorization failed", "method", in.Method, "path", in.Path, "error", cause)

	if in.Chain != nil && in.Chain.Depth > 5 {
		return api.Wrap(api.KindPolicyViolation, "delegation depth exceeded", cause)
	}
	if d, ok, err := in.Credential.Depth(); err == nil && ok && d > 5 {
		return api.Wrap(api.KindPolicyViolation, "delegation depth exceeded", cause)
	}

	// Check failures carry their clause in the biscuit error text.
	if msg := cause.Error(); strings.Contains(msg, "check") {
		return api.Wrap(api.KindPolicyViolation, fmt.Sprintf("failed clause: %s", msg), cause)
	}

	// Otherwise no allow matched (or a deny did). Probe each allow policy
	// for its first body predicate with no matching fact in the world.
	if missing := e.firstMissing(in, seeds, allows); missing != "" {
		return api.Wrap(api.KindPolicyViolation,
			fmt.Sprintf("Missing required fact: %s", missing), cause)
	}
	return api.Wrap(api.KindPolicyViolation, "no allow policy matched", cause)
}

// firstMissing rebuilds a seeded authorizer and probes the body predicates
// of every allow policy. The policy closest to matching (most satisfied
// predicates) names the diagnostic, so an agent that merely lacks a receipt
// is told about prior_event rather than about some unrelated allow clause.
func (e *Engine) firstMissing(in Input, seeds []biscuit.Fact, allows []biscuit.Policy) string {
	a, err := in.Credential.Authorizer()
	if err != nil {
		return ""
	}
	for _, f := range seeds {
		a.AddFact(f)
	}

	best := ""
	bestMatched := -1
	for _, p := range allows {
		for _, q := range p.Queries {
			matched := 0
			missing := ""
			for _, pred := range q.Body {
				ok, err := e.predicateMatches(a, pred)
				if err != nil {
					continue
				}
				if ok {
					matched++
				} else if missing == "" {
					missing = renderPredicate(pred)
				}
			}
			if missing != "" && matched > bestMatched {
				best = missing
				bestMatched = matched
			}
		}
	}
	return best
}

// predicateMatches probes a single body predicate against the world,
// preserving any constant arguments it carries.
func (e *Engine) predicateMatches(a biscuit.Authorizer, pred biscuit.Predicate) (bool, error) {
	head := make([]biscuit.Term, 0, len(pred.IDs))
	for _, t := range pred.IDs {
		if v, ok := t.(biscuit.Variable); ok {
			head = append(head, v)
		}
	}
	if len(head) == 0 {
		// Fully ground predicate; probe with a constant head.
		head = []biscuit.Term{biscuit.String("x")}
	}
	probe := biscuit.Rule{
		Head: biscuit.Predicate{Name: "vac_probe", IDs: head},
		Body: []biscuit.Predicate{pred},
	}
	facts, err := a.Query(probe)
	if err != nil {
		return false, err
	}
	return len(facts) > 0, nil
}

// renderPredicate renders a predicate for diagnostics: constants as
// written, variables with their $ prefix.
func renderPredicate(pred biscuit.Predicate) string {
	parts := make([]string, 0, len(pred.IDs))
	for _, t := range pred.IDs {
		parts = append(parts, renderTerm(t))
	}
	return fmt.Sprintf("%s(%s)", pred.Name, strings.Join(parts, ", "))
}

func renderTerm(t biscuit.Term) string {
	switch v := t.(type) {
	case biscuit.String:
		return fmt.Sprintf("'%s'", string(v))
	case biscuit.Integer:
		return fmt.Sprintf("%d", int64(v))
	case biscuit.Variable:
		return "$" + string(v)
	default:
		return fmt.Sprintf("%v", t)
	}
}
