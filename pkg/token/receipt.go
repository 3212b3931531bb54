package token

import (
	"crypto/ed25519"
	"time"

	"github.com/biscuit-auth/biscuit-go/v2"

	"github.com/certainly-param/vac/pkg/api"
)

const (
	// ReceiptValiditySecs is how long a receipt stays usable after minting.
	// It matches the session key rotation cadence so receipts the key can
	// still verify are also within their timestamp window.
	ReceiptValiditySecs = 300
	// ReceiptGraceSecs extends the window to absorb clock drift between
	// sidecar restarts; the same bound caps future-dated timestamps.
	ReceiptGraceSecs = 30
)

// Receipt is the verified content of one X-VAC-Receipt header: proof that
// the sidecar previously permitted an operation within this workflow.
type Receipt struct {
	Operation     string
	CorrelationID string
	Timestamp     int64
}

// VerifyReceipt validates a receipt header against the current session
// public key and binds it to the request's correlation id.
func VerifyReceipt(header string, sessionPub ed25519.PublicKey, correlationID string, now time.Time) (*Receipt, error) {
	raw, err := decodeToken(header)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidTokenFormat, "receipt is not base64", err)
	}
	tok, err := biscuit.Unmarshal(raw)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidTokenFormat, "receipt is malformed", err)
	}

	// Receipts verify only under the live session key. A receipt minted
	// before the last rotation fails here, which is the intended
	// invalidation mechanism.
	a, err := tok.Authorizer(sessionPub)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidSignature, "", err)
	}

	facts, err := QueryFacts(a, "prior_event", 3)
	if err != nil {
		return nil, api.Wrap(api.KindDeny, "", err)
	}
	if len(facts) != 1 {
		return nil, api.Ef(api.KindPolicyViolation, "receipt must carry exactly one prior_event fact, found %d", len(facts))
	}

	ids := facts[0].Predicate.IDs
	op, okOp := ids[0].(biscuit.String)
	cid, okCid := ids[1].(biscuit.String)
	ts, okTs := ids[2].(biscuit.Integer)
	if !okOp || !okCid || !okTs {
		return nil, api.E(api.KindPolicyViolation, "receipt prior_event fact has malformed arguments")
	}

	age := now.Unix() - int64(ts)
	if age > ReceiptValiditySecs+ReceiptGraceSecs {
		return nil, api.E(api.KindReceiptExpired, "receipt expired")
	}
	if age < -ReceiptGraceSecs {
		return nil, api.E(api.KindReceiptExpired, "receipt is future-dated beyond the skew cap")
	}

	if string(cid) != correlationID {
		return nil, api.Ef(api.KindCorrelationIDMismatch,
			"receipt belongs to another workflow (correlation id %s)", string(cid))
	}

	return &Receipt{
		Operation:     string(op),
		CorrelationID: string(cid),
		Timestamp:     int64(ts),
	}, nil
}

// MintReceipt builds, signs and encodes a fresh receipt under the session
// private key. The authority block carries the prior_event fact and, when
// the request was delegated, the depth and chain facts copied forward.
func MintReceipt(sessionPriv ed25519.PrivateKey, operation, correlationID string, now time.Time, chain *DelegationChain) (string, error) {
	builder := biscuit.NewBuilder(sessionPriv)

	err := builder.AddAuthorityFact(biscuit.Fact{Predicate: biscuit.Predicate{
		Name: "prior_event",
		IDs: []biscuit.Term{
			biscuit.String(operation),
			biscuit.String(correlationID),
			biscuit.Integer(now.Unix()),
		},
	}})
	if err != nil {
		return "", api.Wrap(api.KindInternal, "building receipt", err)
	}

	if chain != nil {
		err := builder.AddAuthorityFact(biscuit.Fact{Predicate: biscuit.Predicate{
			Name: "depth",
			IDs:  []biscuit.Term{biscuit.Integer(chain.Depth)},
		}})
		if err != nil {
			return "", api.Wrap(api.KindInternal, "building receipt", err)
		}
		for _, id := range chain.Hex() {
			err := builder.AddAuthorityFact(biscuit.Fact{Predicate: biscuit.Predicate{
				Name: "delegation_chain",
				IDs:  []biscuit.Term{biscuit.String(id)},
			}})
			if err != nil {
				return "", api.Wrap(api.KindInternal, "building receipt", err)
			}
		}
	}

	tok, err := builder.Build()
	if err != nil {
		return "", api.Wrap(api.KindInternal, "signing receipt", err)
	}
	raw, err := tok.Serialize()
	if err != nil {
		return "", api.Wrap(api.KindInternal, "encoding receipt", err)
	}
	return encodeToken(raw), nil
}
