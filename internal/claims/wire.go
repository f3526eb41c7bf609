package claims

import (
	"encoding/base64"
	"net/http"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/internal/fault"
)

// ToWire converts a chain to its JSON wire form.
func ToWire(chain Chain) []api.Claim {
	if len(chain) == 0 {
		return nil
	}
	out := make([]api.Claim, 0, len(chain))
	for _, c := range chain {
		grants := make([]api.ScopeGrant, 0, len(c.Scope))
		for _, g := range c.Scope {
			grants = append(grants, api.ScopeGrant{Prefix: g.Prefix, Access: g.Access.String()})
		}
		wire := api.Claim{
			TxnID:         c.TxnID,
			Issuer:        c.Issuer,
			Principal:     c.Principal,
			Scope:         grants,
			IssuedAtUnix:  c.IssuedAt,
			ExpiresAtUnix: c.ExpiresAt,
			Signature:     base64.StdEncoding.EncodeToString(c.Signature),
		}
		if len(c.Parent) > 0 {
			wire.Parent = base64.StdEncoding.EncodeToString(c.Parent)
		}
		out = append(out, wire)
	}
	return out
}

// FromWire decodes the JSON wire form of a chain.
func FromWire(wire []api.Claim) (Chain, error) {
	if len(wire) == 0 {
		return nil, nil
	}
	out := make(Chain, 0, len(wire))
	for _, w := range wire {
		scope, err := ScopeFromWire(w.Scope)
		if err != nil {
			return nil, err
		}
		sig, err := base64.StdEncoding.DecodeString(w.Signature)
		if err != nil {
			return nil, badChain("malformed signature encoding")
		}
		claim := Claim{
			TxnID:     w.TxnID,
			Issuer:    w.Issuer,
			Principal: w.Principal,
			Scope:     scope,
			IssuedAt:  w.IssuedAtUnix,
			ExpiresAt: w.ExpiresAtUnix,
			Signature: sig,
		}
		if w.Parent != "" {
			parent, err := base64.StdEncoding.DecodeString(w.Parent)
			if err != nil {
				return nil, badChain("malformed parent encoding")
			}
			claim.Parent = parent
		}
		out = append(out, claim)
	}
	return out, nil
}

// ScopeFromWire decodes scope grants from their wire form.
func ScopeFromWire(grants []api.ScopeGrant) (Scope, error) {
	if len(grants) == 0 {
		return nil, nil
	}
	out := make(Scope, 0, len(grants))
	for _, g := range grants {
		access, err := ParseAccess(g.Access)
		if err != nil {
			return nil, badChain("invalid scope access " + g.Access)
		}
		out = append(out, Grant{Prefix: g.Prefix, Access: access})
	}
	return NormalizeScope(out), nil
}

func badChain(detail string) error {
	return fault.Failure{
		Code:       "identity_error",
		Detail:     detail,
		HTTPStatus: http.StatusUnauthorized,
	}
}
