// Package claims implements the signed, append-only authorization chain that
// accompanies every cross-host transaction call. Each hop appends exactly one
// claim bound to its predecessor by hash, so any host can check call-cycle
// and scope invariants locally, without a network round trip.
package claims

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"net/http"
	"time"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/fault"
)

// Claim is one hop of a chain: a scoped, signed delegation for a single
// transaction issued by a single host.
type Claim struct {
	TxnID     string
	Issuer    string
	Principal string
	Scope     Scope
	IssuedAt  int64
	ExpiresAt int64
	Parent    []byte // SHA-256 of the previous claim's canonical encoding
	Signature []byte
}

// Chain is the ordered claim sequence, root first. It grows by one claim per
// host crossing and is never shortened.
type Chain []Claim

// Keyring resolves the verification key for a host identity.
type Keyring interface {
	PublicKey(host string) (ed25519.PublicKey, bool)
}

// StaticKeyring is a fixed host -> key map.
type StaticKeyring map[string]ed25519.PublicKey

// PublicKey returns the key registered for host.
func (k StaticKeyring) PublicKey(host string) (ed25519.PublicKey, bool) {
	key, ok := k[host]
	return key, ok
}

// Authority issues and extends claims on behalf of one host.
type Authority struct {
	host    string
	signKey ed25519.PrivateKey
	keyring Keyring
	clock   clock.Clock
}

// Config configures an Authority.
type Config struct {
	Host    string
	SignKey ed25519.PrivateKey
	Keyring Keyring
	Clock   clock.Clock
}

// New constructs an Authority.
func New(cfg Config) (*Authority, error) {
	if cfg.Host == "" {
		return nil, fault.Failure{Code: "identity_error", Detail: "host identity required"}
	}
	if len(cfg.SignKey) != ed25519.PrivateKeySize {
		return nil, fault.Failure{Code: "identity_error", Detail: "signing key required"}
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	keyring := cfg.Keyring
	if keyring == nil {
		keyring = StaticKeyring{}
	}
	return &Authority{
		host:    cfg.Host,
		signKey: cfg.SignKey,
		keyring: keyring,
		clock:   c,
	}, nil
}

// Host returns the host identity this authority signs as.
func (a *Authority) Host() string {
	return a.host
}

// IssueRoot creates the first claim of a new chain.
func (a *Authority) IssueRoot(txnID, principal string, scope Scope, ttl time.Duration) (Claim, error) {
	if txnID == "" {
		return Claim{}, fault.Failure{Code: "identity_error", Detail: "txn id required"}
	}
	if principal == "" {
		return Claim{}, fault.Failure{
			Code:       "identity_error",
			Detail:     "cannot authenticate caller: principal required",
			HTTPStatus: http.StatusUnauthorized,
		}
	}
	if ttl <= 0 {
		return Claim{}, fault.Failure{Code: "identity_error", Detail: "ttl must be positive"}
	}
	now := a.clock.Now()
	claim := Claim{
		TxnID:     txnID,
		Issuer:    a.host,
		Principal: principal,
		Scope:     NormalizeScope(scope),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	claim.Signature = ed25519.Sign(a.signKey, claim.signingBytes())
	return claim, nil
}

// Extend verifies chain and appends a claim signed by this host. The new
// claim's scope must be a subset of the tip's scope and its expiry never
// exceeds the tip's. Fails with cycle_detected when this host already issued
// a claim in the chain.
func (a *Authority) Extend(chain Chain, principal string, scope Scope) (Claim, Chain, error) {
	tipPrincipal, _, err := a.Verify(chain)
	if err != nil {
		return Claim{}, nil, err
	}
	if principal == "" {
		principal = tipPrincipal
	}
	tip := chain[len(chain)-1]
	for _, c := range chain {
		if c.Issuer == a.host {
			return Claim{}, nil, fault.Failure{
				Code:       "cycle_detected",
				Detail:     "host " + a.host + " already issued a claim for txn " + tip.TxnID,
				TxnID:      tip.TxnID,
				HTTPStatus: http.StatusForbidden,
			}
		}
	}
	scope = NormalizeScope(scope)
	if len(scope) == 0 {
		scope = tip.Scope
	}
	if !scope.SubsetOf(tip.Scope) {
		return Claim{}, nil, fault.Failure{
			Code:       "scope_violation",
			Detail:     "requested scope widens the delegated authority",
			TxnID:      tip.TxnID,
			HTTPStatus: http.StatusForbidden,
		}
	}
	now := a.clock.Now()
	if now.Unix() >= tip.ExpiresAt {
		return Claim{}, nil, fault.Failure{
			Code:       "claim_expired",
			Detail:     "parent claim ttl elapsed",
			TxnID:      tip.TxnID,
			HTTPStatus: http.StatusForbidden,
		}
	}
	parent := tip.digest()
	claim := Claim{
		TxnID:     tip.TxnID,
		Issuer:    a.host,
		Principal: principal,
		Scope:     scope,
		IssuedAt:  now.Unix(),
		ExpiresAt: tip.ExpiresAt,
		Parent:    parent[:],
	}
	claim.Signature = ed25519.Sign(a.signKey, claim.signingBytes())
	return claim, append(append(Chain{}, chain...), claim), nil
}

// Verify validates the whole chain root to tip: every signature, the hash
// binding between consecutive claims, a single transaction id throughout, the
// no-repeat-issuer invariant, monotonically narrowing scopes, and the tip's
// expiry. It returns the tip's principal and effective scope.
func (a *Authority) Verify(chain Chain) (string, Scope, error) {
	return VerifyChain(chain, a.keyring, a.clock)
}

// VerifyChain is Verify without an Authority, for callers that only hold a
// keyring.
func VerifyChain(chain Chain, keyring Keyring, c clock.Clock) (string, Scope, error) {
	if len(chain) == 0 {
		return "", nil, fault.Failure{
			Code:       "identity_error",
			Detail:     "empty claim chain",
			HTTPStatus: http.StatusUnauthorized,
		}
	}
	if c == nil {
		c = clock.Real{}
	}
	txnID := chain[0].TxnID
	seen := make(map[string]struct{}, len(chain))
	var prevDigest [sha256.Size]byte
	for i, claim := range chain {
		if claim.TxnID != txnID {
			return "", nil, fault.Failure{
				Code:       "identity_error",
				Detail:     "claim chain spans multiple transaction ids",
				TxnID:      txnID,
				HTTPStatus: http.StatusUnauthorized,
			}
		}
		if _, dup := seen[claim.Issuer]; dup {
			return "", nil, fault.Failure{
				Code:       "cycle_detected",
				Detail:     "issuer " + claim.Issuer + " appears twice in chain",
				TxnID:      txnID,
				HTTPStatus: http.StatusForbidden,
			}
		}
		seen[claim.Issuer] = struct{}{}
		if i == 0 {
			if len(claim.Parent) != 0 {
				return "", nil, fault.Failure{
					Code:       "identity_error",
					Detail:     "root claim must not reference a parent",
					TxnID:      txnID,
					HTTPStatus: http.StatusUnauthorized,
				}
			}
		} else {
			if len(claim.Parent) != sha256.Size || string(claim.Parent) != string(prevDigest[:]) {
				return "", nil, fault.Failure{
					Code:       "identity_error",
					Detail:     "claim chain binding broken at position " + strconv.Itoa(i),
					TxnID:      txnID,
					HTTPStatus: http.StatusUnauthorized,
				}
			}
			if !chain[i].Scope.SubsetOf(chain[i-1].Scope) {
				return "", nil, fault.Failure{
					Code:       "scope_violation",
					Detail:     "scope widens at position " + strconv.Itoa(i),
					TxnID:      txnID,
					HTTPStatus: http.StatusForbidden,
				}
			}
		}
		key, ok := keyring.PublicKey(claim.Issuer)
		if !ok {
			return "", nil, fault.Failure{
				Code:       "identity_error",
				Detail:     "no verification key for issuer " + claim.Issuer,
				TxnID:      txnID,
				HTTPStatus: http.StatusUnauthorized,
			}
		}
		if !ed25519.Verify(key, claim.signingBytes(), claim.Signature) {
			return "", nil, fault.Failure{
				Code:       "identity_error",
				Detail:     "invalid signature from issuer " + claim.Issuer,
				TxnID:      txnID,
				HTTPStatus: http.StatusUnauthorized,
			}
		}
		prevDigest = claim.digest()
	}
	tip := chain[len(chain)-1]
	if c.Now().Unix() >= tip.ExpiresAt {
		return "", nil, fault.Failure{
			Code:       "claim_expired",
			Detail:     "claim chain expired",
			TxnID:      txnID,
			HTTPStatus: http.StatusForbidden,
		}
	}
	return tip.Principal, tip.Scope, nil
}

// Issuers returns the ordered host identities that signed the chain.
func (c Chain) Issuers() []string {
	out := make([]string, 0, len(c))
	for _, claim := range c {
		out = append(out, claim.Issuer)
	}
	return out
}

// TxnID returns the transaction id the chain authorizes, or empty for an
// empty chain.
func (c Chain) TxnID() string {
	if len(c) == 0 {
		return ""
	}
	return c[0].TxnID
}

// signingBytes produces the canonical encoding covered by the signature:
// length-prefixed fields in a fixed order. The signature itself is excluded.
func (c Claim) signingBytes() []byte {
	buf := make([]byte, 0, 256)
	appendField := func(b []byte) {
		var l [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(l[:], uint64(len(b)))
		buf = append(buf, l[:n]...)
		buf = append(buf, b...)
	}
	appendField([]byte(c.TxnID))
	appendField([]byte(c.Issuer))
	appendField([]byte(c.Principal))
	var scopeBuf []byte
	for _, g := range c.Scope {
		scopeBuf = append(scopeBuf, []byte(g.Prefix)...)
		scopeBuf = append(scopeBuf, 0x1f, byte(g.Access), 0x1e)
	}
	appendField(scopeBuf)
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(c.IssuedAt))
	binary.BigEndian.PutUint64(ts[8:], uint64(c.ExpiresAt))
	appendField(ts[:])
	appendField(c.Parent)
	return buf
}

// digest binds the next claim to this one.
func (c Claim) digest() [sha256.Size]byte {
	h := sha256.New()
	h.Write(c.signingBytes())
	h.Write(c.Signature)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

