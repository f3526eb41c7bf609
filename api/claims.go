package api

// ScopeGrant authorizes one verb class on a resource path prefix.
type ScopeGrant struct {
	// Prefix is the resource path prefix the grant covers.
	Prefix string `json:"prefix"`
	// Access is the permitted verb class: r, w, or rw.
	Access string `json:"access"`
}

// Claim is one hop of a transaction's authorization chain. Claims are
// append-only; a chain grows by exactly one claim per host crossing and is
// never shortened.
type Claim struct {
	// TxnID binds the claim to a transaction.
	TxnID string `json:"txn_id"`
	// Issuer is the host identity that signed this claim.
	Issuer string `json:"issuer"`
	// Principal is the acting principal the claim authorizes.
	Principal string `json:"principal"`
	// Scope lists the grants delegated by this claim. Scopes narrow
	// monotonically from root to tip.
	Scope []ScopeGrant `json:"scope"`
	// IssuedAtUnix is the claim issue time as a Unix timestamp in seconds.
	IssuedAtUnix int64 `json:"issued_at_unix"`
	// ExpiresAtUnix is the claim expiry as a Unix timestamp in seconds.
	ExpiresAtUnix int64 `json:"expires_at_unix"`
	// Parent is the base64 SHA-256 binding to the previous claim in the
	// chain; empty for the root claim.
	Parent string `json:"parent,omitempty"`
	// Signature is the base64 ed25519 signature over the claim's canonical
	// encoding, produced with the issuer's signing key.
	Signature string `json:"signature"`
}
