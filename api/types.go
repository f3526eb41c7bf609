package api

// BeginRequest models the JSON payload for POST /v1/txn/begin.
type BeginRequest struct {
	// Principal identifies the caller the root claim is issued to.
	Principal string `json:"principal"`
	// Scope lists the resource grants requested for the transaction.
	Scope []ScopeGrant `json:"scope,omitempty"`
	// TTLSeconds bounds the transaction lifetime in seconds.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// BeginResponse is returned when a transaction is opened.
type BeginResponse struct {
	// TxnID is the time-ordered identifier minted for the transaction.
	TxnID string `json:"txn_id"`
	// Chain carries the root claim chain for follow-up calls.
	Chain []Claim `json:"chain"`
	// DeadlineUnix is the transaction deadline as a Unix timestamp in seconds.
	DeadlineUnix int64 `json:"deadline_unix"`
	// CorrelationID links related operations across request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteResponse acknowledges a buffered write.
type WriteResponse struct {
	// TxnID associates the write with its transaction.
	TxnID string `json:"txn_id"`
	// Resource is the path of the written resource.
	Resource string `json:"resource"`
	// Bytes is the number of state bytes buffered by the write.
	Bytes int64 `json:"bytes"`
	// Chain echoes the claim chain, extended when this host delegated further.
	Chain []Claim `json:"chain,omitempty"`
}

// ReadResponseHeader trailers accompany a streamed read via HTTP headers;
// this struct documents the envelope used when a read is answered as JSON.
type ReadResponseHeader struct {
	// TxnID associates the read with its transaction.
	TxnID string `json:"txn_id"`
	// Resource is the path of the resource read.
	Resource string `json:"resource"`
	// Version is the committed history position the snapshot observed,
	// or -1 when the value came from the transaction's own pending write.
	Version int64 `json:"version"`
}

// ReadRequest models the JSON payload for POST /v1/read.
type ReadRequest struct {
	// Resource is the path of the resource to read.
	Resource string `json:"resource"`
	// Chain is the claim chain authorizing the operation.
	Chain []Claim `json:"chain"`
	// Scope optionally narrows the claim appended when this host joins the
	// transaction. Empty inherits the parent claim's scope.
	Scope []ScopeGrant `json:"scope,omitempty"`
	// Forward is the endpoint of the peer owning the resource. When set,
	// this host relays the operation there and records the peer as a
	// finalize child.
	Forward string `json:"forward,omitempty"`
}

// CommitRequest models the JSON payload for POST /v1/commit. Commit applies
// to a single resource; transaction-level settlement goes through
// /v1/txn/finalize.
type CommitRequest struct {
	// Resource is the path of the resource whose pending write is promoted.
	Resource string `json:"resource"`
	// Chain is the claim chain authorizing the operation.
	Chain []Claim `json:"chain"`
}

// CommitResponse acknowledges a per-resource commit.
type CommitResponse struct {
	// TxnID associates the operation with a transaction.
	TxnID string `json:"txn_id"`
	// Resource is the path of the committed resource.
	Resource string `json:"resource"`
}

// RollbackRequest models the JSON payload for POST /v1/rollback.
type RollbackRequest struct {
	// Resource is the path of the resource whose pending write is discarded.
	Resource string `json:"resource"`
	// Chain is the claim chain authorizing the operation.
	Chain []Claim `json:"chain"`
}

// RollbackResponse acknowledges a per-resource rollback.
type RollbackResponse struct {
	// TxnID associates the operation with a transaction.
	TxnID string `json:"txn_id"`
	// Resource is the path of the rolled-back resource.
	Resource string `json:"resource"`
}

// FinalizeRequest drives POST /v1/txn/finalize. Delivery is idempotent and
// may occur more than once.
type FinalizeRequest struct {
	// TxnID associates the operation with a transaction.
	TxnID string `json:"txn_id"`
	// Decision is the finalize decision: commit or rollback.
	Decision string `json:"decision"`
}

// FinalizeResponse echoes the applied decision.
type FinalizeResponse struct {
	// TxnID associates the operation with a transaction.
	TxnID string `json:"txn_id"`
	// State is the terminal registry state reached on this host.
	State string `json:"state"`
	// Unconfirmed lists child hosts that never acknowledged the decision.
	Unconfirmed []string `json:"unconfirmed,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable txnd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// TxnID identifies the offending transaction when known.
	TxnID string `json:"txn_id,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// Stable error codes surfaced in ErrorResponse.ErrorCode.
const (
	ErrCodeIdentity          = "identity_error"
	ErrCodeCycleDetected     = "cycle_detected"
	ErrCodeScopeViolation    = "scope_violation"
	ErrCodeClaimExpired      = "claim_expired"
	ErrCodeWriteConflict     = "write_conflict"
	ErrCodeNotFound          = "not_found"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeTxnExpired        = "txn_expired"
	ErrCodeInternal          = "internal_error"
)
