// Package client is the Go SDK for txnd. It opens transactions, performs
// snapshot reads and buffered writes under them, and settles them, against a
// local or remote txnd endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txnd/api"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerClaimChain    = "X-Txnd-Claim-Chain"
	headerScope         = "X-Txnd-Scope"
	headerTxnID         = "X-Txnd-Txn-Id"
	headerVersion       = "X-Txnd-Version"
)

const defaultHTTPTimeout = 30 * time.Second

// APIError describes an error response from txnd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded txnd error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("txnd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("txnd: status %d", e.Status)
}

// Client talks to one txnd endpoint.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        pslog.Logger
	correlationID string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger attaches a logger for request diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCorrelationID stamps every request with a fixed correlation id.
func WithCorrelationID(id string) Option {
	return func(c *Client) {
		c.correlationID = strings.TrimSpace(id)
	}
}

// New constructs a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the base URL this client talks to.
func (c *Client) Endpoint() string {
	return c.baseURL
}

// Txn is an open transaction handle. The chain grows as the transaction
// crosses hosts; responses carrying a longer chain replace the held one.
type Txn struct {
	// ID is the transaction identifier minted at begin.
	ID string
	// Chain is the current claim chain for forwarded calls.
	Chain []api.Claim
	// Deadline is the transaction deadline reported by the server.
	Deadline time.Time
}

// Begin opens a transaction as principal with the requested scope and TTL.
// Zero ttl uses the server default.
func (c *Client) Begin(ctx context.Context, principal string, scope []api.ScopeGrant, ttl time.Duration) (*Txn, error) {
	req := api.BeginRequest{
		Principal:  principal,
		Scope:      scope,
		TTLSeconds: int64(ttl.Seconds()),
	}
	var resp api.BeginResponse
	if err := c.postJSON(ctx, "/v1/txn/begin", req, &resp); err != nil {
		return nil, err
	}
	return &Txn{
		ID:       resp.TxnID,
		Chain:    resp.Chain,
		Deadline: time.Unix(resp.DeadlineUnix, 0),
	}, nil
}

// ReadOptions adjusts a Read call.
type ReadOptions struct {
	// Scope narrows the claim minted when the target host joins the
	// transaction. Empty inherits the parent claim's scope.
	Scope []api.ScopeGrant
	// Forward relays the read through the connected host to the peer
	// endpoint owning the resource.
	Forward string
}

// Read returns a snapshot of resource under txn. The caller must close the
// returned reader. Version is the committed history position observed, or -1
// when the value came from the transaction's own pending write.
func (c *Client) Read(ctx context.Context, txn *Txn, resource string, opts ReadOptions) (io.ReadCloser, int64, error) {
	req := api.ReadRequest{
		Resource: resource,
		Chain:    txn.Chain,
		Scope:    opts.Scope,
		Forward:  opts.Forward,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/read", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyCorrelation(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, c.decodeError(resp)
	}
	c.mergeChainHeader(txn, resp.Header)
	version, _ := strconv.ParseInt(resp.Header.Get(headerVersion), 10, 64)
	return resp.Body, version, nil
}

// WriteOptions adjusts a Write call.
type WriteOptions struct {
	// Scope narrows the claim minted when the target host joins the
	// transaction. Empty inherits the parent claim's scope.
	Scope []api.ScopeGrant
	// Forward relays the write through the connected host to the peer
	// endpoint owning the resource.
	Forward string
}

// Write installs value as the pending version of resource under txn. The
// value must be a JSON document; it is streamed, not buffered.
func (c *Client) Write(ctx context.Context, txn *Txn, resource string, value io.Reader, opts WriteOptions) (api.WriteResponse, error) {
	q := url.Values{}
	q.Set("resource", resource)
	if opts.Forward != "" {
		q.Set("forward", opts.Forward)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/write?"+q.Encode(), value)
	if err != nil {
		return api.WriteResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	chainHeader, err := EncodeChainHeader(txn.Chain)
	if err != nil {
		return api.WriteResponse{}, err
	}
	httpReq.Header.Set(headerClaimChain, chainHeader)
	if len(opts.Scope) > 0 {
		scopeHeader, err := encodeScopeHeader(opts.Scope)
		if err != nil {
			return api.WriteResponse{}, err
		}
		httpReq.Header.Set(headerScope, scopeHeader)
	}
	c.applyCorrelation(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return api.WriteResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return api.WriteResponse{}, c.decodeError(resp)
	}
	var out api.WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.WriteResponse{}, err
	}
	if len(out.Chain) > len(txn.Chain) {
		txn.Chain = out.Chain
	}
	return out, nil
}

// Commit promotes the pending write of a single resource. Settling the whole
// transaction goes through Finalize.
func (c *Client) Commit(ctx context.Context, txn *Txn, resource string) (api.CommitResponse, error) {
	req := api.CommitRequest{Resource: resource, Chain: txn.Chain}
	var resp api.CommitResponse
	if err := c.postJSON(ctx, "/v1/commit", req, &resp); err != nil {
		return api.CommitResponse{}, err
	}
	return resp, nil
}

// Rollback discards the pending write of a single resource.
func (c *Client) Rollback(ctx context.Context, txn *Txn, resource string) (api.RollbackResponse, error) {
	req := api.RollbackRequest{Resource: resource, Chain: txn.Chain}
	var resp api.RollbackResponse
	if err := c.postJSON(ctx, "/v1/rollback", req, &resp); err != nil {
		return api.RollbackResponse{}, err
	}
	return resp, nil
}

// Finalize drives txn to its terminal state with the supplied decision
// ("commit" or "rollback") and fans the decision out to every recorded child.
func (c *Client) Finalize(ctx context.Context, txnID, decision string) (api.FinalizeResponse, error) {
	req := api.FinalizeRequest{TxnID: txnID, Decision: decision}
	var resp api.FinalizeResponse
	if err := c.postJSON(ctx, "/v1/txn/finalize", req, &resp); err != nil {
		return api.FinalizeResponse{}, err
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyCorrelation(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) applyCorrelation(req *http.Request) {
	if c.correlationID != "" {
		req.Header.Set(headerCorrelationID, c.correlationID)
	}
}

func (c *Client) mergeChainHeader(txn *Txn, header http.Header) {
	raw := header.Get(headerClaimChain)
	if raw == "" {
		return
	}
	chain, err := DecodeChainHeader(raw)
	if err != nil {
		c.logger.Debug("client.chain_header.invalid", "error", err)
		return
	}
	if len(chain) > len(txn.Chain) {
		txn.Chain = chain
	}
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	var retryAfter time.Duration
	if errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

// EncodeChainHeader packs a claim chain for header transport.
func EncodeChainHeader(chain []api.Claim) (string, error) {
	data, err := json.Marshal(chain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeChainHeader unpacks a header-transported claim chain.
func DecodeChainHeader(raw string) ([]api.Claim, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var chain []api.Claim
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

func encodeScopeHeader(scope []api.ScopeGrant) (string, error) {
	data, err := json.Marshal(scope)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeScopeHeader unpacks a header-transported scope descriptor.
func DecodeScopeHeader(raw string) ([]api.ScopeGrant, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var scope []api.ScopeGrant
	if err := json.Unmarshal(data, &scope); err != nil {
		return nil, err
	}
	return scope, nil
}
