package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/client"
	"pkt.systems/txnd/internal/claims"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/registry"
	"pkt.systems/txnd/internal/store"
	"pkt.systems/txnd/internal/uuidv7"
)

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	var req api.BeginRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	scope, err := claims.ScopeFromWire(req.Scope)
	if err != nil {
		return err
	}
	if len(scope) == 0 {
		scope = claims.Scope{{Prefix: "/", Access: claims.AccessReadWrite}}
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = h.defaultTTL
	}
	if ttl > h.maxTTL {
		ttl = h.maxTTL
	}

	txnID := uuidv7.NewString()
	root, err := h.authority.IssueRoot(txnID, req.Principal, scope, ttl)
	if err != nil {
		return err
	}
	chain := claims.Chain{root}
	deadline := h.clock.Now().Add(ttl)
	if _, err := h.registry.Register(txnID, registry.RoleCoordinator, deadline, req.Principal, chain); err != nil {
		return err
	}
	logger := h.requestLogger(ctx)
	logger.Info("txn.begin",
		"txn_id", txnID,
		"principal", req.Principal,
		"ttl", ttl,
	)
	h.writeJSON(w, http.StatusOK, api.BeginResponse{
		TxnID:         txnID,
		Chain:         claims.ToWire(chain),
		DeadlineUnix:  deadline.Unix(),
		CorrelationID: correlation.ID(ctx),
	}, nil)
	return nil
}

// txnJoin is the resolved transaction context for one txn-scoped request.
type txnJoin struct {
	txnID     string
	principal string
	scope     claims.Scope
	chain     claims.Chain
	extended  bool
}

// joinTxn authenticates a txn-scoped request. A chain rooted at this host is
// verified against the local registry record; a forwarded chain is extended
// with this host's claim, which is where call cycles and scope widening are
// rejected, and the host registers itself as a cohort.
func (h *Handler) joinTxn(chainWire []api.Claim, scopeWire []api.ScopeGrant) (txnJoin, error) {
	chain, err := claims.FromWire(chainWire)
	if err != nil {
		return txnJoin{}, err
	}
	requested, err := claims.ScopeFromWire(scopeWire)
	if err != nil {
		return txnJoin{}, err
	}
	txnID := chain.TxnID()

	if len(chain) > 0 && chain[0].Issuer == h.authority.Host() {
		// Rooted here: this host is the coordinator and never re-extends
		// its own chain. The registry deadline is checked before the claim
		// TTL so a lapsed local transaction surfaces as expired rather
		// than as a chain violation.
		if _, err := h.registry.Check(txnID); err != nil {
			return txnJoin{}, err
		}
		principal, scope, err := h.authority.Verify(chain)
		if err != nil {
			return txnJoin{}, err
		}
		return txnJoin{txnID: txnID, principal: principal, scope: scope, chain: chain}, nil
	}

	next, extended, err := h.authority.Extend(chain, "", requested)
	if err != nil {
		return txnJoin{}, err
	}
	deadline := time.Unix(next.ExpiresAt, 0)
	if _, err := h.registry.Register(txnID, registry.RoleCohort, deadline, next.Principal, extended); err != nil {
		return txnJoin{}, err
	}
	h.registry.SetChain(txnID, extended)
	if _, err := h.registry.Check(txnID); err != nil {
		return txnJoin{}, err
	}
	return txnJoin{
		txnID:     txnID,
		principal: next.Principal,
		scope:     next.Scope,
		chain:     extended,
		extended:  true,
	}, nil
}

func (h *Handler) authorize(join txnJoin, resource string, required claims.Access) error {
	if !join.scope.Allows(resource, required) {
		return httpError{
			Status: http.StatusForbidden,
			Code:   api.ErrCodeScopeViolation,
			Detail: "scope does not cover " + required.String() + " on " + resource,
			TxnID:  join.txnID,
		}
	}
	return nil
}

// recordChild registers the next hop of a relayed call as a finalize child.
// The child's host identity is the claim it appended right after ours in the
// chain merged back from the relay.
func (h *Handler) recordChild(txnID string, merged []api.Claim, endpoint string) {
	host := endpoint
	own := h.authority.Host()
	for i, c := range merged {
		if c.Issuer == own && i+1 < len(merged) {
			host = merged[i+1].Issuer
			break
		}
	}
	if err := h.registry.RecordChild(txnID, registry.Child{Host: host, Endpoint: endpoint}); err != nil {
		h.logger.Warn("txn.record_child.failed", "txn_id", txnID, "child", host, "error", err)
	}
}

// mergeRelayChain folds a chain returned by a relayed call back into the
// registry record so finalize fan-out sees the full delegation path.
func (h *Handler) mergeRelayChain(txnID string, wire []api.Claim) {
	merged, err := claims.FromWire(wire)
	if err != nil {
		h.logger.Warn("txn.relay.chain_invalid", "txn_id", txnID, "error", err)
		return
	}
	h.registry.SetChain(txnID, merged)
}

func normalizeResource(resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_request",
			Detail: "resource required",
		}
	}
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	return resource, nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	var req api.ReadRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	resource, err := normalizeResource(req.Resource)
	if err != nil {
		return err
	}
	join, err := h.joinTxn(req.Chain, req.Scope)
	if err != nil {
		return err
	}
	if err := h.authorize(join, resource, claims.AccessRead); err != nil {
		return err
	}

	if req.Forward != "" {
		return h.relayRead(ctx, w, join, resource, req)
	}

	rc, version, err := h.store.Read(ctx, resource, join.txnID)
	if err != nil {
		return err
	}
	defer rc.Close()
	h.setTxnHeaders(w, join, version)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.requestLogger(ctx).Warn("read.stream.aborted", "txn_id", join.txnID, "resource", resource, "error", err)
	}
	return nil
}

func (h *Handler) relayRead(ctx context.Context, w http.ResponseWriter, join txnJoin, resource string, req api.ReadRequest) error {
	cli, err := h.peerClient(req.Forward)
	if err != nil {
		return err
	}
	txn := &client.Txn{ID: join.txnID, Chain: claims.ToWire(join.chain)}
	rc, version, err := cli.Read(ctx, txn, resource, client.ReadOptions{Scope: req.Scope})
	if err != nil {
		return relayError(err)
	}
	defer rc.Close()
	h.recordChild(join.txnID, txn.Chain, cli.Endpoint())
	h.mergeRelayChain(join.txnID, txn.Chain)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerTxnID, join.txnID)
	w.Header().Set(headerVersion, strconv.FormatInt(version, 10))
	if encoded, err := client.EncodeChainHeader(txn.Chain); err == nil {
		w.Header().Set(headerClaimChain, encoded)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.requestLogger(ctx).Warn("read.relay.aborted", "txn_id", join.txnID, "resource", resource, "error", err)
	}
	return nil
}

func (h *Handler) relayWrite(ctx context.Context, w http.ResponseWriter, join txnJoin, resource, forward string, scope []api.ScopeGrant, body io.Reader) error {
	cli, err := h.peerClient(forward)
	if err != nil {
		return err
	}
	txn := &client.Txn{ID: join.txnID, Chain: claims.ToWire(join.chain)}
	resp, err := cli.Write(ctx, txn, resource, body, client.WriteOptions{Scope: scope})
	if err != nil {
		return relayError(err)
	}
	h.recordChild(join.txnID, txn.Chain, cli.Endpoint())
	h.mergeRelayChain(join.txnID, txn.Chain)
	resp.Chain = txn.Chain
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// relayError surfaces a peer's structured error under its original status and
// code so violations detected downstream keep their meaning at the origin.
func relayError(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Response.ErrorCode
		if code == "" {
			code = api.ErrCodeInternal
		}
		status := apiErr.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		return httpError{
			Status:     status,
			Code:       code,
			Detail:     apiErr.Response.Detail,
			TxnID:      apiErr.Response.TxnID,
			RetryAfter: apiErr.Response.RetryAfterSeconds,
		}
	}
	return httpError{
		Status: http.StatusBadGateway,
		Code:   api.ErrCodeInternal,
		Detail: "peer unreachable: " + err.Error(),
	}
}

func (h *Handler) setTxnHeaders(w http.ResponseWriter, join txnJoin, version int64) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerTxnID, join.txnID)
	w.Header().Set(headerVersion, strconv.FormatInt(version, 10))
	if join.extended {
		if encoded, err := client.EncodeChainHeader(claims.ToWire(join.chain)); err == nil {
			w.Header().Set(headerClaimChain, encoded)
		}
	}
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	resource, err := normalizeResource(r.URL.Query().Get("resource"))
	if err != nil {
		return err
	}
	chainWire, err := client.DecodeChainHeader(r.Header.Get(headerClaimChain))
	if err != nil {
		return httpError{
			Status: http.StatusUnauthorized,
			Code:   api.ErrCodeIdentity,
			Detail: "malformed claim chain header",
		}
	}
	var scopeWire []api.ScopeGrant
	if raw := r.Header.Get(headerScope); raw != "" {
		scopeWire, err = client.DecodeScopeHeader(raw)
		if err != nil {
			return httpError{
				Status: http.StatusBadRequest,
				Code:   "invalid_request",
				Detail: "malformed scope header",
			}
		}
	}
	join, err := h.joinTxn(chainWire, scopeWire)
	if err != nil {
		return err
	}
	if err := h.authorize(join, resource, claims.AccessWrite); err != nil {
		return err
	}

	if forward := r.URL.Query().Get("forward"); forward != "" {
		return h.relayWrite(ctx, w, join, resource, forward, scopeWire, r.Body)
	}

	n, err := h.store.Write(ctx, resource, join.txnID, r.Body)
	if err != nil {
		return err
	}
	h.requestLogger(ctx).Debug("write.buffered",
		"txn_id", join.txnID,
		"resource", resource,
		"bytes", n,
	)
	resp := api.WriteResponse{
		TxnID:    join.txnID,
		Resource: resource,
		Bytes:    n,
	}
	if join.extended {
		resp.Chain = claims.ToWire(join.chain)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	var req api.CommitRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	resource, err := normalizeResource(req.Resource)
	if err != nil {
		return err
	}
	join, err := h.joinTxn(req.Chain, nil)
	if err != nil {
		return err
	}
	if err := h.authorize(join, resource, claims.AccessWrite); err != nil {
		return err
	}
	if err := h.store.Commit(ctx, resource, join.txnID); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.CommitResponse{TxnID: join.txnID, Resource: resource}, nil)
	return nil
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	var req api.RollbackRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	resource, err := normalizeResource(req.Resource)
	if err != nil {
		return err
	}
	join, err := h.joinTxn(req.Chain, nil)
	if err != nil {
		return err
	}
	if err := h.authorize(join, resource, claims.AccessWrite); err != nil {
		return err
	}
	if err := h.store.Rollback(ctx, resource, join.txnID); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.RollbackResponse{TxnID: join.txnID, Resource: resource}, nil)
	return nil
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	var req api.FinalizeRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	if req.TxnID == "" {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_request",
			Detail: "txn_id required",
		}
	}
	var decision store.Decision
	switch req.Decision {
	case string(store.DecisionCommit):
		decision = store.DecisionCommit
	case string(store.DecisionRollback):
		decision = store.DecisionRollback
	default:
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_request",
			Detail: "decision must be commit or rollback",
			TxnID:  req.TxnID,
		}
	}
	res, err := h.coordinator.Finalize(ctx, req.TxnID, decision)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.FinalizeResponse{
		TxnID:       res.TxnID,
		State:       string(res.State),
		Unconfirmed: res.Unconfirmed,
	}, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
