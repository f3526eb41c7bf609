// Package httpapi wires HTTP endpoints to the transaction core: it resolves
// each inbound request's transaction identity, verifies and extends the claim
// chain, and routes the call into the registry, state store, and coordinator.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/txnd/api"
	"pkt.systems/txnd/client"
	"pkt.systems/txnd/internal/claims"
	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/fault"
	"pkt.systems/txnd/internal/registry"
	"pkt.systems/txnd/internal/store"
	"pkt.systems/txnd/internal/svcfields"
	"pkt.systems/txnd/internal/txncoord"
	"pkt.systems/txnd/internal/uuidv7"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerClaimChain    = "X-Txnd-Claim-Chain"
	headerScope         = "X-Txnd-Scope"
	headerTxnID         = "X-Txnd-Txn-Id"
	headerVersion       = "X-Txnd-Version"
)

const requestBodyLimit = 256 << 10

const (
	// DefaultTxnTTL bounds transactions that do not request a TTL.
	DefaultTxnTTL = 60 * time.Second
	// MaxTxnTTL caps client-requested TTLs.
	MaxTxnTTL = 10 * time.Minute
)

// Handler wires HTTP endpoints to the transaction core.
type Handler struct {
	authority   *claims.Authority
	registry    *registry.Registry
	store       *store.Store
	coordinator *txncoord.Coordinator
	logger      pslog.Logger
	clock       clock.Clock
	defaultTTL  time.Duration
	maxTTL      time.Duration
	ready       func() bool

	tracer             trace.Tracer
	httpTracingEnabled bool

	forwardHTTPClient *http.Client
	peers             sync.Map // endpoint -> *client.Client
}

// Config configures a Handler.
type Config struct {
	Authority   *claims.Authority
	Registry    *registry.Registry
	Store       *store.Store
	Coordinator *txncoord.Coordinator
	Logger      pslog.Logger
	Clock       clock.Clock
	// DefaultTTL applies when a begin request carries no TTL.
	DefaultTTL time.Duration
	// MaxTTL caps client-requested transaction TTLs.
	MaxTTL time.Duration
	// Ready gates /readyz. Nil reports ready.
	Ready func() bool
	// Tracer enables per-request spans when HTTPTracingEnabled is set.
	Tracer             trace.Tracer
	HTTPTracingEnabled bool
	// ForwardHTTPClient performs relayed calls to peer hosts.
	ForwardHTTPClient *http.Client
}

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Authority == nil {
		return nil, errors.New("httpapi: authority required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("httpapi: registry required")
	}
	if cfg.Store == nil {
		return nil, errors.New("httpapi: store required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("httpapi: coordinator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTxnTTL
	}
	maxTTL := cfg.MaxTTL
	if maxTTL <= 0 {
		maxTTL = MaxTxnTTL
	}
	forwardClient := cfg.ForwardHTTPClient
	if forwardClient == nil {
		forwardClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Handler{
		authority:          cfg.Authority,
		registry:           cfg.Registry,
		store:              cfg.Store,
		coordinator:        cfg.Coordinator,
		logger:             logger,
		clock:              c,
		defaultTTL:         defaultTTL,
		maxTTL:             maxTTL,
		ready:              cfg.Ready,
		tracer:             cfg.Tracer,
		httpTracingEnabled: cfg.HTTPTracingEnabled && cfg.Tracer != nil,
		forwardHTTPClient:  forwardClient,
	}, nil
}

// Register installs the txnd routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/txn/begin", h.wrap("txn.begin", h.handleBegin))
	mux.Handle("/v1/read", h.wrap("read", h.handleRead))
	mux.Handle("/v1/write", h.wrap("write", h.handleWrite))
	mux.Handle("/v1/commit", h.wrap("commit", h.handleCommit))
	mux.Handle("/v1/rollback", h.wrap("rollback", h.handleRollback))
	mux.Handle("/v1/txn/finalize", h.wrap("txn.finalize", h.handleFinalize))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "txnd.tx." + operation
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()

		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("txnd.operation", operation),
					attribute.String("txnd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			ctx = correlation.Set(ctx, corr)
		}
		ctx = correlation.Ensure(ctx)
		cid := correlation.ID(ctx)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"cid", cid,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		if instrument {
			span.SetAttributes(attribute.String("txnd.correlation_id", cid))
		}

		w.Header().Set(headerCorrelationID, cid)
		r = r.WithContext(ctx)

		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Debug("http.request.complete", "elapsed", time.Since(start))
	})
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	TxnID      string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func statusForCode(code string) int {
	switch code {
	case api.ErrCodeIdentity:
		return http.StatusUnauthorized
	case api.ErrCodeCycleDetected, api.ErrCodeScopeViolation, api.ErrCodeClaimExpired:
		return http.StatusForbidden
	case api.ErrCodeWriteConflict, api.ErrCodeInvalidTransition, api.ErrCodeTxnExpired:
		return http.StatusConflict
	case api.ErrCodeNotFound:
		return http.StatusNotFound
	case "invalid_value", "invalid_request":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// convertFailure adapts transport-neutral failures to HTTP errors.
func convertFailure(err error) error {
	if err == nil {
		return nil
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return err
	}
	if f, ok := fault.As(err); ok {
		status := f.HTTPStatus
		if status == 0 {
			status = statusForCode(f.Code)
		}
		return httpError{
			Status:     status,
			Code:       f.Code,
			Detail:     f.Detail,
			TxnID:      f.TxnID,
			RetryAfter: f.RetryAfter,
		}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	err = convertFailure(err)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"txn_id", httpErr.TxnID,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			TxnID:             httpErr.TxnID,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: api.ErrCodeInternal,
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

func (h *Handler) decodeRequest(r *http.Request, dst any) error {
	limited := io.LimitReader(r.Body, requestBodyLimit)
	if err := decodeJSONBody(limited, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_request",
			Detail: "malformed request body: " + err.Error(),
		}
	}
	return nil
}

func (h *Handler) requestLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}

// peerClient returns a cached SDK client for a peer endpoint.
func (h *Handler) peerClient(endpoint string) (*client.Client, error) {
	if cached, ok := h.peers.Load(endpoint); ok {
		return cached.(*client.Client), nil
	}
	cli, err := client.New(endpoint,
		client.WithHTTPClient(h.forwardHTTPClient),
		client.WithLogger(h.logger),
	)
	if err != nil {
		return nil, httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_request",
			Detail: "invalid forward endpoint: " + err.Error(),
		}
	}
	actual, _ := h.peers.LoadOrStore(endpoint, cli)
	return actual.(*client.Client), nil
}
