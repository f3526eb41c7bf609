// Package txncoord drives the finalize protocol: it settles a transaction's
// buffered writes on this host and broadcasts the decision depth-first down
// the call tree recorded in the registry. Fan-out is best-effort: a
// child that never acknowledges is retried with backoff, then recorded as
// unconfirmed; it never blocks this host's own decision.
package txncoord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txnd/api"
	"pkt.systems/txnd/internal/registry"
	"pkt.systems/txnd/internal/store"
	"pkt.systems/txnd/internal/svcfields"
)

const finalizePath = "/v1/txn/finalize"

// Config defines coordinator behavior for local apply and child fan-out.
type Config struct {
	Registry *registry.Registry
	Store    *store.Store
	Logger   pslog.Logger

	FanoutTimeout     time.Duration
	FanoutMaxAttempts int
	FanoutBaseDelay   time.Duration
	FanoutMaxDelay    time.Duration
	FanoutMultiplier  float64

	HTTPClient *http.Client
}

// Coordinator applies finalize decisions locally and fans them out.
type Coordinator struct {
	registry    *registry.Registry
	store       *store.Store
	logger      pslog.Logger
	metrics     *txncoordMetrics
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	httpClient  *http.Client
}

// Result reports the terminal state reached plus any unconfirmed children.
type Result struct {
	TxnID       string
	State       registry.State
	Unconfirmed []string
}

// ChildFailure captures a child that exhausted delivery retries.
type ChildFailure struct {
	Host     string
	Endpoint string
	Err      error
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("txncoord: registry required")
	}
	if cfg.Store == nil {
		return nil, errors.New("txncoord: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "txncoord")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Coordinator{
		registry:    cfg.Registry,
		store:       cfg.Store,
		logger:      logger,
		metrics:     newTxncoordMetrics(logger),
		timeout:     cfg.FanoutTimeout,
		maxAttempts: cfg.FanoutMaxAttempts,
		baseDelay:   cfg.FanoutBaseDelay,
		maxDelay:    cfg.FanoutMaxDelay,
		multiplier:  cfg.FanoutMultiplier,
		httpClient:  httpClient,
	}, nil
}

// Finalize drives txnID to its terminal state under the supplied decision.
// Delivery is idempotent: finalize of an unknown or already-terminal
// transaction reports the absorbed state without touching any resource.
func (c *Coordinator) Finalize(ctx context.Context, txnID string, decision store.Decision) (Result, error) {
	if txnID == "" {
		return Result{}, errors.New("txncoord: txn_id required")
	}
	view := c.registry.Lookup(txnID)
	switch view.State {
	case registry.StateUnknown:
		// Never seen as active here: answered as already rolled back so
		// duplicate and late deliveries stay idempotent.
		return Result{TxnID: txnID, State: registry.StateRolledBack}, nil
	case registry.StateCommitted, registry.StateRolledBack:
		return Result{TxnID: txnID, State: view.State, Unconfirmed: view.Unconfirmed}, nil
	}
	if view.Expired && decision == store.DecisionCommit {
		// The deadline already forced this transaction onto the rollback
		// branch; an ancestor's commit cannot resurrect it.
		decision = store.DecisionRollback
	}

	transient := registry.StateCommitting
	terminal := registry.StateCommitted
	if decision == store.DecisionRollback {
		transient = registry.StateRollingBack
		terminal = registry.StateRolledBack
	}
	if _, err := c.registry.Transition(txnID, transient); err != nil {
		return Result{TxnID: txnID, State: view.State}, err
	}

	applyStart := time.Now()
	applyErr := c.store.FinalizeAll(ctx, txnID, decision)
	c.metrics.recordFinalize(ctx, decision, time.Since(applyStart))
	if applyErr != nil {
		c.logger.Warn("txn.finalize.local.failed",
			"txn_id", txnID,
			"decision", string(decision),
			"error", applyErr,
		)
		return Result{TxnID: txnID, State: transient}, applyErr
	}

	var failures []ChildFailure
	if len(view.Children) > 0 {
		fanoutStart := time.Now()
		failures = c.fanout(ctx, txnID, decision, view.Children)
		result := "ok"
		if len(failures) > 0 {
			result = "partial"
		}
		c.metrics.recordFanout(ctx, decision, time.Since(fanoutStart), result)
	}
	for _, failure := range failures {
		c.registry.MarkUnconfirmed(txnID, failure.Host)
		c.logger.Warn("txn.finalize.fanout.unconfirmed",
			"txn_id", txnID,
			"decision", string(decision),
			"child", failure.Host,
			"endpoint", failure.Endpoint,
			"error", failure.Err,
		)
	}

	final, err := c.registry.Transition(txnID, terminal)
	if err != nil {
		return Result{TxnID: txnID, State: transient}, err
	}
	c.logger.Info("txn.finalize.complete",
		"txn_id", txnID,
		"decision", string(decision),
		"state", string(final.State),
		"children", len(view.Children),
		"unconfirmed", len(final.Unconfirmed),
	)
	return Result{TxnID: txnID, State: final.State, Unconfirmed: final.Unconfirmed}, nil
}

func (c *Coordinator) fanout(ctx context.Context, txnID string, decision store.Decision, children []registry.Child) []ChildFailure {
	var failures []ChildFailure
	for _, child := range children {
		endpoint := strings.TrimSpace(child.Endpoint)
		if endpoint == "" {
			failures = append(failures, ChildFailure{Host: child.Host, Err: errors.New("no endpoint recorded")})
			c.metrics.recordFanoutFailure(ctx, decision, child.Host, "no_endpoint")
			continue
		}
		if err := c.deliverWithRetry(ctx, endpoint, txnID, decision, child.Host); err != nil {
			failures = append(failures, ChildFailure{Host: child.Host, Endpoint: endpoint, Err: err})
			c.metrics.recordFanoutFailure(ctx, decision, child.Host, "delivery_failed")
		}
	}
	return failures
}

func (c *Coordinator) deliverWithRetry(ctx context.Context, endpoint, txnID string, decision store.Decision, host string) error {
	attempts := c.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.baseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.recordFanoutAttempt(ctx, decision, host)
		err := c.deliverOnce(ctx, endpoint, txnID, decision)
		if err == nil {
			return nil
		}
		if attempt == attempts {
			return err
		}
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		if c.maxDelay > 0 && delay > c.maxDelay {
			delay = c.maxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if c.multiplier > 1 {
			delay = time.Duration(float64(delay)*c.multiplier + 0.5)
		}
	}
	return fmt.Errorf("txncoord: fanout attempts exhausted")
}

func (c *Coordinator) deliverOnce(ctx context.Context, endpoint, txnID string, decision store.Decision) error {
	payload := api.FinalizeRequest{
		TxnID:    txnID,
		Decision: string(decision),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, joinEndpoint(endpoint, finalizePath), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errResp api.ErrorResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.ErrorCode != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, errResp.ErrorCode)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return suffix
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}
