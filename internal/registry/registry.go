// Package registry tracks every transaction a host participates in: its
// role, lifecycle phase, deadline, and the child hosts it called into. Each
// host keeps only its own participant records; no global view exists.
package registry

import (
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txnd/internal/claims"
	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/fault"
	"pkt.systems/txnd/internal/svcfields"
)

// Role distinguishes the host that owns the finalize decision from a mere
// participant.
type Role string

const (
	// RoleCoordinator marks the host that originated the transaction.
	RoleCoordinator Role = "coordinator"
	// RoleCohort marks a host joined via a forwarded call.
	RoleCohort Role = "cohort"
)

// State is a transaction's lifecycle phase at this host.
type State string

const (
	// StateActive accepts reads and writes.
	StateActive State = "active"
	// StateCommitting is the transient phase while commit fan-out runs.
	StateCommitting State = "committing"
	// StateCommitted is terminal.
	StateCommitted State = "committed"
	// StateRollingBack is the transient phase while rollback fan-out runs.
	StateRollingBack State = "rolling_back"
	// StateRolledBack is terminal.
	StateRolledBack State = "rolled_back"
	// StateUnknown absorbs finalize messages for ids this host never saw as
	// active; it reports as already rolled back so duplicate and late
	// deliveries stay idempotent.
	StateUnknown State = "unknown"
)

// Terminal reports whether s is a final lifecycle phase.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Child identifies a host this host called into within a transaction.
type Child struct {
	Host     string
	Endpoint string
}

// View is a copy of a participant record safe to use without locks.
type View struct {
	TxnID       string
	Role        Role
	State       State
	Deadline    time.Time
	Principal   string
	Chain       claims.Chain
	Children    []Child
	Unconfirmed []string
	Expired     bool
}

type record struct {
	txnID       string
	role        Role
	state       State
	deadline    time.Time
	principal   string
	chain       claims.Chain
	children    []Child
	unconfirmed []string
	expired     bool
	terminalAt  time.Time
}

// Config configures a Registry.
type Config struct {
	Clock clock.Clock
	// Grace is how long terminal records linger to answer late duplicate
	// finalize messages before the sweeper reclaims them.
	Grace  time.Duration
	Logger pslog.Logger
}

// DefaultGrace retains terminal records long enough for stragglers.
const DefaultGrace = 5 * time.Minute

// Registry is the per-host participant table.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	clock   clock.Clock
	grace   time.Duration
	logger  pslog.Logger
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Registry{
		records: make(map[string]*record),
		clock:   c,
		grace:   grace,
		logger:  svcfields.WithSubsystem(logger, "registry"),
	}
}

// Register creates the participant record for txnID, or returns the existing
// one when the transaction already touched this host.
func (r *Registry) Register(txnID string, role Role, deadline time.Time, principal string, chain claims.Chain) (View, error) {
	if txnID == "" {
		return View{}, fault.Failure{Code: "invalid_transition", Detail: "txn id required", HTTPStatus: http.StatusBadRequest}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[txnID]; ok {
		r.expireLocked(rec)
		return rec.view(), nil
	}
	rec := &record{
		txnID:     txnID,
		role:      role,
		state:     StateActive,
		deadline:  deadline,
		principal: principal,
		chain:     chain,
	}
	r.records[txnID] = rec
	r.logger.Debug("txn.registered", "txn_id", txnID, "role", string(role), "deadline", deadline.Unix())
	return rec.view(), nil
}

// Lookup returns the record for txnID after applying opportunistic expiry.
// Reclaimed and never-seen ids resolve to the absorbing Unknown state.
func (r *Registry) Lookup(txnID string) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[txnID]
	if !ok {
		return View{TxnID: txnID, State: StateUnknown}
	}
	r.expireLocked(rec)
	return rec.view()
}

// Check gates an operation under txnID: the transaction must be known, alive,
// and inside its deadline.
func (r *Registry) Check(txnID string) (View, error) {
	view := r.Lookup(txnID)
	switch {
	case view.State == StateUnknown:
		return view, fault.Failure{
			Code:       "not_found",
			Detail:     "transaction not registered on this host",
			TxnID:      txnID,
			HTTPStatus: http.StatusNotFound,
		}
	case view.Expired:
		return view, expiredFailure(txnID)
	case view.State != StateActive:
		return view, fault.Failure{
			Code:       "invalid_transition",
			Detail:     "transaction is " + string(view.State),
			TxnID:      txnID,
			HTTPStatus: http.StatusConflict,
		}
	}
	return view, nil
}

// RecordChild remembers that this host called into child within txnID, so
// finalize can fan out without re-deriving the call graph.
func (r *Registry) RecordChild(txnID string, child Child) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[txnID]
	if !ok {
		return fault.Failure{Code: "not_found", Detail: "transaction not registered", TxnID: txnID, HTTPStatus: http.StatusNotFound}
	}
	for _, existing := range rec.children {
		if existing.Host == child.Host {
			return nil
		}
	}
	rec.children = append(rec.children, child)
	return nil
}

// SetChain replaces the stored claim chain, merging back trailing claims
// returned by a delegate.
func (r *Registry) SetChain(txnID string, chain claims.Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[txnID]; ok && len(chain) > len(rec.chain) {
		rec.chain = chain
	}
}

// MarkUnconfirmed records a child host that never acknowledged finalize.
func (r *Registry) MarkUnconfirmed(txnID, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[txnID]
	if !ok {
		return
	}
	for _, existing := range rec.unconfirmed {
		if existing == host {
			return
		}
	}
	rec.unconfirmed = append(rec.unconfirmed, host)
}

var transitions = map[State][]State{
	StateActive:      {StateCommitting, StateRollingBack},
	StateCommitting:  {StateCommitted},
	StateRollingBack: {StateRolledBack},
}

// Transition moves txnID to next. Repeating an already-applied transition is
// a no-op; any other edge outside the state machine fails with
// invalid_transition.
func (r *Registry) Transition(txnID string, next State) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[txnID]
	if !ok {
		return View{TxnID: txnID, State: StateUnknown}, fault.Failure{
			Code:       "not_found",
			Detail:     "transaction not registered",
			TxnID:      txnID,
			HTTPStatus: http.StatusNotFound,
		}
	}
	if rec.state == next || alreadyApplied(rec.state, next) {
		return rec.view(), nil
	}
	for _, allowed := range transitions[rec.state] {
		if allowed != next {
			continue
		}
		rec.state = next
		if next.Terminal() {
			rec.terminalAt = r.clock.Now()
		}
		r.logger.Debug("txn.transition", "txn_id", txnID, "state", string(next))
		return rec.view(), nil
	}
	return rec.view(), fault.Failure{
		Code:       "invalid_transition",
		Detail:     string(rec.state) + " -> " + string(next) + " is not a legal edge",
		TxnID:      txnID,
		HTTPStatus: http.StatusConflict,
	}
}

// alreadyApplied treats a request that lags the record's progress along the
// same branch as idempotent duplicate delivery.
func alreadyApplied(current, requested State) bool {
	switch requested {
	case StateCommitting:
		return current == StateCommitted
	case StateRollingBack:
		return current == StateRolledBack
	}
	return false
}

// ExpireIfStale force-transitions an Active transaction whose deadline has
// passed into RollingBack. It is invoked on every lookup rather than by a
// dedicated timer task.
func (r *Registry) ExpireIfStale(txnID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[txnID]
	if !ok {
		return false
	}
	return r.expireAtLocked(rec, now)
}

func (r *Registry) expireLocked(rec *record) {
	r.expireAtLocked(rec, r.clock.Now())
}

func (r *Registry) expireAtLocked(rec *record, now time.Time) bool {
	if rec.state != StateActive || rec.deadline.IsZero() || now.Before(rec.deadline) {
		return false
	}
	rec.state = StateRollingBack
	rec.expired = true
	r.logger.Info("txn.deadline_expired", "txn_id", rec.txnID, "deadline", rec.deadline.Unix())
	return true
}

// Sweep expires stale actives and reclaims terminal records past the grace
// period. It returns the ids whose pending writes should be rolled back.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, rec := range r.records {
		if r.expireAtLocked(rec, now) {
			expired = append(expired, id)
			continue
		}
		if rec.state.Terminal() && !rec.terminalAt.IsZero() && now.Sub(rec.terminalAt) >= r.grace {
			delete(r.records, id)
		}
	}
	return expired
}

// Active returns the number of live (non-terminal) records, for readiness
// reporting and tests.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if !rec.state.Terminal() {
			n++
		}
	}
	return n
}

func expiredFailure(txnID string) error {
	return fault.Failure{
		Code:       "txn_expired",
		Detail:     "transaction deadline elapsed",
		TxnID:      txnID,
		HTTPStatus: http.StatusConflict,
	}
}

func (rec *record) view() View {
	children := make([]Child, len(rec.children))
	copy(children, rec.children)
	unconfirmed := make([]string, len(rec.unconfirmed))
	copy(unconfirmed, rec.unconfirmed)
	chain := make(claims.Chain, len(rec.chain))
	copy(chain, rec.chain)
	return View{
		TxnID:       rec.txnID,
		Role:        rec.role,
		State:       rec.state,
		Deadline:    rec.deadline,
		Principal:   rec.principal,
		Chain:       chain,
		Children:    children,
		Unconfirmed: unconfirmed,
		Expired:     rec.expired,
	}
}
