package txncoord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/registry"
	"pkt.systems/txnd/internal/store"
	"pkt.systems/txnd/internal/uuidv7"
)

type fixture struct {
	clock    *clock.Manual
	registry *registry.Registry
	store    *store.Store
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	reg := registry.New(registry.Config{Clock: manual})
	st := store.New(store.Config{})
	coord, err := New(Config{
		Registry:          reg,
		Store:             st,
		FanoutTimeout:     2 * time.Second,
		FanoutMaxAttempts: 3,
		FanoutBaseDelay:   time.Millisecond,
		FanoutMaxDelay:    5 * time.Millisecond,
		FanoutMultiplier:  2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{clock: manual, registry: reg, store: st, coord: coord}
}

func (f *fixture) register(t *testing.T, txnID string) {
	t.Helper()
	deadline := f.clock.Now().Add(time.Minute)
	if _, err := f.registry.Register(txnID, registry.RoleCoordinator, deadline, "alice", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func finalizeChild(t *testing.T, hits *atomic.Int64, wantTxn string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/txn/finalize" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req api.FinalizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode finalize request: %v", err)
		}
		if req.TxnID != wantTxn {
			t.Errorf("txn_id = %q, want %q", req.TxnID, wantTxn)
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.FinalizeResponse{TxnID: req.TxnID, State: "committed"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFinalizeCommitAppliesLocallyAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txnID := uuidv7.NewString()
	f.register(t, txnID)

	if _, err := f.store.Write(ctx, "/ledger/a", txnID, strings.NewReader(`{"n": 1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var hits atomic.Int64
	child := finalizeChild(t, &hits, txnID)
	if err := f.registry.RecordChild(txnID, registry.Child{Host: "child-1", Endpoint: child.URL}); err != nil {
		t.Fatalf("RecordChild: %v", err)
	}

	res, err := f.coord.Finalize(ctx, txnID, store.DecisionCommit)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.State != registry.StateCommitted {
		t.Fatalf("state = %s, want committed", res.State)
	}
	if len(res.Unconfirmed) != 0 {
		t.Fatalf("unconfirmed = %v, want none", res.Unconfirmed)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("child finalize calls = %d, want 1", got)
	}

	later := uuidv7.NewString()
	rc, _, err := f.store.Read(ctx, "/ledger/a", later)
	if err != nil {
		t.Fatalf("Read after commit: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != `{"n":1}` {
		t.Fatalf("read = %q", body)
	}
}

func TestFinalizeRollbackDiscardsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txnID := uuidv7.NewString()
	f.register(t, txnID)

	if _, err := f.store.Write(ctx, "/ledger/b", txnID, strings.NewReader(`{"n": 2}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	res, err := f.coord.Finalize(ctx, txnID, store.DecisionRollback)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.State != registry.StateRolledBack {
		t.Fatalf("state = %s, want rolled_back", res.State)
	}
	if len(f.store.History("/ledger/b")) != 0 {
		t.Fatalf("rollback left committed history behind")
	}
}

func TestFinalizeUnknownTxnIsIdempotentRollback(t *testing.T) {
	f := newFixture(t)
	res, err := f.coord.Finalize(context.Background(), uuidv7.NewString(), store.DecisionCommit)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.State != registry.StateRolledBack {
		t.Fatalf("state = %s, want rolled_back", res.State)
	}
}

func TestFinalizeRepeatDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txnID := uuidv7.NewString()
	f.register(t, txnID)
	if _, err := f.store.Write(ctx, "/ledger/c", txnID, strings.NewReader(`{"n": 3}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := f.coord.Finalize(ctx, txnID, store.DecisionCommit); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	res, err := f.coord.Finalize(ctx, txnID, store.DecisionCommit)
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if res.State != registry.StateCommitted {
		t.Fatalf("state = %s, want committed", res.State)
	}
	if got := len(f.store.History("/ledger/c")); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
}

func TestFinalizeUnreachableChildRecordedNotBlocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txnID := uuidv7.NewString()
	f.register(t, txnID)

	// A closed listener so delivery fails fast on every attempt.
	closed := httptest.NewServer(http.NotFoundHandler())
	endpoint := closed.URL
	closed.Close()
	if err := f.registry.RecordChild(txnID, registry.Child{Host: "child-down", Endpoint: endpoint}); err != nil {
		t.Fatalf("RecordChild: %v", err)
	}

	res, err := f.coord.Finalize(ctx, txnID, store.DecisionCommit)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.State != registry.StateCommitted {
		t.Fatalf("state = %s, want committed despite unreachable child", res.State)
	}
	if len(res.Unconfirmed) != 1 || res.Unconfirmed[0] != "child-down" {
		t.Fatalf("unconfirmed = %v, want [child-down]", res.Unconfirmed)
	}
}

func TestFinalizeCommitOnExpiredTxnRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txnID := uuidv7.NewString()
	deadline := f.clock.Now().Add(time.Second)
	if _, err := f.registry.Register(txnID, registry.RoleCoordinator, deadline, "alice", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.store.Write(ctx, "/ledger/d", txnID, strings.NewReader(`{"n": 4}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.clock.Advance(2 * time.Second)

	res, err := f.coord.Finalize(ctx, txnID, store.DecisionCommit)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.State != registry.StateRolledBack {
		t.Fatalf("state = %s, want rolled_back after deadline", res.State)
	}
	if len(f.store.History("/ledger/d")) != 0 {
		t.Fatalf("expired commit left committed history behind")
	}
}
