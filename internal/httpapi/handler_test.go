package httpapi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/client"
	"pkt.systems/txnd/internal/claims"
	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/registry"
	"pkt.systems/txnd/internal/store"
	"pkt.systems/txnd/internal/txncoord"
)

type testEnv struct {
	clock    *clock.Manual
	ring     claims.StaticKeyring
	keys     map[string]ed25519.PrivateKey
	handler  *Handler
	server   *httptest.Server
	cli      *client.Client
	store    *store.Store
	registry *registry.Registry
}

func newTestEnv(t *testing.T, host string, extraHosts ...string) *testEnv {
	t.Helper()
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	ring := claims.StaticKeyring{}
	keys := map[string]ed25519.PrivateKey{}
	for _, h := range append([]string{host}, extraHosts...) {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		ring[h] = pub
		keys[h] = priv
	}
	env := &testEnv{clock: manual, ring: ring, keys: keys}
	env.handler, env.store, env.registry = newTestHandler(t, host, keys[host], ring, manual)
	mux := http.NewServeMux()
	env.handler.Register(mux)
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	cli, err := client.New(env.server.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	env.cli = cli
	return env
}

func newTestHandler(t *testing.T, host string, key ed25519.PrivateKey, ring claims.StaticKeyring, manual *clock.Manual) (*Handler, *store.Store, *registry.Registry) {
	t.Helper()
	authority, err := claims.New(claims.Config{
		Host:    host,
		SignKey: key,
		Keyring: ring,
		Clock:   manual,
	})
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	st := store.New(store.Config{})
	reg := registry.New(registry.Config{Clock: manual})
	coord, err := txncoord.New(txncoord.Config{
		Registry:          reg,
		Store:             st,
		FanoutTimeout:     time.Second,
		FanoutMaxAttempts: 2,
		FanoutBaseDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	handler, err := New(Config{
		Authority:   authority,
		Registry:    reg,
		Store:       st,
		Coordinator: coord,
		Clock:       manual,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return handler, st, reg
}

func mustBegin(t *testing.T, env *testEnv, principal string, scope []api.ScopeGrant, ttl time.Duration) *client.Txn {
	t.Helper()
	txn, err := env.cli.Begin(context.Background(), principal, scope, ttl)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return txn
}

func apiErrorCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	return apiErr.Response.ErrorCode
}

func TestBeginWriteReadCommitRoundTrip(t *testing.T) {
	env := newTestEnv(t, "alpha")
	ctx := context.Background()
	txn := mustBegin(t, env, "alice", nil, 0)

	if _, err := env.cli.Write(ctx, txn, "/accounts/1", strings.NewReader(`{"balance": 10}`), client.WriteOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	rc, version, err := env.cli.Read(ctx, txn, "/accounts/1", client.ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != `{"balance":10}` {
		t.Fatalf("read = %q", body)
	}
	if version != store.PendingVersion {
		t.Fatalf("version = %d, want pending", version)
	}

	resp, err := env.cli.Finalize(ctx, txn.ID, "commit")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if resp.State != "committed" {
		t.Fatalf("state = %q, want committed", resp.State)
	}

	later := mustBegin(t, env, "bob", nil, 0)
	rc, version, err = env.cli.Read(ctx, later, "/accounts/1", client.ReadOptions{})
	if err != nil {
		t.Fatalf("read after commit: %v", err)
	}
	body, _ = io.ReadAll(rc)
	rc.Close()
	if string(body) != `{"balance":10}` {
		t.Fatalf("read after commit = %q", body)
	}
	if version != 0 {
		t.Fatalf("version = %d, want 0", version)
	}
}

func TestBeginRequiresPrincipal(t *testing.T) {
	env := newTestEnv(t, "alpha")
	_, err := env.cli.Begin(context.Background(), "", nil, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	if code := apiErrorCode(t, err); code != "identity_error" {
		t.Fatalf("code = %q, want identity_error", code)
	}
}

func TestWriteConflictSurfacesRetryHint(t *testing.T) {
	env := newTestEnv(t, "alpha")
	ctx := context.Background()
	first := mustBegin(t, env, "alice", nil, 0)
	second := mustBegin(t, env, "bob", nil, 0)

	if _, err := env.cli.Write(ctx, first, "/accounts/1", strings.NewReader(`{"n": 1}`), client.WriteOptions{}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	_, err := env.cli.Write(ctx, second, "/accounts/1", strings.NewReader(`{"n": 2}`), client.WriteOptions{})
	if err == nil {
		t.Fatalf("expected write conflict")
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Response.ErrorCode != "write_conflict" {
		t.Fatalf("code = %q, want write_conflict", apiErr.Response.ErrorCode)
	}
	if apiErr.RetryAfter <= 0 {
		t.Fatalf("expected retry hint, got %v", apiErr.RetryAfter)
	}
}

func TestScopeViolationOnWrite(t *testing.T) {
	env := newTestEnv(t, "alpha")
	ctx := context.Background()
	txn := mustBegin(t, env, "alice", []api.ScopeGrant{{Prefix: "/ledger", Access: "r"}}, 0)

	_, err := env.cli.Write(ctx, txn, "/ledger/x", strings.NewReader(`{}`), client.WriteOptions{})
	if err == nil {
		t.Fatalf("expected scope violation")
	}
	if code := apiErrorCode(t, err); code != "scope_violation" {
		t.Fatalf("code = %q, want scope_violation", code)
	}
}

func TestExpiredTransactionRejectsWriteWithoutPending(t *testing.T) {
	env := newTestEnv(t, "alpha")
	ctx := context.Background()
	txn := mustBegin(t, env, "alice", nil, time.Second)

	env.clock.Advance(2 * time.Second)

	_, err := env.cli.Write(ctx, txn, "/accounts/9", strings.NewReader(`{"n": 1}`), client.WriteOptions{})
	if err == nil {
		t.Fatalf("expected txn_expired")
	}
	if code := apiErrorCode(t, err); code != "txn_expired" {
		t.Fatalf("code = %q, want txn_expired", code)
	}
	if _, held := env.store.HasPending("/accounts/9"); held {
		t.Fatalf("expired write left a pending version")
	}
}

func TestForwardedChainJoinsAsCohort(t *testing.T) {
	env := newTestEnv(t, "beta", "alpha")
	ctx := context.Background()

	remote, err := claims.New(claims.Config{
		Host:    "alpha",
		SignKey: env.keys["alpha"],
		Keyring: env.ring,
		Clock:   env.clock,
	})
	if err != nil {
		t.Fatalf("remote authority: %v", err)
	}
	root, err := remote.IssueRoot("018f0000-0000-7000-8000-000000000001", "alice",
		claims.Scope{{Prefix: "/", Access: claims.AccessReadWrite}}, time.Minute)
	if err != nil {
		t.Fatalf("issue root: %v", err)
	}
	txn := &client.Txn{
		ID:    root.TxnID,
		Chain: claims.ToWire(claims.Chain{root}),
	}

	resp, err := env.cli.Write(ctx, txn, "/shared/s", strings.NewReader(`{"n": 2}`), client.WriteOptions{})
	if err != nil {
		t.Fatalf("forwarded write: %v", err)
	}
	if len(resp.Chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(resp.Chain))
	}
	if resp.Chain[1].Issuer != "beta" {
		t.Fatalf("appended issuer = %q, want beta", resp.Chain[1].Issuer)
	}
	view := env.registry.Lookup(root.TxnID)
	if view.Role != registry.RoleCohort {
		t.Fatalf("role = %q, want cohort", view.Role)
	}
	if view.State != registry.StateActive {
		t.Fatalf("state = %q, want active", view.State)
	}
}

func TestForwardedLoopRejectedWithNoWrites(t *testing.T) {
	env := newTestEnv(t, "beta", "alpha")
	ctx := context.Background()

	remote, err := claims.New(claims.Config{
		Host:    "alpha",
		SignKey: env.keys["alpha"],
		Keyring: env.ring,
		Clock:   env.clock,
	})
	if err != nil {
		t.Fatalf("remote authority: %v", err)
	}
	root, err := remote.IssueRoot("018f0000-0000-7000-8000-000000000002", "alice",
		claims.Scope{{Prefix: "/", Access: claims.AccessReadWrite}}, time.Minute)
	if err != nil {
		t.Fatalf("issue root: %v", err)
	}
	txn := &client.Txn{ID: root.TxnID, Chain: claims.ToWire(claims.Chain{root})}
	if _, err := env.cli.Write(ctx, txn, "/shared/a", strings.NewReader(`{"n": 1}`), client.WriteOptions{}); err != nil {
		t.Fatalf("first crossing: %v", err)
	}

	// Re-present the merged chain, which already carries beta's claim: the
	// call graph has looped back.
	_, err = env.cli.Write(ctx, txn, "/shared/b", strings.NewReader(`{"n": 2}`), client.WriteOptions{})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
	if code := apiErrorCode(t, err); code != "cycle_detected" {
		t.Fatalf("code = %q, want cycle_detected", code)
	}
	if _, held := env.store.HasPending("/shared/b"); held {
		t.Fatalf("rejected loop still buffered a write")
	}
}

func TestFinalizeUnknownAnswersRolledBack(t *testing.T) {
	env := newTestEnv(t, "alpha")
	resp, err := env.cli.Finalize(context.Background(), "018f0000-0000-7000-8000-00000000dead", "commit")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if resp.State != "rolled_back" {
		t.Fatalf("state = %q, want rolled_back", resp.State)
	}
}

func TestInvalidRequestBodyRejected(t *testing.T) {
	env := newTestEnv(t, "alpha")
	resp, err := env.server.Client().Post(env.server.URL+"/v1/txn/begin", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
