package claims

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/fault"
)

type testHost struct {
	authority *Authority
}

func newTestRing(t *testing.T, manual *clock.Manual, hosts ...string) map[string]*testHost {
	t.Helper()
	ring := StaticKeyring{}
	out := make(map[string]*testHost, len(hosts))
	keys := make(map[string]ed25519.PrivateKey, len(hosts))
	for _, host := range hosts {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		ring[host] = pub
		keys[host] = priv
	}
	for _, host := range hosts {
		authority, err := New(Config{
			Host:    host,
			SignKey: keys[host],
			Keyring: ring,
			Clock:   manual,
		})
		if err != nil {
			t.Fatalf("authority %s: %v", host, err)
		}
		out[host] = &testHost{authority: authority}
	}
	return out
}

func rootScope() Scope {
	return Scope{{Prefix: "/data", Access: AccessReadWrite}}
}

func TestIssueRootAndVerify(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha")
	root, err := hosts["alpha"].authority.IssueRoot("txn-1", "alice", rootScope(), time.Minute)
	if err != nil {
		t.Fatalf("issue root: %v", err)
	}
	principal, scope, err := hosts["alpha"].authority.Verify(Chain{root})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal != "alice" {
		t.Fatalf("principal = %q, want alice", principal)
	}
	if !scope.Allows("/data/x", AccessWrite) {
		t.Fatalf("scope should allow writes under /data")
	}
}

func TestIssueRootRequiresPrincipal(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha")
	_, err := hosts["alpha"].authority.IssueRoot("txn-1", "", rootScope(), time.Minute)
	if !fault.Is(err, "identity_error") {
		t.Fatalf("err = %v, want identity_error", err)
	}
}

func TestExtendAppendsOneClaim(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha", "beta")
	root, err := hosts["alpha"].authority.IssueRoot("txn-1", "alice", rootScope(), time.Minute)
	if err != nil {
		t.Fatalf("issue root: %v", err)
	}
	narrowed := Scope{{Prefix: "/data/inner", Access: AccessRead}}
	claim, chain, err := hosts["beta"].authority.Extend(Chain{root}, "", narrowed)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if claim.Issuer != "beta" {
		t.Fatalf("issuer = %q, want beta", claim.Issuer)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	principal, scope, err := hosts["alpha"].authority.Verify(chain)
	if err != nil {
		t.Fatalf("verify extended chain: %v", err)
	}
	if principal != "alice" {
		t.Fatalf("principal = %q, want inherited alice", principal)
	}
	if scope.Allows("/data/other", AccessRead) {
		t.Fatalf("narrowed scope must not cover /data/other")
	}
	if scope.Allows("/data/inner", AccessWrite) {
		t.Fatalf("read-only delegation must not allow writes")
	}
}

func TestExtendDetectsCycle(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha", "beta")
	root, _ := hosts["alpha"].authority.IssueRoot("txn-1", "alice", rootScope(), time.Minute)
	_, chain, err := hosts["beta"].authority.Extend(Chain{root}, "", nil)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if _, _, err := hosts["alpha"].authority.Extend(chain, "", nil); !fault.Is(err, "cycle_detected") {
		t.Fatalf("err = %v, want cycle_detected", err)
	}
}

func TestExtendRejectsWidenedScope(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha", "beta")
	root, _ := hosts["alpha"].authority.IssueRoot("txn-1", "alice",
		Scope{{Prefix: "/data/inner", Access: AccessRead}}, time.Minute)
	widened := Scope{{Prefix: "/data", Access: AccessReadWrite}}
	if _, _, err := hosts["beta"].authority.Extend(Chain{root}, "", widened); !fault.Is(err, "scope_violation") {
		t.Fatalf("err = %v, want scope_violation", err)
	}
}

func TestExtendRejectsExpiredParent(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha", "beta")
	root, _ := hosts["alpha"].authority.IssueRoot("txn-1", "alice", rootScope(), time.Second)
	manual.Advance(2 * time.Second)
	if _, _, err := hosts["beta"].authority.Extend(Chain{root}, "", nil); !fault.Is(err, "claim_expired") {
		t.Fatalf("err = %v, want claim_expired", err)
	}
}

func TestVerifyRejectsCorruptedSignature(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha", "beta")
	root, _ := hosts["alpha"].authority.IssueRoot("txn-1", "alice", rootScope(), time.Minute)
	_, chain, err := hosts["beta"].authority.Extend(Chain{root}, "", nil)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	// Flipping one bit anywhere invalidates the whole chain.
	for i := range chain {
		corrupted := append(Chain{}, chain...)
		corrupted[i].Signature = append([]byte{}, chain[i].Signature...)
		corrupted[i].Signature[0] ^= 0x01
		if _, _, err := hosts["alpha"].authority.Verify(corrupted); !fault.Is(err, "identity_error") {
			t.Fatalf("claim %d: err = %v, want identity_error", i, err)
		}
	}
}

func TestVerifyRejectsReorderedChain(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha", "beta", "gamma")
	root, _ := hosts["alpha"].authority.IssueRoot("txn-1", "alice", rootScope(), time.Minute)
	_, chain, err := hosts["beta"].authority.Extend(Chain{root}, "", nil)
	if err != nil {
		t.Fatalf("extend beta: %v", err)
	}
	_, chain, err = hosts["gamma"].authority.Extend(chain, "", nil)
	if err != nil {
		t.Fatalf("extend gamma: %v", err)
	}
	swapped := append(Chain{}, chain...)
	swapped[1], swapped[2] = swapped[2], swapped[1]
	if _, _, err := hosts["alpha"].authority.Verify(swapped); err == nil {
		t.Fatalf("reordered chain must not verify")
	}
	truncated := swapped[:0:0]
	truncated = append(truncated, chain[0], chain[2])
	if _, _, err := hosts["alpha"].authority.Verify(truncated); err == nil {
		t.Fatalf("chain with removed middle claim must not verify")
	}
}

func TestVerifyRejectsUnknownIssuer(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha")
	stranger := newTestRing(t, manual, "stranger")
	root, _ := stranger["stranger"].authority.IssueRoot("txn-1", "mallory", rootScope(), time.Minute)
	if _, _, err := hosts["alpha"].authority.Verify(Chain{root}); !fault.Is(err, "identity_error") {
		t.Fatalf("err = %v, want identity_error", err)
	}
}

func TestWireRoundTrip(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	hosts := newTestRing(t, manual, "alpha", "beta")
	root, _ := hosts["alpha"].authority.IssueRoot("txn-1", "alice", rootScope(), time.Minute)
	_, chain, err := hosts["beta"].authority.Extend(Chain{root}, "bob",
		Scope{{Prefix: "/data/inner", Access: AccessRead}})
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	decoded, err := FromWire(ToWire(chain))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	principal, _, err := hosts["alpha"].authority.Verify(decoded)
	if err != nil {
		t.Fatalf("verify decoded: %v", err)
	}
	if principal != "bob" {
		t.Fatalf("principal = %q, want bob", principal)
	}
}
