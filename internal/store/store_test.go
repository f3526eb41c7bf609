package store

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/txnd/internal/fault"
	"pkt.systems/txnd/internal/uuidv7"
)

func newTxnID(t *testing.T) string {
	t.Helper()
	// uuidv7 ids are time-ordered; spacing them out keeps snapshot order
	// deterministic in tests.
	time.Sleep(2 * time.Millisecond)
	return uuidv7.NewString()
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read value: %v", err)
	}
	return string(data)
}

func mustWrite(t *testing.T, s *Store, path, txnID, value string) {
	t.Helper()
	if _, err := s.Write(context.Background(), path, txnID, strings.NewReader(value)); err != nil {
		t.Fatalf("write %s under %s: %v", path, txnID, err)
	}
}

func TestReadYourWrites(t *testing.T) {
	s := New(Config{})
	txn := newTxnID(t)
	mustWrite(t, s, "/r", txn, `{"n": 1}`)
	rc, ver, err := s.Read(context.Background(), "/r", txn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ver != PendingVersion {
		t.Fatalf("version = %d, want pending", ver)
	}
	if got := readAll(t, rc); got != `{"n":1}` {
		t.Fatalf("value = %q, want compacted payload", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	t1 := newTxnID(t)
	t2 := newTxnID(t)
	mustWrite(t, s, "/r", t1, `1`)
	// T2 must not observe T1's pending write.
	if _, _, err := s.Read(ctx, "/r", t2); !fault.Is(err, "not_found") {
		t.Fatalf("read under t2 = %v, want not_found", err)
	}
	if err := s.Commit(ctx, "/r", t1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// T2 began after T1, so it observes T1's committed version.
	rc, ver, err := s.Read(ctx, "/r", t2)
	if err != nil {
		t.Fatalf("read after commit: %v", err)
	}
	if ver != 0 {
		t.Fatalf("version = %d, want 0", ver)
	}
	if got := readAll(t, rc); got != `1` {
		t.Fatalf("value = %q, want 1", got)
	}
	// A transaction that began before T1 never sees T1's commit.
	older := t1
	if _, _, err := s.Read(ctx, "/r", older); !fault.Is(err, "not_found") {
		t.Fatalf("read under t1's own snapshot after commit = %v, want not_found", err)
	}
}

func TestWriteConflict(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	t1 := newTxnID(t)
	t2 := newTxnID(t)
	mustWrite(t, s, "/r", t1, `1`)
	_, err := s.Write(ctx, "/r", t2, strings.NewReader(`2`))
	if !fault.Is(err, "write_conflict") {
		t.Fatalf("err = %v, want write_conflict", err)
	}
	// The holder may keep overwriting its own pending version.
	mustWrite(t, s, "/r", t1, `3`)
	if err := s.Rollback(ctx, "/r", t1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	// Slot released, t2 can write now.
	mustWrite(t, s, "/r", t2, `2`)
}

func TestCommitIdempotent(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	txn := newTxnID(t)
	mustWrite(t, s, "/r", txn, `1`)
	if err := s.Commit(ctx, "/r", txn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Commit(ctx, "/r", txn); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	history := s.History("/r")
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].TxnID != txn {
		t.Fatalf("history tagged %s, want %s", history[0].TxnID, txn)
	}
}

func TestRollbackRestoresHistory(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	t1 := newTxnID(t)
	mustWrite(t, s, "/r", t1, `"committed"`)
	if err := s.Commit(ctx, "/r", t1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	before := s.History("/r")

	t2 := newTxnID(t)
	mustWrite(t, s, "/r", t2, `"abandoned"`)
	mustWrite(t, s, "/r", t2, `"abandoned again"`)
	if err := s.Rollback(ctx, "/r", t2); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := s.Rollback(ctx, "/r", t2); err != nil {
		t.Fatalf("duplicate rollback: %v", err)
	}
	after := s.History("/r")
	if len(after) != len(before) || after[0].TxnID != before[0].TxnID {
		t.Fatalf("history changed across rollback: %v -> %v", before, after)
	}
	if _, held := s.HasPending("/r"); held {
		t.Fatalf("pending slot must be empty after rollback")
	}
	t3 := newTxnID(t)
	rc, _, err := s.Read(ctx, "/r", t3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := readAll(t, rc); got != `"committed"` {
		t.Fatalf("value = %q, want pre-rollback committed value", got)
	}
}

func TestFinalizeAllAppliesPerResource(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	txn := newTxnID(t)
	mustWrite(t, s, "/a", txn, `1`)
	mustWrite(t, s, "/b", txn, `2`)
	touched := s.Touched(txn)
	if len(touched) != 2 || touched[0] != "/a" || touched[1] != "/b" {
		t.Fatalf("touched = %v", touched)
	}
	if err := s.FinalizeAll(ctx, txn, DecisionCommit); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(s.History("/a")) != 1 || len(s.History("/b")) != 1 {
		t.Fatalf("both resources should have one committed version")
	}
	if len(s.Touched(txn)) != 0 {
		t.Fatalf("no pending writes should remain")
	}
}

func TestWriteRejectsInvalidJSON(t *testing.T) {
	s := New(Config{})
	txn := newTxnID(t)
	if _, err := s.Write(context.Background(), "/r", txn, strings.NewReader(`{"unterminated`)); err == nil {
		t.Fatalf("invalid JSON must be rejected")
	}
	if _, held := s.HasPending("/r"); held {
		t.Fatalf("failed write must not hold the pending slot")
	}
}

func TestWriteEnforcesMaxBytes(t *testing.T) {
	s := New(Config{MaxValueBytes: 16})
	txn := newTxnID(t)
	big := `{"payload":"` + strings.Repeat("x", 64) + `"}`
	if _, err := s.Write(context.Background(), "/r", txn, strings.NewReader(big)); err == nil {
		t.Fatalf("oversized payload must be rejected")
	}
}

func TestLargeValueStreams(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	txn := newTxnID(t)
	big := `{"payload": "` + strings.Repeat("ab", smallValueThreshold) + `"}`
	n, err := s.Write(ctx, "/big", txn, strings.NewReader(big))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n <= int64(smallValueThreshold) {
		t.Fatalf("bytes = %d, expected large payload", n)
	}
	rc, _, err := s.Read(ctx, "/big", txn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := readAll(t, rc)
	if !strings.Contains(got, `"payload":"abab`) {
		t.Fatalf("compacted payload mismatch: %q...", got[:40])
	}
}

func BenchmarkWriteCommitRead(b *testing.B) {
	s := New(Config{})
	ctx := context.Background()
	payload := `{"amount": 100, "memo": "benchmark"}`
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		txn := uuidv7.NewString()
		if _, err := s.Write(ctx, "/bench/r", txn, strings.NewReader(payload)); err != nil {
			b.Fatalf("write: %v", err)
		}
		if err := s.Commit(ctx, "/bench/r", txn); err != nil {
			b.Fatalf("commit: %v", err)
		}
		rc, _, err := s.Read(ctx, "/bench/r", uuidv7.NewString())
		if err != nil {
			b.Fatalf("read: %v", err)
		}
		if _, err := io.Copy(io.Discard, rc); err != nil {
			b.Fatalf("drain: %v", err)
		}
		rc.Close()
	}
}

func TestReadOwnWriteAfterCommit(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	txn := newTxnID(t)
	if _, err := s.Write(ctx, "/r", txn, strings.NewReader(`{"n":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Commit(ctx, "/r", txn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rc, pos, err := s.Read(ctx, "/r", txn)
	if err != nil {
		t.Fatalf("read after commit: %v", err)
	}
	if pos != 0 {
		t.Fatalf("position = %d, want 0", pos)
	}
	if got := readAll(t, rc); got != `{"n":1}` {
		t.Fatalf("value = %q, want {\"n\":1}", got)
	}
}
