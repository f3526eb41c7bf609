// Package store holds, per addressable resource, a totally ordered history of
// committed versions plus at most one pending (uncommitted) version. A read
// under transaction T observes T's own pending write if present, else the
// newest committed version produced by a transaction ordering strictly before
// T; it never observes another transaction's pending write.
package store

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"sync"

	"pkt.systems/txnd/internal/fault"
	"pkt.systems/txnd/internal/uuidv7"
)

// PendingVersion marks a read served from the transaction's own buffered
// write rather than committed history.
const PendingVersion int64 = -1

// Decision selects how FinalizeAll settles pending writes.
type Decision string

const (
	// DecisionCommit promotes pending versions to committed history.
	DecisionCommit Decision = "commit"
	// DecisionRollback discards pending versions.
	DecisionRollback Decision = "rollback"
)

// Config configures a Store.
type Config struct {
	// Crypto optionally encrypts payloads at rest.
	Crypto *Crypto
	// MaxValueBytes bounds a single value payload (<=0 disables the limit).
	MaxValueBytes int64
}

// Store is the in-memory multi-version state store for one host.
type Store struct {
	mu        sync.RWMutex
	resources map[string]*resource

	crypto   *Crypto
	maxBytes int64
}

type resource struct {
	mu        sync.RWMutex
	versions  []version
	pending   *pending
	committed map[string]int64 // txn id -> history position, serves the committing txn's own reads
}

type version struct {
	txnID      string
	payload    []byte
	descriptor []byte
	plaintext  int64
}

type pending struct {
	txnID      string
	payload    []byte
	descriptor []byte
	plaintext  int64
}

// New constructs a Store.
func New(cfg Config) *Store {
	return &Store{
		resources: make(map[string]*resource),
		crypto:    cfg.Crypto,
		maxBytes:  cfg.MaxValueBytes,
	}
}

func (s *Store) resourceFor(path string, create bool) *resource {
	s.mu.RLock()
	res := s.resources[path]
	s.mu.RUnlock()
	if res != nil || !create {
		return res
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if res = s.resources[path]; res == nil {
		res = &resource{committed: make(map[string]int64)}
		s.resources[path] = res
	}
	return res
}

// Read returns the snapshot value of path under txnID plus the history
// position it came from (PendingVersion for the transaction's own write).
func (s *Store) Read(ctx context.Context, path, txnID string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	res := s.resourceFor(path, false)
	if res == nil {
		return nil, 0, notFound(path, txnID)
	}
	res.mu.RLock()
	defer res.mu.RUnlock()
	if res.pending != nil && res.pending.txnID == txnID {
		rc, err := s.open(res.pending.payload, res.pending.descriptor)
		return rc, PendingVersion, err
	}
	// A transaction keeps seeing its own write after commit promotion; the
	// snapshot scan below is strict and would skip the version it produced.
	if pos, ok := res.committed[txnID]; ok {
		v := res.versions[pos]
		rc, err := s.open(v.payload, v.descriptor)
		return rc, pos, err
	}
	for i := len(res.versions) - 1; i >= 0; i-- {
		v := res.versions[i]
		if uuidv7.CompareStrings(v.txnID, txnID) < 0 {
			rc, err := s.open(v.payload, v.descriptor)
			return rc, int64(i), err
		}
	}
	return nil, 0, notFound(path, txnID)
}

func (s *Store) open(payload, descriptor []byte) (io.ReadCloser, error) {
	if s.crypto.Enabled() {
		return s.crypto.Open(payload, descriptor)
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

// Write streams a JSON value from r and installs it as the pending version of
// path for txnID, overwriting the transaction's earlier pending write. It
// fails with write_conflict while another transaction holds the pending slot.
// The returned count is the number of plaintext bytes buffered.
func (s *Store) Write(ctx context.Context, path, txnID string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res := s.resourceFor(path, true)

	// Fast conflict check before paying for the payload stream.
	res.mu.RLock()
	if res.pending != nil && res.pending.txnID != txnID {
		holder := res.pending.txnID
		res.mu.RUnlock()
		return 0, writeConflict(path, txnID, holder)
	}
	res.mu.RUnlock()

	var compacted bytes.Buffer
	if err := CompactValue(&compacted, r, s.maxBytes); err != nil {
		return 0, fault.Failure{
			Code:       "invalid_value",
			Detail:     err.Error(),
			TxnID:      txnID,
			HTTPStatus: http.StatusBadRequest,
		}
	}
	plaintext := int64(compacted.Len())
	payload := append([]byte(nil), compacted.Bytes()...)
	var descriptor []byte
	if s.crypto.Enabled() {
		sealed, desc, err := s.crypto.Seal(payload)
		if err != nil {
			return 0, err
		}
		payload, descriptor = sealed, desc
	}

	res.mu.Lock()
	defer res.mu.Unlock()
	if res.pending != nil && res.pending.txnID != txnID {
		return 0, writeConflict(path, txnID, res.pending.txnID)
	}
	res.pending = &pending{
		txnID:      txnID,
		payload:    payload,
		descriptor: descriptor,
		plaintext:  plaintext,
	}
	return plaintext, nil
}

// Commit promotes the pending version of path for txnID to the next position
// in the committed history. Committing a transaction that already committed
// this resource is a no-op; commit promotion is atomic per resource.
func (s *Store) Commit(ctx context.Context, path, txnID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := s.resourceFor(path, false)
	if res == nil {
		return nil
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.pending == nil || res.pending.txnID != txnID {
		// Already promoted, rolled back, or never written: idempotent.
		return nil
	}
	res.committed[txnID] = int64(len(res.versions))
	res.versions = append(res.versions, version{
		txnID:      txnID,
		payload:    res.pending.payload,
		descriptor: res.pending.descriptor,
		plaintext:  res.pending.plaintext,
	})
	res.pending = nil
	return nil
}

// Rollback discards the pending version of path for txnID. Idempotent.
func (s *Store) Rollback(ctx context.Context, path, txnID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := s.resourceFor(path, false)
	if res == nil {
		return nil
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.pending != nil && res.pending.txnID == txnID {
		res.pending = nil
	}
	return nil
}

// Touched lists the resources that currently hold a pending write for txnID,
// sorted for deterministic fan-in.
func (s *Store) Touched(txnID string) []string {
	s.mu.RLock()
	paths := make([]string, 0, len(s.resources))
	for path := range s.resources {
		paths = append(paths, path)
	}
	resources := make([]*resource, 0, len(paths))
	for _, path := range paths {
		resources = append(resources, s.resources[path])
	}
	s.mu.RUnlock()
	out := make([]string, 0, 4)
	for i, res := range resources {
		res.mu.RLock()
		if res.pending != nil && res.pending.txnID == txnID {
			out = append(out, paths[i])
		}
		res.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// FinalizeAll applies the decision to every resource txnID touched. Commits
// across resources are applied independently; a failure on one resource does
// not stop the others, and the first error is returned after the sweep.
func (s *Store) FinalizeAll(ctx context.Context, txnID string, decision Decision) error {
	var firstErr error
	for _, path := range s.Touched(txnID) {
		var err error
		switch decision {
		case DecisionRollback:
			err = s.Rollback(ctx, path, txnID)
		default:
			err = s.Commit(ctx, path, txnID)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// VersionInfo describes one committed history entry for inspection.
type VersionInfo struct {
	TxnID string
	Bytes int64
}

// History returns the committed version history of path, oldest first.
func (s *Store) History(path string) []VersionInfo {
	res := s.resourceFor(path, false)
	if res == nil {
		return nil
	}
	res.mu.RLock()
	defer res.mu.RUnlock()
	out := make([]VersionInfo, 0, len(res.versions))
	for _, v := range res.versions {
		out = append(out, VersionInfo{TxnID: v.txnID, Bytes: v.plaintext})
	}
	return out
}

// HasPending reports whether any transaction holds the pending slot for path.
func (s *Store) HasPending(path string) (string, bool) {
	res := s.resourceFor(path, false)
	if res == nil {
		return "", false
	}
	res.mu.RLock()
	defer res.mu.RUnlock()
	if res.pending == nil {
		return "", false
	}
	return res.pending.txnID, true
}

func notFound(path, txnID string) error {
	return fault.Failure{
		Code:       "not_found",
		Detail:     "no committed version of " + path + " predates the snapshot",
		TxnID:      txnID,
		HTTPStatus: http.StatusNotFound,
	}
}

func writeConflict(path, txnID, holder string) error {
	return fault.Failure{
		Code:       "write_conflict",
		Detail:     "resource " + path + " has an uncommitted write from txn " + holder,
		TxnID:      txnID,
		RetryAfter: 1,
		HTTPStatus: http.StatusConflict,
	}
}
