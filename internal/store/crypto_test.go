package store

import (
	"context"
	"testing"

	"pkt.systems/kryptograf"
)

func newTestCrypto(t *testing.T) *Crypto {
	t.Helper()
	crypto, err := NewCrypto(CryptoConfig{
		Enabled: true,
		RootKey: kryptograf.MustGenerateRootKey(),
		Context: []byte("txnd-test"),
	})
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	return crypto
}

func TestSealOpenRoundTrip(t *testing.T) {
	crypto := newTestCrypto(t)
	plaintext := []byte(`{"secret":true}`)
	sealed, descriptor, err := crypto.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(sealed) == string(plaintext) {
		t.Fatalf("ciphertext must differ from plaintext")
	}
	rc, err := crypto.Open(sealed, descriptor)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := readAll(t, rc); got != string(plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}
}

func TestStoreEncryptsAtRest(t *testing.T) {
	s := New(Config{Crypto: newTestCrypto(t)})
	ctx := context.Background()
	txn := newTxnID(t)
	mustWrite(t, s, "/r", txn, `{"n": 7}`)
	if err := s.Commit(ctx, "/r", txn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	later := newTxnID(t)
	rc, _, err := s.Read(ctx, "/r", later)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := readAll(t, rc); got != `{"n":7}` {
		t.Fatalf("decrypted value = %q", got)
	}
}

func TestCryptoRequiresConfig(t *testing.T) {
	if _, err := NewCrypto(CryptoConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error without root key and context")
	}
	crypto, err := NewCrypto(CryptoConfig{})
	if err != nil || crypto.Enabled() {
		t.Fatalf("disabled config must yield nil crypto, got %v %v", crypto, err)
	}
}
