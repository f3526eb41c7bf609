package store

import (
	"bytes"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig drives the creation of a Crypto helper for at-rest value
// encryption.
type CryptoConfig struct {
	Enabled bool
	RootKey keymgmt.RootKey
	Context []byte
}

// Crypto encrypts committed and pending value payloads at rest. Each value
// gets its own data-encryption key, carried next to the ciphertext as a
// descriptor reconstructable from the root key.
type Crypto struct {
	enabled bool
	kg      kryptograf.Kryptograf
	context []byte
}

// NewCrypto initialises a Crypto helper. When encryption is disabled the
// returned value is nil.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Context) == 0 {
		return nil, fmt.Errorf("store crypto: context required when encryption enabled")
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("store crypto: root key required when encryption enabled")
	}
	return &Crypto{
		enabled: true,
		kg:      kryptograf.New(cfg.RootKey),
		context: cfg.Context,
	}, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil && c.enabled
}

// Seal encrypts plaintext with a freshly minted DEK and returns the
// ciphertext plus the binary descriptor needed to reconstruct the key.
func (c *Crypto) Seal(plaintext []byte) ([]byte, []byte, error) {
	if !c.Enabled() {
		return plaintext, nil, nil
	}
	mat, err := c.kg.MintDEK(c.context)
	if err != nil {
		return nil, nil, fmt.Errorf("store crypto: mint dek: %w", err)
	}
	descriptor, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		mat.Zero()
		return nil, nil, fmt.Errorf("store crypto: marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	writer, err := c.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, nil, fmt.Errorf("store crypto: encrypt: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, nil, fmt.Errorf("store crypto: encrypt write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, nil, fmt.Errorf("store crypto: encrypt close: %w", err)
	}
	return buf.Bytes(), descriptor, nil
}

// Open returns a reader over the decrypted payload.
func (c *Crypto) Open(ciphertext, descriptor []byte) (io.ReadCloser, error) {
	if !c.Enabled() {
		return io.NopCloser(bytes.NewReader(ciphertext)), nil
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descriptor); err != nil {
		return nil, fmt.Errorf("store crypto: decode descriptor: %w", err)
	}
	mat, err := c.kg.ReconstructDEK(c.context, desc)
	if err != nil {
		return nil, fmt.Errorf("store crypto: reconstruct dek: %w", err)
	}
	reader, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), mat)
	if err != nil {
		return nil, fmt.Errorf("store crypto: decrypt: %w", err)
	}
	return reader, nil
}
