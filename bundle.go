package txnd

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"pkt.systems/kryptograf/keymgmt"
)

const (
	identityKeyPEMType = "TXND IDENTITY KEY"
	peerKeyPEMType     = "TXND PEER KEY"
	bundleHostHeader   = "Host"

	// valueDescriptorName identifies the kryptograf descriptor embedded in
	// identity bundles for at-rest value encryption.
	valueDescriptorName = "txnd/values"
)

// IdentityBundle is the parsed contents of a host identity PEM bundle: the
// host name, its ed25519 signing key, the public keys of trusted peer hosts,
// and the kryptograf material used to encrypt stored values.
type IdentityBundle struct {
	Host      string
	SignKey   ed25519.PrivateKey
	PublicKey ed25519.PublicKey
	// Peers maps host name to verification key. The bundle's own host is
	// always present.
	Peers map[string]ed25519.PublicKey
	// RootKey and Descriptor are zero when the bundle carries no kryptograf
	// material; the server rejects such bundles unless storage encryption is
	// disabled.
	RootKey    keymgmt.RootKey
	Descriptor keymgmt.Descriptor
}

// PeerHosts returns the trusted host names in sorted order.
func (b *IdentityBundle) PeerHosts() []string {
	hosts := make([]string, 0, len(b.Peers))
	for host := range b.Peers {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// CreateIdentityBundleRequest controls identity bundle generation.
type CreateIdentityBundleRequest struct {
	// Host is the host identity claims are signed as. This field is required
	// and may not contain whitespace.
	Host string
}

// CreateIdentityBundle generates a host identity PEM bundle containing a
// fresh ed25519 keypair and kryptograf root key material.
func CreateIdentityBundle(req CreateIdentityBundleRequest) ([]byte, error) {
	host := strings.TrimSpace(req.Host)
	if host == "" {
		return nil, errors.New("create identity bundle: host required")
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return nil, fmt.Errorf("create identity bundle: host %q contains whitespace", req.Host)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("create identity bundle: generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create identity bundle: marshal private key: %w", err)
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{
		Type:    identityKeyPEMType,
		Headers: map[string]string{bundleHostHeader: host},
		Bytes:   privDER,
	}); err != nil {
		return nil, fmt.Errorf("create identity bundle: encode private key: %w", err)
	}
	peerBlock, err := peerKeyBlock(host, pub)
	if err != nil {
		return nil, fmt.Errorf("create identity bundle: %w", err)
	}
	if err := pem.Encode(&buf, peerBlock); err != nil {
		return nil, fmt.Errorf("create identity bundle: encode public key: %w", err)
	}
	augmented, err := ensureBundleMaterial(buf.Bytes(), host)
	if err != nil {
		return nil, fmt.Errorf("create identity bundle: %w", err)
	}
	return augmented, nil
}

// CreateIdentityBundleFileRequest controls identity bundle generation plus
// file write.
type CreateIdentityBundleFileRequest struct {
	// Path is the destination PEM file path. This field is required.
	Path string
	// Force controls overwrite behavior. When false, writing fails if Path
	// already exists.
	Force bool
	CreateIdentityBundleRequest
}

// CreateIdentityBundleFile generates an identity bundle and writes it to disk
// with owner-only permissions.
func CreateIdentityBundleFile(req CreateIdentityBundleFileRequest) error {
	if strings.TrimSpace(req.Path) == "" {
		return errors.New("create identity bundle: path required")
	}
	if !req.Force {
		if _, err := os.Stat(req.Path); err == nil {
			return fmt.Errorf("create identity bundle: %s already exists (use force to overwrite)", req.Path)
		}
	}
	data, err := CreateIdentityBundle(req.CreateIdentityBundleRequest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(req.Path, data, 0o600); err != nil {
		return fmt.Errorf("create identity bundle: write %s: %w", req.Path, err)
	}
	return nil
}

// ExportPeer extracts the bundle's own public key as a standalone PEM block
// suitable for TrustPeers on another host's bundle.
func ExportPeer(bundlePEM []byte) ([]byte, error) {
	bundle, err := ParseIdentityBundle(bundlePEM)
	if err != nil {
		return nil, fmt.Errorf("export peer: %w", err)
	}
	block, err := peerKeyBlock(bundle.Host, bundle.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("export peer: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// TrustPeers appends peer public key blocks to an identity bundle. Peers
// already trusted with the same key are skipped; a conflicting key for an
// already trusted host is an error.
func TrustPeers(bundlePEM []byte, peerPEM ...[]byte) ([]byte, error) {
	bundle, err := ParseIdentityBundle(bundlePEM)
	if err != nil {
		return nil, fmt.Errorf("trust peers: %w", err)
	}
	out := append([]byte(nil), bundlePEM...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	for _, data := range peerPEM {
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != peerKeyPEMType {
				continue
			}
			host, key, err := parsePeerKeyBlock(block)
			if err != nil {
				return nil, fmt.Errorf("trust peers: %w", err)
			}
			if existing, ok := bundle.Peers[host]; ok {
				if !existing.Equal(key) {
					return nil, fmt.Errorf("trust peers: host %q already trusted with a different key", host)
				}
				continue
			}
			bundle.Peers[host] = key
			out = append(out, pem.EncodeToMemory(block)...)
		}
	}
	return out, nil
}

// LoadIdentityBundle reads and parses an identity bundle from path.
func LoadIdentityBundle(path string) (*IdentityBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity bundle: %w", err)
	}
	bundle, err := ParseIdentityBundle(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity bundle %s: %w", path, err)
	}
	return bundle, nil
}

// ParseIdentityBundle parses identity bundle PEM content.
func ParseIdentityBundle(data []byte) (*IdentityBundle, error) {
	bundle := &IdentityBundle{
		Peers: make(map[string]ed25519.PublicKey),
	}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case identityKeyPEMType:
			if bundle.SignKey != nil {
				return nil, errors.New("bundle: multiple identity keys")
			}
			host := strings.TrimSpace(block.Headers[bundleHostHeader])
			if host == "" {
				return nil, errors.New("bundle: identity key missing host header")
			}
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("bundle: parse identity key: %w", err)
			}
			priv, ok := parsed.(ed25519.PrivateKey)
			if !ok {
				return nil, errors.New("bundle: identity key is not ed25519")
			}
			bundle.Host = host
			bundle.SignKey = priv
			bundle.PublicKey = priv.Public().(ed25519.PublicKey)
		case peerKeyPEMType:
			host, key, err := parsePeerKeyBlock(block)
			if err != nil {
				return nil, fmt.Errorf("bundle: %w", err)
			}
			if existing, ok := bundle.Peers[host]; ok && !existing.Equal(key) {
				return nil, fmt.Errorf("bundle: conflicting keys for host %q", host)
			}
			bundle.Peers[host] = key
		}
	}
	if bundle.SignKey == nil {
		return nil, errors.New("bundle: missing identity key")
	}
	if existing, ok := bundle.Peers[bundle.Host]; ok {
		if !existing.Equal(bundle.PublicKey) {
			return nil, fmt.Errorf("bundle: peer key for own host %q does not match identity key", bundle.Host)
		}
	} else {
		bundle.Peers[bundle.Host] = bundle.PublicKey
	}
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return nil, fmt.Errorf("bundle: kryptograf material: %w", err)
	}
	if root, ok, err := store.RootKey(); err != nil {
		return nil, fmt.Errorf("bundle: read root key: %w", err)
	} else if ok {
		bundle.RootKey = root
	}
	if desc, ok, err := store.Descriptor(valueDescriptorName); err != nil {
		return nil, fmt.Errorf("bundle: read descriptor: %w", err)
	} else if ok {
		bundle.Descriptor = desc
	}
	return bundle, nil
}

func peerKeyBlock(host string, pub ed25519.PublicKey) (*pem.Block, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &pem.Block{
		Type:    peerKeyPEMType,
		Headers: map[string]string{bundleHostHeader: host},
		Bytes:   der,
	}, nil
}

func parsePeerKeyBlock(block *pem.Block) (string, ed25519.PublicKey, error) {
	host := strings.TrimSpace(block.Headers[bundleHostHeader])
	if host == "" {
		return "", nil, errors.New("peer key missing host header")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", nil, fmt.Errorf("parse peer key for %q: %w", host, err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return "", nil, fmt.Errorf("peer key for %q is not ed25519", host)
	}
	return host, pub, nil
}

func ensureBundleMaterial(pemBytes []byte, host string) ([]byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto(pemBytes, &out)
	if err != nil {
		return nil, fmt.Errorf("prepare kryptograf material: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, fmt.Errorf("ensure root key: %w", err)
	}
	if _, err := store.EnsureDescriptor(valueDescriptorName, root, []byte(host)); err != nil {
		return nil, fmt.Errorf("ensure descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("commit kryptograf material: %w", err)
	}
	if len(out) == 0 {
		return pemBytes, nil
	}
	return out, nil
}
