// Package keys provides the VAPID signing keys used to authenticate outgoing
// push messages.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/imjasonh/pushregistry/vapid"
)

// ErrKeyGeneration is returned when the system could not produce a new key.
var ErrKeyGeneration = errors.New("VAPID key generation failed")

// Signer provides VAPID signing functionality.
// This mirrors the webpush.Signer interface to avoid import cycles.
type Signer interface {
	// Sign signs the given data and returns the signature.
	Sign(ctx context.Context, data []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// FileSigner implements the Signer interface with a private key held in memory,
// usually loaded from a PEM file on disk.
type FileSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

func newFileSigner(privKey *ecdsa.PrivateKey) *FileSigner {
	return &FileSigner{
		privateKey: privKey,
		publicKey:  elliptic.Marshal(privKey.Curve, privKey.X, privKey.Y),
	}
}

// NewFileSigner loads VAPID keys from a PEM file. A missing file yields an
// error matching fs.ErrNotExist.
func NewFileSigner(privateKeyPath string) (*FileSigner, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block in %s", privateKeyPath)
	}

	privKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}

	if privKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key must be P-256 curve")
	}

	return newFileSigner(privKey), nil
}

// NewFileSignerFromBase64 creates a FileSigner from a base64url-encoded
// 32-byte private scalar, the format of vapid.KeyPair.PrivateKey.
func NewFileSignerFromBase64(privateKeyB64 string) (*FileSigner, error) {
	privKeyBytes, err := base64.RawURLEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}

	if len(privKeyBytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(privKeyBytes))
	}

	privKey := new(ecdsa.PrivateKey)
	privKey.Curve = elliptic.P256()
	privKey.D = new(big.Int).SetBytes(privKeyBytes)
	if privKey.D.Sign() == 0 || privKey.D.Cmp(privKey.Curve.Params().N) >= 0 {
		return nil, errors.New("private key is not a valid P-256 scalar")
	}
	privKey.X, privKey.Y = privKey.Curve.ScalarBaseMult(privKeyBytes)

	return newFileSigner(privKey), nil
}

// NewFileSignerFromKeyPair creates a FileSigner from a configured keypair. The
// public half is optional; when set it must match the private half.
func NewFileSignerFromKeyPair(kp vapid.KeyPair) (*FileSigner, error) {
	s, err := NewFileSignerFromBase64(kp.PrivateKey)
	if err != nil {
		return nil, err
	}
	if kp.PublicKey == "" {
		return s, nil
	}
	if err := kp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VAPID keypair: %w", err)
	}
	if kp.PublicKey != s.PublicKeyBase64() {
		return nil, errors.New("VAPID public key does not match the private key")
	}
	return s, nil
}

// Sign signs the given data using ECDSA and returns the signature in IEEE P1363 format.
func (s *FileSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.privateKey, data)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}

	// r || s, each 32 bytes
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *FileSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (s *FileSigner) PublicKeyBase64() string {
	return vapid.ApplicationServerKey(s.publicKey)
}

// KeyPair returns both halves of the key in their base64url encodings.
func (s *FileSigner) KeyPair() vapid.KeyPair {
	priv := make([]byte, 32)
	s.privateKey.D.FillBytes(priv)
	return vapid.KeyPair{
		PublicKey:  s.PublicKeyBase64(),
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv),
	}
}

// GenerateKey generates a new ECDSA P-256 key pair and saves it to a PEM file.
//
// The file is created exclusively: if path already exists the new key is
// discarded and an error matching fs.ErrExist is returned, so a key that
// clients have subscribed with is never replaced.
func GenerateKey(path string) (*FileSigner, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	privKeyBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling private key: %w", ErrKeyGeneration, err)
	}

	block := &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privKeyBytes,
	}
	if err := writeExclusive(path, pem.EncodeToMemory(block)); err != nil {
		return nil, err
	}

	return newFileSigner(privKey), nil
}

// writeExclusive writes data to a temp file beside path and hard-links it into
// place, which fails if path exists. Readers never observe a partial key.
func writeExclusive(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".vapid-*.pem")
	if err != nil {
		return fmt.Errorf("creating temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting key file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing private key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing private key: %w", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing private key: %w", err)
	}
	return nil
}

// GenerateKeyPair generates a new key pair without persisting it.
func GenerateKeyPair() (vapid.KeyPair, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return vapid.KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return newFileSigner(privKey).KeyPair(), nil
}
