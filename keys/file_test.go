package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/imjasonh/pushregistry/vapid"
)

func TestNewFileSigner(t *testing.T) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test.pem")

	privKeyBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}
	block := &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privKeyBytes,
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	signer, err := NewFileSigner(keyPath)
	if err != nil {
		t.Fatalf("NewFileSigner() error = %v", err)
	}

	if len(signer.PublicKey()) != 65 {
		t.Errorf("PublicKey() length = %d, want 65", len(signer.PublicKey()))
	}

	hash := sha256.Sum256([]byte("test data"))
	sig, err := signer.Sign(context.Background(), hash[:])
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("Sign() signature length = %d, want 64", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(&privKey.PublicKey, hash[:], r, s) {
		t.Error("Sign() produced a signature that does not verify")
	}
}

func TestNewFileSignerFromBase64(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	signer, err := NewFileSignerFromBase64(kp.PrivateKey)
	if err != nil {
		t.Fatalf("NewFileSignerFromBase64() error = %v", err)
	}

	if got := signer.KeyPair(); got != kp {
		t.Errorf("KeyPair() = %+v, want %+v", got, kp)
	}

	sig, err := signer.Sign(context.Background(), []byte("test data hash"))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("Sign() signature length = %d, want 64", len(sig))
	}
}

func TestGenerateKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "nested", "generated.pem")

	signer, err := GenerateKey(keyPath)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Key file was not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	signer2, err := NewFileSigner(keyPath)
	if err != nil {
		t.Fatalf("NewFileSigner() error = %v", err)
	}
	if signer.KeyPair() != signer2.KeyPair() {
		t.Error("Loaded key doesn't match generated key")
	}

	entries, err := os.ReadDir(filepath.Dir(keyPath))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the key (temp file left behind?)", len(entries))
	}
}

func TestGenerateKey_DoesNotOverwrite(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "generated.pem")

	first, err := GenerateKey(keyPath)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if _, err := GenerateKey(keyPath); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second GenerateKey() error = %v, want fs.ErrExist", err)
	}

	loaded, err := NewFileSigner(keyPath)
	if err != nil {
		t.Fatalf("NewFileSigner() error = %v", err)
	}
	if loaded.PublicKeyBase64() != first.PublicKeyBase64() {
		t.Error("existing key was replaced")
	}
}

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if err := kp.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	privKey, err := base64.RawURLEncoding.DecodeString(kp.PrivateKey)
	if err != nil {
		t.Fatalf("DecodeString(privateKey) error = %v", err)
	}
	if len(privKey) != 32 {
		t.Errorf("Private key length = %d, want 32", len(privKey))
	}
}

func TestNewFileSigner_Missing(t *testing.T) {
	_, err := NewFileSigner(filepath.Join(t.TempDir(), "nope.pem"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("NewFileSigner() error = %v, want fs.ErrNotExist", err)
	}
}

func TestNewFileSigner_InvalidPEM(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(keyPath, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := NewFileSigner(keyPath)
	if err == nil {
		t.Fatal("NewFileSigner() expected error for invalid PEM")
	}
	if errors.Is(err, fs.ErrNotExist) {
		t.Error("invalid PEM must not look like a missing file")
	}
}

func TestNewFileSignerFromBase64_Invalid(t *testing.T) {
	zero := base64.RawURLEncoding.EncodeToString(make([]byte, 32))
	order := base64.RawURLEncoding.EncodeToString(elliptic.P256().Params().N.Bytes())
	for _, in := range []string{"AAAA", "!!!", zero, order} {
		if _, err := NewFileSignerFromBase64(in); err == nil {
			t.Errorf("NewFileSignerFromBase64(%q) expected error", in)
		}
	}
}

func TestDerToP1363(t *testing.T) {
	r := big.NewInt(12345)
	s := new(big.Int).Lsh(big.NewInt(1), 255)
	der, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	if err != nil {
		t.Fatalf("asn1.Marshal() error = %v", err)
	}

	sig, err := derToP1363(der)
	if err != nil {
		t.Fatalf("derToP1363() error = %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("len = %d, want 64", len(sig))
	}
	if new(big.Int).SetBytes(sig[:32]).Cmp(r) != 0 {
		t.Error("r mismatch")
	}
	if new(big.Int).SetBytes(sig[32:]).Cmp(s) != 0 {
		t.Error("s mismatch")
	}

	if _, err := derToP1363([]byte("garbage")); err == nil {
		t.Error("derToP1363() expected error for garbage")
	}
}

func TestParseKMSPublicKey(t *testing.T) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	got, err := parseKMSPublicKey(string(pemData))
	if err != nil {
		t.Fatalf("parseKMSPublicKey() error = %v", err)
	}
	if want := elliptic.Marshal(elliptic.P256(), privKey.X, privKey.Y); string(got) != string(want) {
		t.Error("parseKMSPublicKey() returned wrong point")
	}

	if _, err := parseKMSPublicKey("nope"); err == nil {
		t.Error("parseKMSPublicKey() expected error for non-PEM input")
	}
}

func TestNewFileSignerFromKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	tests := []struct {
		name    string
		kp      vapid.KeyPair
		wantErr bool
	}{
		{name: "full pair", kp: kp},
		{name: "private only", kp: vapid.KeyPair{PrivateKey: kp.PrivateKey}},
		{name: "mismatched public", kp: vapid.KeyPair{PublicKey: other.PublicKey, PrivateKey: kp.PrivateKey}, wantErr: true},
		{name: "malformed public", kp: vapid.KeyPair{PublicKey: "BAAA", PrivateKey: kp.PrivateKey}, wantErr: true},
		{name: "missing private", kp: vapid.KeyPair{PublicKey: kp.PublicKey}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewFileSignerFromKeyPair(tt.kp)
			if tt.wantErr {
				if err == nil {
					t.Error("NewFileSignerFromKeyPair() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFileSignerFromKeyPair() error = %v", err)
			}
			if got := s.PublicKeyBase64(); got != kp.PublicKey {
				t.Errorf("PublicKeyBase64() = %s, want %s", got, kp.PublicKey)
			}
		})
	}
}
