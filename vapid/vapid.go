// Package vapid provides VAPID (Voluntary Application Server Identification)
// utilities for Web Push.
package vapid

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// KeyPair is the server's signing keypair in the encoding browsers and
// configuration files use: unpadded base64url of the uncompressed P-256 public
// point and of the 32-byte private scalar.
//
// PrivateKey is empty when the private half is held by an external key
// manager.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// ApplicationServerKey returns the VAPID public key formatted for use with
// the JavaScript PushManager.subscribe() method.
func ApplicationServerKey(publicKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodeApplicationServerKey decodes a base64 URL-encoded application server key.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return nil, err
	}
	if len(b) != 65 || b[0] != 0x04 {
		return nil, fmt.Errorf("application server key must be a 65-byte uncompressed point, got %d bytes", len(b))
	}
	return b, nil
}

// Validate checks that the pair is usable for signing.
func (k KeyPair) Validate() error {
	if _, err := DecodeApplicationServerKey(k.PublicKey); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	if k.PrivateKey == "" {
		return nil
	}
	priv, err := base64.RawURLEncoding.DecodeString(k.PrivateKey)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	if len(priv) != 32 {
		return errors.New("private key must be 32 bytes")
	}
	return nil
}
