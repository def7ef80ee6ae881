package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/imjasonh/pushregistry/vapid"
)

// KMSSigner implements the Signer interface using Google Cloud KMS. The private
// key never leaves KMS, so a KMS key is never generated by this process.
type KMSSigner struct {
	client    *kms.KeyManagementClient
	keyName   string
	publicKey []byte // uncompressed format
}

// NewKMSSigner creates a new KMS-backed signer.
// keyName should be in the format:
// projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{key}/cryptoKeyVersions/{version}
func NewKMSSigner(ctx context.Context, keyName string) (*KMSSigner, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: keyName,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("getting public key: %w", err)
	}

	pubKey, err := parseKMSPublicKey(resp.Pem)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &KMSSigner{
		client:    client,
		keyName:   keyName,
		publicKey: pubKey,
	}, nil
}

// parseKMSPublicKey converts the PEM public key KMS returns into the
// uncompressed point form VAPID uses.
func parseKMSPublicKey(pemData string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to parse public key PEM")
	}

	pubKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	ecdsaPubKey, ok := pubKeyInterface.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not ECDSA")
	}
	if ecdsaPubKey.Curve != elliptic.P256() {
		return nil, errors.New("key must be P-256 curve")
	}

	return elliptic.Marshal(ecdsaPubKey.Curve, ecdsaPubKey.X, ecdsaPubKey.Y), nil
}

// Sign signs the given digest using KMS and returns the signature in IEEE P1363 format.
func (s *KMSSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: data,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signing with KMS: %w", err)
	}

	return derToP1363(resp.Signature)
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *KMSSigner) PublicKey() []byte {
	return s.publicKey
}

// KeyPair returns the public half only.
func (s *KMSSigner) KeyPair() vapid.KeyPair {
	return vapid.KeyPair{PublicKey: vapid.ApplicationServerKey(s.publicKey)}
}

// Close closes the underlying KMS client.
func (s *KMSSigner) Close() error {
	return s.client.Close()
}

// derToP1363 converts a DER-encoded ECDSA signature to IEEE P1363 format.
func derToP1363(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("parsing DER signature: %w", err)
	}
	if sig.R.BitLen() > 256 || sig.S.BitLen() > 256 {
		return nil, errors.New("signature component too large for P-256")
	}

	result := make([]byte, 64)
	sig.R.FillBytes(result[:32])
	sig.S.FillBytes(result[32:])
	return result, nil
}
