package webpush

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// tokenLifetime stays under the 24h maximum push services accept.
const tokenLifetime = 12 * time.Hour

// createVAPIDHeader creates the VAPID Authorization header (RFC 8292).
func (c *Client) createVAPIDHeader(ctx context.Context, signer Signer, endpoint string) (string, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	audience := parsedURL.Scheme + "://" + parsedURL.Host

	headerJSON, err := json.Marshal(map[string]string{
		"typ": "JWT",
		"alg": "ES256",
	})
	if err != nil {
		return "", fmt.Errorf("marshaling header: %w", err)
	}

	claimsJSON, err := json.Marshal(map[string]any{
		"aud": audience,
		"exp": time.Now().Add(tokenLifetime).Unix(),
		"sub": c.subject,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)

	hash := sha256.Sum256([]byte(signingInput))
	signature, err := signer.Sign(ctx, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}

	jwt := signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
	pubKeyB64 := base64.RawURLEncoding.EncodeToString(signer.PublicKey())

	return "vapid t=" + jwt + ", k=" + pubKeyB64, nil
}
