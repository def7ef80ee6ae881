// Package webpush is the delivery transport: it encrypts a payload for a
// browser subscription, signs a VAPID header, and POSTs the message to the
// subscription's push service.
package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// DefaultTTL is how long the push service holds an undelivered message (4 weeks).
const DefaultTTL = 2419200

// ErrGone reports that the push service considers the subscription permanently
// invalid (HTTP 404 or 410). The subscription should be forgotten.
var ErrGone = errors.New("push subscription gone")

// Subscription represents a Web Push subscription from a client.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// Options configures the web push notification.
type Options struct {
	TTL     int    // Time-to-live in seconds (default DefaultTTL)
	Urgency string // Urgency level: very-low, low, normal, high
	Topic   string // Topic for message replacement
}

// Signer provides VAPID signing functionality.
type Signer interface {
	// Sign signs the given data and returns the signature.
	Sign(ctx context.Context, data []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// PushError is returned when the push service answers with a non-2xx status.
type PushError struct {
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrGone) true for 404 and 410 responses.
func (e *PushError) Is(target error) bool {
	return target == ErrGone && e.Gone()
}

// Gone reports whether the status means the endpoint will never accept
// messages again.
func (e *PushError) Gone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Client sends web push notifications.
type Client struct {
	httpClient *http.Client
	subject    string // VAPID subject (mailto: or https: URL)
}

// NewClient creates a new web push client. Signing material is supplied per
// call so the keys can be created lazily by the caller.
func NewClient(subject string) *Client {
	return &Client{
		httpClient: http.DefaultClient,
		subject:    subject,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// Send sends a web push notification to the given subscription, authenticated
// with signer. A 404/410 answer yields an error matching ErrGone.
func (c *Client) Send(ctx context.Context, signer Signer, sub *Subscription, payload []byte, opts *Options) error {
	if signer == nil {
		return errors.New("no VAPID signer")
	}
	if sub == nil {
		return errors.New("no subscription")
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}

	encrypted, err := encrypt(sub, payload)
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}

	vapidHeader, err := c.createVAPIDHeader(ctx, signer, sub.Endpoint)
	if err != nil {
		return fmt.Errorf("creating VAPID header: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(encrypted))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", vapidHeader)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(o.TTL))

	if o.Urgency != "" {
		req.Header.Set("Urgency", o.Urgency)
	}
	if o.Topic != "" {
		req.Header.Set("Topic", o.Topic)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &PushError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil
}

// Validate checks that the subscription carries everything the transport needs.
func (s *Subscription) Validate() error {
	if s.Endpoint == "" {
		return errors.New("subscription endpoint is required")
	}
	if s.Keys.P256dh == "" {
		return errors.New("subscription p256dh key is required")
	}
	if s.Keys.Auth == "" {
		return errors.New("subscription auth key is required")
	}
	if !strings.HasPrefix(s.Endpoint, "https://") {
		return errors.New("subscription endpoint must use HTTPS")
	}
	return nil
}

// ParseSubscription parses and validates a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshaling subscription: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}
