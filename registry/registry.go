// Package registry stores the current push subscription of each user.
//
// A user has at most one live subscription; a new subscription from the same
// user replaces the previous one. Every backend guarantees that concurrent
// mutations for different users are never lost.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/imjasonh/pushregistry/webpush"
)

var (
	// ErrNotFound is returned when a user has no subscription.
	ErrNotFound = errors.New("subscription not found")
	// ErrRead is wrapped by errors from an unreadable or corrupt store.
	// Readers should treat the registry as empty.
	ErrRead = errors.New("registry read failed")
	// ErrWrite is wrapped by errors from a mutation that was not persisted.
	ErrWrite = errors.New("registry write failed")
	// ErrClosed is returned by operations on a closed registry.
	ErrClosed = errors.New("registry closed")
)

// Record is one registry entry.
type Record struct {
	ID           string                `json:"id"`
	UserID       string                `json:"userId"`
	Subscription *webpush.Subscription `json:"subscription"`
	// VAPIDKey is the application server key that was current when the
	// client subscribed. The subscription only works with that key.
	VAPIDKey  string    `json:"vapidKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry is durable storage of one subscription per user.
type Registry interface {
	// GetAll returns a snapshot of every entry keyed by user ID.
	GetAll(ctx context.Context) (map[string]*Record, error)

	// Get returns the user's entry or ErrNotFound.
	Get(ctx context.Context, userID string) (*Record, error)

	// Upsert stores sub as the user's subscription, replacing any previous one.
	Upsert(ctx context.Context, userID string, sub *webpush.Subscription, vapidKey string) error

	// Remove deletes the user's entry. Removing an absent user is not an error.
	Remove(ctx context.Context, userID string) error

	// RemoveEndpoint deletes the user's entry only if it still points at
	// endpoint, and reports whether it did. A subscription that replaced the
	// failing one in the meantime is left alone.
	RemoveEndpoint(ctx context.Context, userID, endpoint string) (bool, error)

	// CountByVAPIDKey returns the number of entries bound to vapidKey.
	CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error)

	// Close releases the backend.
	Close() error
}

// nextRecord builds the entry that replaces prev (which may be nil). The ID and
// creation time survive an overwrite.
func nextRecord(prev *Record, userID string, sub *webpush.Subscription, vapidKey string, now time.Time) *Record {
	rec := &Record{
		ID:           uuid.NewString(),
		UserID:       userID,
		Subscription: copySubscription(sub),
		VAPIDKey:     vapidKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if prev != nil {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	}
	return rec
}

func copySubscription(s *webpush.Subscription) *webpush.Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copyRecord(r *Record) *Record {
	c := *r
	c.Subscription = copySubscription(r.Subscription)
	return &c
}

func validate(userID string, sub *webpush.Subscription) error {
	if userID == "" {
		return errors.New("user ID is required")
	}
	if sub == nil {
		return errors.New("subscription is required")
	}
	return nil
}
