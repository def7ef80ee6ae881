package registry

import (
	"context"
	"sync"
	"time"

	"github.com/imjasonh/pushregistry/webpush"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

var _ Registry = (*Memory)(nil)

// NewMemory creates a new in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// GetAll returns a copy of every entry.
func (m *Memory) GetAll(_ context.Context) (map[string]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*Record, len(m.records))
	for id, r := range m.records {
		out[id] = copyRecord(r)
	}
	return out, nil
}

// Get returns the user's entry.
func (m *Memory) Get(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

// Upsert replaces the user's subscription.
func (m *Memory) Upsert(_ context.Context, userID string, sub *webpush.Subscription, vapidKey string) error {
	if err := validate(userID, sub); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[userID] = nextRecord(m.records[userID], userID, sub, vapidKey, m.now())
	return nil
}

// Remove deletes the user's entry if present.
func (m *Memory) Remove(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, userID)
	return nil
}

// RemoveEndpoint deletes the user's entry if it still has endpoint.
func (m *Memory) RemoveEndpoint(_ context.Context, userID, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[userID]
	if !ok || r.Subscription == nil || r.Subscription.Endpoint != endpoint {
		return false, nil
	}
	delete(m.records, userID)
	return true, nil
}

// CountByVAPIDKey returns the number of subscriptions for a specific VAPID key.
func (m *Memory) CountByVAPIDKey(_ context.Context, vapidKey string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.records {
		if r.VAPIDKey == vapidKey {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}
