package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imjasonh/pushregistry/webpush"
)

// maxTxRetries bounds optimistic retries when another writer touched the hash.
const maxTxRetries = 16

// Redis stores the registry as one hash, one field per user. Mutations that
// depend on the current entry run as WATCH/MULTI transactions on a per-user
// version key and retry on conflict, so writers for different users never
// invalidate each other.
type Redis struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

var _ Registry = (*Redis)(nil)

// NewRedis returns a registry kept in the hash at key.
func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key, now: time.Now}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetAll returns every entry. Fields that fail to decode make the whole read
// fail, as with a corrupt document.
func (r *Redis) GetAll(ctx context.Context) (map[string]*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	out := make(map[string]*Record, len(fields))
	for userID, data := range fields {
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("%w: user %s: %w", ErrRead, userID, err)
		}
		out[userID] = rec
	}
	return out, nil
}

// Get returns the user's entry.
func (r *Redis) Get(ctx context.Context, userID string) (*Record, error) {
	return r.get(ctx, r.client, userID)
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (r *Redis) get(ctx context.Context, c hashGetter, userID string) (*Record, error) {
	data, err := c.HGet(ctx, r.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return rec, nil
}

// Upsert replaces the user's subscription.
func (r *Redis) Upsert(ctx context.Context, userID string, sub *webpush.Subscription, vapidKey string) error {
	if err := validate(userID, sub); err != nil {
		return err
	}
	return r.update(ctx, userID, func(prev *Record) (*Record, bool) {
		return nextRecord(prev, userID, sub, vapidKey, r.now()), true
	})
}

// Remove deletes the user's entry if present.
func (r *Redis) Remove(ctx context.Context, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.key, userID)
		pipe.Del(ctx, r.versionKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// RemoveEndpoint deletes the user's entry if it still has endpoint.
func (r *Redis) RemoveEndpoint(ctx context.Context, userID, endpoint string) (bool, error) {
	var removed bool
	err := r.update(ctx, userID, func(prev *Record) (*Record, bool) {
		removed = prev != nil && prev.Subscription != nil && prev.Subscription.Endpoint == endpoint
		return nil, removed
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// update reads the user's entry under WATCH and applies fn. fn returns the new
// entry (nil deletes) and whether to write at all.
func (r *Redis) update(ctx context.Context, userID string, fn func(prev *Record) (*Record, bool)) error {
	txf := func(tx *redis.Tx) error {
		prev, err := r.get(ctx, tx, userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		next, write := fn(prev)
		if !write {
			return nil
		}

		var data []byte
		if next != nil {
			if data, err = json.Marshal(next); err != nil {
				return fmt.Errorf("encoding record: %w", err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.HDel(ctx, r.key, userID)
				pipe.Del(ctx, r.versionKey(userID))
			} else {
				pipe.HSet(ctx, r.key, userID, data)
				pipe.Incr(ctx, r.versionKey(userID))
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, r.versionKey(userID))
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return fmt.Errorf("%w: too much contention on %s", ErrWrite, userID)
}

// versionKey is bumped by every write to userID's field and removed with it.
func (r *Redis) versionKey(userID string) string {
	return r.key + ":version:" + userID
}

// CountByVAPIDKey returns the number of subscriptions for a specific VAPID key.
func (r *Redis) CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range all {
		if rec.VAPIDKey == vapidKey {
			count++
		}
	}
	return count, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func decodeRecord(data string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}
