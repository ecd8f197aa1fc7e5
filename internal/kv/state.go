// Package kv wraps NATS JetStream key-value buckets with JSON helpers.
package kv

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"
)

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// IsNotFound reports whether err means the key does not exist or was deleted.
func IsNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// IsConflict reports whether err is a failed compare-and-swap: the key
// already exists on Create or its revision moved on Update.
func IsConflict(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, key, value)
}

// Create stores a value at key only if it doesn't already exist.
// Returns jetstream.ErrKeyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

// Update stores a value at key only if the revision matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.kv.Update(ctx, key, value, revision)
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// Keys returns all keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// An empty bucket is reported as an error by NATS
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, errors.Wrapf(err, "unmarshal key %s", key)
	}
	return rev, nil
}

// PutJSON marshals and stores a JSON value.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, errors.Wrapf(err, "marshal key %s", key)
	}
	return s.Put(ctx, key, data)
}

// UpdateJSON performs a CAS (compare-and-swap) update on a JSON value.
// The mutate function receives the current value and should modify it in place;
// returning an error aborts the update. Retries up to 3 times on revision conflicts.
func (s *Store) UpdateJSON(ctx context.Context, key string, target any, mutate func(exists bool) error) error {
	for i := 0; i < 3; i++ {
		rev, err := s.GetJSON(ctx, key, target)
		if err != nil {
			if !IsNotFound(err) {
				return err
			}
			if mErr := mutate(false); mErr != nil {
				return mErr
			}
			data, mErr := json.Marshal(target)
			if mErr != nil {
				return errors.Wrapf(mErr, "marshal key %s", key)
			}
			if _, cErr := s.Create(ctx, key, data); cErr != nil {
				if IsConflict(cErr) {
					continue
				}
				return errors.Wrapf(cErr, "create key %s", key)
			}
			return nil
		}

		if mErr := mutate(true); mErr != nil {
			return mErr
		}
		data, mErr := json.Marshal(target)
		if mErr != nil {
			return errors.Wrapf(mErr, "marshal key %s", key)
		}
		if _, uErr := s.Update(ctx, key, data, rev); uErr != nil {
			if IsConflict(uErr) {
				continue
			}
			return errors.Wrapf(uErr, "update key %s", key)
		}
		return nil
	}
	return errors.Newf("update key %s: too many revision conflicts", key)
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.kv.Status(ctx)
	return err
}

// Exists checks if a key exists.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := s.kv.Get(ctx, key)
	return err == nil
}
