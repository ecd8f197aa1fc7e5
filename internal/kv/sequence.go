package kv

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"
)

// Sequence hands out monotonically increasing ids from a single KV key.
type Sequence struct {
	store *Store
	key   string
}

// NewSequence creates a Sequence stored at key in the given bucket.
func NewSequence(kv jetstream.KeyValue, key string) *Sequence {
	return &Sequence{store: NewStore(kv), key: key}
}

// Next returns the next id, starting at 1.
func (s *Sequence) Next(ctx context.Context) (int64, error) {
	for i := 0; i < 10; i++ {
		data, rev, err := s.store.Get(ctx, s.key)
		if err != nil {
			if !IsNotFound(err) {
				return 0, err
			}
			if _, cErr := s.store.Create(ctx, s.key, []byte("1")); cErr != nil {
				if IsConflict(cErr) {
					continue
				}
				return 0, errors.Wrapf(cErr, "create sequence %s", s.key)
			}
			return 1, nil
		}

		cur, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "corrupt sequence %s", s.key)
		}
		next := cur + 1
		if _, uErr := s.store.Update(ctx, s.key, []byte(strconv.FormatInt(next, 10)), rev); uErr != nil {
			if IsConflict(uErr) {
				continue
			}
			return 0, errors.Wrapf(uErr, "advance sequence %s", s.key)
		}
		return next, nil
	}
	return 0, errors.Newf("sequence %s: too many revision conflicts", s.key)
}
