package kv

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"
)

// Catalog stores JSON documents of one type keyed by name.
type Catalog[T any] struct {
	store *Store
}

// NewCatalog creates a Catalog over a KV bucket.
func NewCatalog[T any](kv jetstream.KeyValue) *Catalog[T] {
	return &Catalog[T]{store: NewStore(kv)}
}

// Put stores v under key.
func (c *Catalog[T]) Put(ctx context.Context, key string, v *T) error {
	_, err := c.store.PutJSON(ctx, key, v)
	return err
}

// Get retrieves the document at key.
func (c *Catalog[T]) Get(ctx context.Context, key string) (*T, error) {
	var v T
	if _, err := c.store.GetJSON(ctx, key, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
