package kv

import (
	"context"
	"fmt"
)

type quotaStore struct {
	Store
	maxBytes int64
}

// WithQuota rejects values larger than maxBytes with ErrQuotaExceeded.
// A non-positive maxBytes returns the store unchanged.
func WithQuota(s Store, maxBytes int64) Store {
	if maxBytes <= 0 {
		return s
	}
	return &quotaStore{Store: s, maxBytes: maxBytes}
}

func (q *quotaStore) Set(ctx context.Context, key string, value []byte) error {
	if int64(len(value)) > q.maxBytes {
		return fmt.Errorf("%w: %s needs %d bytes, limit %d", ErrQuotaExceeded, key, len(value), q.maxBytes)
	}
	return q.Store.Set(ctx, key, value)
}
