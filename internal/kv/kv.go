// Package kv is the key-value persistence substrate shared by the task history
// and audit log stores. Backends mirror browser local storage semantics: whole
// values are read and written at once and a write may be refused for size.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("kv: key not found")
	// ErrQuotaExceeded is returned by Set when the medium refuses the value for size.
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
)

// Store is a byte-valued key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
