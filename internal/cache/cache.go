// Package cache defines the key/value and time-series contracts every cache
// backend plugged into the kernel implements, together with the per-key lock
// table backends use to serialize transactions.
//
// A compliant Cache runs at most one transaction per key at a time while
// transactions on different keys proceed concurrently. The interfaces cannot
// enforce this; KeyLocks gives backends a ready-made way to uphold it.
package cache

import (
	"context"
	"errors"

	"github.com/R3E-Network/service_kernel/internal/resource"
)

var (
	// ErrNotStarted is returned by data-plane calls on a stopped backend.
	ErrNotStarted = errors.New("cache: backend not started")
	// ErrNilTransaction is returned by Execute when txn is nil.
	ErrNilTransaction = errors.New("cache: nil transaction")
)

// TransactionContext is bound to exactly one key for the duration of a
// transaction.
type TransactionContext interface {
	Context() context.Context
	Key() Key
	Get() (Value, bool, error)
	Put(value Value) error
	Remove() error
}

// Transaction is the caller-supplied unit of work run under the key's lock.
type Transaction interface {
	Perform(tc TransactionContext) error
}

// TransactionFunc adapts a function to Transaction.
type TransactionFunc func(tc TransactionContext) error

func (f TransactionFunc) Perform(tc TransactionContext) error { return f(tc) }

// Cache is a key/value store with per-key transactions.
type Cache interface {
	Get(ctx context.Context, key Key) (Value, bool, error)
	Put(ctx context.Context, key Key, value Value) error
	Remove(ctx context.Context, key Key) error
	Execute(ctx context.Context, key Key, txn Transaction) error
}

// TimeSeriesCache keeps many timestamped values per key. Values are ordered by
// timestamp and never merged, including values sharing a timestamp.
type TimeSeriesCache interface {
	// Add stores value under key. A zero timestamp is replaced by the wall
	// clock at the time of the call. The stored value is returned.
	Add(ctx context.Context, key Key, value Value) (Value, error)
	// Query returns the values with begin <= timestamp <= end in ascending
	// timestamp order.
	Query(ctx context.Context, key Key, begin, end int64) ([]Value, error)
	// Delete removes every value with timestamp <= before and reports how
	// many were removed.
	Delete(ctx context.Context, key Key, before int64) (int, error)
}

// Backend is a cache the kernel can install.
type Backend interface {
	resource.Backend
	Cache
}

// SeriesBackend is a time-series cache the kernel can install.
type SeriesBackend interface {
	resource.Backend
	TimeSeriesCache
}

// Factory builds an unconfigured backend named name.
type Factory func(name string) resource.Backend
