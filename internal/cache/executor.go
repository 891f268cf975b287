package cache

import (
	"context"
	"time"

	enginemetrics "github.com/R3E-Network/service_kernel/internal/engine/metrics"
)

// Store is the unlocked storage a backend exposes to an Executor.
type Store interface {
	Load(ctx context.Context, key Key) (Value, bool, error)
	Store(ctx context.Context, key Key, value Value) error
	Delete(ctx context.Context, key Key) error
}

// Executor implements the Cache data plane over a Store. Every operation
// holds the key's lock, so plain Put and Remove calls never interleave with a
// transaction on the same key.
type Executor struct {
	name    string
	locks   *KeyLocks
	store   Store
	metrics enginemetrics.MetricsCollector
}

// NewExecutor creates an executor for the named cache.
func NewExecutor(name string, store Store) *Executor {
	return &Executor{
		name:    name,
		locks:   NewKeyLocks(0),
		store:   store,
		metrics: enginemetrics.NewNoOpCollector(),
	}
}

// SetMetrics attaches a collector. The kernel calls it at install.
func (e *Executor) SetMetrics(mc enginemetrics.MetricsCollector) {
	if mc != nil {
		e.metrics = mc
	}
}

// RecordTransaction reports a transaction executed outside Execute, for
// backends that override it.
func (e *Executor) RecordTransaction(d time.Duration, err error) {
	e.metrics.RecordTransaction(e.name, d, err)
}

// Locks exposes the key lock table.
func (e *Executor) Locks() *KeyLocks { return e.locks }

func (e *Executor) Get(ctx context.Context, key Key) (Value, bool, error) {
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return Value{}, false, err
	}
	defer unlock()
	return e.store.Load(ctx, key)
}

func (e *Executor) Put(ctx context.Context, key Key, value Value) error {
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return e.store.Store(ctx, key, value)
}

func (e *Executor) Remove(ctx context.Context, key Key) error {
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return e.store.Delete(ctx, key)
}

// Execute runs txn with exclusive access to key.
func (e *Executor) Execute(ctx context.Context, key Key, txn Transaction) (err error) {
	if txn == nil {
		return ErrNilTransaction
	}
	begin := time.Now()
	defer func() { e.RecordTransaction(time.Since(begin), err) }()

	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return txn.Perform(&storeTxn{ctx: ctx, key: key, store: e.store})
}

type storeTxn struct {
	ctx   context.Context
	key   Key
	store Store
}

func (t *storeTxn) Context() context.Context  { return t.ctx }
func (t *storeTxn) Key() Key                  { return t.key }
func (t *storeTxn) Get() (Value, bool, error) { return t.store.Load(t.ctx, t.key) }
func (t *storeTxn) Put(value Value) error     { return t.store.Store(t.ctx, t.key, value) }
func (t *storeTxn) Remove() error             { return t.store.Delete(t.ctx, t.key) }
