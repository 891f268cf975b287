package cache

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// KeyLocks is a sharded table of per-key mutexes. Entries are reference
// counted and removed once the last holder or waiter leaves, so the table
// only grows with the number of keys in use.
type KeyLocks struct {
	shards []lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyLocks creates a table with n shards. n <= 0 selects the default.
func NewKeyLocks(n int) *KeyLocks {
	if n <= 0 {
		n = defaultShards
	}
	kl := &KeyLocks{shards: make([]lockShard, n)}
	for i := range kl.shards {
		kl.shards[i].locks = make(map[Key]*keyLock)
	}
	return kl
}

func (kl *KeyLocks) shard(key Key) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &kl.shards[h.Sum32()%uint32(len(kl.shards))]
}

// Lock blocks until key is held by the caller or ctx is done. On success the
// returned function releases the key.
func (kl *KeyLocks) Lock(ctx context.Context, key Key) (func(), error) {
	s := kl.shard(key)

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		kl.unref(s, key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			kl.unref(s, key, l)
		})
	}, nil
}

func (kl *KeyLocks) unref(s *lockShard, key Key, l *keyLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Len returns the number of keys currently held or waited on.
func (kl *KeyLocks) Len() int {
	n := 0
	for i := range kl.shards {
		s := &kl.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
