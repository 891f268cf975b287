// Package bus bounds concurrent kernel work. The maintenance daemon runs
// every module tick under one permit of a fixed-size pool; callers beyond
// the waiting cap are refused instead of queued.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("bus: too many waiters")
	ErrClosed    = errors.New("bus: limiter closed")
)

// LimiterConfig sizes a Limiter.
type LimiterConfig struct {
	// MaxConcurrent is the number of permits. 0 means unlimited.
	MaxConcurrent int
	// QueueSize caps goroutines blocked in Acquire. 0 means no cap.
	QueueSize int
}

// DefaultLimiterConfig returns the daemon's default pool shape.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{MaxConcurrent: 8, QueueSize: 1024}
}

// Limiter hands out at most MaxConcurrent permits. A held permit is a token
// in slots, so Release never blocks and keeps working after Close.
type Limiter struct {
	slots chan struct{}
	queue int32
	done  chan struct{}
	once  sync.Once

	waiting atomic.Int32
	active  atomic.Int32
	refused atomic.Int64
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{queue: int32(cfg.QueueSize), done: make(chan struct{})}
	if cfg.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return l
}

// Acquire blocks for a permit until ctx is done or the limiter closes.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.Closed() {
		return ErrClosed
	}
	if l.slots == nil {
		l.active.Add(1)
		return nil
	}
	if n := l.waiting.Add(1); l.queue > 0 && n > l.queue {
		l.waiting.Add(-1)
		l.refused.Add(1)
		return ErrQueueFull
	}
	defer l.waiting.Add(-1)

	select {
	case l.slots <- struct{}{}:
		// lost a race with Close
		if l.Closed() {
			<-l.slots
			return ErrClosed
		}
		l.active.Add(1)
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit taken by Acquire.
func (l *Limiter) Release() {
	l.active.Add(-1)
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}

// Close wakes every waiter with ErrClosed. Holders keep their permits until
// they Release.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Active returns the number of permits held.
func (l *Limiter) Active() int { return int(l.active.Load()) }

// Waiting returns the number of goroutines blocked in Acquire.
func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }

// Refused counts Acquire calls turned away by the waiting cap.
func (l *Limiter) Refused() int64 { return l.refused.Load() }
