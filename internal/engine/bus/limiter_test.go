package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterAcquireRelease(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 2})

	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if l.Active() != 2 {
		t.Errorf("Active() = %d, want 2", l.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire on a full pool = %v, want DeadlineExceeded", err)
	}

	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire after Release: %v", err)
	}
}

func TestLimiterQueueCap(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1, QueueSize: 1})
	defer l.Close()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blocked := make(chan error, 1)
	go func() { blocked <- l.Acquire(ctx) }()
	for l.Waiting() != 1 {
		time.Sleep(time.Millisecond)
	}

	if err := l.Acquire(context.Background()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second waiter = %v, want ErrQueueFull", err)
	}
	if l.Refused() != 1 {
		t.Errorf("Refused() = %d, want 1", l.Refused())
	}

	cancel()
	if err := <-blocked; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled waiter = %v", err)
	}
}

func TestLimiterCloseWakesWaiters(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var closed atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(l.Acquire(context.Background()), ErrClosed) {
				closed.Add(1)
			}
		}()
	}
	for l.Waiting() != 3 {
		time.Sleep(time.Millisecond)
	}

	l.Close()
	l.Close()
	wg.Wait()
	if closed.Load() != 3 {
		t.Errorf("%d waiters saw ErrClosed, want 3", closed.Load())
	}

	l.Release()
	if l.Active() != 0 {
		t.Errorf("Active() after release = %d", l.Active())
	}
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if l.Active() != 100 {
		t.Errorf("Active() = %d", l.Active())
	}
	for i := 0; i < 100; i++ {
		l.Release()
	}
	if l.Active() != 0 {
		t.Errorf("Active() = %d", l.Active())
	}
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const limit = 4
	l := NewLimiter(LimiterConfig{MaxConcurrent: limit})
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			defer l.Release()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()
	if peak.Load() > limit {
		t.Errorf("peak concurrency %d exceeds %d", peak.Load(), limit)
	}
}
