// Package adapter is the in-process message queue ("adapter").
//
// Delivery is at-most-once: every subscriber owns a bounded queue and a
// delivery goroutine, and a message that finds a subscriber's queue full is
// dropped for that subscriber. Publishing can be rate limited.
//
// Configuration document:
//
//	{"type":"adapter","buffer":256,"rate":500,"burst":50}
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/internal/resource"
	"github.com/R3E-Network/service_kernel/pkg/logger"
)

const (
	Type          = "adapter"
	DefaultBuffer = 256
)

var (
	ErrQueueFull   = errors.New("adapter: subscriber queue full")
	ErrQueueClosed = errors.New("adapter: subscriber queue closed")
)

// Queue fans published messages out to the subscribers of a topic.
type Queue struct {
	*resource.Base

	mu      sync.RWMutex
	subs    map[string][]*subscriber
	started bool
	buffer  int
	limiter *rate.Limiter
	runCtx  context.Context
	cancel  context.CancelFunc

	metrics metrics.MetricsCollector
	log     *logrus.Entry
	now     func() time.Time
}

// New creates an unconfigured in-process queue.
func New(name string) *Queue {
	return &Queue{
		Base:    resource.NewBase(name, Type),
		subs:    make(map[string][]*subscriber),
		metrics: metrics.NewNoOpCollector(),
		log:     logger.NewDefault("mq").WithField("queue", name),
		now:     time.Now,
	}
}

// Factory is the kernel catalog entry for "adapter".
func Factory(name string) resource.Backend { return New(name) }

func (q *Queue) SetMetrics(mc metrics.MetricsCollector) {
	if mc == nil {
		mc = metrics.NewNoOpCollector()
	}
	q.mu.Lock()
	q.metrics = mc
	q.mu.Unlock()
}

func (q *Queue) Start(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.buffer = int(q.Field("buffer").Int())
	if q.buffer <= 0 {
		q.buffer = DefaultBuffer
	}
	q.limiter = nil
	if r := q.Field("rate").Float(); r > 0 {
		burst := int(q.Field("burst").Int())
		if burst <= 0 {
			burst = max(1, int(r))
		}
		q.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	q.runCtx, q.cancel = context.WithCancel(context.Background())
	q.started = true
	return nil
}

// Stop closes every subscription and waits, bounded by ctx, for queued
// messages to be delivered.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	var all []*subscriber
	for _, subs := range q.subs {
		all = append(all, subs...)
	}
	q.subs = make(map[string][]*subscriber)
	cancel := q.cancel
	q.mu.Unlock()

	defer cancel()
	for _, s := range all {
		s.close()
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("drain subscribers: %w", ctx.Err())
		}
	}
	return nil
}

func (q *Queue) Publish(ctx context.Context, topic string, msg mq.Message) (err error) {
	topic, err = mq.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	q.mu.RLock()
	if !q.started {
		q.mu.RUnlock()
		return mq.ErrNotStarted
	}
	subs := append([]*subscriber(nil), q.subs[topic]...)
	limiter, mc := q.limiter, q.metrics
	q.mu.RUnlock()

	start := time.Now()
	defer func() { mc.RecordPublish(q.Name(), topic, time.Since(start), err) }()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish rate limit: %w", err)
		}
	}
	msg = mq.Stamp(topic, msg, q.now())
	dropped := 0
	for _, s := range subs {
		if err := s.tryPublish(msg); err != nil {
			dropped++
			mc.RecordDelivery(q.Name(), topic, err)
		}
	}
	if dropped > 0 {
		q.log.WithField("topic", topic).WithField("dropped", dropped).Debug("subscriber queues full")
		return fmt.Errorf("%w: %d of %d subscribers", ErrQueueFull, dropped, len(subs))
	}
	return nil
}

func (q *Queue) Subscribe(_ context.Context, topic string, handler mq.Handler) error {
	topic, err := mq.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	if handler == nil {
		return mq.ErrNilHandler
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return mq.ErrNotStarted
	}
	s := newSubscriber(handler, q.buffer)
	q.subs[topic] = append(q.subs[topic], s)
	go s.run(q.runCtx, func(ctx context.Context, msg mq.Message) { q.deliver(ctx, s, msg) })
	return nil
}

func (q *Queue) Unsubscribe(_ context.Context, topic string) error {
	topic, err := mq.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	q.mu.Lock()
	subs := q.subs[topic]
	delete(q.subs, topic)
	q.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	return nil
}

// Subscribers reports the number of handlers on topic.
func (q *Queue) Subscribers(topic string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subs[topic])
}

func (q *Queue) deliver(ctx context.Context, s *subscriber, msg mq.Message) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return s.handler(ctx, msg)
	}()
	q.mu.RLock()
	mc := q.metrics
	q.mu.RUnlock()
	mc.RecordDelivery(q.Name(), msg.Topic, err)
	if err != nil {
		q.log.WithError(err).WithField("topic", msg.Topic).WithField("message_id", msg.ID).Warn("message handler failed")
	}
}

// subscriber is a bounded, non-blocking queue drained by one goroutine.
type subscriber struct {
	handler mq.Handler

	mu     sync.Mutex
	ch     chan mq.Message
	closed bool
	done   chan struct{}
}

func newSubscriber(handler mq.Handler, capacity int) *subscriber {
	if capacity <= 0 {
		capacity = 1
	}
	return &subscriber{
		handler: handler,
		ch:      make(chan mq.Message, capacity),
		done:    make(chan struct{}),
	}
}

func (s *subscriber) tryPublish(msg mq.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrQueueClosed
	}
	select {
	case s.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// run delivers until the queue is closed and drained.
func (s *subscriber) run(ctx context.Context, deliver func(context.Context, mq.Message)) {
	defer close(s.done)
	for msg := range s.ch {
		deliver(ctx, msg)
	}
}

var _ mq.Backend = (*Queue)(nil)
