// Package rocketmq is the RocketMQ-backed message queue ("rocketmq").
//
// Delivery is at-least-once: a handler error or an undecodable body asks
// the broker to redeliver until max_reconsume is exhausted.
//
// Configuration document:
//
//	{"type":"rocketmq","name_servers":["127.0.0.1:9876"],"namespace":"dev",
//	 "topic_prefix":"kernel","consumer_group":"kernel","access_key":"",
//	 "secret_key":"","retry":2,"max_reconsume":16,"consume_batch":1,
//	 "consume_from":"latest"}
package rocketmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/internal/resource"
	"github.com/R3E-Network/service_kernel/pkg/logger"
)

const (
	Type = "rocketmq"

	defaultPrefix = "kernel"
	defaultGroup  = "service-kernel"
)

var errNoNameServers = errors.New("rocketmq: no name servers configured")

// Options is the decoded configuration document.
type Options struct {
	NameServers   []string
	AccessKey     string
	SecretKey     string
	Namespace     string
	TopicPrefix   string
	ConsumerGroup string
	Retry         int
	MaxReconsume  int32
	ConsumeBatch  int
	ConsumeFrom   string
}

type sender interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

type receiver interface {
	Start() error
	Shutdown() error
	Subscribe(topic string, selector consumer.MessageSelector,
		f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
	Unsubscribe(topic string) error
}

// Queue publishes and consumes through a RocketMQ cluster. The push consumer
// is created on the first Subscribe.
type Queue struct {
	*resource.Base

	mu       sync.Mutex
	opts     Options
	prod     sender
	cons     receiver
	consUp   bool
	handlers map[string][]mq.Handler

	metrics metrics.MetricsCollector
	log     *logrus.Entry

	newProducer func(Options) (sender, error)
	newConsumer func(Options) (receiver, error)
}

// New creates an unconfigured RocketMQ queue.
func New(name string) *Queue {
	return &Queue{
		Base:        resource.NewBase(name, Type),
		handlers:    make(map[string][]mq.Handler),
		metrics:     metrics.NewNoOpCollector(),
		log:         logger.NewDefault("mq").WithField("queue", name),
		newProducer: dialProducer,
		newConsumer: dialConsumer,
	}
}

// Factory is the kernel catalog entry for "rocketmq".
func Factory(name string) resource.Backend { return New(name) }

func (q *Queue) SetMetrics(mc metrics.MetricsCollector) {
	if mc == nil {
		mc = metrics.NewNoOpCollector()
	}
	q.mu.Lock()
	q.metrics = mc
	q.mu.Unlock()
}

// Options decodes the stored configuration.
func (q *Queue) Options() Options {
	o := Options{
		AccessKey:     q.Field("access_key").String(),
		SecretKey:     q.Field("secret_key").String(),
		Namespace:     strings.TrimSpace(q.Field("namespace").String()),
		TopicPrefix:   strings.TrimSpace(q.Field("topic_prefix").String()),
		ConsumerGroup: strings.TrimSpace(q.Field("consumer_group").String()),
		Retry:         int(q.Field("retry").Int()),
		MaxReconsume:  int32(q.Field("max_reconsume").Int()),
		ConsumeBatch:  int(q.Field("consume_batch").Int()),
		ConsumeFrom:   strings.ToLower(strings.TrimSpace(q.Field("consume_from").String())),
	}
	servers := q.Field("name_servers")
	if servers.IsArray() {
		for _, s := range servers.Array() {
			if v := strings.TrimSpace(s.String()); v != "" {
				o.NameServers = append(o.NameServers, v)
			}
		}
	} else {
		for _, s := range strings.Split(servers.String(), ",") {
			if v := strings.TrimSpace(s); v != "" {
				o.NameServers = append(o.NameServers, v)
			}
		}
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = defaultPrefix
	}
	if o.ConsumerGroup == "" {
		o.ConsumerGroup = defaultGroup
	}
	if o.Retry <= 0 {
		o.Retry = 2
	}
	return o
}

func (q *Queue) Start(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.prod != nil {
		return nil
	}
	opts := q.Options()
	if len(opts.NameServers) == 0 {
		return errNoNameServers
	}
	prod, err := q.newProducer(opts)
	if err != nil {
		return fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := prod.Start(); err != nil {
		return fmt.Errorf("start rocketmq producer: %w", err)
	}
	q.opts = opts
	q.prod = prod
	return nil
}

func (q *Queue) Stop(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	if q.prod != nil {
		if err := q.prod.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown producer: %w", err))
		}
		q.prod = nil
	}
	if q.cons != nil {
		if err := q.cons.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown consumer: %w", err))
		}
		q.cons = nil
	}
	q.consUp = false
	q.handlers = make(map[string][]mq.Handler)
	return errors.Join(errs...)
}

func (q *Queue) Publish(ctx context.Context, topic string, msg mq.Message) (err error) {
	topic, err = mq.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	q.mu.Lock()
	prod, opts, mc := q.prod, q.opts, q.metrics
	q.mu.Unlock()
	if prod == nil {
		return mq.ErrNotStarted
	}

	start := time.Now()
	defer func() { mc.RecordPublish(q.Name(), topic, time.Since(start), err) }()

	msg = mq.Stamp(topic, msg, time.Now())
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	out := primitive.NewMessage(topicFor(opts, topic), body)
	out.WithKeys([]string{msg.ID})
	out.WithProperty("event", topic)
	for k, v := range msg.Properties {
		out.WithProperty(k, v)
	}
	if opts.Namespace != "" {
		out.WithProperty("namespace", opts.Namespace)
	}
	if _, err := prod.SendSync(ctx, out); err != nil {
		return fmt.Errorf("rocketmq send: %w", err)
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
	if q.prod == nil {
		return mq.ErrNotStarted
	}

	if q.cons == nil {
		cons, err := q.newConsumer(q.opts)
		if err != nil {
			return fmt.Errorf("create rocketmq consumer: %w", err)
		}
		q.cons = cons
	}

	if _, ok := q.handlers[topic]; !ok {
		err := q.cons.Subscribe(topicFor(q.opts, topic), consumer.MessageSelector{},
			func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
				return q.consume(ctx, topic, msgs), nil
			})
		if err != nil {
			return fmt.Errorf("subscribe to topic %s: %w", topic, err)
		}
	}
	q.handlers[topic] = append(q.handlers[topic], handler)

	if !q.consUp {
		if err := q.cons.Start(); err != nil {
			return fmt.Errorf("start rocketmq consumer: %w", err)
		}
		q.consUp = true
	}
	return nil
}

func (q *Queue) Unsubscribe(_ context.Context, topic string) error {
	topic, err := mq.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[topic]; !ok {
		return nil
	}
	delete(q.handlers, topic)
	if q.cons == nil {
		return nil
	}
	if err := q.cons.Unsubscribe(topicFor(q.opts, topic)); err != nil {
		return fmt.Errorf("unsubscribe from topic %s: %w", topic, err)
	}
	return nil
}

func (q *Queue) consume(ctx context.Context, topic string, msgs []*primitive.MessageExt) consumer.ConsumeResult {
	q.mu.Lock()
	handlers := append([]mq.Handler(nil), q.handlers[topic]...)
	mc := q.metrics
	q.mu.Unlock()

	for _, ext := range msgs {
		var msg mq.Message
		if err := json.Unmarshal(ext.Body, &msg); err != nil {
			q.log.WithError(err).WithField("msg_id", ext.MsgId).Warn("undecodable message body")
			mc.RecordDelivery(q.Name(), topic, err)
			return consumer.ConsumeRetryLater
		}
		if len(msg.Payload) == 0 {
			msg.Payload = json.RawMessage(ext.Body)
		}
		msg.Topic = topic
		for _, h := range handlers {
			err := h(ctx, msg)
			mc.RecordDelivery(q.Name(), topic, err)
			if err != nil {
				q.log.WithError(err).WithField("topic", topic).WithField("message_id", msg.ID).Warn("message handler failed")
				return consumer.ConsumeRetryLater
			}
		}
	}
	return consumer.ConsumeSuccess
}

// topicFor maps a logical topic to the broker topic
// "<namespace>_<prefix>_<topic>".
func topicFor(o Options, topic string) string {
	prefix := o.TopicPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	prefix = sanitize(prefix)
	if o.Namespace != "" {
		prefix = sanitize(o.Namespace) + "_" + prefix
	}
	return prefix + "_" + sanitize(topic)
}

// sanitize lower-cases in and replaces every character a broker topic
// cannot carry with '-'.
func sanitize(in string) string {
	in = strings.ToLower(strings.TrimSpace(in))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '%', r == '|':
			return r
		default:
			return '-'
		}
	}, in)
}

func credentials(o Options) primitive.Credentials {
	return primitive.Credentials{AccessKey: o.AccessKey, SecretKey: o.SecretKey}
}

func dialProducer(o Options) (sender, error) {
	return rmq.NewProducer(
		producer.WithNameServer(o.NameServers),
		producer.WithCredentials(credentials(o)),
		producer.WithNamespace(o.Namespace),
		producer.WithRetry(o.Retry),
	)
}

func dialConsumer(o Options) (receiver, error) {
	opts := []consumer.Option{
		consumer.WithGroupName(o.ConsumerGroup),
		consumer.WithNameServer(o.NameServers),
		consumer.WithCredentials(credentials(o)),
		consumer.WithNamespace(o.Namespace),
	}
	if o.MaxReconsume > 0 {
		opts = append(opts, consumer.WithMaxReconsumeTimes(o.MaxReconsume))
	}
	if o.ConsumeBatch > 0 {
		opts = append(opts, consumer.WithConsumeMessageBatchMaxSize(o.ConsumeBatch))
	}
	switch o.ConsumeFrom {
	case "first":
		opts = append(opts, consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset))
	case "latest":
		opts = append(opts, consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset))
	}
	return rmq.NewPushConsumer(opts...)
}

var _ mq.Backend = (*Queue)(nil)
