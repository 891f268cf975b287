// Package mq defines the publish/subscribe contract message queue backends
// implement. Delivery guarantees are a backend decision and are documented
// on each backend.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/service_kernel/internal/resource"
)

var (
	ErrNotStarted    = errors.New("mq: backend not started")
	ErrTopicRequired = errors.New("mq: topic required")
	ErrNilHandler    = errors.New("mq: handler required")
)

// Message is one published unit. Payload carries a JSON document.
type Message struct {
	ID         string            `json:"id"`
	Topic      string            `json:"event"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
}

// NewMessage encodes payload as JSON and stamps a fresh id.
func NewMessage(topic string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}
	return Message{ID: uuid.NewString(), Topic: topic, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("mq: empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// Handler consumes one message. A returned error is reported to the backend,
// which decides whether to redeliver.
type Handler func(ctx context.Context, msg Message) error

// MessageQueue is the publish/subscribe contract.
type MessageQueue interface {
	Publish(ctx context.Context, topic string, msg Message) error
	// Subscribe adds handler to topic. Several handlers may share a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	// Unsubscribe removes every handler of topic.
	Unsubscribe(ctx context.Context, topic string) error
}

// Backend is a message queue the kernel can install.
type Backend interface {
	resource.Backend
	MessageQueue
}

// Factory builds an unconfigured backend named name.
type Factory func(name string) resource.Backend

// NormalizeTopic trims topic and rejects a blank one.
func NormalizeTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", ErrTopicRequired
	}
	return topic, nil
}

// Stamp fills the id, topic and send time a publisher leaves blank.
func Stamp(topic string, msg Message, now time.Time) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Topic = topic
	if msg.SentAt.IsZero() {
		msg.SentAt = now.UTC()
	}
	return msg
}
