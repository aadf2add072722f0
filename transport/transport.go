// Package transport defines the log-style publish/subscribe capability
// set (spec §4.4): consumer groups, at-least-once delivery, explicit
// ACK/NACK/REJECT, and dead-letter routing after a bounded number of
// redelivery attempts. Concrete back-ends (package logtransport,
// redistransport) implement Transport; application code and the
// activity boundary's SendA2A depend only on this interface.
package transport

import (
	"context"
	"time"

	"github.com/cmoelg/engine/envelope"
)

// PublishOptions configures a single Publish call.
type PublishOptions struct {
	// DedupeKey, when set, makes Publish idempotent: a second publish
	// with the same key within DedupeWindow produces no additional
	// delivery (spec §4.4 "idempotent when opts.dedupeKey is set").
	DedupeKey    string
	DedupeWindow time.Duration
}

// PublishResult is returned by Publish.
type PublishResult struct {
	MessageID string
}

// Delivery wraps one delivered envelope with the ack/nack/reject
// capability the handler must exercise exactly once (spec §4.4
// "Handler must ACK, NACK (with retry), or REJECT... every message").
type Delivery struct {
	MessageID string
	Topic     string
	Envelope  envelope.Envelope
	Attempt   int

	Ack    func(ctx context.Context) error
	Nack   func(ctx context.Context) error
	Reject func(ctx context.Context, reason string) error
}

// Handler processes one delivered message. It must call exactly one
// of Delivery.Ack, Delivery.Nack, or Delivery.Reject before returning;
// a handler that returns without doing so is treated as an implicit
// NACK by callers in this package (see logtransport/redistransport).
type Handler func(ctx context.Context, d Delivery) error

// Subscription represents one active subscribe call; Close stops
// delivery to the handler without affecting other consumers in the
// group.
type Subscription interface {
	Close(ctx context.Context) error
}

// Stats reports aggregate queue/consumer-group health for operational
// visibility.
type Stats struct {
	Topics map[string]TopicStats
}

// TopicStats is per-topic delivery accounting.
type TopicStats struct {
	Pending    int64
	Delivered  int64
	Acked      int64
	Nacked     int64
	Rejected   int64
	DeadLettered int64
}

// Health reports transport reachability.
type Health struct {
	Healthy     bool
	RoundTripMs int64
	Detail      string
}

// Transport is the capability set spec §4.4 requires of every
// back-end: publish, subscribe with consumer groups, correlated
// request/reply, and operational introspection.
type Transport interface {
	// Publish sends an envelope to topic and returns its message ID.
	Publish(ctx context.Context, topic string, env envelope.Envelope, opts *PublishOptions) (PublishResult, error)

	// Subscribe registers handler as one consumer in groupName for
	// topic. At-least-once delivery: exactly one consumer in the group
	// receives each message, but redelivery can occur after a NACK or
	// a crashed handler.
	Subscribe(ctx context.Context, topic, groupName string, handler Handler) (Subscription, error)

	// Request publishes env to topic and blocks for a reply correlated
	// by meta.correlationId. After timeout the logtransport and
	// redistransport back-ends return a plain error; it carries no
	// engine error code (graph.CodeRequestTimeout is not attached).
	Request(ctx context.Context, topic string, env envelope.Envelope, timeout time.Duration) (envelope.Envelope, error)

	Stats(ctx context.Context) (Stats, error)
	Health(ctx context.Context) (Health, error)
	Close(ctx context.Context) error
}

// DefaultMaxDeliveryAttempts bounds how many times a message may be NACKed
// before it is routed to the topic's dead-letter queue (spec §4.4
// "Retry & DLQ"). Back-ends accept this as configuration rather than a
// package constant; it's surfaced here only as the documented default.
const DefaultMaxDeliveryAttempts = 3

// DLQTopic derives a topic's dead-letter topic name (spec §6 "Dead-
// letter topic convention: suffix .dlq").
func DLQTopic(topic string) string {
	return topic + ".dlq"
}
