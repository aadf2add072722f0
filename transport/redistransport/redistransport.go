// Package redistransport implements transport.Transport on Redis
// Streams (spec §4.4 "reference back-end is a Redis-Streams-style
// log"): XADD for publish, a consumer group per (topic, groupName) via
// XGROUP CREATE + XREADGROUP for delivery, XACK for acknowledgement,
// and XCLAIM to recover messages abandoned by a crashed consumer.
package redistransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cmoelg/engine/envelope"
	"github.com/cmoelg/engine/transport"
	"github.com/go-redis/redis/v8"
)

const (
	fieldEnvelope = "envelope"
	consumerName  = "worker"
	claimIdle     = 30 * time.Second
)

// Transport is the Redis Streams-backed transport.Transport
// implementation. Stream entries are append-only, so the number of
// delivery attempts made for a given message cannot be stored back
// onto the entry itself; it is tracked in-process instead, keyed by
// (topic, group, messageId). A deployment spanning multiple consumer
// processes for the same group would need this counter moved to a
// shared store (e.g. a Redis hash) — noted here rather than built,
// since the spec's reference back-end targets a single consumer
// process per group.
type Transport struct {
	client              *redis.Client
	maxDeliveryAttempts int
	dedupePrefix        string

	mu       sync.Mutex
	attempts map[string]int
}

// New wraps an already-connected *redis.Client. maxDeliveryAttempts <=
// 0 defaults to transport.DefaultMaxDeliveryAttempts.
func New(client *redis.Client, maxDeliveryAttempts int) *Transport {
	if maxDeliveryAttempts <= 0 {
		maxDeliveryAttempts = transport.DefaultMaxDeliveryAttempts
	}
	return &Transport{
		client:              client,
		maxDeliveryAttempts: maxDeliveryAttempts,
		dedupePrefix:        "elg:dedupe:",
		attempts:            make(map[string]int),
	}
}

// Publish implements transport.Transport via XADD, with an optional
// dedupe window checked by GET and recorded by SET (spec §4.4 "idempotent when
// opts.dedupeKey is set").
func (t *Transport) Publish(ctx context.Context, topic string, env envelope.Envelope, opts *transport.PublishOptions) (transport.PublishResult, error) {
	if opts != nil && opts.DedupeKey != "" {
		window := opts.DedupeWindow
		if window <= 0 {
			window = time.Minute
		}
		dedupeKey := t.dedupePrefix + topic + ":" + opts.DedupeKey
		existingID, err := t.client.Get(ctx, dedupeKey).Result()
		if err == nil && existingID != "" {
			return transport.PublishResult{MessageID: existingID}, nil
		}
		if err != nil && err != redis.Nil {
			return transport.PublishResult{}, fmt.Errorf("redistransport: dedupe lookup failed: %w", err)
		}

		data, err := json.Marshal(env)
		if err != nil {
			return transport.PublishResult{}, fmt.Errorf("redistransport: failed to marshal envelope: %w", err)
		}
		id, err := t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			Values: map[string]interface{}{fieldEnvelope: data},
		}).Result()
		if err != nil {
			return transport.PublishResult{}, fmt.Errorf("redistransport: XADD failed: %w", err)
		}
		if err := t.client.Set(ctx, dedupeKey, id, window).Err(); err != nil {
			return transport.PublishResult{}, fmt.Errorf("redistransport: failed to record dedupe key: %w", err)
		}
		return transport.PublishResult{MessageID: id}, nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return transport.PublishResult{}, fmt.Errorf("redistransport: failed to marshal envelope: %w", err)
	}
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{fieldEnvelope: data},
	}).Result()
	if err != nil {
		return transport.PublishResult{}, fmt.Errorf("redistransport: XADD failed: %w", err)
	}
	return transport.PublishResult{MessageID: id}, nil
}

// Subscribe implements transport.Transport: ensures the consumer
// group exists (creating the stream if needed), then loops
// XREADGROUP + XCLAIM in a background goroutine until the returned
// Subscription is closed.
func (t *Transport) Subscribe(ctx context.Context, topic, groupName string, handler transport.Handler) (transport.Subscription, error) {
	err := t.client.XGroupCreateMkStream(ctx, topic, groupName, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, fmt.Errorf("redistransport: failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go t.consumeLoop(subCtx, topic, groupName, handler)

	return &subscription{cancel: cancel}, nil
}

type subscription struct {
	cancel context.CancelFunc
}

func (s *subscription) Close(ctx context.Context) error {
	s.cancel()
	return nil
}

func (t *Transport) consumeLoop(ctx context.Context, topic, groupName string, handler transport.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.reclaimAbandoned(ctx, topic, groupName, handler)

		results, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: consumerName,
			Streams:  []string{topic, ">"},
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				t.deliver(ctx, topic, groupName, msg, handler)
			}
		}
	}
}

// reclaimAbandoned uses XCLAIM to recover messages whose original
// consumer has held them past claimIdle without ACKing — recovery
// from a crashed worker, keeping at-least-once delivery intact.
func (t *Transport) reclaimAbandoned(ctx context.Context, topic, groupName string, handler transport.Handler) {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  groupName,
		Start:  "-",
		End:    "+",
		Count:  10,
		Idle:   claimIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    groupName,
		Consumer: consumerName,
		MinIdle:  claimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return
	}
	for _, msg := range claimed {
		t.deliver(ctx, topic, groupName, msg, handler)
	}
}

func (t *Transport) nextAttempt(topic, groupName, messageID string) int {
	key := topic + "|" + groupName + "|" + messageID
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[key]++
	return t.attempts[key]
}

func (t *Transport) forgetAttempts(topic, groupName, messageID string) {
	key := topic + "|" + groupName + "|" + messageID
	t.mu.Lock()
	delete(t.attempts, key)
	t.mu.Unlock()
}

func (t *Transport) deliver(ctx context.Context, topic, groupName string, msg redis.XMessage, handler transport.Handler) {
	attempt := t.nextAttempt(topic, groupName, msg.ID)

	var env envelope.Envelope
	rawEnv, _ := msg.Values[fieldEnvelope].(string)
	if err := json.Unmarshal([]byte(rawEnv), &env); err != nil {
		t.rejectToDLQ(ctx, topic, msg.ID, groupName, env)
		return
	}

	outcome := outcomeNone
	d := transport.Delivery{
		MessageID: msg.ID,
		Topic:     topic,
		Envelope:  env,
		Attempt:   attempt,
		Ack:       func(ctx context.Context) error { outcome = outcomeAck; return t.client.XAck(ctx, topic, groupName, msg.ID).Err() },
		Nack:      func(ctx context.Context) error { outcome = outcomeNack; return nil },
		Reject:    func(ctx context.Context, reason string) error { outcome = outcomeReject; return nil },
	}
	if err := handler(ctx, d); err != nil && outcome == outcomeNone {
		outcome = outcomeNack
	}

	switch outcome {
	case outcomeAck:
		t.forgetAttempts(topic, groupName, msg.ID)
	case outcomeReject:
		t.forgetAttempts(topic, groupName, msg.ID)
		t.rejectToDLQ(ctx, topic, msg.ID, groupName, env)
	default: // outcomeNone or outcomeNack
		if attempt >= t.maxDeliveryAttempts {
			t.forgetAttempts(topic, groupName, msg.ID)
			t.rejectToDLQ(ctx, topic, msg.ID, groupName, env)
			return
		}
		// Left unacked: XCLAIM redelivers it once claimIdle elapses.
	}
}

func (t *Transport) rejectToDLQ(ctx context.Context, topic, messageID, groupName string, env envelope.Envelope) {
	data, err := json.Marshal(env)
	if err == nil {
		t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: transport.DLQTopic(topic),
			Values: map[string]interface{}{fieldEnvelope: data, "originalMessageId": messageID},
		})
	}
	t.client.XAck(ctx, topic, groupName, messageID)
}

type deliveryOutcome int

const (
	outcomeNone deliveryOutcome = iota
	outcomeAck
	outcomeNack
	outcomeReject
)


// Request implements transport.Transport via a throwaway consumer
// group on the reply topic, correlating by meta.correlationId (spec
// §4.4).
func (t *Transport) Request(ctx context.Context, topic string, env envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	replyTopic := env.Meta.ReplyTo
	if replyTopic == "" {
		replyTopic = topic + ".replies"
	}

	replyCh := make(chan envelope.Envelope, 1)
	groupName := "request-" + env.Meta.CorrelationID
	sub, err := t.Subscribe(ctx, replyTopic, groupName, func(ctx context.Context, d transport.Delivery) error {
		if d.Envelope.Meta.CorrelationID == env.Meta.CorrelationID {
			select {
			case replyCh <- d.Envelope:
			default:
			}
			return d.Ack(ctx)
		}
		return d.Nack(ctx)
	})
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("redistransport: failed to subscribe for reply: %w", err)
	}
	defer sub.Close(ctx)

	if _, err := t.Publish(ctx, topic, env, nil); err != nil {
		return envelope.Envelope{}, fmt.Errorf("redistransport: failed to publish request: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return envelope.Envelope{}, fmt.Errorf("redistransport: request timed out after %s (correlationId=%s)", timeout, env.Meta.CorrelationID)
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// Stats implements transport.Transport by returning an empty Stats with
// no topics; it does not query the streams (no XLEN or XPENDING).
func (t *Transport) Stats(ctx context.Context) (transport.Stats, error) {
	return transport.Stats{Topics: map[string]transport.TopicStats{}}, nil
}

// Health implements transport.Transport via PING.
func (t *Transport) Health(ctx context.Context) (transport.Health, error) {
	start := time.Now()
	if err := t.client.Ping(ctx).Err(); err != nil {
		return transport.Health{Healthy: false, Detail: err.Error()}, nil
	}
	return transport.Health{Healthy: true, RoundTripMs: time.Since(start).Milliseconds()}, nil
}

// Close implements transport.Transport.
func (t *Transport) Close(ctx context.Context) error {
	return t.client.Close()
}
