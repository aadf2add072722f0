// Package logtransport is the reference Transport back-end (spec §4.4
// "Concrete back-ends pluggable"): an in-process, append-only message
// log with independent consumer-group cursors. It implements the same
// at-least-once, ACK/NACK/REJECT, and DLQ semantics the Redis-backed
// adapter provides, making it suitable both as a test double and as a
// single-process deployment's transport.
package logtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmoelg/engine/envelope"
	"github.com/cmoelg/engine/transport"
	"github.com/google/uuid"
)

type storedMessage struct {
	id  string
	env envelope.Envelope
}

type groupState struct {
	cursor int
	cond   *sync.Cond
	closed bool
}

type topicLog struct {
	mu       sync.Mutex
	messages []storedMessage
	groups   map[string]*groupState
	dedupe   map[string]dedupeEntry

	stats transport.TopicStats
}

type dedupeEntry struct {
	messageID string
	expiresAt time.Time
}

// Transport is the in-memory reference Transport implementation.
type Transport struct {
	mu                  sync.Mutex
	topics              map[string]*topicLog
	maxDeliveryAttempts int
	dlq                 map[string][]storedMessage
}

// New constructs a Transport. maxDeliveryAttempts <= 0 defaults to
// transport.DefaultMaxDeliveryAttempts.
func New(maxDeliveryAttempts int) *Transport {
	if maxDeliveryAttempts <= 0 {
		maxDeliveryAttempts = transport.DefaultMaxDeliveryAttempts
	}
	return &Transport{
		topics:              make(map[string]*topicLog),
		maxDeliveryAttempts: maxDeliveryAttempts,
		dlq:                 make(map[string][]storedMessage),
	}
}

func (t *Transport) topic(name string) *topicLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.topics[name]
	if !ok {
		tl = &topicLog{groups: make(map[string]*groupState), dedupe: make(map[string]dedupeEntry)}
		t.topics[name] = tl
	}
	return tl
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, topicName string, env envelope.Envelope, opts *transport.PublishOptions) (transport.PublishResult, error) {
	tl := t.topic(topicName)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if opts != nil && opts.DedupeKey != "" {
		if existing, ok := tl.dedupe[opts.DedupeKey]; ok && time.Now().Before(existing.expiresAt) {
			return transport.PublishResult{MessageID: existing.messageID}, nil
		}
	}

	id := uuid.NewString()
	tl.messages = append(tl.messages, storedMessage{id: id, env: env})
	tl.stats.Pending++

	if opts != nil && opts.DedupeKey != "" {
		window := opts.DedupeWindow
		if window <= 0 {
			window = time.Minute
		}
		tl.dedupe[opts.DedupeKey] = dedupeEntry{messageID: id, expiresAt: time.Now().Add(window)}
	}

	for _, g := range tl.groups {
		g.cond.Broadcast()
	}

	return transport.PublishResult{MessageID: id}, nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, topicName, groupName string, handler transport.Handler) (transport.Subscription, error) {
	tl := t.topic(topicName)

	tl.mu.Lock()
	g, ok := tl.groups[groupName]
	if !ok {
		g = &groupState{cond: sync.NewCond(&tl.mu)}
		tl.groups[groupName] = g
	}
	tl.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go t.consumeLoop(subCtx, topicName, groupName, tl, g, handler)

	return &subscription{cancel: cancel, tl: tl, g: g}, nil
}

type subscription struct {
	cancel context.CancelFunc
	tl     *topicLog
	g      *groupState
}

func (s *subscription) Close(ctx context.Context) error {
	s.cancel()
	s.tl.mu.Lock()
	s.g.closed = true
	s.g.cond.Broadcast()
	s.tl.mu.Unlock()
	return nil
}

func (t *Transport) consumeLoop(ctx context.Context, topicName, groupName string, tl *topicLog, g *groupState, handler transport.Handler) {
	for {
		tl.mu.Lock()
		for !g.closed && g.cursor >= len(tl.messages) {
			waitCh := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					tl.mu.Lock()
					g.cond.Broadcast()
					tl.mu.Unlock()
				case <-waitCh:
				}
			}()
			g.cond.Wait()
			close(waitCh)
			if ctx.Err() != nil {
				tl.mu.Unlock()
				return
			}
		}
		if g.closed || ctx.Err() != nil {
			tl.mu.Unlock()
			return
		}
		msg := tl.messages[g.cursor]
		g.cursor++
		tl.mu.Unlock()

		t.deliver(ctx, topicName, tl, msg, handler)
	}
}

// deliver drives one message through up to maxDeliveryAttempts
// handler invocations, routing to the DLQ if every attempt ends in
// NACK or if the handler REJECTs outright (spec §4.4 "Retry & DLQ").
func (t *Transport) deliver(ctx context.Context, topicName string, tl *topicLog, msg storedMessage, handler transport.Handler) {
	tl.mu.Lock()
	tl.stats.Delivered++
	tl.mu.Unlock()

	for attempt := 1; attempt <= t.maxDeliveryAttempts; attempt++ {
		outcome := t.invokeHandler(ctx, topicName, msg, attempt, handler)

		switch outcome {
		case outcomeAck:
			tl.mu.Lock()
			tl.stats.Acked++
			tl.stats.Pending--
			tl.mu.Unlock()
			return
		case outcomeReject:
			tl.mu.Lock()
			tl.stats.Rejected++
			tl.stats.Pending--
			tl.mu.Unlock()
			t.deadLetter(topicName, msg)
			return
		case outcomeNack:
			tl.mu.Lock()
			tl.stats.Nacked++
			tl.mu.Unlock()
			// loop to redeliver, unless this was the last allowed attempt
		}
	}

	tl.mu.Lock()
	tl.stats.Pending--
	tl.mu.Unlock()
	t.deadLetter(topicName, msg)
}

type deliveryOutcome int

const (
	outcomeNone deliveryOutcome = iota
	outcomeAck
	outcomeNack
	outcomeReject
)

func (t *Transport) invokeHandler(ctx context.Context, topicName string, msg storedMessage, attempt int, handler transport.Handler) deliveryOutcome {
	outcome := outcomeNone
	d := transport.Delivery{
		MessageID: msg.id,
		Topic:     topicName,
		Envelope:  msg.env,
		Attempt:   attempt,
		Ack:       func(ctx context.Context) error { outcome = outcomeAck; return nil },
		Nack:      func(ctx context.Context) error { outcome = outcomeNack; return nil },
		Reject:    func(ctx context.Context, reason string) error { outcome = outcomeReject; return nil },
	}
	if err := handler(ctx, d); err != nil && outcome == outcomeNone {
		outcome = outcomeNack
	}
	if outcome == outcomeNone {
		outcome = outcomeNack
	}
	return outcome
}

func (t *Transport) deadLetter(topicName string, msg storedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dlqTopic := transport.DLQTopic(topicName)
	t.dlq[dlqTopic] = append(t.dlq[dlqTopic], msg)

	if tl, ok := t.topics[topicName]; ok {
		tl.mu.Lock()
		tl.stats.DeadLettered++
		tl.mu.Unlock()
	}
}

// DeadLettered returns the messages routed to topic's DLQ, for test
// assertions and operational inspection.
func (t *Transport) DeadLettered(topicName string) []envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.dlq[transport.DLQTopic(topicName)]
	out := make([]envelope.Envelope, len(msgs))
	for i, m := range msgs {
		out[i] = m.env
	}
	return out
}

// Request implements transport.Transport by publishing env and
// subscribing a throwaway consumer group filtered to replies whose
// meta.correlationId matches, per spec §4.4.
func (t *Transport) Request(ctx context.Context, topicName string, env envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	replyTopic := env.Meta.ReplyTo
	if replyTopic == "" {
		replyTopic = topicName + ".replies"
	}

	replyCh := make(chan envelope.Envelope, 1)
	groupName := "request-" + uuid.NewString()
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
		return envelope.Envelope{}, fmt.Errorf("transport: failed to subscribe for reply: %w", err)
	}
	defer sub.Close(ctx)

	if _, err := t.Publish(ctx, topicName, env, nil); err != nil {
		return envelope.Envelope{}, fmt.Errorf("transport: failed to publish request: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return envelope.Envelope{}, fmt.Errorf("transport: request timed out after %s (correlationId=%s)", timeout, env.Meta.CorrelationID)
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// Stats implements transport.Transport.
func (t *Transport) Stats(ctx context.Context) (transport.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := transport.Stats{Topics: make(map[string]transport.TopicStats, len(t.topics))}
	for name, tl := range t.topics {
		tl.mu.Lock()
		out.Topics[name] = tl.stats
		tl.mu.Unlock()
	}
	return out, nil
}

// Health implements transport.Transport; the in-memory reference is
// always reachable.
func (t *Transport) Health(ctx context.Context) (transport.Health, error) {
	return transport.Health{Healthy: true, RoundTripMs: 0}, nil
}

// Close implements transport.Transport; subscriptions must be closed
// individually, Close here only releases the transport's own state.
func (t *Transport) Close(ctx context.Context) error {
	return nil
}
