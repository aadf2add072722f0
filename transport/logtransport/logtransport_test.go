package logtransport_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmoelg/engine/envelope"
	"github.com/cmoelg/engine/transport"
	"github.com/cmoelg/engine/transport/logtransport"
)

func testEnvelope(messageType, correlationID string) envelope.Envelope {
	return envelope.Envelope{
		Meta: envelope.EnvelopeMeta{
			A2AVersion:    "1.0",
			CorrelationID: correlationID,
			TraceID:       "trace-1",
			MessageType:   messageType,
			Timestamp:     time.Now(),
			From:          envelope.AgentId{ID: "coordinator"},
			To:            []envelope.AgentId{{ID: "specialist-1"}},
		},
	}
}

func TestPublishSubscribe_DeliversAndAcks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr := logtransport.New(3)
	received := make(chan envelope.Envelope, 1)

	sub, err := tr.Subscribe(ctx, "qa.t.p.role.topic", "group-a", func(ctx context.Context, d transport.Delivery) error {
		received <- d.Envelope
		return d.Ack(ctx)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	env := testEnvelope(envelope.TypeSpecialistResult, "corr-1")
	if _, err := tr.Publish(ctx, "qa.t.p.role.topic", env, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Meta.CorrelationID != "corr-1" {
			t.Fatalf("unexpected correlation id: %s", got.Meta.CorrelationID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

// Scenario 6 from the spec's end-to-end test seeds: a handler NACKs a
// message five times with maxDeliveryAttempts = 3. Expected: three
// delivery attempts to the handler, then the message appears on the
// DLQ topic derived from the original topic's name.
func TestAtLeastOnce_RoutesToDLQAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr := logtransport.New(3)
	var attempts int32
	done := make(chan struct{})

	sub, err := tr.Subscribe(ctx, "qa.t.p.role.flaky", "group-a", func(ctx context.Context, d transport.Delivery) error {
		n := atomic.AddInt32(&attempts, 1)
		err := d.Nack(ctx)
		if n == 3 {
			close(done)
		}
		return err
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	env := testEnvelope(envelope.TypeDecisionNotice, "corr-2")
	if _, err := tr.Publish(ctx, "qa.t.p.role.flaky", env, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for third delivery attempt")
	}

	// Give the transport a moment to finish the DLQ hand-off after the
	// third NACK before asserting on final counts.
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 delivery attempts, got %d", got)
	}

	dlq := tr.DeadLettered("qa.t.p.role.flaky")
	if len(dlq) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dlq))
	}
	if dlq[0].Meta.CorrelationID != "corr-2" {
		t.Fatalf("unexpected dead-lettered envelope: %+v", dlq[0])
	}
}

func TestRequest_CorrelatesReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr := logtransport.New(3)

	replierSub, err := tr.Subscribe(ctx, "qa.t.p.role.req", "replier", func(ctx context.Context, d transport.Delivery) error {
		reply := testEnvelope(envelope.TypeSpecialistResult, d.Envelope.Meta.CorrelationID)
		reply.Meta.ReplyTo = ""
		if _, err := tr.Publish(ctx, "qa.t.p.role.req.replies", reply, nil); err != nil {
			return err
		}
		return d.Ack(ctx)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer replierSub.Close(ctx)

	req := testEnvelope(envelope.TypeSpecialistInvocationRequest, "corr-3")
	reply, err := tr.Request(ctx, "qa.t.p.role.req", req, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Meta.CorrelationID != "corr-3" {
		t.Fatalf("unexpected reply correlation id: %s", reply.Meta.CorrelationID)
	}
}

func TestPublish_DedupeKeySuppressesDuplicateDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr := logtransport.New(3)
	var count int32
	sub, err := tr.Subscribe(ctx, "qa.t.p.role.dedupe", "group-a", func(ctx context.Context, d transport.Delivery) error {
		atomic.AddInt32(&count, 1)
		return d.Ack(ctx)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	env := testEnvelope(envelope.TypeSystemEvent, "corr-4")
	opts := &transport.PublishOptions{DedupeKey: "dedupe-1", DedupeWindow: time.Minute}
	if _, err := tr.Publish(ctx, "qa.t.p.role.dedupe", env, opts); err != nil {
		t.Fatalf("Publish 1: %v", err)
	}
	if _, err := tr.Publish(ctx, "qa.t.p.role.dedupe", env, opts); err != nil {
		t.Fatalf("Publish 2: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected exactly 1 delivery for deduped publishes, got %d", got)
	}
}
