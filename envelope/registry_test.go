package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cmoelg/engine/envelope"
)

func newRegistry(t *testing.T) *envelope.Registry {
	t.Helper()
	reg, err := envelope.NewRegistry(envelope.DefaultSchemaSources())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func baseMeta(messageType string) envelope.EnvelopeMeta {
	return envelope.EnvelopeMeta{
		A2AVersion:    "1.0",
		CorrelationID: "corr-1",
		TraceID:       "trace-1",
		MessageType:   messageType,
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		From:          envelope.AgentId{ID: "coordinator"},
		To:            []envelope.AgentId{{ID: "specialist-1"}},
	}
}

func TestValidateEnvelope_ValidSpecialistResult(t *testing.T) {
	reg := newRegistry(t)
	env := envelope.Envelope{
		Meta:    baseMeta(envelope.TypeSpecialistResult),
		Payload: json.RawMessage(`{"taskId":"t1","status":"ok"}`),
	}
	result, err := reg.ValidateEnvelope(env)
	if err != nil {
		t.Fatalf("ValidateEnvelope: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid envelope, got errorCode=%s errors=%+v", result.ErrorCode, result.Errors)
	}
}

// Scenario 5 from the spec's end-to-end test seeds: an envelope with
// messageType SpecialistResult but missing the required payload field
// "status" must fail PAYLOAD_SCHEMA_INVALID with the JSON pointer
// /payload/status listed among the errors.
func TestValidateEnvelope_MissingRequiredPayloadField(t *testing.T) {
	reg := newRegistry(t)
	env := envelope.Envelope{
		Meta:    baseMeta(envelope.TypeSpecialistResult),
		Payload: json.RawMessage(`{"taskId":"t1"}`),
	}
	result, err := reg.ValidateEnvelope(env)
	if err != nil {
		t.Fatalf("ValidateEnvelope: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid envelope due to missing status field")
	}
	if result.ErrorCode != "PAYLOAD_SCHEMA_INVALID" {
		t.Fatalf("expected PAYLOAD_SCHEMA_INVALID, got %s", result.ErrorCode)
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected at least one field error")
	}
	if result.Errors[0].Pointer != "/payload/status" {
		t.Fatalf("expected pointer /payload/status, got %q", result.Errors[0].Pointer)
	}
}

func TestValidateEnvelope_UnknownMessageType(t *testing.T) {
	reg := newRegistry(t)
	env := envelope.Envelope{
		Meta:    baseMeta("NotARealMessageType"),
		Payload: json.RawMessage(`{}`),
	}
	result, err := reg.ValidateEnvelope(env)
	if err != nil {
		t.Fatalf("ValidateEnvelope: %v", err)
	}
	if result.Valid || result.ErrorCode != "UNKNOWN_MESSAGE_TYPE" {
		t.Fatalf("expected UNKNOWN_MESSAGE_TYPE, got valid=%v code=%s", result.Valid, result.ErrorCode)
	}
}

func TestValidateEnvelope_MalformedMeta(t *testing.T) {
	reg := newRegistry(t)
	env := envelope.Envelope{
		Meta:    envelope.EnvelopeMeta{}, // missing every required field
		Payload: json.RawMessage(`{}`),
	}
	result, err := reg.ValidateEnvelope(env)
	if err != nil {
		t.Fatalf("ValidateEnvelope: %v", err)
	}
	if result.Valid || result.ErrorCode != "META_SCHEMA_INVALID" {
		t.Fatalf("expected META_SCHEMA_INVALID, got valid=%v code=%s", result.Valid, result.ErrorCode)
	}
}

func TestValidateEnvelopeOrThrow_ReturnsStructuredError(t *testing.T) {
	reg := newRegistry(t)
	env := envelope.Envelope{
		Meta:    baseMeta(envelope.TypeSpecialistResult),
		Payload: json.RawMessage(`{"taskId":"t1"}`),
	}
	err := reg.ValidateEnvelopeOrThrow(env)
	if err == nil {
		t.Fatal("expected error")
	}
	valErr, ok := err.(*envelope.ValidationError)
	if !ok {
		t.Fatalf("expected *envelope.ValidationError, got %T", err)
	}
	if valErr.Code != "PAYLOAD_SCHEMA_INVALID" {
		t.Fatalf("expected PAYLOAD_SCHEMA_INVALID, got %s", valErr.Code)
	}
}
