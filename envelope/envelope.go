// Package envelope defines the wire message types exchanged between
// agents (spec §4.1) and validates them against a registry of compiled
// JSON schemas. An Envelope is always two parts: a `meta` block that is
// itself schema-validated, and a `payload` whose schema is selected by
// `meta.messageType`.
package envelope

import (
	"encoding/json"
	"time"
)

// AgentId identifies a participant addressable over the transport.
type AgentId struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// EnvelopeMeta is the routing and correlation header every envelope
// carries, independent of its payload shape (spec §6 "Envelope wire
// format").
type EnvelopeMeta struct {
	A2AVersion    string     `json:"a2aVersion"`
	CorrelationID string     `json:"correlationId"`
	TraceID       string     `json:"traceId"`
	MessageType   string     `json:"messageType"`
	Timestamp     time.Time  `json:"timestamp"`
	From          AgentId    `json:"from"`
	To            []AgentId  `json:"to"`
	ReplyTo       string     `json:"replyTo,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	Signature     string     `json:"signature,omitempty"`
}

// Envelope is the full message: a validated meta header plus a payload
// whose shape is selected by meta.MessageType.
type Envelope struct {
	Meta    EnvelopeMeta    `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// Message type names recognized by the default registry (spec §4.1:
// "at minimum EnvelopeMeta, AgentId, SpecialistInvocationRequest,
// SpecialistResult, RetryDirective, DecisionNotice").
const (
	TypeSpecialistInvocationRequest = "SpecialistInvocationRequest"
	TypeSpecialistResult            = "SpecialistResult"
	TypeRetryDirective              = "RetryDirective"
	TypeDecisionNotice              = "DecisionNotice"
	TypeContextRequest              = "ContextRequest"
	TypeContextResult               = "ContextResult"
	TypeRegistryHeartbeat           = "RegistryHeartbeat"
	TypeSystemEvent                 = "SystemEvent"
	TypeMemoryEvent                 = "MemoryEvent"
)

// SpecialistInvocationRequest asks a specialist agent to perform one
// unit of work.
type SpecialistInvocationRequest struct {
	TaskID   string          `json:"taskId"`
	Capability string        `json:"capability"`
	Input    json.RawMessage `json:"input"`
	Budget   *Budget         `json:"budget,omitempty"`
}

// Budget bounds how much a specialist is allowed to spend on a task.
type Budget struct {
	MaxTokens   int `json:"maxTokens,omitempty"`
	MaxTimeMs   int `json:"maxTimeMs,omitempty"`
}

// SpecialistResult is a specialist's reply to a
// SpecialistInvocationRequest.
type SpecialistResult struct {
	TaskID string          `json:"taskId"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *ResultError    `json:"error,omitempty"`
}

// ResultError is the structured failure reason on a SpecialistResult
// whose Status is not "ok".
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RetryDirective tells a specialist to retry a task, optionally with
// adjusted parameters.
type RetryDirective struct {
	TaskID     string `json:"taskId"`
	Reason     string `json:"reason"`
	BackoffMs  int    `json:"backoffMs,omitempty"`
	Attempt    int    `json:"attempt"`
}

// DecisionNotice announces a coordination decision (e.g. which
// specialist won a bid, or that a task was abandoned) to interested
// parties.
type DecisionNotice struct {
	Subject string `json:"subject"`
	Decision string `json:"decision"`
	Reason  string `json:"reason,omitempty"`
}

// ContextRequest asks the memory/context layer for background material
// relevant to a task.
type ContextRequest struct {
	TaskID string   `json:"taskId"`
	Topics []string `json:"topics,omitempty"`
}

// ContextResult answers a ContextRequest.
type ContextResult struct {
	TaskID  string          `json:"taskId"`
	Context json.RawMessage `json:"context"`
}

// RegistryHeartbeat is a periodic liveness/capability announcement
// from an agent to the registry.
type RegistryHeartbeat struct {
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities,omitempty"`
	Load         float64  `json:"load,omitempty"`
}

// SystemEvent carries an operational notice (startup, shutdown,
// degraded mode) not tied to a specific run.
type SystemEvent struct {
	Kind    string                 `json:"kind"`
	Detail  string                 `json:"detail,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// MemoryEvent records a durable fact the memory layer should retain or
// forget.
type MemoryEvent struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
}
