package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// ValidationResult is the return shape of ValidateEnvelope (spec §4.1
// "validateEnvelope(envelope) -> {valid, errorCode?, errors?}").
type ValidationResult struct {
	Valid     bool          `json:"valid"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Errors    []FieldError  `json:"errors,omitempty"`
}

// FieldError names one schema violation by its JSON pointer path (spec
// §4.1: "PAYLOAD_SCHEMA_INVALID... including JSON-pointer paths to
// each offending field").
type FieldError struct {
	Pointer string `json:"pointer"`
	Message string `json:"message"`
}

// ValidationError is returned by ValidateEnvelopeOrThrow, carrying the
// same structured reason a caller would otherwise have to inspect on
// ValidationResult.
type ValidationError struct {
	Code   string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return e.Code
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Errors[0].Message, e.Errors[0].Pointer)
}

const metaSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://cmoelg.dev/schemas/envelope-meta.json",
  "type": "object",
  "required": ["a2aVersion", "correlationId", "traceId", "messageType", "timestamp", "from", "to"],
  "properties": {
    "a2aVersion": {"type": "string"},
    "correlationId": {"type": "string", "minLength": 1},
    "traceId": {"type": "string", "minLength": 1},
    "messageType": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "from": {"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}, "role": {"type": "string"}}},
    "to": {"type": "array", "minItems": 1, "items": {"type": "object", "required": ["id"]}},
    "replyTo": {"type": "string"},
    "priority": {"type": "string"},
    "deadline": {"type": "string"},
    "signature": {"type": "string"}
  }
}`

// Registry compiles and holds one JSON schema per messageType. It is
// built once at process startup (spec §4.5: "hot-loading of schemas is
// not supported") and is safe for concurrent read-only use thereafter.
type Registry struct {
	metaSchema    *jsonschema.Schema
	payloadSchemas map[string]*jsonschema.Schema
}

// SchemaSource pairs a messageType with its raw JSON Schema document,
// the input shape NewRegistry compiles from.
type SchemaSource struct {
	MessageType string
	SchemaJSON  string
}

// NewRegistry compiles the envelope meta schema plus one payload
// schema per entry in sources. A compile failure at startup is a
// CONFIG_INVALID condition (spec §7 "Lifecycle errors"); the caller
// (internal/config / cmd) is expected to treat a non-nil error here as
// fatal to process startup.
func NewRegistry(sources []SchemaSource) (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	metaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(metaSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to parse meta schema: %w", err)
	}
	if err := compiler.AddResource("envelope-meta.json", metaDoc); err != nil {
		return nil, fmt.Errorf("envelope: failed to add meta schema resource: %w", err)
	}
	metaSchema, err := compiler.Compile("envelope-meta.json")
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to compile meta schema: %w", err)
	}

	payloadSchemas := make(map[string]*jsonschema.Schema, len(sources))
	for _, src := range sources {
		resourceName := src.MessageType + ".json"
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src.SchemaJSON)))
		if err != nil {
			return nil, fmt.Errorf("envelope: failed to parse schema for %q: %w", src.MessageType, err)
		}
		if err := compiler.AddResource(resourceName, doc); err != nil {
			return nil, fmt.Errorf("envelope: failed to add schema resource for %q: %w", src.MessageType, err)
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			return nil, fmt.Errorf("envelope: failed to compile schema for %q: %w", src.MessageType, err)
		}
		payloadSchemas[src.MessageType] = schema
	}

	return &Registry{metaSchema: metaSchema, payloadSchemas: payloadSchemas}, nil
}

// DefaultSchemaSources returns the JSON Schema documents for the
// built-in message types (spec §4.1 "at minimum" list plus the
// higher-layer types it allows). Callers needing additional
// application-specific message types append their own SchemaSource
// entries before calling NewRegistry.
func DefaultSchemaSources() []SchemaSource {
	return []SchemaSource{
		{TypeSpecialistInvocationRequest, `{
			"type": "object",
			"required": ["taskId", "capability", "input"],
			"properties": {
				"taskId": {"type": "string", "minLength": 1},
				"capability": {"type": "string", "minLength": 1},
				"input": {},
				"budget": {"type": "object"}
			}
		}`},
		{TypeSpecialistResult, `{
			"type": "object",
			"required": ["taskId", "status"],
			"properties": {
				"taskId": {"type": "string", "minLength": 1},
				"status": {"type": "string", "enum": ["ok", "error"]},
				"output": {},
				"error": {"type": "object", "required": ["code", "message"]}
			}
		}`},
		{TypeRetryDirective, `{
			"type": "object",
			"required": ["taskId", "reason", "attempt"],
			"properties": {
				"taskId": {"type": "string", "minLength": 1},
				"reason": {"type": "string"},
				"backoffMs": {"type": "integer", "minimum": 0},
				"attempt": {"type": "integer", "minimum": 0}
			}
		}`},
		{TypeDecisionNotice, `{
			"type": "object",
			"required": ["subject", "decision"],
			"properties": {
				"subject": {"type": "string", "minLength": 1},
				"decision": {"type": "string", "minLength": 1},
				"reason": {"type": "string"}
			}
		}`},
		{TypeContextRequest, `{
			"type": "object",
			"required": ["taskId"],
			"properties": {
				"taskId": {"type": "string", "minLength": 1},
				"topics": {"type": "array", "items": {"type": "string"}}
			}
		}`},
		{TypeContextResult, `{
			"type": "object",
			"required": ["taskId", "context"],
			"properties": {
				"taskId": {"type": "string", "minLength": 1},
				"context": {}
			}
		}`},
		{TypeRegistryHeartbeat, `{
			"type": "object",
			"required": ["agentId"],
			"properties": {
				"agentId": {"type": "string", "minLength": 1},
				"capabilities": {"type": "array", "items": {"type": "string"}},
				"load": {"type": "number"}
			}
		}`},
		{TypeSystemEvent, `{
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"type": "string", "minLength": 1},
				"detail": {"type": "string"},
				"fields": {"type": "object"}
			}
		}`},
		{TypeMemoryEvent, `{
			"type": "object",
			"required": ["kind", "key"],
			"properties": {
				"kind": {"type": "string", "minLength": 1},
				"key": {"type": "string", "minLength": 1},
				"value": {}
			}
		}`},
	}
}

// ValidateEnvelope validates meta, then the payload against the
// schema registered for meta.messageType (spec §4.1). It never
// returns a non-nil error for a validation failure — failures are
// reported through ValidationResult — only for a programming error
// such as a nil Registry.
func (r *Registry) ValidateEnvelope(env Envelope) (ValidationResult, error) {
	if r == nil {
		return ValidationResult{}, fmt.Errorf("envelope: nil Registry")
	}

	metaDoc, err := toValidatable(env.Meta)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("envelope: failed to marshal meta for validation: %w", err)
	}
	if err := r.metaSchema.Validate(metaDoc); err != nil {
		return ValidationResult{
			Valid:     false,
			ErrorCode: "META_SCHEMA_INVALID",
			Errors:    fieldErrorsFrom(err, "/meta"),
		}, nil
	}

	schema, ok := r.payloadSchemas[env.Meta.MessageType]
	if !ok {
		return ValidationResult{
			Valid:     false,
			ErrorCode: "UNKNOWN_MESSAGE_TYPE",
			Errors:    []FieldError{{Pointer: "/meta/messageType", Message: fmt.Sprintf("unregistered message type %q", env.Meta.MessageType)}},
		}, nil
	}

	var payloadDoc interface{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payloadDoc); err != nil {
			return ValidationResult{
				Valid:     false,
				ErrorCode: "PAYLOAD_SCHEMA_INVALID",
				Errors:    []FieldError{{Pointer: "/payload", Message: "payload is not valid JSON"}},
			}, nil
		}
	}
	if err := schema.Validate(payloadDoc); err != nil {
		return ValidationResult{
			Valid:     false,
			ErrorCode: "PAYLOAD_SCHEMA_INVALID",
			Errors:    fieldErrorsFrom(err, "/payload"),
		}, nil
	}

	return ValidationResult{Valid: true}, nil
}

// ValidateEnvelopeOrThrow validates env and returns a *ValidationError
// when invalid (spec §4.1 "validateEnvelopeOrThrow... raises an error
// with the structured reason attached").
func (r *Registry) ValidateEnvelopeOrThrow(env Envelope) error {
	result, err := r.ValidateEnvelope(env)
	if err != nil {
		return err
	}
	if !result.Valid {
		return &ValidationError{Code: result.ErrorCode, Errors: result.Errors}
	}
	return nil
}

func toValidatable(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fieldErrorsFrom flattens a jsonschema validation error tree into the
// JSON-pointer-keyed list spec §4.1 requires, sorted for determinism.
// prefix locates the validated document within the envelope as a whole
// (e.g. "/payload" when validating env.Payload against its messageType
// schema), since node.InstanceLocation is relative only to the document
// schema.Validate was called against, not the full envelope (spec §8
// scenario 5: a missing payload field "status" must report the pointer
// /payload/status, not /status).
func fieldErrorsFrom(err error, prefix string) []FieldError {
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldError{{Pointer: prefix, Message: err.Error()}}
	}

	var out []FieldError
	var walk func(node *jsonschema.ValidationError)
	walk = func(node *jsonschema.ValidationError) {
		if len(node.Causes) == 0 {
			rel := joinPointer(node.InstanceLocation)
			pointer := prefix + "/" + rel
			if rel == "" {
				pointer = prefix
			}
			if req, ok := node.ErrorKind.(*kind.Required); ok {
				for _, missing := range req.Missing {
					out = append(out, FieldError{Pointer: pointer + "/" + missing, Message: node.Error()})
				}
				return
			}
			out = append(out, FieldError{Pointer: pointer, Message: node.Error()})
			return
		}
		for _, cause := range node.Causes {
			walk(cause)
		}
	}
	walk(validationErr)

	sort.Slice(out, func(i, j int) bool { return out[i].Pointer < out[j].Pointer })
	return out
}

func joinPointer(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}
