package wsrouter

// validator.go defines the ValidatorAdapter contract (spec §4.2). The
// reference implementation (package strictvalidator) uses strict
// encoding/json decoding, the same discipline the teacher applies in
// internal/handler/handler.go via decoder.DisallowUnknownFields(); any
// schema engine (JSON Schema, protobuf reflection, ...) can be wired in
// behind this interface instead.

import "context"

// ValidationResult is the outcome of validating one inbound frame.
type ValidationResult struct {
	OK    bool
	Value any // the decoded, schema-typed payload, if OK
	// Issues describes validation failures; non-empty iff !OK.
	Issues []ValidationIssue
}

// ValidationIssue names one validation failure, e.g. an unknown field or a
// failed constraint.
type ValidationIssue struct {
	Path   string // e.g. "payload.name" or "meta.correlationId"
	Reason string
}

// ContextEnhancer lets a validator plugin attach additional per-frame
// context decoration (e.g. a strongly-typed payload field) that runs
// before the handler executes. Enhancers run in ascending Priority order;
// ties run in registration order.
type ContextEnhancer interface {
	Priority() int
	Enhance(ctx context.Context, c *Context) error
}

// ValidatorAdapter parses and validates inbound frames against a
// descriptor's schema, and optionally validates outbound payloads.
type ValidatorAdapter interface {
	// Validate parses raw payload/meta bytes against the descriptor's
	// request schema. MUST be strict: unknown keys are rejected at
	// payload root (the envelope root and reserved meta keys are already
	// enforced by the router before Validate is called).
	Validate(d Descriptor, rawMeta, rawPayload []byte) ValidationResult
	// ValidateOutgoing validates an outbound payload against schema. May
	// return ok=true, nil issues if the adapter does not support outbound
	// validation.
	ValidateOutgoing(schema any, payload any) (ok bool, issues []ValidationIssue)
	// GetMessageType returns the wire type name a schema corresponds to.
	// Registry.Register does not call it: a Descriptor's MessageType and
	// ResponseType are taken as given.
	GetMessageType(schema any) string
	// Enhancers returns any context enhancers this adapter contributes.
	Enhancers() []ContextEnhancer
}
