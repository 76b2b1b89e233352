package wsrouter

// descriptor.go implements the message descriptor registry (spec §4.1).
// Grounded on internal/schema/schema.go's duplicate-name detection at
// registration time (schemaTypes.add), generalized from GraphQL type
// declarations to message descriptors.

import (
	"fmt"
	"strings"
	"sync"
)

// Kind distinguishes a fire-and-forget event from a request/response RPC.
type Kind int

const (
	KindEvent Kind = iota
	KindRPC
)

func (k Kind) String() string {
	if k == KindRPC {
		return "rpc"
	}
	return "event"
}

// Descriptor binds a message type to its request (and, for RPC, response)
// schema. Descriptors are immutable once registered.
type Descriptor struct {
	MessageType   string
	Kind          Kind
	RequestSchema any
	// ResponseSchema is present iff Kind == KindRPC. ResponseType is the
	// wire "type" used for the terminal reply envelope.
	ResponseSchema any
	ResponseType   string
	// MetaSchema optionally declares the application-defined meta keys this
	// message type accepts, in addition to the engine-recognized ones
	// (correlationId, timestamp, timeoutMs). nil means the message accepts
	// no application meta keys at all; a ValidatorAdapter that validates
	// meta strictly (e.g. strictvalidator) rejects anything else.
	MetaSchema any
}

func (d Descriptor) validate() error {
	if d.MessageType == "" {
		return fmt.Errorf("wsrouter: descriptor has empty messageType")
	}
	if strings.HasPrefix(d.MessageType, ControlPrefix) {
		return NewErrorf(CodeInvalidArgument, "reserved type %q: messages may not start with %q", d.MessageType, ControlPrefix)
	}
	if d.Kind == KindRPC && d.ResponseType == "" {
		return fmt.Errorf("wsrouter: rpc descriptor %q missing ResponseType", d.MessageType)
	}
	return nil
}

// Registry is the process-wide message catalog. It is safe for concurrent
// Lookup while Register is in progress, but applications are expected to
// finish registering descriptors before the router starts accepting
// connections (spec §4.1: "effectively immutable after router start").
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Descriptor
}

// NewRegistry creates an empty descriptor registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Descriptor)}
}

// Register adds a descriptor, failing with CodeAlreadyExists if the type
// (or its response type, for RPC descriptors) already exists, or with
// CodeInvalidArgument ("reserved type") if it begins with ControlPrefix.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		if _, ok := AsError(err); ok {
			return err
		}
		return NewError(CodeInvalidArgument, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[d.MessageType]; exists {
		return NewErrorf(CodeAlreadyExists, "message type %q already registered", d.MessageType)
	}
	if d.Kind == KindRPC {
		if _, exists := r.byType[d.ResponseType]; exists {
			return NewErrorf(CodeAlreadyExists, "response type %q collides with an existing message type", d.ResponseType)
		}
	}
	r.byType[d.MessageType] = d
	return nil
}

// Lookup returns the descriptor for typ, or false if unregistered.
// Constant-time; callers may read concurrently with no external lock.
func (r *Registry) Lookup(typ string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[typ]
	return d, ok
}

// Types returns every registered message type, for diagnostics/tests.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}
