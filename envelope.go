package wsrouter

// envelope.go defines the wire envelope: every frame the router reads or
// writes is a JSON object of this shape. See internal/handler/wshandler.go's
// wsMessage in the teacher for the precedent of a single typed envelope
// struct shared by every message direction.

import (
	"bytes"
	"encoding/json"
)

// ControlPrefix marks a message type as engine-internal. Types beginning
// with this prefix are never dispatched to a registered handler.
const ControlPrefix = "$ws:"

// Reserved control message types.
const (
	ControlAbort       = ControlPrefix + "abort"
	ControlRPCProgress = ControlPrefix + "rpc-progress"
	ControlRPCError    = ControlPrefix + "rpc-error"
)

// Meta keys the core knows by name. Only those in reservedMetaKeys are
// server-only: stripReserved drops them from inbound meta, and Send rejects
// them in SendOptions.Meta. correlationId and timestamp travel in Meta's
// typed fields.
const (
	MetaClientID     = "clientId"
	MetaReceivedAt   = "receivedAt"
	MetaCorrelation  = "correlationId"
	MetaTimestamp    = "timestamp"
	metaExcludeOwner = "excludeClientId" // publish-only, engine-internal
)

// MetaTimeoutMs is a client-supplied (not reserved) meta key: an RPC
// caller's preferred deadline in milliseconds, honored by
// Router.HandleMessage when present and positive (see Config.RPCTimeout).
const MetaTimeoutMs = "timeoutMs"

var reservedMetaKeys = map[string]struct{}{
	MetaClientID:     {},
	MetaReceivedAt:   {},
	MetaCorrelation:  {},
	metaExcludeOwner: {},
}

// IsReservedMetaKey reports whether key is a server-only meta key that
// applications may not set on an inbound frame.
func IsReservedMetaKey(key string) bool {
	_, ok := reservedMetaKeys[key]
	return ok
}

// Meta carries transport-level metadata alongside an envelope's payload.
// CorrelationID and TimestampMs are recognized by the core; Extra holds any
// application-defined keys the schema declares.
type Meta struct {
	CorrelationID string         `json:"correlationId,omitempty"`
	TimestampMs   int64          `json:"timestamp,omitempty"`
	Extra         map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the known fields so the wire form is
// a single flat JSON object, never a nested "extra" key.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.CorrelationID != "" {
		out[MetaCorrelation] = m.CorrelationID
	}
	if m.TimestampMs != 0 {
		out[MetaTimestamp] = m.TimestampMs
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any object, lifting the known keys out and leaving
// the rest in Extra.
func (m *Meta) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	if v, ok := raw[MetaCorrelation]; ok {
		if s, ok := v.(string); ok {
			m.CorrelationID = s
		}
		delete(raw, MetaCorrelation)
	}
	if v, ok := raw[MetaTimestamp]; ok {
		if f, ok := v.(float64); ok {
			m.TimestampMs = int64(f)
		}
		delete(raw, MetaTimestamp)
	}
	m.Extra = raw
	return nil
}

// Clone returns a deep-enough copy of m (Extra is copied shallowly).
func (m Meta) Clone() Meta {
	out := Meta{CorrelationID: m.CorrelationID, TimestampMs: m.TimestampMs}
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Get returns an Extra value, or the zero value and false if absent.
func (m Meta) Get(key string) (any, bool) {
	if m.Extra == nil {
		return nil, false
	}
	v, ok := m.Extra[key]
	return v, ok
}

// stripReserved removes reserved server-only keys from inbound meta's Extra
// and returns the resulting Meta.
func stripReserved(m Meta) Meta {
	if m.Extra == nil {
		return m
	}
	for k := range reservedMetaKeys {
		delete(m.Extra, k)
	}
	return m
}

// Envelope is the decoded form of a wire frame.
type Envelope struct {
	Type    string          `json:"type"`
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsControl reports whether e is a reserved, non-dispatchable control frame.
func (e Envelope) IsControl() bool {
	return len(e.Type) >= len(ControlPrefix) && e.Type[:len(ControlPrefix)] == ControlPrefix
}

// decodeEnvelope performs a root-level strict decode: only {type, meta,
// payload} are permitted keys, matching spec §8 property 6 (strict
// envelopes). This is distinct from ValidatorAdapter.validate, which checks
// the payload/meta against a descriptor's schema; this function only
// enforces the fixed envelope shape itself.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&probe); err != nil {
		return Envelope{}, err
	}
	for k := range probe {
		switch k {
		case "type", "meta", "payload":
		default:
			return Envelope{}, &unknownRootKeyError{key: k}
		}
	}
	var e Envelope
	if v, ok := probe["type"]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := probe["meta"]; ok {
		if err := json.Unmarshal(v, &e.Meta); err != nil {
			return Envelope{}, err
		}
	} else {
		e.Meta = Meta{}
	}
	if v, ok := probe["payload"]; ok {
		e.Payload = v
	}
	return e, nil
}

type unknownRootKeyError struct{ key string }

func (e *unknownRootKeyError) Error() string {
	return "wsrouter: unknown root key " + e.key
}

// encodeEnvelope marshals an outbound envelope. payload == nil omits the
// "payload" key entirely, per spec §4.5.
func encodeEnvelope(e Envelope) ([]byte, error) {
	type wire struct {
		Type    string          `json:"type"`
		Meta    Meta            `json:"meta"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	return json.Marshal(wire{Type: e.Type, Meta: e.Meta, Payload: e.Payload})
}
