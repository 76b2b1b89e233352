// Package wsrouter is a schema-driven WebSocket application framework.
//
// A Router accepts envelopes of the form {type, meta, payload} delivered by
// a pluggable TransportAdapter, validates them against a registered
// Descriptor catalog using a pluggable ValidatorAdapter, and dispatches them
// through a middleware chain to a typed Handler. Handlers produce unicast
// replies, request/response RPC exchanges with streaming progress, and
// topic-based broadcasts to other locally connected peers (optionally
// federated through an external broker).
//
// The router is validator-agnostic and transport-adapter-agnostic: this
// package defines only the contracts (TransportAdapter, ValidatorAdapter,
// PubSubDriver, BrokerConsumer, RateLimiter) the core depends on. Reference
// implementations live in sibling packages: gorillatransport, strictvalidator,
// localindex, memorybroker, and tokenbucket.
package wsrouter
