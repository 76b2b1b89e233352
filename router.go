package wsrouter

// router.go implements the Router and its connection lifecycle state
// machine (spec §4.3/§4.4). Grounded on internal/handler/wshandler.go's
// wsConnection/serveWS/run/init/stop: the teacher's init (handshake) ->
// run (message loop) -> stop (cleanup) shape becomes HandleOpen ->
// HandleMessage -> HandleClose here, generalized from one GraphQL-over-WS
// protocol to an arbitrary schema-driven message catalog, and from a
// single global connection to a registry the router owns directly (the
// teacher has exactly one wsConnection per *Handler.run goroutine; here
// many connections share one Router).

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LifecycleState is a connection's position in the state machine named in
// spec §4.3: CONNECTING -> (AUTHENTICATED) -> OPEN -> CLOSING -> CLOSED.
type LifecycleState int

const (
	LifecycleConnecting LifecycleState = iota
	LifecycleAuthenticated
	LifecycleOpen
	LifecycleClosing
	LifecycleClosed
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleConnecting:
		return "CONNECTING"
	case LifecycleAuthenticated:
		return "AUTHENTICATED"
	case LifecycleOpen:
		return "OPEN"
	case LifecycleClosing:
		return "CLOSING"
	case LifecycleClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is the exported view of a connection an OpenHook gets to see and
// annotate (e.g. an auth hook attaching the resolved user id) before it
// transitions to OPEN.
type Conn interface {
	ClientID() string
	SetExtension(key string, value any)
	Extension(key string) (any, bool)
}

// OpenHook runs during HandleOpen, before the connection is marked OPEN; an
// error aborts the connection (used by authmw for connection-time auth).
type OpenHook func(ctx context.Context, conn Conn) error

// CloseHook runs during HandleClose, after topic/rpc teardown.
type CloseHook func(clientID string)

type connection struct {
	clientID string
	socket   Socket

	mu    sync.Mutex
	state LifecycleState

	topics *Topics

	std    context.Context
	cancel context.CancelFunc

	extensions map[string]any
}

func (c *connection) setState(s LifecycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *connection) getState() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetExtension attaches connection-scoped state (e.g. authenticated
// identity) visible to every frame handled on this connection.
func (c *connection) SetExtension(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extensions == nil {
		c.extensions = make(map[string]any)
	}
	c.extensions[key] = value
}

func (c *connection) Extension(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.extensions[key]
	return v, ok
}

// ClientID exposes the connection's stable id, e.g. for an OpenHook that
// wants to log it.
func (c *connection) ClientID() string { return c.clientID }

// Router dispatches inbound frames to registered handlers over any
// transport/validator pair that implements Socket/ValidatorAdapter.
type Router struct {
	cfg       *Config
	registry  *Registry
	validator ValidatorAdapter

	middlewares []Middleware
	handlers    map[string]Handler

	rpcs *rpcRegistry

	// enhancers is validator.Enhancers(), sorted ascending by Priority()
	// (ties keep Enhancers()'s own order). Run once per dispatched frame,
	// after Context construction and before middleware/handler (spec §4.2,
	// §2 data flow).
	enhancers []ContextEnhancer

	pubsub *PubSubAdapter

	openHooks  []OpenHook
	closeHooks []CloseHook

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewRouter builds a Router around registry and validator, applying opts
// over the package defaults (default Config mirrors eggql's SetOptions
// pattern: defaults first, then each Option closure in order).
func NewRouter(registry *Registry, validator ValidatorAdapter, opts ...Option) *Router {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	r := &Router{
		cfg:       cfg,
		registry:  registry,
		validator: validator,
		handlers:  make(map[string]Handler),
		rpcs:      newRPCRegistry(cfg),
		conns:     make(map[string]*connection),
	}
	if enh := validator.Enhancers(); len(enh) > 0 {
		r.enhancers = append([]ContextEnhancer(nil), enh...)
		sort.SliceStable(r.enhancers, func(i, j int) bool {
			return r.enhancers[i].Priority() < r.enhancers[j].Priority()
		})
	}
	if cfg.RateLimiter != nil {
		r.Use(rateLimitMiddleware(cfg.RateLimiter, nil, nil))
	}
	return r
}

// Use appends middleware to the chain every dispatched frame runs through,
// in registration order (outermost first).
func (r *Router) Use(mw Middleware) { r.middlewares = append(r.middlewares, mw) }

// Handle registers the handler for a message type. The type must already
// be registered in the Router's Registry.
func (r *Router) Handle(messageType string, h Handler) error {
	if _, ok := r.registry.Lookup(messageType); !ok {
		return NewErrorf(CodeInternal, "Handle: message type %q has no registered descriptor", messageType)
	}
	r.handlers[messageType] = h
	return nil
}

// OnOpen registers a hook invoked for every new connection before it
// transitions to OPEN.
func (r *Router) OnOpen(h OpenHook) { r.openHooks = append(r.openHooks, h) }

// OnClose registers a hook invoked after a connection's teardown completes.
func (r *Router) OnClose(h CloseHook) { r.closeHooks = append(r.closeHooks, h) }

// SetPubSub installs the adapter Publish/Topics use for cross-connection
// fan-out. If ps.Broker is set, call InitPubSub afterwards to start it.
func (r *Router) SetPubSub(ps *PubSubAdapter) { r.pubsub = ps }

// InitPubSub starts the installed PubSubAdapter's broker, if any, wiring
// its remote publishes back into this instance's local fan-out (spec
// §4.8's "calls adapter.start(deliverLocally) once"). Once a broker is
// running, it is the single source of truth for delivery: Publish stops
// doing its own direct local fan-out and relies on the broker looping the
// message back via onRemote, the same way a remote instance's publish
// would arrive. Safe to call when no broker is installed (a no-op).
func (r *Router) InitPubSub(ctx context.Context) error {
	if r.pubsub == nil || r.pubsub.Broker == nil {
		return nil
	}
	return r.pubsub.Broker.Start(ctx, func(topic string, envelope []byte, excludeClientID string) {
		_ = r.deliverLocal(context.Background(), topic, envelope, excludeClientID)
	})
}

// Shutdown stops the RPC idle sweeper and any broker consumer.
func (r *Router) Shutdown(ctx context.Context) error {
	r.rpcs.shutdown()
	if r.pubsub != nil && r.pubsub.Broker != nil {
		return r.pubsub.Broker.Stop(ctx)
	}
	return nil
}

// HandleOpen begins tracking a new connection, running registered
// OpenHooks (e.g. JWT auth) before marking it OPEN. Grounded on
// wshandler.go's init(): handshake first, only then enter the message
// loop.
func (r *Router) HandleOpen(ctx context.Context, data ConnData, socket Socket) error {
	std, cancel := context.WithCancel(ctx)
	conn := &connection{
		clientID: data.ClientID,
		socket:   socket,
		state:    LifecycleConnecting,
		std:      std,
		cancel:   cancel,
	}
	if r.pubsub != nil {
		conn.topics = newTopics(data.ClientID, r.pubsub.Driver, r.cfg, socket.ReadyState)
	}

	for _, hook := range r.openHooks {
		if err := hook(ctx, conn); err != nil {
			cancel()
			return err
		}
	}
	conn.setState(LifecycleOpen)

	r.mu.Lock()
	r.conns[data.ClientID] = conn
	r.mu.Unlock()
	return nil
}

// HandleMessage decodes, validates, and dispatches one inbound frame.
// Grounded on wshandler.go's run()/read(): strict decode first, then type
// switch, except the switch here is a descriptor lookup against the
// Registry rather than a hardcoded set of GraphQL-over-WS operations.
func (r *Router) HandleMessage(ctx context.Context, clientID string, raw []byte) error {
	conn, ok := r.connection(clientID)
	if !ok {
		return NewErrorf(CodeConnectionClosed, "no open connection for clientId %q", clientID)
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return r.sendError(conn, Meta{}, NewErrorf(CodeInvalidMessageFormat, "%v", err))
	}

	if env.Type == ControlAbort {
		return r.handleAbort(conn, env)
	}
	if env.IsControl() {
		return r.sendError(conn, env.Meta, NewErrorf(CodeUnsupportedType, "unknown control type %q", env.Type))
	}

	env.Meta = stripReserved(env.Meta)

	d, ok := r.registry.Lookup(env.Type)
	if !ok {
		return r.sendError(conn, env.Meta, NewErrorf(CodeUnsupportedType, "unregistered message type %q", env.Type))
	}
	handler, ok := r.handlers[env.Type]
	if !ok {
		return r.sendError(conn, env.Meta, NewErrorf(CodeInternal, "message type %q is registered but has no handler", env.Type))
	}

	result := r.validator.Validate(d, mustMarshalMeta(env.Meta), env.Payload)
	if !result.OK {
		validationErr := NewErrorf(CodeValidationFailed, "%v", result.Issues)
		if d.Kind == KindRPC && env.Meta.CorrelationID != "" {
			return r.sendTerminalError(conn, env.Meta, validationErr)
		}
		return r.sendError(conn, env.Meta, validationErr)
	}

	c := &Context{
		Std:      conn.std,
		Type:     env.Type,
		Meta:     env.Meta,
		Payload:  env.Payload,
		ClientID: clientID,
		Socket:   conn.socket,
		Value:    result.Value,
		router:   r,
		conn:     conn,
	}

	for _, enh := range r.enhancers {
		if err := enh.Enhance(ctx, c); err != nil {
			wsErr, ok := AsError(err)
			if !ok {
				wsErr = NewErrorf(CodeInternal, "%v", err)
			}
			if d.Kind == KindRPC && env.Meta.CorrelationID != "" {
				return r.sendTerminalError(conn, env.Meta, wsErr)
			}
			return r.sendError(conn, env.Meta, wsErr)
		}
	}

	if d.Kind == KindRPC {
		if env.Meta.CorrelationID == "" {
			return r.sendError(conn, env.Meta, NewError(CodeInvalidMessageFormat, "rpc message missing meta.correlationId"))
		}
		state, err := r.rpcs.begin(clientID, d, env.Meta.CorrelationID, r.rpcTimeout(env.Meta))
		if err != nil {
			if wsErr, ok := AsError(err); ok {
				return r.sendTerminalError(conn, env.Meta, wsErr)
			}
			return err
		}
		c.rpc = state
	}

	final := chain(r.middlewares, handler)
	if err := final(c); err != nil {
		wsErr, ok := AsError(err)
		if !ok {
			wsErr = NewErrorf(CodeInternal, "%v", err)
		}
		if d.Kind == KindRPC {
			if c.rpc.markReplied() {
				r.rpcs.finish(clientID, env.Meta.CorrelationID)
				return r.sendTerminalError(conn, env.Meta, wsErr)
			}
			return nil // a terminal reply/error was already sent by the handler
		}
		return r.sendError(conn, env.Meta, wsErr)
	}
	return nil
}

func (r *Router) handleAbort(conn *connection, env Envelope) error {
	correlationID := env.Meta.CorrelationID
	if correlationID == "" {
		return nil
	}
	r.rpcs.mu.Lock()
	var state *rpcState
	if byConn, ok := r.rpcs.byConn[conn.clientID]; ok {
		state = byConn[correlationID]
		delete(byConn, correlationID)
	}
	r.rpcs.mu.Unlock()
	if state != nil {
		state.runCancelCallbacks()
	}
	return nil
}

// HandleClose tears down topic/rpc state for clientID. Grounded on
// wshandler.go's stopAll(): cancel every in-flight operation, then remove
// the connection.
func (r *Router) HandleClose(ctx context.Context, clientID string) {
	r.mu.Lock()
	conn, ok := r.conns[clientID]
	delete(r.conns, clientID)
	r.mu.Unlock()
	if !ok {
		return
	}
	conn.setState(LifecycleClosing)

	r.rpcs.dropConnection(clientID)
	if conn.topics != nil {
		_ = conn.topics.dropAll(ctx)
	}
	conn.cancel()
	conn.setState(LifecycleClosed)

	for _, hook := range r.closeHooks {
		hook(clientID)
	}
}

// rpcTimeout resolves the deadline for one RPC call: the client's
// meta.timeoutMs if present and positive, else Config.RPCTimeout (spec
// §4.6). timeoutMs arrives as a JSON number, decoded as float64 by Meta's
// plain (non-strict) JSON unmarshal.
func (r *Router) rpcTimeout(meta Meta) time.Duration {
	if v, ok := meta.Get(MetaTimeoutMs); ok {
		if ms, ok := v.(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return r.cfg.RPCTimeout
}

func (r *Router) connection(clientID string) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[clientID]
	return c, ok
}

// Publish fans payload out to topic's subscribers via the installed
// PubSubAdapter. When no broker is installed, this instance's Driver is the
// only source of subscribers and Publish delivers to them directly. When a
// broker is installed it is the single source of truth for delivery (spec
// §9 "Broker optionality"): Publish only hands the envelope to the broker,
// which loops it back to this instance's own local subscribers via the
// onRemote callback wired by InitPubSub, exactly as it would for a publish
// originating on another instance. Calling direct local fan-out AND the
// broker unconditionally would double-deliver to every local subscriber
// once the broker's onRemote is wired.
func (r *Router) Publish(ctx context.Context, topic, typ string, payload any, opts PublishOptions, publisherClientID string) error {
	if r.pubsub == nil {
		return NewError(CodeFailedPrecondition, "Publish called with no PubSubAdapter installed")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return NewErrorf(CodeInternal, "marshal publish payload: %v", err)
	}
	meta := Meta{TimestampMs: time.Now().UnixMilli()}
	env, err := encodeEnvelope(Envelope{Type: typ, Meta: meta, Payload: raw})
	if err != nil {
		return NewErrorf(CodeInternal, "encode publish envelope: %v", err)
	}

	exclude := ""
	if opts.ExcludeSelf {
		exclude = publisherClientID
	}

	if r.pubsub.Broker != nil {
		if err := r.pubsub.Broker.Publish(ctx, topic, env, exclude); err != nil {
			return NewErrorf(CodeAdapterError, "broker publish for topic %q: %v", topic, err)
		}
		return nil
	}
	return r.deliverLocal(ctx, topic, env, exclude)
}

// deliverLocal writes envelope to every subscriber of topic known to this
// instance's Driver, skipping excludeClientID if set. It is the single
// local-delivery path, used directly by Publish when no broker is
// installed and indirectly (via the onRemote callback InitPubSub wires,
// which has no context of its own, hence context.Background() there)
// whenever a broker is installed, whether the originating publish was
// local or remote.
func (r *Router) deliverLocal(ctx context.Context, topic string, envelope []byte, excludeClientID string) error {
	subscribers, err := r.pubsub.Driver.GetSubscribers(ctx, topic)
	if err != nil {
		return NewErrorf(CodeAdapterError, "get subscribers for topic %q: %v", topic, err)
	}
	for _, subscriberID := range subscribers {
		if excludeClientID != "" && subscriberID == excludeClientID {
			continue
		}
		conn, ok := r.connection(subscriberID)
		if !ok {
			continue
		}
		_ = conn.socket.Send(envelope)
	}
	return nil
}

func (r *Router) sendError(conn *connection, meta Meta, err *Error) error {
	e := Envelope{Type: ErrorTypeName, Meta: Meta{CorrelationID: meta.CorrelationID, TimestampMs: time.Now().UnixMilli()}}
	raw, merr := marshalPayload(err.payload())
	if merr != nil {
		return merr
	}
	e.Payload = raw
	out, eerr := encodeEnvelope(e)
	if eerr != nil {
		return eerr
	}
	return conn.socket.Send(out)
}

func (r *Router) sendTerminalError(conn *connection, meta Meta, err *Error) error {
	e := Envelope{Type: ControlRPCError, Meta: Meta{CorrelationID: meta.CorrelationID, TimestampMs: time.Now().UnixMilli()}}
	raw, merr := marshalPayload(err.payload())
	if merr != nil {
		return merr
	}
	e.Payload = raw
	out, eerr := encodeEnvelope(e)
	if eerr != nil {
		return eerr
	}
	return conn.socket.Send(out)
}

func mustMarshalMeta(m Meta) []byte {
	b, err := m.MarshalJSON()
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Logf writes a router-level diagnostic through Config.Logger.
func (r *Router) Logf(ctx context.Context, level slog.Level, msg string, args ...any) {
	r.cfg.Logger.Log(ctx, level, fmt.Sprintf(msg, args...))
}
