package wsrouter

// messaging.go implements the messaging plugin (spec §4.5/§4.5's send
// surface): ctx.Send, ctx.Reply/Progress/Error for RPC handlers, and
// ctx.Publish. Grounded on wshandler.go's write() (a single mutex-guarded
// WriteJSON every outbound path funnels through) generalized to the
// envelope/backpressure/abort-signal rules the spec adds on top.

import (
	"encoding/json"
	"time"
)

// SendOptions configures one outbound Send call.
type SendOptions struct {
	// PreserveCorrelation copies the inbound frame's correlationId onto the
	// outbound meta, e.g. for a non-terminal event correlated to a request.
	PreserveCorrelation bool
	// Meta merges additional application meta keys (reserved keys are
	// rejected).
	Meta map[string]any
}

func (c *Context) send(typ string, payload any, opts SendOptions) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return NewErrorf(CodeInternal, "marshal payload for %q: %v", typ, err)
	}

	meta := Meta{TimestampMs: time.Now().UnixMilli()}
	if opts.PreserveCorrelation {
		meta.CorrelationID = c.Meta.CorrelationID
	}
	if len(opts.Meta) > 0 {
		meta.Extra = make(map[string]any, len(opts.Meta))
		for k, v := range opts.Meta {
			if IsReservedMetaKey(k) {
				return NewErrorf(CodeInvalidArgument, "meta key %q is reserved", k)
			}
			meta.Extra[k] = v
		}
	}

	return c.writeEnvelope(Envelope{Type: typ, Meta: meta, Payload: raw})
}

// marshalPayload omits the payload key when payload is nil, matching
// spec §4.5's "payload === undefined is omitted, never sent as null".
func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// writeEnvelope is the one shared socket write every outbound path (Send,
// Reply, Progress, Error, control frames) funnels through, mirroring
// wshandler.go's single write() chokepoint. Backpressure is checked by
// callers that need it (terminal RPC sends only, per spec), not here:
// Progress is explicitly best-effort and must never be blocked by it.
func (c *Context) writeEnvelope(e Envelope) error {
	raw, err := encodeEnvelope(e)
	if err != nil {
		return NewErrorf(CodeInternal, "encode envelope: %v", err)
	}
	if err := c.Socket.Send(raw); err != nil {
		return NewErrorf(CodeConnectionClosed, "socket send failed: %v", err)
	}
	return nil
}

// overBufferLimit reports whether the socket's outstanding send buffer
// exceeds Config.SocketBufferLimitBytes.
func (c *Context) overBufferLimit() bool {
	limit := c.router.cfg.SocketBufferLimitBytes
	return limit > 0 && c.Socket.BufferedAmount() > limit
}

// Send emits a fire-and-forget event frame to this connection.
func (c *Context) Send(typ string, payload any, opts ...SendOptions) error {
	var o SendOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.send(typ, payload, o)
}

// Reply sends the terminal success response for an RPC frame. Only the
// first of Reply/Error for a given correlationId has effect; later calls
// return an error identifying the call as already terminated.
func (c *Context) Reply(payload any) error {
	if c.rpc == nil {
		return NewError(CodeFailedPrecondition, "Reply called outside an RPC handler")
	}
	if !c.rpc.markReplied() {
		return NewErrorf(CodeFailedPrecondition, "rpc %q already terminated", c.rpc.correlationID)
	}
	c.router.rpcs.finish(c.ClientID, c.rpc.correlationID)
	if c.overBufferLimit() {
		return c.send(ControlRPCError, retryableError(CodeResourceExhausted, "socket send buffer is over the configured limit", 0).payload(), SendOptions{PreserveCorrelation: true})
	}
	return c.send(c.rpc.descriptor.ResponseType, payload, SendOptions{PreserveCorrelation: true})
}

// Progress sends a non-terminal $ws:rpc-progress frame, throttled to at
// most one per Config.ProgressThrottle interval; calls inside the
// throttle window are silently dropped rather than erroring, since
// progress is advisory.
func (c *Context) Progress(payload any) error {
	if c.rpc == nil {
		return NewError(CodeFailedPrecondition, "Progress called outside an RPC handler")
	}
	if c.rpc.isReplied() {
		return nil
	}
	if c.router.cfg.ProgressThrottle > 0 && c.rpc.progressElapsed() < c.router.cfg.ProgressThrottle {
		return nil
	}
	c.rpc.touchProgress()
	return c.send(ControlRPCProgress, payload, SendOptions{PreserveCorrelation: true})
}

// Error sends the terminal error response for an RPC frame as a
// $ws:rpc-error control envelope.
func (c *Context) Error(err *Error) error {
	if c.rpc == nil {
		return NewError(CodeFailedPrecondition, "Error called outside an RPC handler")
	}
	if !c.rpc.markReplied() {
		return NewErrorf(CodeFailedPrecondition, "rpc %q already terminated", c.rpc.correlationID)
	}
	c.router.rpcs.finish(c.ClientID, c.rpc.correlationID)
	if c.overBufferLimit() {
		err = retryableError(CodeResourceExhausted, "socket send buffer is over the configured limit", 0)
	}
	return c.send(ControlRPCError, err.payload(), SendOptions{PreserveCorrelation: true})
}

// OnCancel registers a callback invoked if this RPC's deadline/idle
// timeout expires, it receives a $ws:abort, or the connection closes
// before a terminal reply. A no-op outside an RPC handler.
func (c *Context) OnCancel(fn func()) {
	if c.rpc == nil {
		return
	}
	c.rpc.onCancel(fn)
}

// TimeRemaining reports time until this RPC's deadline, clamped to zero
// once expired; outside an RPC handler there is no deadline, so it
// returns the largest representable Duration (treated as +infinity).
func (c *Context) TimeRemaining() time.Duration {
	if c.rpc == nil {
		return time.Duration(1<<63 - 1)
	}
	return c.rpc.timeRemaining()
}

// Publish fans payload out to every subscriber of topic via the router's
// PubSubAdapter (spec §4.8). excludeSelf skips delivery back to this
// connection's own clientId.
func (c *Context) Publish(topic string, typ string, payload any, excludeSelf bool) error {
	return c.router.Publish(c.Std, topic, typ, payload, PublishOptions{ExcludeSelf: excludeSelf}, c.ClientID)
}
