package wsrouter

// rpc.go implements the RPC engine (spec §4.5, request/response subset).
// Grounded primarily on internal/handler/wshandler.go's subscription
// lifecycle (start/process/stop, cancelSubscription map[string]
// context.CancelFunc, the write-mutex-guarded reply path) generalized from
// GraphQL subscriptions to single-shot correlation-scoped RPCs, and
// secondarily on nugget-thane-ai-agent/internal/homeassistant/websocket.go's
// sendAndWait correlation/timeout pattern for the deadline and idle-sweep
// shape.

import (
	"context"
	"sync"
	"time"
)

// rpcState tracks one in-flight RPC call from the moment its request frame
// is dispatched until a terminal reply or error is sent.
type rpcState struct {
	correlationID string
	clientID      string
	descriptor    Descriptor

	receivedAt time.Time
	deadline   time.Time

	mu              sync.Mutex
	replied         bool // one-shot terminal guard
	lastProgressAt  time.Time
	cancelCallbacks []func()

	cancel context.CancelFunc
}

// rpcRegistry tracks in-flight RPC state per connection, enforcing the
// per-socket inflight cap and duplicate-correlation rejection, and sweeps
// expired entries on a timer (teacher precedent: wsConnection.stopAll
// iterating cancelSubscription; here the sweep is time-driven rather than
// socket-close-driven, since spec §4.5 requires deadline expiry to fire
// independently of the connection's lifetime).
type rpcRegistry struct {
	cfg *Config

	mu      sync.Mutex
	byConn  map[string]map[string]*rpcState // clientID -> correlationID -> state
	stopped chan struct{}
	once    sync.Once
}

func newRPCRegistry(cfg *Config) *rpcRegistry {
	r := &rpcRegistry{cfg: cfg, byConn: make(map[string]map[string]*rpcState), stopped: make(chan struct{})}
	go r.sweepLoop()
	return r
}

func (r *rpcRegistry) shutdown() {
	r.once.Do(func() { close(r.stopped) })
}

// begin registers a new in-flight RPC, rejecting a duplicate correlation id
// on the same connection (ALREADY_EXISTS) or exceeding the per-socket
// inflight cap (RESOURCE_EXHAUSTED, retryable).
func (r *rpcRegistry) begin(clientID string, d Descriptor, correlationID string, timeout time.Duration) (*rpcState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConn[clientID]
	if !ok {
		conn = make(map[string]*rpcState)
		r.byConn[clientID] = conn
	}
	if _, exists := conn[correlationID]; exists {
		return nil, NewErrorf(CodeAlreadyExists, "rpc correlationId %q is already in flight on this connection", correlationID)
	}
	if r.cfg.MaxInflightRPCsPerSocket > 0 && len(conn) >= r.cfg.MaxInflightRPCsPerSocket {
		return nil, retryableError(CodeResourceExhausted, "per-connection inflight rpc limit reached", 250)
	}

	now := time.Now()
	state := &rpcState{
		correlationID: correlationID,
		clientID:      clientID,
		descriptor:    d,
		receivedAt:    now,
		deadline:      now.Add(timeout),
	}
	conn[correlationID] = state
	return state, nil
}

func (r *rpcRegistry) finish(clientID, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.byConn[clientID]; ok {
		delete(conn, correlationID)
		if len(conn) == 0 {
			delete(r.byConn, clientID)
		}
	}
}

// dropConnection cancels and removes every in-flight RPC owned by
// clientID, invoking each state's cancel callbacks. Called on connection
// close.
func (r *rpcRegistry) dropConnection(clientID string) {
	r.mu.Lock()
	conn := r.byConn[clientID]
	delete(r.byConn, clientID)
	r.mu.Unlock()

	for _, state := range conn {
		state.runCancelCallbacks()
	}
}

func (r *rpcRegistry) sweepLoop() {
	interval := r.cfg.RPCIdleSweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.stopped:
			return
		case <-t.C:
			r.sweepOnce()
		}
	}
}

func (r *rpcRegistry) sweepOnce() {
	now := time.Now()
	// An RPC is cancelled once its deadline has passed, or once it has gone
	// idle: no progress frame (or, without one, no activity since receipt)
	// for its timeout plus idleGrace.
	const idleGrace = 10 * time.Second

	r.mu.Lock()
	var expired []*rpcState
	for clientID, conn := range r.byConn {
		for correlationID, state := range conn {
			if now.After(state.deadline) || now.After(state.idleDeadline(idleGrace)) {
				expired = append(expired, state)
				delete(conn, correlationID)
			}
		}
		if len(conn) == 0 {
			delete(r.byConn, clientID)
		}
	}
	r.mu.Unlock()

	for _, state := range expired {
		state.runCancelCallbacks()
	}
}

// idleDeadline is the last activity (latest progress frame, else receipt)
// plus the RPC's timeout plus grace.
func (s *rpcState) idleDeadline(grace time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.receivedAt
	if !s.lastProgressAt.IsZero() {
		base = s.lastProgressAt
	}
	return base.Add(s.deadline.Sub(s.receivedAt) + grace)
}

// markReplied performs the one-shot terminal guard: the first caller gets
// ok=true and every subsequent caller (duplicate reply/error/progress-after-
// terminal) gets ok=false.
func (s *rpcState) markReplied() (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replied {
		return false
	}
	s.replied = true
	return true
}

func (s *rpcState) isReplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replied
}

func (s *rpcState) touchProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProgressAt = time.Now()
}

func (s *rpcState) progressElapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastProgressAt.IsZero() {
		return time.Hour
	}
	return time.Since(s.lastProgressAt)
}

// onCancel registers a callback invoked when the RPC is aborted, its
// deadline/idle timeout expires, or the owning connection closes.
func (s *rpcState) onCancel(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCallbacks = append(s.cancelCallbacks, fn)
}

func (s *rpcState) runCancelCallbacks() {
	s.mu.Lock()
	cbs := s.cancelCallbacks
	s.cancelCallbacks = nil
	s.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// timeRemaining reports how long until the RPC's deadline, clamped to
// zero once expired (never negative).
func (s *rpcState) timeRemaining() time.Duration {
	if d := time.Until(s.deadline); d > 0 {
		return d
	}
	return 0
}
