// Package wstest is an in-memory wsrouter.Socket and a scripted-action
// test harness, grounded on
// internal/handler/subscription_test.go's wsAction/actionSend/actionRecv/
// actionError/actionCancel/actionPause table-driven pattern, generalized
// from one GraphQL-subscription test file into a reusable harness for any
// Router.
package wstest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/andrewwphillips/wsrouter"
)

// Socket is an in-memory wsrouter.Socket: Send appends to an Outbox a test
// can drain instead of writing to a real network connection.
type Socket struct {
	mu      sync.Mutex
	outbox  [][]byte
	closed  bool
	closeCd int
}

// NewSocket returns a fresh, open in-memory socket.
func NewSocket() *Socket { return &Socket{} }

func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("wstest: send on closed socket")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.outbox = append(s.outbox, cp)
	return nil
}

func (s *Socket) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCd = code
	return nil
}

func (s *Socket) ReadyState() wsrouter.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wsrouter.StateClosed
	}
	return wsrouter.StateOpen
}

func (s *Socket) BufferedAmount() int { return 0 }

// Drain removes and returns every frame sent since the last Drain.
func (s *Socket) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

// CloseCode reports the code passed to Close, or 0 if still open.
func (s *Socket) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCd
}

// Conn bundles a connection's clientId with its in-memory socket, wired
// into a Router via Dial.
type Conn struct {
	ClientID string
	Socket   *Socket

	router *wsrouter.Router
}

// Dial opens a new in-memory connection against r, running OpenHooks
// synchronously (Router.HandleOpen is synchronous by design, so no
// goroutine is needed here).
func Dial(ctx context.Context, r *wsrouter.Router, clientID string) (*Conn, error) {
	sock := NewSocket()
	if err := r.HandleOpen(ctx, wsrouter.ConnData{ClientID: clientID, ConnectedAt: time.Now().UnixMilli()}, sock); err != nil {
		return nil, err
	}
	return &Conn{ClientID: clientID, Socket: sock, router: r}, nil
}

// Send encodes an envelope {type, meta, payload} and hands it to the
// Router as an inbound frame.
func (c *Conn) Send(ctx context.Context, typ string, meta map[string]any, payload any) error {
	env := struct {
		Type    string          `json:"type"`
		Meta    map[string]any  `json:"meta,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Type: typ, Meta: meta}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.router.HandleMessage(ctx, c.ClientID, raw)
}

// Recv drains and JSON-decodes every frame sent to this connection since
// the last Recv/Drain.
func (c *Conn) Recv() ([]wsrouter.Envelope, error) {
	frames := c.Socket.Drain()
	out := make([]wsrouter.Envelope, 0, len(frames))
	for _, raw := range frames {
		var e wsrouter.Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close tells the Router this connection has gone away.
func (c *Conn) Close(ctx context.Context) {
	c.router.HandleClose(ctx, c.ClientID)
}

// WaitFor polls Recv (sleeping step between attempts) until pred matches
// one received envelope or timeout elapses, returning the matching
// envelope. Used by tests that need to wait for an asynchronously
// delivered frame (e.g. a pub/sub fan-out to another connection).
func WaitFor(c *Conn, timeout, step time.Duration, pred func(wsrouter.Envelope) bool) (wsrouter.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for {
		envs, err := c.Recv()
		if err == nil {
			for _, e := range envs {
				if pred(e) {
					return e, true
				}
			}
		}
		if time.Now().After(deadline) {
			return wsrouter.Envelope{}, false
		}
		time.Sleep(step)
	}
}
