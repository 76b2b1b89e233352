// Package gorillatransport is the reference wsrouter.Socket implementation
// over gorilla/websocket. It is adapted wholesale from
// internal/handler/wshandler.go in the teacher repo this module started
// from: the write-mutex-guarded send, the ping/pong read-deadline
// watchdog (setTimeout), and the connection lifecycle (init -> run ->
// stopAll) carry over almost unchanged, generalized from the two
// GraphQL-over-WS sub-protocols to a single $ws:-prefixed control
// protocol.
package gorillatransport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andrewwphillips/wsrouter"
	"github.com/andrewwphillips/wsrouter/internal/idutil"
)

// Router is the subset of *wsrouter.Router this package depends on.
type Router interface {
	HandleOpen(ctx context.Context, data wsrouter.ConnData, socket wsrouter.Socket) error
	HandleMessage(ctx context.Context, clientID string, raw []byte) error
	HandleClose(ctx context.Context, clientID string)
}

// Transport upgrades incoming HTTP requests to WebSocket connections and
// drives a Router from them.
type Transport struct {
	Router Router
	Logger *slog.Logger

	// PingInterval/PongTimeout mirror the teacher's pingFrequency/
	// pongTimeout: how often the server pings, and how long it waits for
	// the matching pong before treating the connection as dead.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// CheckOrigin is passed through to the gorilla upgrader; nil accepts
	// every origin (matching the teacher's permissive default).
	CheckOrigin func(r *http.Request) bool
}

// New builds a Transport with the teacher's default timings.
func New(router Router) *Transport {
	return &Transport{
		Router:       router,
		Logger:       slog.Default(),
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
	}
}

func (t *Transport) upgrader() websocket.Upgrader {
	checkOrigin := t.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return websocket.Upgrader{CheckOrigin: checkOrigin}
}

// ServeHTTP upgrades the request and drives the connection until it
// closes. It never returns until the connection ends.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader().Upgrade(w, r, nil)
	if err != nil {
		t.Logger.Error("gorillatransport: upgrade failed", "error", err)
		return
	}
	t.serve(r.Context(), conn)
}

func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	clientID := idutil.NewClientID()
	sock := &socket{conn: conn}

	if err := t.Router.HandleOpen(ctx, wsrouter.ConnData{ClientID: clientID, ConnectedAt: time.Now().UnixMilli()}, sock); err != nil {
		t.Logger.Warn("gorillatransport: open rejected", "clientId", clientID, "error", err)
		_ = conn.Close()
		return
	}
	defer func() {
		t.Router.HandleClose(ctx, clientID)
		_ = conn.Close()
	}()

	ch := t.readLoop(conn)
	timer := time.NewTimer(t.pingInterval())
	defer timer.Stop()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Time{})
		return nil
	})

	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			if err := t.Router.HandleMessage(ctx, clientID, raw); err != nil {
				t.Logger.Warn("gorillatransport: handle message", "clientId", clientID, "error", err)
			}
		case <-timer.C:
			_ = conn.SetReadDeadline(time.Now().Add(t.pongTimeout()))
			if err := sock.writePing(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.pingInterval())
	}
}

func (t *Transport) pingInterval() time.Duration {
	if t.PingInterval <= 0 {
		return 30 * time.Second
	}
	return t.PingInterval
}

func (t *Transport) pongTimeout() time.Duration {
	if t.PongTimeout <= 0 {
		return 10 * time.Second
	}
	return t.PongTimeout
}

// readLoop mirrors wshandler.go's GetWebsocketInputChannel: reads happen
// on their own goroutine since concurrent reads from one gorilla
// connection are unsupported, and the channel close signals EOF/error.
func (t *Transport) readLoop(conn *websocket.Conn) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for {
			msgType, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			ch <- raw
		}
	}()
	return ch
}

// socket adapts *websocket.Conn to wsrouter.Socket, serializing writes
// behind a mutex the way wshandler.go's write()/writeMu does.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) writePing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return s.conn.Close()
}

func (s *socket) ReadyState() wsrouter.ReadyState {
	return wsrouter.StateOpen
}

func (s *socket) BufferedAmount() int {
	return -1 // gorilla does not expose outstanding write-buffer size
}
