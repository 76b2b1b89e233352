package wsrouter_test

// router_test.go exercises the end-to-end scenarios from spec.md §8 (E1-E4
// and E6; E5 is in topics_test.go) plus the quantified invariants, using the
// in-memory wstest harness in place of a real transport, following the
// scripted style of internal/handler/subscription_test.go (send/recv/expect
// steps written out in sequence) rather
// than that file's literal wsAction type, since this protocol has no
// "cancel"/"pause" sub-protocol steps of its own.

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/andrewwphillips/wsrouter"
	"github.com/andrewwphillips/wsrouter/localindex"
	"github.com/andrewwphillips/wsrouter/strictvalidator"
	"github.com/andrewwphillips/wsrouter/wstest"
)

type pingPayload struct {
	Text string `json:"text"`
}

func (pingPayload) WSMessageType() string { return "PING" }

type pongPayload struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func newTestRegistry(t *testing.T) *wsrouter.Registry {
	t.Helper()
	reg := wsrouter.NewRegistry()
	if err := reg.Register(wsrouter.Descriptor{MessageType: "PING", Kind: wsrouter.KindEvent, RequestSchema: (*pingPayload)(nil)}); err != nil {
		t.Fatalf("register PING: %v", err)
	}
	return reg
}

// TestE1Echo: PING -> exactly one PONG.
func TestE1Echo(t *testing.T) {
	reg := newTestRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New())
	_ = r.Handle("PING", func(c *wsrouter.Context) error {
		req := c.Value.(*pingPayload)
		return c.Send("PONG", pongPayload{Text: req.Text, Timestamp: time.Now().UnixMilli()})
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(ctx, "PING", nil, map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	envs, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Type != "PONG" {
		t.Fatalf("expected exactly one PONG, got %+v", envs)
	}
	var got pongPayload
	if err := json.Unmarshal(envs[0].Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "hi" {
		t.Fatalf("expected echoed text, got %q", got.Text)
	}
}

type getUserRequest struct {
	ID string `json:"id"`
}

func (getUserRequest) WSMessageType() string { return "GET_USER" }

type userResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func rpcRegistry(t *testing.T) *wsrouter.Registry {
	t.Helper()
	reg := wsrouter.NewRegistry()
	if err := reg.Register(wsrouter.Descriptor{
		MessageType: "GET_USER", Kind: wsrouter.KindRPC,
		RequestSchema: (*getUserRequest)(nil), ResponseSchema: (*userResponse)(nil),
		ResponseType: "USER",
	}); err != nil {
		t.Fatalf("register GET_USER: %v", err)
	}
	return reg
}

// TestE2RPCSuccessWithProgress: two progress frames then one terminal USER,
// in order, all carrying the inbound correlationId.
func TestE2RPCSuccessWithProgress(t *testing.T) {
	reg := rpcRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New(), wsrouter.WithProgressThrottle(0))
	_ = r.Handle("GET_USER", func(c *wsrouter.Context) error {
		_ = c.Progress(map[string]any{"step": 1})
		_ = c.Progress(map[string]any{"step": 2})
		return c.Reply(userResponse{ID: "u", Name: "Alice"})
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(ctx, "GET_USER", map[string]any{"correlationId": "r1"}, getUserRequest{ID: "u"}); err != nil {
		t.Fatal(err)
	}
	envs, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 frames (2 progress + 1 terminal), got %d: %+v", len(envs), envs)
	}
	if envs[0].Type != wsrouter.ControlRPCProgress || envs[1].Type != wsrouter.ControlRPCProgress {
		t.Fatalf("expected two progress frames first, got %+v", envs[:2])
	}
	if envs[2].Type != "USER" {
		t.Fatalf("expected terminal USER frame last, got %+v", envs[2])
	}
	for _, e := range envs {
		if e.Meta.CorrelationID != "r1" {
			t.Fatalf("expected correlationId r1 on every frame, got %q", e.Meta.CorrelationID)
		}
	}
}

// TestE3RPCDoubleReply: second reply and subsequent error are no-ops; only
// the first reply reaches the wire.
func TestE3RPCDoubleReply(t *testing.T) {
	reg := rpcRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New())
	_ = r.Handle("GET_USER", func(c *wsrouter.Context) error {
		_ = c.Reply(userResponse{ID: "u", Name: "A"})
		_ = c.Reply(userResponse{ID: "u", Name: "B"}) // no-op
		_ = c.Error(wsrouter.NewError(wsrouter.CodeInternal, "should not be sent"))
		return nil
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(ctx, "GET_USER", map[string]any{"correlationId": "r1"}, getUserRequest{ID: "u"}); err != nil {
		t.Fatal(err)
	}
	envs, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected exactly one terminal frame, got %d: %+v", len(envs), envs)
	}
	if envs[0].Type != "USER" {
		t.Fatalf("expected USER frame, got %q", envs[0].Type)
	}
	var got userResponse
	if err := json.Unmarshal(envs[0].Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "A" {
		t.Fatalf("expected first reply (Name=A) to win, got %q", got.Name)
	}
}

// TestE4ValidationFailureRPC: a malformed RPC request gets a unicast
// $ws:rpc-error carrying the same correlationId, with no terminal success
// frame, and the socket stays usable afterward.
func TestE4ValidationFailureRPC(t *testing.T) {
	reg := rpcRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New())
	_ = r.Handle("GET_USER", func(c *wsrouter.Context) error {
		return c.Reply(userResponse{ID: "u", Name: "Alice"})
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	// Unknown field "extra" violates strict decoding.
	raw := []byte(`{"type":"GET_USER","meta":{"correlationId":"r1"},"payload":{"id":"u","extra":true}}`)
	if err := r.HandleMessage(ctx, "c1", raw); err != nil {
		t.Fatal(err)
	}
	envs, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Type != wsrouter.ControlRPCError {
		t.Fatalf("expected one $ws:rpc-error frame, got %+v", envs)
	}
	if envs[0].Meta.CorrelationID != "r1" {
		t.Fatalf("expected correlationId r1, got %q", envs[0].Meta.CorrelationID)
	}

	// Socket remains open and usable: a subsequent valid request succeeds.
	if err := conn.Send(ctx, "GET_USER", map[string]any{"correlationId": "r2"}, getUserRequest{ID: "u"}); err != nil {
		t.Fatal(err)
	}
	envs, err = conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Type != "USER" {
		t.Fatalf("expected a successful USER reply after the validation failure, got %+v", envs)
	}
}

type joinRoomReq struct {
	Room string `json:"room"`
}

func (joinRoomReq) WSMessageType() string { return "JOIN" }

func pubsubRouter(t *testing.T) (*wsrouter.Router, *localindex.Driver) {
	t.Helper()
	reg := wsrouter.NewRegistry()
	if err := reg.Register(wsrouter.Descriptor{MessageType: "JOIN", Kind: wsrouter.KindEvent, RequestSchema: (*joinRoomReq)(nil)}); err != nil {
		t.Fatalf("register JOIN: %v", err)
	}
	r := wsrouter.NewRouter(reg, strictvalidator.New())
	driver := localindex.New()
	r.SetPubSub(&wsrouter.PubSubAdapter{Driver: driver})
	_ = r.Handle("JOIN", func(c *wsrouter.Context) error {
		req := c.Value.(*joinRoomReq)
		return c.Topics().Subscribe(c.Std, req.Room)
	})
	return r, driver
}

// TestE6ExcludeSelf: A publishes with excludeSelf=true; B receives one
// frame, A receives zero, and the delivered frame carries no
// excludeClientId in meta.
func TestE6ExcludeSelf(t *testing.T) {
	r, _ := pubsubRouter(t)
	ctx := context.Background()

	a, err := wstest.Dial(ctx, r, "A")
	if err != nil {
		t.Fatal(err)
	}
	b, err := wstest.Dial(ctx, r, "B")
	if err != nil {
		t.Fatal(err)
	}
	for _, conn := range []*wstest.Conn{a, b} {
		if err := conn.Send(ctx, "JOIN", nil, joinRoomReq{Room: "room"}); err != nil {
			t.Fatal(err)
		}
		_, _ = conn.Recv() // drain any JOIN-time frames
	}

	if err := r.Publish(ctx, "room", "ROOM_MSG", map[string]any{"text": "hi"}, wsrouter.PublishOptions{ExcludeSelf: true}, "A"); err != nil {
		t.Fatal(err)
	}

	aEnvs, _ := a.Recv()
	if len(aEnvs) != 0 {
		t.Fatalf("publisher A should receive zero frames with excludeSelf, got %d", len(aEnvs))
	}
	bEnvs, err := b.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(bEnvs) != 1 {
		t.Fatalf("subscriber B should receive exactly one frame, got %d", len(bEnvs))
	}
	if _, ok := bEnvs[0].Meta.Get("excludeClientId"); ok {
		t.Fatalf("delivered frame must not carry excludeClientId in meta")
	}
}

// TestStrictEnvelope: an unknown root key is rejected.
func TestStrictEnvelope(t *testing.T) {
	reg := newTestRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New())
	_ = r.Handle("PING", func(c *wsrouter.Context) error { return c.Send("PONG", nil) })

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte(`{"type":"PING","meta":{},"payload":{},"bogus":true}`)
	if err := r.HandleMessage(ctx, "c1", raw); err != nil {
		t.Fatal(err)
	}
	envs, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Type != wsrouter.ErrorTypeName {
		t.Fatalf("expected one ERROR envelope for the unknown root key, got %+v", envs)
	}
}

// TestReservedMetaStripping: a reserved meta key on an inbound frame never
// reaches the handler's ctx.Meta.
func TestReservedMetaStripping(t *testing.T) {
	reg := newTestRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New())

	seen := make(chan wsrouter.Meta, 1)
	_ = r.Handle("PING", func(c *wsrouter.Context) error {
		seen <- c.Meta
		return nil
	})

	ctx := context.Background()
	if _, err := wstest.Dial(ctx, r, "c1"); err != nil {
		t.Fatal(err)
	}
	raw := []byte(`{"type":"PING","meta":{"clientId":"spoofed"},"payload":{"text":"x"}}`)
	if err := r.HandleMessage(ctx, "c1", raw); err != nil {
		t.Fatal(err)
	}
	meta := <-seen
	if _, ok := meta.Get("clientId"); ok {
		t.Fatal("reserved meta key clientId leaked into handler context")
	}
}
