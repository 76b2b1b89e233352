package wsrouter_test

// rpc_timeout_test.go guards the review fix for an RPC caller's
// meta.timeoutMs: when present and positive it overrides Config.RPCTimeout
// as the deadline for that call; otherwise the configured default applies.

import (
	"context"
	"testing"
	"time"

	"github.com/andrewwphillips/wsrouter"
	"github.com/andrewwphillips/wsrouter/strictvalidator"
	"github.com/andrewwphillips/wsrouter/wstest"
)

func TestRPCHonorsClientTimeoutMsOverride(t *testing.T) {
	reg := rpcRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New(), wsrouter.WithRPCTimeout(time.Minute))

	var remaining time.Duration
	_ = r.Handle("GET_USER", func(c *wsrouter.Context) error {
		remaining = c.TimeRemaining()
		return c.Reply(userResponse{ID: "u", Name: "Alice"})
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	meta := map[string]any{"correlationId": "r1", "timeoutMs": 500}
	if err := conn.Send(ctx, "GET_USER", meta, getUserRequest{ID: "u"}); err != nil {
		t.Fatal(err)
	}
	if remaining <= 0 || remaining > time.Minute/2 {
		t.Fatalf("expected a client-supplied 500ms timeout to override the 1-minute default, got remaining=%v", remaining)
	}
}

func TestRPCFallsBackToConfiguredTimeoutWhenNotPositive(t *testing.T) {
	reg := rpcRegistry(t)
	r := wsrouter.NewRouter(reg, strictvalidator.New(), wsrouter.WithRPCTimeout(time.Minute))

	var remaining time.Duration
	_ = r.Handle("GET_USER", func(c *wsrouter.Context) error {
		remaining = c.TimeRemaining()
		return c.Reply(userResponse{ID: "u", Name: "Alice"})
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	// timeoutMs <= 0 must be ignored, falling back to Config.RPCTimeout.
	meta := map[string]any{"correlationId": "r1", "timeoutMs": -1}
	if err := conn.Send(ctx, "GET_USER", meta, getUserRequest{ID: "u"}); err != nil {
		t.Fatal(err)
	}
	if remaining < 30*time.Second {
		t.Fatalf("expected a non-positive timeoutMs to fall back to the 1-minute default, got remaining=%v", remaining)
	}
}
