package wsrouter_test

// enhancer_test.go guards the ContextEnhancer wiring added to close out
// the review that flagged ValidatorAdapter.Enhancers() as defined but
// never invoked: HandleMessage must run every enhancer, in ascending
// Priority order, after the Context is built and before middleware/handler
// dispatch, and abort with an error envelope if one fails.

import (
	"context"
	"testing"

	"github.com/andrewwphillips/wsrouter"
	"github.com/andrewwphillips/wsrouter/strictvalidator"
	"github.com/andrewwphillips/wsrouter/wstest"
)

// recordingEnhancer appends name to *order when it runs, letting a test
// assert both that it ran and in what relative order.
type recordingEnhancer struct {
	priority int
	name     string
	order    *[]string
	fail     bool
}

func (e recordingEnhancer) Priority() int { return e.priority }

func (e recordingEnhancer) Enhance(_ context.Context, c *wsrouter.Context) error {
	*e.order = append(*e.order, e.name)
	if e.fail {
		return wsrouter.NewError(wsrouter.CodeFailedPrecondition, e.name+" refused this frame")
	}
	c.SetExtension("tenant", "acme")
	return nil
}

// enhancingValidator wraps strictvalidator.Validator, overriding only
// Enhancers so tests can install arbitrary ContextEnhancers without a
// bespoke ValidatorAdapter implementation.
type enhancingValidator struct {
	*strictvalidator.Validator
	enh []wsrouter.ContextEnhancer
}

func (v enhancingValidator) Enhancers() []wsrouter.ContextEnhancer { return v.enh }

func TestEnhancersRunInPriorityOrderBeforeHandler(t *testing.T) {
	reg := newTestRegistry(t)
	var order []string
	validator := enhancingValidator{
		Validator: strictvalidator.New(),
		enh: []wsrouter.ContextEnhancer{
			recordingEnhancer{priority: 10, name: "higher-priority-number-runs-second", order: &order},
			recordingEnhancer{priority: -5, name: "negative-priority-runs-before-positive", order: &order},
		},
	}
	r := wsrouter.NewRouter(reg, validator)

	var tenantSeenByHandler any
	_ = r.Handle("PING", func(c *wsrouter.Context) error {
		order = append(order, "handler")
		tenantSeenByHandler, _ = c.Extension("tenant")
		return nil
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(ctx, "PING", nil, map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}

	want := []string{"negative-priority-runs-before-positive", "higher-priority-number-runs-second", "handler"}
	if len(order) != len(want) {
		t.Fatalf("expected call order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected call order %v, got %v", want, order)
		}
	}
	if tenantSeenByHandler != "acme" {
		t.Fatalf("expected the handler to see the enhancer-attached extension, got %v", tenantSeenByHandler)
	}
}

func TestFailingEnhancerAbortsBeforeHandler(t *testing.T) {
	reg := newTestRegistry(t)
	handlerCalled := false
	validator := enhancingValidator{
		Validator: strictvalidator.New(),
		enh:       []wsrouter.ContextEnhancer{recordingEnhancer{name: "gatekeeper", order: &[]string{}, fail: true}},
	}
	r := wsrouter.NewRouter(reg, validator)
	_ = r.Handle("PING", func(c *wsrouter.Context) error {
		handlerCalled = true
		return nil
	})

	ctx := context.Background()
	conn, err := wstest.Dial(ctx, r, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(ctx, "PING", nil, map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	if handlerCalled {
		t.Fatal("expected a failing enhancer to prevent the handler from running")
	}
	envs, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Type != wsrouter.ErrorTypeName {
		t.Fatalf("expected one ERROR envelope, got %+v", envs)
	}
}
