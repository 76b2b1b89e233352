package wsrouter_test

// pubsub_broker_test.go guards the broker lifecycle wiring added to close
// out the review that flagged BrokerConsumer.Start as never called and
// Publish as double-delivering once it was: InitPubSub must start the
// broker and hand it a loopback that reaches local subscribers, and once a
// broker is installed, Publish must route exclusively through it (no
// parallel direct fan-out).

import (
	"context"
	"sync"
	"testing"

	"github.com/andrewwphillips/wsrouter"
	"github.com/andrewwphillips/wsrouter/localindex"
	"github.com/andrewwphillips/wsrouter/strictvalidator"
	"github.com/andrewwphillips/wsrouter/wstest"
)

// fakeBroker is a wsrouter.BrokerConsumer that immediately loops every
// Publish back through onRemote, the same way memorybroker.Consumer does
// for a single-hub deployment, while recording every call so tests can
// assert exactly one delivery happened.
type fakeBroker struct {
	mu        sync.Mutex
	started   bool
	onRemote  func(topic string, envelope []byte, excludeClientID string)
	published []string // topics, one entry per Publish call
}

func (f *fakeBroker) Start(_ context.Context, onRemote func(string, []byte, string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.onRemote = onRemote
	return nil
}

func (f *fakeBroker) Publish(_ context.Context, topic string, envelope []byte, excludeClientID string) error {
	f.mu.Lock()
	onRemote := f.onRemote
	f.published = append(f.published, topic)
	f.mu.Unlock()
	if onRemote != nil {
		onRemote(topic, envelope, excludeClientID)
	}
	return nil
}

func (f *fakeBroker) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

var _ wsrouter.BrokerConsumer = (*fakeBroker)(nil)

func TestInitPubSubStartsBrokerAndWiresLoopback(t *testing.T) {
	r, _ := pubsubRouter(t)
	broker := &fakeBroker{}
	r.SetPubSub(&wsrouter.PubSubAdapter{Driver: localindex.New(), Broker: broker})

	ctx := context.Background()
	if err := r.InitPubSub(ctx); err != nil {
		t.Fatal(err)
	}
	broker.mu.Lock()
	started, hasCallback := broker.started, broker.onRemote != nil
	broker.mu.Unlock()
	if !started {
		t.Fatal("expected InitPubSub to start the broker")
	}
	if !hasCallback {
		t.Fatal("expected InitPubSub to wire an onRemote callback")
	}
}

func TestPublishWithBrokerDoesNotDoubleDeliverLocally(t *testing.T) {
	reg := wsrouter.NewRegistry()
	if err := reg.Register(wsrouter.Descriptor{MessageType: "JOIN", Kind: wsrouter.KindEvent, RequestSchema: (*joinRoomReq)(nil)}); err != nil {
		t.Fatalf("register JOIN: %v", err)
	}
	r := wsrouter.NewRouter(reg, strictvalidator.New())
	broker := &fakeBroker{}
	r.SetPubSub(&wsrouter.PubSubAdapter{Driver: localindex.New(), Broker: broker})
	_ = r.Handle("JOIN", func(c *wsrouter.Context) error {
		req := c.Value.(*joinRoomReq)
		return c.Topics().Subscribe(c.Std, req.Room)
	})

	ctx := context.Background()
	if err := r.InitPubSub(ctx); err != nil {
		t.Fatal(err)
	}

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
		_, _ = conn.Recv()
	}

	if err := r.Publish(ctx, "room", "ROOM_MSG", map[string]any{"text": "hi"}, wsrouter.PublishOptions{ExcludeSelf: true}, "A"); err != nil {
		t.Fatal(err)
	}

	if len(broker.published) != 1 {
		t.Fatalf("expected Publish to call the broker exactly once, got %d calls", len(broker.published))
	}

	aEnvs, _ := a.Recv()
	if len(aEnvs) != 0 {
		t.Fatalf("excludeSelf publisher must receive nothing, got %+v", aEnvs)
	}
	bEnvs, err := b.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(bEnvs) != 1 {
		t.Fatalf("expected exactly one delivery to B via the broker loopback (not a direct fan-out plus a broker loopback), got %d: %+v", len(bEnvs), bEnvs)
	}
}
