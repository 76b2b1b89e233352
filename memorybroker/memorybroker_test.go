package memorybroker

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestPublishLoopsBackToPublisher guards the "broker is the single source
// of truth for delivery" contract: a Router relies on its own broker
// consumer looping a publish back to it (see wsrouter.Router.Publish),
// rather than doing its own direct local fan-out once a broker is
// installed, so the publishing consumer must receive its own message just
// like every other attached consumer.
func TestPublishLoopsBackToPublisher(t *testing.T) {
	hub := NewHub()
	a := New(hub)
	b := New(hub)
	ctx := context.Background()

	var mu sync.Mutex
	var aReceived, bReceived []string

	if err := a.Start(ctx, func(topic string, _ []byte, _ string) {
		mu.Lock()
		aReceived = append(aReceived, topic)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx, func(topic string, _ []byte, _ string) {
		mu.Lock()
		bReceived = append(bReceived, topic)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx)
	defer b.Stop(ctx)

	if err := a.Publish(ctx, "room-1", []byte(`{}`), ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(aReceived) > 0 && len(bReceived) > 0
		mu.Unlock()
		if got {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(aReceived) != 1 || aReceived[0] != "room-1" {
		t.Fatalf("expected the publishing consumer to receive its own publish, got %v", aReceived)
	}
	if len(bReceived) != 1 || bReceived[0] != "room-1" {
		t.Fatalf("expected b to receive exactly one message for room-1, got %v", bReceived)
	}
}

// TestPublishExcludeClientIDIsPerConnectionNotPerConsumer confirms
// excludeClientID is carried through to onRemote unchanged: the broker
// itself does no per-connection filtering (that happens in the Router's
// deliverLocal, which owns the clientId-to-socket mapping), so the same
// excludeClientID reaches every consumer including the publisher's own.
func TestPublishExcludeClientIDIsPerConnectionNotPerConsumer(t *testing.T) {
	hub := NewHub()
	a := New(hub)
	ctx := context.Background()

	received := make(chan string, 1)
	if err := a.Start(ctx, func(_ string, _ []byte, excludeClientID string) {
		received <- excludeClientID
	}); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx)

	if err := a.Publish(ctx, "room-1", []byte(`{}`), "client-A"); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got != "client-A" {
			t.Fatalf("expected excludeClientID %q to reach onRemote unchanged, got %q", "client-A", got)
		}
	case <-time.After(time.Second):
		t.Fatal("onRemote was never called")
	}
}

func TestStopDetachesConsumer(t *testing.T) {
	hub := NewHub()
	a := New(hub)
	b := New(hub)
	ctx := context.Background()

	received := make(chan struct{}, 1)
	if err := a.Start(ctx, func(string, []byte, string) {}); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx, func(string, []byte, string) { received <- struct{}{} }); err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Publish(ctx, "room-1", []byte(`{}`), ""); err != nil {
		t.Fatal(err)
	}

	select {
	case <-received:
		t.Fatal("a stopped consumer must not receive further publishes")
	case <-time.After(50 * time.Millisecond):
	}
	_ = a.Stop(ctx)
}
