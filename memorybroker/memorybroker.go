// Package memorybroker is the reference wsrouter.BrokerConsumer. It
// stands in for an external message broker (Redis, NATS, a managed queue)
// behind the same interface: a shared *Hub fans published messages out to
// every Consumer attached to it, including the publisher's own, modelling
// multiple wsrouter.Router instances (e.g. separate processes) that all
// publish through the same broker and all receive their own publishes
// back through it, the broker being the single source of truth for
// delivery once installed. Grounded on nugget-thane-ai-agent's
// internal/events/bus.go (non-blocking buffered-channel fan-out,
// "select { default: drop }" on a slow consumer) and its
// internal/homeassistant/websocket.go subscription-replay-on-reconnect
// shape for Start/Stop lifecycle.
package memorybroker

import (
	"context"
	"sync"

	"github.com/andrewwphillips/wsrouter"
)

type remoteMessage struct {
	topic           string
	envelope        []byte
	excludeClientID string
}

// Hub is the shared medium multiple Consumers publish through and consume
// from, standing in for the network a real broker would use.
type Hub struct {
	mu        sync.Mutex
	consumers map[*Consumer]chan remoteMessage
}

// NewHub creates an empty, ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{consumers: make(map[*Consumer]chan remoteMessage)}
}

func (h *Hub) attach(c *Consumer) chan remoteMessage {
	ch := make(chan remoteMessage, 64)
	h.mu.Lock()
	h.consumers[c] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) detach(c *Consumer) {
	h.mu.Lock()
	ch, ok := h.consumers[c]
	delete(h.consumers, c)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// broadcast fans msg to every consumer attached to h, including from: a
// Router treats its broker as the single source of truth for delivery once
// one is installed (see wsrouter.Router.Publish), so the publisher's own
// consumer must loop back too, exactly as it would on any other instance.
// Per-connection exclusion (msg.excludeClientID) is applied downstream by
// each consumer's onRemote callback, not here. A consumer whose buffer is
// full drops the message rather than blocking the publisher, the same
// trade-off bus.go makes for slow subscribers.
func (h *Hub) broadcast(msg remoteMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.consumers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Consumer is one Router's attachment point to a Hub.
type Consumer struct {
	hub *Hub

	mu       sync.Mutex
	ch       chan remoteMessage
	cancel   context.CancelFunc
	started  bool
	onRemote func(topic string, envelope []byte, excludeClientID string)
}

// New attaches a new Consumer to hub. The Consumer is inert until Start is
// called.
func New(hub *Hub) *Consumer {
	return &Consumer{hub: hub}
}

var _ wsrouter.BrokerConsumer = (*Consumer)(nil)

func (c *Consumer) Start(ctx context.Context, onRemote func(topic string, envelope []byte, excludeClientID string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.ch = c.hub.attach(c)
	c.cancel = cancel
	c.onRemote = onRemote
	c.started = true

	go c.loop(runCtx)
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.ch:
			if !ok {
				return
			}
			c.onRemote(msg.topic, msg.envelope, msg.excludeClientID)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) Publish(_ context.Context, topic string, envelope []byte, excludeClientID string) error {
	c.hub.broadcast(remoteMessage{topic: topic, envelope: envelope, excludeClientID: excludeClientID})
	return nil
}

func (c *Consumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	c.cancel()
	c.hub.detach(c)
	return nil
}
