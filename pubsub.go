package wsrouter

// pubsub.go defines the Pub/Sub adapter contract (spec §4.8). Grounded on
// nugget-thane-ai-agent/internal/events/bus.go's subscriber-index shape
// (a map keyed by subscriber, non-blocking fan-out) and on the
// zJUNAIDz-vibe-learning-dump pub-sub project's separation between local
// subscriber bookkeeping and an optional external broker; localindex is
// the reference PubSubDriver and memorybroker the reference BrokerConsumer.

import "context"

// PubSubDriver tracks, per clientId, which topics a connection is
// subscribed to, and answers subscriber lookups for Publish. It is
// clientId-keyed (unlike Socket, which is per-connection) because the
// driver is process-wide: any connection can ask "who is subscribed to
// topic X" regardless of which goroutine owns that connection.
type PubSubDriver interface {
	Subscribe(ctx context.Context, clientID, topic string) error
	Unsubscribe(ctx context.Context, clientID, topic string) error
	// Replace atomically sets clientID's subscription set to exactly
	// topics, returning the topics added and removed.
	Replace(ctx context.Context, clientID string, topics []string) (added, removed []string, err error)
	// GetSubscribers returns every clientId currently subscribed to topic.
	GetSubscribers(ctx context.Context, topic string) ([]string, error)
	ListTopics(ctx context.Context, clientID string) ([]string, error)
	HasTopic(ctx context.Context, clientID, topic string) (bool, error)
	// Drop removes every subscription owned by clientID, called on close.
	Drop(ctx context.Context, clientID string) error
}

// BrokerConsumer is the optional second half of a PubSubAdapter: when
// present, it becomes the single source of truth for delivery (spec §9
// "Broker optionality") and Publish routes exclusively through it, which
// loops the message back to this instance's own local subscribers via the
// onRemote callback wired by Router.InitPubSub, the same way it delivers a
// publish from any other instance. Composing a PubSubDriver with a
// BrokerConsumer lets a single-process driver (localindex) serve
// multi-instance deployments once paired with a shared broker
// (memorybroker, or any message-queue-backed implementation).
type BrokerConsumer interface {
	// Start begins consuming remote publishes, invoking onRemote for each
	// one. Start must not block; it returns once the consumer loop has been
	// launched.
	Start(ctx context.Context, onRemote func(topic string, envelope []byte, excludeClientID string)) error
	// Publish fans a message to the broker for delivery to every attached
	// instance, this one included (via its own onRemote).
	Publish(ctx context.Context, topic string, envelope []byte, excludeClientID string) error
	Stop(ctx context.Context) error
}

// PubSubAdapter composes a driver with an optional broker. A nil Broker
// means publishes only reach subscribers known to Driver in this process.
type PubSubAdapter struct {
	Driver PubSubDriver
	Broker BrokerConsumer
}

// PublishOptions configures one Publish call.
type PublishOptions struct {
	// ExcludeSelf, when true, skips delivery back to the publishing
	// connection, whether delivery happens directly or via a broker's
	// onRemote loopback.
	ExcludeSelf bool
}
