// Package localindex is the reference in-process wsrouter.PubSubDriver.
// It is grounded on nugget-thane-ai-agent's internal/events/bus.go, which
// keeps a subscriber index and a reverse map so a subscription can be
// removed without the caller holding onto an internal key, and on the
// zJUNAIDz-vibe-learning-dump pub-sub project's separation between
// subscriber bookkeeping (here) and delivery (wsrouter.Router.Publish).
// It only tracks membership; publishing to local subscribers is the
// Router's job, not the driver's.
package localindex

import (
	"context"
	"sync"

	"github.com/andrewwphillips/wsrouter"
)

// Driver is a process-local, in-memory PubSubDriver. It has no
// cross-instance reach; pair it with memorybroker (or any
// wsrouter.BrokerConsumer) for multi-instance fan-out.
type Driver struct {
	mu      sync.RWMutex
	byTopic map[string]map[string]struct{} // topic -> set of clientId
	byConn  map[string]map[string]struct{} // clientId -> set of topic
}

// New returns an empty Driver.
func New() *Driver {
	return &Driver{
		byTopic: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

var _ wsrouter.PubSubDriver = (*Driver)(nil)

func (d *Driver) Subscribe(_ context.Context, clientID, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(clientID, topic)
	return nil
}

func (d *Driver) addLocked(clientID, topic string) {
	if d.byTopic[topic] == nil {
		d.byTopic[topic] = make(map[string]struct{})
	}
	d.byTopic[topic][clientID] = struct{}{}
	if d.byConn[clientID] == nil {
		d.byConn[clientID] = make(map[string]struct{})
	}
	d.byConn[clientID][topic] = struct{}{}
}

func (d *Driver) Unsubscribe(_ context.Context, clientID, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(clientID, topic)
	return nil
}

func (d *Driver) removeLocked(clientID, topic string) {
	if subs, ok := d.byTopic[topic]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(d.byTopic, topic)
		}
	}
	if topics, ok := d.byConn[clientID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(d.byConn, clientID)
		}
	}
}

func (d *Driver) Replace(_ context.Context, clientID string, topics []string) (added, removed []string, err error) {
	desired := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		desired[t] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.byConn[clientID]
	for topic := range current {
		if _, keep := desired[topic]; !keep {
			removed = append(removed, topic)
		}
	}
	for topic := range desired {
		if _, have := current[topic]; !have {
			added = append(added, topic)
		}
	}
	for _, topic := range removed {
		d.removeLocked(clientID, topic)
	}
	for _, topic := range added {
		d.addLocked(clientID, topic)
	}
	return added, removed, nil
}

func (d *Driver) GetSubscribers(_ context.Context, topic string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := d.byTopic[topic]
	out := make([]string, 0, len(subs))
	for clientID := range subs {
		out = append(out, clientID)
	}
	return out, nil
}

func (d *Driver) ListTopics(_ context.Context, clientID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	topics := d.byConn[clientID]
	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	return out, nil
}

func (d *Driver) HasTopic(_ context.Context, clientID, topic string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byConn[clientID][topic]
	return ok, nil
}

func (d *Driver) Drop(_ context.Context, clientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for topic := range d.byConn[clientID] {
		if subs, ok := d.byTopic[topic]; ok {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(d.byTopic, topic)
			}
		}
	}
	delete(d.byConn, clientID)
	return nil
}
