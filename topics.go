package wsrouter

// topics.go implements the per-connection Topics object (spec §4.9).
// Grounded on nugget-thane-ai-agent/internal/events/bus.go's reverse-map
// bookkeeping idiom and its Subscribe/Unsubscribe symmetry, generalized
// from a single in-process bus to a PubSubDriver-backed, per-connection
// membership view with optimistic/settled confirmation levels.

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// VerifyMode controls how Topics.Verify confirms driver-side state after a
// local mutation.
type VerifyMode int

const (
	// VerifyOff trusts the local optimistic view; no round-trip to Driver.
	VerifyOff VerifyMode = iota
	// VerifyBestEffort checks Driver but does not fail the call if the
	// check itself errors (e.g. driver momentarily unreachable).
	VerifyBestEffort
	// VerifyStrict checks Driver and fails the call if the check itself
	// errors.
	VerifyStrict
)

// Topics tracks one connection's topic membership, serializing concurrent
// Subscribe/Unsubscribe/Set calls so in-flight mutations never race each
// other, and exposing both an optimistic (locally-applied) and settled
// (driver-confirmed) view.
type Topics struct {
	clientID   string
	driver     PubSubDriver
	cfg        *Config
	readyState func() ReadyState

	mu        sync.Mutex // serializes mutation calls
	membersMu sync.RWMutex
	members   map[string]struct{} // optimistic membership snapshot
}

func newTopics(clientID string, driver PubSubDriver, cfg *Config, readyState func() ReadyState) *Topics {
	return &Topics{clientID: clientID, driver: driver, cfg: cfg, readyState: readyState, members: make(map[string]struct{})}
}

func (t *Topics) validateTopic(topic string) error {
	if topic == "" {
		return NewError(CodeInvalidTopic, "topic must not be empty")
	}
	if t.cfg.TopicMaxLength > 0 && len(topic) > t.cfg.TopicMaxLength {
		return NewErrorf(CodeInvalidTopic, "topic %q exceeds max length %d", topic, t.cfg.TopicMaxLength)
	}
	if t.cfg.TopicPattern != nil && !t.cfg.TopicPattern(topic) {
		return NewErrorf(CodeInvalidTopic, "topic %q does not match the configured pattern", topic)
	}
	return nil
}

func (t *Topics) capacityCheck(adding int) error {
	if t.cfg.MaxTopicsPerConnection <= 0 {
		return nil
	}
	t.membersMu.RLock()
	current := len(t.members)
	t.membersMu.RUnlock()
	if current+adding > t.cfg.MaxTopicsPerConnection {
		return NewErrorf(CodeTopicLimitExceeded, "subscribing to %d more topic(s) would exceed the limit of %d", adding, t.cfg.MaxTopicsPerConnection)
	}
	return nil
}

// Subscribe adds topic to this connection's membership. Subscribing to an
// already-held topic is a no-op (idempotent).
func (t *Topics) Subscribe(ctx context.Context, topic string) error {
	if err := t.validateTopic(topic); err != nil {
		return err
	}
	if t.readyState != nil && t.readyState() != StateOpen {
		return NewError(CodeConnectionClosed, "cannot subscribe: connection is not open")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.membersMu.RLock()
	_, already := t.members[topic]
	t.membersMu.RUnlock()
	if already {
		return nil
	}
	if err := t.capacityCheck(1); err != nil {
		return err
	}
	if err := t.driver.Subscribe(ctx, t.clientID, topic); err != nil {
		return err
	}
	t.membersMu.Lock()
	t.members[topic] = struct{}{}
	t.membersMu.Unlock()
	return nil
}

// Unsubscribe removes topic. Unsubscribing from a topic not held is a
// no-op.
func (t *Topics) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.membersMu.RLock()
	_, held := t.members[topic]
	t.membersMu.RUnlock()
	if !held {
		return nil
	}
	if err := t.driver.Unsubscribe(ctx, t.clientID, topic); err != nil {
		return err
	}
	t.membersMu.Lock()
	delete(t.members, topic)
	t.membersMu.Unlock()
	return nil
}

// SubscribeMany subscribes to every topic in topics atomically: if any
// one fails (validation or driver error), every already-applied
// subscription from this call is rolled back and the first error is
// returned.
func (t *Topics) SubscribeMany(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		if err := t.validateTopic(topic); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var toAdd []string
	t.membersMu.RLock()
	for _, topic := range topics {
		if _, ok := t.members[topic]; !ok {
			toAdd = append(toAdd, topic)
		}
	}
	t.membersMu.RUnlock()
	if err := t.capacityCheck(len(toAdd)); err != nil {
		return err
	}

	applied := make([]string, 0, len(toAdd))
	for _, topic := range toAdd {
		if err := t.driver.Subscribe(ctx, t.clientID, topic); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				_ = t.driver.Unsubscribe(ctx, t.clientID, applied[i])
			}
			return err
		}
		applied = append(applied, topic)
	}
	t.membersMu.Lock()
	for _, topic := range applied {
		t.members[topic] = struct{}{}
	}
	t.membersMu.Unlock()
	return nil
}

// UnsubscribeMany is the symmetric bulk removal, best-effort: it unsubscribes
// everything it can and returns the first error encountered, if any.
func (t *Topics) UnsubscribeMany(ctx context.Context, topics []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, topic := range topics {
		t.membersMu.RLock()
		_, held := t.members[topic]
		t.membersMu.RUnlock()
		if !held {
			continue
		}
		if err := t.driver.Unsubscribe(ctx, t.clientID, topic); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		t.membersMu.Lock()
		delete(t.members, topic)
		t.membersMu.Unlock()
	}
	return firstErr
}

// Set replaces the full membership with exactly desired, diffing against
// the driver's current set and applying only the delta. Always goes through
// the driver's Replace; always serialized against other mutation calls on
// this Topics.
func (t *Topics) Set(ctx context.Context, desired []string) error {
	for _, topic := range desired {
		if err := t.validateTopic(topic); err != nil {
			return err
		}
	}
	if err := t.capacityCheck(0); err != nil { // shape check; real count checked below
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.MaxTopicsPerConnection > 0 && len(desired) > t.cfg.MaxTopicsPerConnection {
		return NewErrorf(CodeTopicLimitExceeded, "desired topic set of %d exceeds the limit of %d", len(desired), t.cfg.MaxTopicsPerConnection)
	}

	added, removed, err := t.driver.Replace(ctx, t.clientID, desired)
	if err != nil {
		return err
	}
	t.membersMu.Lock()
	for _, topic := range removed {
		delete(t.members, topic)
	}
	for _, topic := range added {
		t.members[topic] = struct{}{}
	}
	t.membersMu.Unlock()
	return nil
}

// Verify reconciles the optimistic snapshot against the driver's settled
// state for one topic. VerifyOff is a pure local check; VerifyBestEffort
// and VerifyStrict round-trip to Driver, differing in whether a driver
// error fails the call.
func (t *Topics) Verify(ctx context.Context, topic string, mode VerifyMode) (bool, error) {
	t.membersMu.RLock()
	local := false
	if _, ok := t.members[topic]; ok {
		local = true
	}
	t.membersMu.RUnlock()
	if mode == VerifyOff {
		return local, nil
	}
	settled, err := t.driver.HasTopic(ctx, t.clientID, topic)
	if err != nil {
		if mode == VerifyBestEffort {
			return local, nil
		}
		return false, fmt.Errorf("wsrouter: verify topic %q: %w", topic, err)
	}
	return settled, nil
}

// Has reports optimistic membership without touching the driver.
func (t *Topics) Has(topic string) bool {
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	_, ok := t.members[topic]
	return ok
}

// Size returns the optimistic membership count.
func (t *Topics) Size() int {
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	return len(t.members)
}

// Values returns a sorted snapshot of the optimistic membership set.
func (t *Topics) Values() []string {
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	out := make([]string, 0, len(t.members))
	for topic := range t.members {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// ForEach iterates a snapshot of the optimistic membership set. fn is
// called outside any internal lock, so it may call back into Topics.
func (t *Topics) ForEach(fn func(topic string)) {
	for _, topic := range t.Values() {
		fn(topic)
	}
}

// dropAll removes every subscription this connection holds, called when
// the connection closes.
func (t *Topics) dropAll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.driver.Drop(ctx, t.clientID)
	t.membersMu.Lock()
	t.members = make(map[string]struct{})
	t.membersMu.Unlock()
	return err
}
