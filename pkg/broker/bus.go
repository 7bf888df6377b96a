// pkg/broker/bus.go
package broker

import (
	"slices"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

const (
	topicCommands      = "command:"
	topicNotifications = "notification:"
	topicAllDevices    = "*"
)

// busEvent is one fan-out item. The policy shapes payload for subscribers.
type busEvent struct {
	action  string
	name    string
	member  string
	payload any
	policy  *protocol.Policy
}

// eventBus fans command and notification events out to subscriptions.
// Every event is published on the device topic and on the wildcard topic;
// a subscription listens on one or the other, never both.
type eventBus struct {
	mu     sync.RWMutex
	closed bool
	ps     *pubsub.PubSub
}

func newEventBus(queueLength int) *eventBus {
	return &eventBus{ps: pubsub.New(queueLength)}
}

func (e *eventBus) publish(prefix, deviceGUID string, ev busEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.ps.Pub(ev, prefix+deviceGUID, prefix+topicAllDevices)
}

// subscribe returns nil once the bus is shut down.
func (e *eventBus) subscribe(prefix string, filter *model.SubscriptionFilter) chan interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	return e.ps.Sub(subscriptionTopics(prefix, filter)...)
}

// unsubscribe closes ch. The caller must not be the goroutine draining ch.
func (e *eventBus) unsubscribe(ch chan interface{}) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.ps.Unsub(ch)
}

func (e *eventBus) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.ps.Shutdown()
}

func subscriptionTopics(prefix string, filter *model.SubscriptionFilter) []string {
	if filter == nil || len(filter.DeviceGUIDs) == 0 {
		return []string{prefix + topicAllDevices}
	}
	topics := make([]string, 0, len(filter.DeviceGUIDs))
	for _, guid := range filter.DeviceGUIDs {
		t := prefix + guid
		if !slices.Contains(topics, t) {
			topics = append(topics, t)
		}
	}
	return topics
}

// busSubscription is a peer's command or notification subscription.
type busSubscription struct {
	id     string
	prefix string
	filter *model.SubscriptionFilter
	ch     chan interface{}
}
