// Package events fans route and device events out to stream subscribers.
package events

import (
	"sync"
)

// Event is one server-sent event. Type becomes the SSE event name.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Event types.
const (
	RouteOrdered = "route.ordered"
	RouteReady   = "route.ready"
	RouteFailed  = "route.failed"
	DeviceLive   = "device-live"
	Heartbeat    = "heartbeat"
)

// GroupTopic carries route lifecycle events for one group.
func GroupTopic(groupID string) string { return "group:" + groupID }

// DeviceTopic carries live telemetry for one device.
func DeviceTopic(deviceID string) string { return "device:" + deviceID }

// EventBroker is implemented by the in-memory Broker and RedisBroker.
type EventBroker interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(topic string, evt Event)
}

// Broker is an in-process EventBroker. Slow subscribers miss events rather
// than block publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers reports how many channels listen on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
