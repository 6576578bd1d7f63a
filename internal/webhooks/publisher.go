// Package webhooks pushes selected broker events to external HTTP
// endpoints, signed with a shared secret and retried with backoff.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ecoroute/internal/events"
)

// Publisher is an events.EventBroker that also queues matching events for
// webhook delivery. Subscribers see exactly what the inner broker sees.
type Publisher struct {
	events.EventBroker
	worker *Worker
	urls   []string
	types  map[string]bool
}

// NewPublisher wraps inner. An empty types list forwards every event type.
func NewPublisher(inner events.EventBroker, w *Worker, urls, types []string) *Publisher {
	p := &Publisher{EventBroker: inner, worker: w, urls: urls}
	if len(types) > 0 {
		p.types = map[string]bool{}
		for _, t := range types {
			p.types[t] = true
		}
	}
	return p
}

// Publish forwards to the inner broker and enqueues one delivery per endpoint.
func (p *Publisher) Publish(topic string, evt events.Event) {
	p.EventBroker.Publish(topic, evt)
	if len(p.urls) == 0 || (p.types != nil && !p.types[evt.Type]) {
		return
	}
	id := "evt_" + uuid.NewString()
	body, err := json.Marshal(map[string]any{
		"id":    id,
		"type":  evt.Type,
		"topic": topic,
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"data":  evt.Data,
	})
	if err != nil {
		return
	}
	for _, u := range p.urls {
		p.worker.Enqueue(Delivery{ID: id, URL: u, EventType: evt.Type, Payload: body})
	}
}

// Ping reaches the inner broker when it supports readiness checks.
func (p *Publisher) Ping(ctx context.Context) error {
	if pg, ok := p.EventBroker.(interface{ Ping(context.Context) error }); ok {
		return pg.Ping(ctx)
	}
	return nil
}
