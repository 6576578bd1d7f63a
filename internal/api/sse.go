package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ecoroute/internal/events"
)

// serveSSE streams topic events, plus anything arriving on relayed, to the
// client until it disconnects. relayed may be nil. Heartbeats keep proxies
// from closing idle connections.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, topic string, relayed <-chan events.Event, hello map[string]any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	heartbeat := func() {
		data := map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)}
		for k, v := range hello {
			data[k] = v
		}
		writeSSE(w, events.Event{Type: events.Heartbeat, Data: data})
		flusher.Flush()
	}
	heartbeat()

	ticker := time.NewTicker(s.heartbeatEvery())
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		case evt, ok := <-relayed:
			if !ok {
				relayed = nil
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt events.Event) {
	b, _ := json.Marshal(evt.Data)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func (s *Server) heartbeatEvery() time.Duration {
	if s.heartbeat <= 0 {
		return 15 * time.Second
	}
	return s.heartbeat
}
