package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ecoroute/internal/events"
	"ecoroute/internal/model"
	"ecoroute/internal/store"
)

// WebSocket subscriptions over the event broker. Clients send
// connection_init, then subscribe {id, payload: {topic}} with a topic of
// the form group:{id} or device:{id}; events arrive as next frames until
// the client sends complete {id}.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Topic string `json:"topic"`
}

type wsSub struct {
	topic   string
	ch      chan events.Event
	release func()
}

func (s *Server) dropSub(sub wsSub) {
	s.Broker.Unsubscribe(sub.topic, sub.ch)
	sub.release()
}

// WSHandler handles GET /v1/ws
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var (
		wmu   sync.Mutex
		smu   sync.Mutex
		subs  = map[string]wsSub{}
		done  = make(chan struct{})
		acked bool
	)
	defer close(done)
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		payload, _ := json.Marshal(map[string]string{"message": msg})
		_ = write(wsMessage{Type: "error", ID: id, Payload: payload})
		_ = write(wsMessage{Type: "complete", ID: id})
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			if acked {
				continue
			}
			acked = true
			go func() {
				ticker := time.NewTicker(s.heartbeatEvery())
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			var pl subscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			if msg.ID == "" || pl.Topic == "" {
				fail(msg.ID, "id and topic required")
				continue
			}
			smu.Lock()
			_, dup := subs[msg.ID]
			smu.Unlock()
			if dup {
				fail(msg.ID, "subscription id in use")
				continue
			}
			if err := s.authorizeTopic(r, pl.Topic); err != nil {
				fail(msg.ID, err.Error())
				continue
			}
			ch := s.Broker.Subscribe(pl.Topic)
			sub := wsSub{topic: pl.Topic, ch: ch, release: func() {}}
			var relayed <-chan events.Event
			if kind, id, _ := strings.Cut(pl.Topic, ":"); kind == "device" && s.Relays != nil {
				relayed, sub.release = s.Relays.Join(id, session(r).Token)
			}
			smu.Lock()
			subs[msg.ID] = sub
			smu.Unlock()
			go func(id string, c chan events.Event, relayed <-chan events.Event) {
				send := func(evt events.Event) error {
					payload, _ := json.Marshal(evt)
					return write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
				for {
					select {
					case evt, ok := <-c:
						if !ok {
							_ = write(wsMessage{Type: "complete", ID: id})
							return
						}
						if send(evt) != nil {
							return
						}
					case evt, ok := <-relayed:
						if !ok {
							relayed = nil
							continue
						}
						if send(evt) != nil {
							return
						}
					}
				}
			}(msg.ID, ch, relayed)
		case "complete":
			smu.Lock()
			if sub, ok := subs[msg.ID]; ok {
				s.dropSub(sub)
				delete(subs, msg.ID)
			}
			smu.Unlock()
		default:
			fail(msg.ID, "unknown message type "+msg.Type)
		}
	}
	smu.Lock()
	for id, sub := range subs {
		s.dropSub(sub)
		delete(subs, id)
	}
	smu.Unlock()
}

type topicError string

func (e topicError) Error() string { return string(e) }

// authorizeTopic applies the same role checks as the SSE endpoints.
func (s *Server) authorizeTopic(r *http.Request, topic string) error {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return topicError("topic must be group:{id} or device:{id}")
	}
	switch kind {
	case "group":
		if err := s.authorize(r, id, model.RoleViewer); err != nil {
			return topicError("forbidden")
		}
	case "device":
		d, err := s.Store.GetDevice(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) && s.Relays != nil {
			if s.Relays.Authorize(r.Context(), id, session(r).Token) != nil {
				return topicError("forbidden")
			}
			return nil
		}
		if err != nil {
			return topicError("device not found")
		}
		if session(r).IsAdmin() {
			return nil
		}
		if d.GroupID == "" || s.authorize(r, d.GroupID, model.RoleViewer) != nil {
			return topicError("forbidden")
		}
	default:
		return topicError("unknown topic kind " + kind)
	}
	return nil
}
