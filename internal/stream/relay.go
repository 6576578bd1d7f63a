package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecoroute/internal/events"
	"ecoroute/internal/httpx"
)

// DeviceStreamURL is the upstream live stream for one device.
func DeviceStreamURL(baseURL, deviceID string) string {
	return fmt.Sprintf("%s/api/device/%s/stream", strings.TrimRight(baseURL, "/"), url.PathEscape(deviceID))
}

// Hub runs at most one upstream relay per device and fans its device-live
// frames out to the local viewers of that device. Relayed frames stay in
// this process; they never reach the shared broker, so replicas do not
// echo each other's relays.
type Hub struct {
	BaseURL string
	Client  *http.Client
	Log     logrus.FieldLogger

	local  *events.Broker
	mu     sync.Mutex
	relays map[string]*relay
	nextID int
}

type viewer struct {
	id    int
	token string
}

type relay struct {
	cancel  context.CancelFunc
	viewers []viewer
}

func NewHub(baseURL string, log logrus.FieldLogger) *Hub {
	return &Hub{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
		Log:     log,
		local:   events.NewBroker(),
		relays:  map[string]*relay{},
	}
}

// Authorize opens the device's upstream stream with token and closes it
// as soon as the status arrives. Anything but 200 is an *httpx.StatusError.
func (h *Hub) Authorize(ctx context.Context, deviceID, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, DeviceStreamURL(h.BaseURL, deviceID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpx.StatusError{Code: resp.StatusCode, Body: resp.Status}
	}
	return nil
}

// Join adds a viewer of deviceID. The first viewer starts the upstream
// relay; release removes the viewer and the last release stops the relay.
// The relay connects with the token of the most recent viewer still
// present.
func (h *Hub) Join(deviceID, token string) (<-chan events.Event, func()) {
	topic := events.DeviceTopic(deviceID)
	ch := h.local.Subscribe(topic)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	rl, ok := h.relays[deviceID]
	if !ok {
		rl = &relay{}
		h.relays[deviceID] = rl
	}
	rl.viewers = append(rl.viewers, viewer{id: id, token: token})
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		rl.cancel = cancel
		go h.run(ctx, deviceID)
	}
	h.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.local.Unsubscribe(topic, ch)
			h.mu.Lock()
			defer h.mu.Unlock()
			kept := rl.viewers[:0]
			for _, v := range rl.viewers {
				if v.id != id {
					kept = append(kept, v)
				}
			}
			rl.viewers = kept
			if len(kept) == 0 {
				rl.cancel()
				if h.relays[deviceID] == rl {
					delete(h.relays, deviceID)
				}
			}
		})
	}
	return ch, release
}

// Active reports how many device relays are running.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.relays)
}

func (h *Hub) token(deviceID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	rl, ok := h.relays[deviceID]
	if !ok || len(rl.viewers) == 0 {
		return ""
	}
	return rl.viewers[len(rl.viewers)-1].token
}

func (h *Hub) run(ctx context.Context, deviceID string) {
	log := h.Log.WithField("device", deviceID)
	f := NewFollower(DeviceStreamURL(h.BaseURL, deviceID), log)
	f.Client = h.Client
	f.Prepare = func(r *http.Request) {
		if tok := h.token(deviceID); tok != "" {
			r.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	topic := events.DeviceTopic(deviceID)
	_ = f.Run(ctx, func(fr Frame) {
		if fr.Event != events.DeviceLive {
			return
		}
		h.local.Publish(topic, events.Event{Type: events.DeviceLive, Data: decodeData(fr.Data)})
	})
	log.Debug("device relay stopped")
}

func decodeData(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{"raw": s}
	}
	return m
}
