// Package main subscribes to a group's route events over WebSocket, then
// plans a route for that group so the lifecycle events stream back.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	port := env("PORT", "8080")
	group := env("GROUP_ID", "demo")
	// dev auth mode accepts "user:role" tokens
	token := env("TOKEN", "demo-user:owner")
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"topic": "group:" + group})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	time.Sleep(300 * time.Millisecond)
	body := []byte(`{"origin":{"lat":22.5726,"lng":88.3639}}`)
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/groups/%s/routes", base, group), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	var route struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Stops  []struct {
			DeviceID string  `json:"deviceId"`
			Seq      int     `json:"seq"`
			LegKm    float64 `json:"legKm"`
		} `json:"stops"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&route)
	_ = resp.Body.Close()
	log.Printf("HTTP %d route %s (%s)", resp.StatusCode, route.ID, route.Status)
	for _, s := range route.Stops {
		log.Printf("  %d. %s (+%.2f km)", s.Seq, s.DeviceID, s.LegKm)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
