package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/auth"
	"ecoroute/internal/config"
	"ecoroute/internal/directions"
	"ecoroute/internal/events"
	"ecoroute/internal/ingest"
	"ecoroute/internal/model"
	"ecoroute/internal/planner"
	"ecoroute/internal/store"
)

type flakyProvider struct{ fail atomic.Bool }

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Directions(ctx context.Context, req directions.Request) (model.Directions, error) {
	if f.fail.Load() {
		return model.Directions{}, errors.New("OVER_QUERY_LIMIT")
	}
	return directions.Straight{}.Directions(ctx, req)
}

type testEnv struct {
	srv      *Server
	st       *store.Memory
	provider *flakyProvider
	h        http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.AllowOrigins = "https://ops.example.com"
	for _, m := range mutate {
		m(cfg)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	st := store.NewMemory()
	if err := store.DemoSeed().Apply(context.Background(), st); err != nil {
		t.Fatalf("seed: %v", err)
	}
	broker := events.NewBroker()
	fp := &flakyProvider{}
	pl := planner.New(st, fp, st, broker, log)
	s := NewServer(cfg, st, nil, pl, ingest.New(st, broker, log), broker, auth.NewVerifier(auth.Options{Mode: "dev"}), log)
	s.heartbeat = 50 * time.Millisecond
	return &testEnv{srv: s, st: st, provider: fp, h: s.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

const (
	owner  = "demo-user:user"
	editor = "operator:user"
	viewer = "auditor:user"
	admin  = "root:admin"
)

var kolkata = map[string]any{"origin": map[string]float64{"lat": 22.5726, "lng": 88.3639}}

func TestHealthReady(t *testing.T) {
	e := newTestServer(t)
	if rr := e.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/debug/vars", "", nil); rr.Code != 200 || !strings.Contains(rr.Body.String(), "build") {
		t.Fatalf("debug: %d %s", rr.Code, rr.Body.String())
	}
}

func TestRequiresBearerToken(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodGet, "/v1/groups", "", nil)
	if rr.Code != http.StatusUnauthorized || rr.Header().Get("Content-Type") != "application/problem+json" {
		t.Fatalf("got %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	if rr := e.do(t, http.MethodGet, "/v1/groups", "not-a-dev-token", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d", rr.Code)
	}
}

func TestPlanDemoGroup(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodPost, "/v1/groups/demo/routes", owner, kolkata)
	if rr.Code != http.StatusCreated {
		t.Fatalf("plan: %d %s", rr.Code, rr.Body.String())
	}
	var rt model.Route
	if err := json.Unmarshal(rr.Body.Bytes(), &rt); err != nil {
		t.Fatal(err)
	}
	if rt.Status != model.RouteReady || rt.Directions == nil || rt.Directions.DistanceMeters == 0 {
		t.Fatalf("route = %+v", rt)
	}
	var ids []string
	for _, s := range rt.Stops {
		ids = append(ids, s.DeviceID)
	}
	if strings.Join(ids, ",") != "1,5,2" {
		t.Fatalf("visit order = %v", ids)
	}

	// stored and listed
	if rr := e.do(t, http.MethodGet, "/v1/routes/"+rt.ID, viewer, nil); rr.Code != 200 {
		t.Fatalf("get route: %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/v1/groups/demo/routes?limit=5", viewer, nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), rt.ID) {
		t.Fatalf("list routes: %d %s", rr.Code, rr.Body.String())
	}
}

func TestPlanStatusMapping(t *testing.T) {
	e := newTestServer(t)

	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/routes", owner, map[string]any{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("no origin: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/routes", viewer, kolkata); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer plan: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/routes", "stranger:user", kolkata); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger plan: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/groups/nope/routes", admin, kolkata); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown group: %d", rr.Code)
	}

	// empty group is informational
	rr := e.do(t, http.MethodPost, "/v1/groups", "alice:user", map[string]string{"name": "Empty zone"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create group: %d %s", rr.Code, rr.Body.String())
	}
	var g model.Group
	_ = json.Unmarshal(rr.Body.Bytes(), &g)
	rr = e.do(t, http.MethodPost, "/v1/groups/"+g.ID+"/routes", "alice:user", kolkata)
	if rr.Code != http.StatusOK {
		t.Fatalf("empty plan: %d %s", rr.Code, rr.Body.String())
	}
	var empty model.Route
	_ = json.Unmarshal(rr.Body.Bytes(), &empty)
	if empty.Status != model.RouteEmpty || empty.Message != "nothing to collect" {
		t.Fatalf("empty route = %+v", empty)
	}
}

func TestDirectionsFailureThenRetry(t *testing.T) {
	e := newTestServer(t)
	e.provider.fail.Store(true)
	rr := e.do(t, http.MethodPost, "/v1/groups/demo/routes", editor, kolkata)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("plan: %d %s", rr.Code, rr.Body.String())
	}
	var p Problem
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || p.RouteID == "" {
		t.Fatalf("problem = %+v %v", p, err)
	}
	stored, err := e.st.GetRoute(context.Background(), p.RouteID)
	if err != nil || stored.Status != model.RouteDirectionsFailed || len(stored.Stops) != 3 {
		t.Fatalf("stored = %+v %v", stored, err)
	}

	e.provider.fail.Store(false)
	rr = e.do(t, http.MethodPost, "/v1/routes/"+p.RouteID+"/directions", editor, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rr.Code, rr.Body.String())
	}
	var rt model.Route
	_ = json.Unmarshal(rr.Body.Bytes(), &rt)
	if rt.Status != model.RouteReady || rt.ID != p.RouteID {
		t.Fatalf("retried = %+v", rt)
	}
	for i := range rt.Stops {
		if rt.Stops[i].DeviceID != stored.Stops[i].DeviceID {
			t.Fatal("retry changed the ordering")
		}
	}
}

func TestRouteGeoJSON(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodPost, "/v1/groups/demo/routes", owner, kolkata)
	var rt model.Route
	_ = json.Unmarshal(rr.Body.Bytes(), &rt)

	rr = e.do(t, http.MethodGet, "/v1/routes/"+rt.ID+"/geojson", viewer, nil)
	if rr.Code != 200 || rr.Header().Get("Content-Type") != "application/geo+json" {
		t.Fatalf("geojson: %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &fc); err != nil {
		t.Fatal(err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 5 {
		t.Fatalf("features = %d", len(fc.Features))
	}
	last := fc.Features[4]
	if last.Geometry.Type != "LineString" || last.Properties["provider"] != "straight" {
		t.Fatalf("path feature = %+v", last)
	}
}

func TestGroupDevicesMarkersAndReadings(t *testing.T) {
	e := newTestServer(t)
	type devicesResp struct {
		Markers []model.Marker `json:"markers"`
		Summary deviceSummary  `json:"summary"`
	}
	get := func() devicesResp {
		rr := e.do(t, http.MethodGet, "/v1/groups/demo/devices", viewer, nil)
		if rr.Code != 200 {
			t.Fatalf("devices: %d %s", rr.Code, rr.Body.String())
		}
		var out devicesResp
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
		return out
	}
	before := get()
	if len(before.Markers) != 5 || before.Summary.High != 3 || before.Summary.Medium != 0 {
		t.Fatalf("before = %+v", before.Summary)
	}
	if before.Markers[1].Icon != "/icons/smartbin_red.png" {
		t.Fatalf("icon = %s", before.Markers[1].Icon)
	}

	if rr := e.do(t, http.MethodPost, "/v1/devices/4/readings", viewer, map[string]any{"value1": 65}); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer reading: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/devices/4/readings", editor, map[string]any{"value1": 101}); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad reading: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/devices/4/readings", editor, map[string]any{"value1": 65}); rr.Code != http.StatusAccepted {
		t.Fatalf("reading: %d %s", rr.Code, rr.Body.String())
	}
	after := get()
	if after.Summary.Medium != 1 {
		t.Fatalf("after = %+v", after.Summary)
	}
}

func TestRegisterAndDeleteDevice(t *testing.T) {
	e := newTestServer(t)
	dev := map[string]any{"id": "tank-1", "name": "Tank", "type": "WATER_TANK", "lat": 22.6, "lng": 88.4}
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/devices", editor, dev); rr.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/devices", editor, map[string]any{"name": "x", "type": "DUSTBIN", "lat": 1}); rr.Code != http.StatusBadRequest {
		t.Fatalf("lat without lng: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/devices", editor, map[string]any{"name": "x", "type": "TOASTER"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad type: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/devices/tank-1", viewer, nil); rr.Code != 200 {
		t.Fatalf("get: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/v1/devices/tank-1", editor, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/devices/tank-1", viewer, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", rr.Code)
	}
}

func TestGroupAccess(t *testing.T) {
	e := newTestServer(t)
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/access", editor, map[string]string{"userId": "bob", "role": "viewer"}); rr.Code != 200 {
		t.Fatalf("editor grants viewer: %d %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/access", editor, map[string]string{"userId": "bob", "role": "owner"}); rr.Code != http.StatusForbidden {
		t.Fatalf("editor grants owner: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/groups/demo/access", owner, map[string]string{"userId": "bob", "role": "admin"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad role: %d", rr.Code)
	}
	rr := e.do(t, http.MethodGet, "/v1/groups", "bob:user", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"id":"demo"`) {
		t.Fatalf("bob groups: %s", rr.Body.String())
	}
	if rr := e.do(t, http.MethodDelete, "/v1/groups/demo/access/bob", editor, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/groups/demo", "bob:user", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("revoked read: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/v1/groups/demo", editor, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("editor delete group: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/v1/groups/demo", owner, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("owner delete group: %d", rr.Code)
	}
}

func TestGroupEventStream(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/groups/demo/events/stream?access_token="+viewer, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("stream: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	rd := bufio.NewReader(resp.Body)
	if line, _ := rd.ReadString('\n'); line != "event: heartbeat\n" {
		t.Fatalf("first line = %q", line)
	}

	go e.do(t, http.MethodPost, "/v1/groups/demo/routes", owner, kolkata)
	seen := map[string]bool{}
	for !seen[events.RouteReady] {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			seen[name] = true
		}
	}
	if !seen[events.RouteOrdered] {
		t.Fatalf("seen = %v", seen)
	}
}

func TestWebSocketSubscription(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+viewer)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))

	read := func() wsMessage {
		t.Helper()
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				t.Fatalf("read: %v", err)
			}
			if m.Type != "ping" {
				return m
			}
		}
	}
	_ = c.WriteJSON(wsMessage{Type: "connection_init"})
	if m := read(); m.Type != "connection_ack" {
		t.Fatalf("got %s", m.Type)
	}

	_ = c.WriteJSON(wsMessage{Type: "subscribe", ID: "x", Payload: json.RawMessage(`{"topic":"group:other"}`)})
	if m := read(); m.Type != "error" || m.ID != "x" {
		t.Fatalf("forbidden topic: %+v", m)
	}
	_ = read() // complete

	_ = c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"topic":"device:2"}`)})
	time.Sleep(50 * time.Millisecond)
	if rr := e.do(t, http.MethodPost, "/v1/devices/2/readings", owner, map[string]any{"value1": 12}); rr.Code != http.StatusAccepted {
		t.Fatalf("reading: %d", rr.Code)
	}
	m := read()
	if m.Type != "next" || m.ID != "1" {
		t.Fatalf("got %+v", m)
	}
	var evt events.Event
	if err := json.Unmarshal(m.Payload, &evt); err != nil || evt.Type != events.DeviceLive || evt.Data["deviceId"] != "2" {
		t.Fatalf("event = %+v %v", evt, err)
	}
}

func TestRateLimitAndCORS(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) { c.Server.RateRPS, c.Server.RateBurst = 1, 1 })
	if rr := e.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != 200 {
		t.Fatalf("first: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", rr.Code)
	}

	e = newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/groups", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Fatalf("preflight: %d %v", rr.Code, rr.Header())
	}
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin allowed")
	}
}

type fakeUpstream struct {
	srv     *httptest.Server
	conns   atomic.Int32
	gate    chan struct{}
	allowed map[string]bool
}

// newFakeUpstream serves /api/device/{id}/stream to the listed tokens. Each
// accepted connection sends one device-live frame once gate is closed.
func newFakeUpstream(t *testing.T, tokens ...string) *fakeUpstream {
	u := &fakeUpstream{gate: make(chan struct{}), allowed: map[string]bool{}}
	for _, tok := range tokens {
		u.allowed["Bearer "+tok] = true
	}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !u.allowed[r.Header.Get("Authorization")] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		u.conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-u.gate:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "event: device-live\ndata: {\"lastValue1\":88}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func withUpstream(u *fakeUpstream) func(*config.Config) {
	return func(c *config.Config) {
		c.Registry.BaseURL = u.srv.URL
		c.Registry.Stream = true
	}
}

// openEvents streams the SSE event names of url.
func openEvents(t *testing.T, ctx context.Context, url string) <-chan string {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("GET %s: %d", url, resp.StatusCode)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				out <- name
			}
		}
	}()
	return out
}

func waitEvent(t *testing.T, ch <-chan string, name string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %s", name)
			}
			if got == name {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event", name)
		}
	}
}

func TestDeviceStreamSharesUpstreamRelay(t *testing.T) {
	u := newFakeUpstream(t, owner, viewer)
	e := newTestServer(t, withUpstream(u))
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	viewers := []<-chan string{
		openEvents(t, ctx, ts.URL+"/v1/devices/1/stream?access_token="+owner),
		openEvents(t, ctx, ts.URL+"/v1/devices/1/stream?access_token="+viewer),
	}
	for _, ch := range viewers {
		waitEvent(t, ch, events.Heartbeat)
	}
	close(u.gate)

	for _, ch := range viewers {
		waitEvent(t, ch, events.DeviceLive)
	}
	quiet := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case name := <-viewers[0]:
			if name == events.DeviceLive {
				t.Fatal("device-live delivered twice")
			}
		case name := <-viewers[1]:
			if name == events.DeviceLive {
				t.Fatal("device-live delivered twice")
			}
		case <-quiet:
			done = true
		}
	}
	if n := u.conns.Load(); n != 1 {
		t.Fatalf("upstream connections = %d, want 1", n)
	}
	if e.srv.Relays.Active() != 1 {
		t.Fatalf("active relays = %d", e.srv.Relays.Active())
	}
	cancel()
	deadline := time.Now().Add(3 * time.Second)
	for e.srv.Relays.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay still running after both viewers left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpstreamOnlyDeviceNeedsUpstreamAccess(t *testing.T) {
	u := newFakeUpstream(t, "alice:user")
	close(u.gate)
	e := newTestServer(t, withUpstream(u))

	rr := e.do(t, http.MethodGet, "/v1/devices/up-9/stream", "bob:user", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("refused upstream token: got %d", rr.Code)
	}
	if e.srv.Relays.Active() != 0 {
		t.Fatal("relay started for a refused viewer")
	}

	ts := httptest.NewServer(e.h)
	defer ts.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := openEvents(t, ctx, ts.URL+"/v1/devices/up-9/stream?access_token=alice:user")
	waitEvent(t, ch, events.DeviceLive)
	cancel()
	deadline := time.Now().Add(3 * time.Second)
	for e.srv.Relays.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay still running after the viewer left")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the WebSocket path applies the same check
	for _, tc := range []struct {
		token string
		want  string
	}{{"bob:user", "error"}, {"alice:user", "next"}} {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+tc.token)
		c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", hdr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_ = c.WriteJSON(wsMessage{Type: "subscribe", ID: "s", Payload: json.RawMessage(`{"topic":"device:up-9"}`)})
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil || m.Type != tc.want {
			t.Fatalf("%s: got %+v %v", tc.token, m, err)
		}
		c.Close()
	}
}

func TestOwnerRoleProtected(t *testing.T) {
	e := newTestServer(t)
	grant := func(token, user, role string) int {
		return e.do(t, http.MethodPost, "/v1/groups/demo/access", token, map[string]string{"userId": user, "role": role}).Code
	}
	revoke := func(token, user string) int {
		return e.do(t, http.MethodDelete, "/v1/groups/demo/access/"+user, token, nil).Code
	}

	if code := grant(editor, "demo-user", "viewer"); code != http.StatusForbidden {
		t.Fatalf("editor demotes owner: %d", code)
	}
	if code := revoke(editor, "demo-user"); code != http.StatusForbidden {
		t.Fatalf("editor revokes owner: %d", code)
	}
	if code := grant(owner, "demo-user", "editor"); code != http.StatusConflict {
		t.Fatalf("creator demotes self: %d", code)
	}
	if code := revoke(admin, "demo-user"); code != http.StatusConflict {
		t.Fatalf("admin revokes creator: %d", code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/groups/demo", owner, nil); rr.Code != 200 {
		t.Fatalf("owner lost access: %d", rr.Code)
	}

	if code := grant(owner, "carol", "owner"); code != 200 {
		t.Fatalf("grant second owner: %d", code)
	}
	if code := revoke(editor, "carol"); code != http.StatusForbidden {
		t.Fatalf("editor revokes co-owner: %d", code)
	}
	if code := revoke(owner, "carol"); code != http.StatusNoContent {
		t.Fatalf("owner revokes co-owner: %d", code)
	}

	// a group whose only owner is not its creator
	ctx := context.Background()
	if _, err := e.st.CreateGroup(ctx, model.Group{ID: "solo", Name: "Solo"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.st.GrantAccess(ctx, model.AccessEntry{GroupID: "solo", UserID: "carol", Role: model.RoleOwner}); err != nil {
		t.Fatal(err)
	}
	if rr := e.do(t, http.MethodDelete, "/v1/groups/solo/access/carol", admin, nil); rr.Code != http.StatusConflict {
		t.Fatalf("revoke last owner: %d", rr.Code)
	}
}

func TestRepeatedConnectionInitKeepsOnePinger(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+viewer)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 3; i++ {
		_ = c.WriteJSON(wsMessage{Type: "connection_init"})
	}

	var pings []time.Time
	acks := 0
	for len(pings) < 4 {
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch m.Type {
		case "connection_ack":
			acks++
		case "ping":
			pings = append(pings, time.Now())
		}
	}
	if acks != 3 {
		t.Fatalf("acks = %d", acks)
	}
	for i := 1; i < len(pings); i++ {
		if gap := pings[i].Sub(pings[i-1]); gap < 25*time.Millisecond {
			t.Fatalf("pings %v apart; more than one pinger running", gap)
		}
	}
}
