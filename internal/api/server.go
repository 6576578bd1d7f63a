package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/auth"
	"ecoroute/internal/config"
	"ecoroute/internal/events"
	"ecoroute/internal/ingest"
	"ecoroute/internal/metrics"
	"ecoroute/internal/planner"
	"ecoroute/internal/registry"
	"ecoroute/internal/store"
	"ecoroute/internal/stream"
)

// Server carries the handler dependencies.
type Server struct {
	Store    store.Store
	Registry registry.Registry
	Planner  *planner.Planner
	Ingest   *ingest.Ingester
	Broker   events.EventBroker
	Auth     *auth.Verifier
	Log      logrus.FieldLogger
	Cfg      *config.Config

	// Relays, when set, shares one upstream live stream per device among
	// the device's local viewers.
	Relays *stream.Hub

	// heartbeat interval for SSE and WebSocket keepalive
	heartbeat time.Duration
}

// NewServer wires a Server. Registry defaults to the store.
func NewServer(cfg *config.Config, st store.Store, reg registry.Registry, pl *planner.Planner, ing *ingest.Ingester, broker events.EventBroker, v *auth.Verifier, log logrus.FieldLogger) *Server {
	if reg == nil {
		reg = st
	}
	s := &Server{
		Store:     st,
		Registry:  reg,
		Planner:   pl,
		Ingest:    ing,
		Broker:    broker,
		Auth:      v,
		Log:       log,
		Cfg:       cfg,
		heartbeat: 15 * time.Second,
	}
	if cfg.Registry.Stream && cfg.Registry.BaseURL != "" {
		s.Relays = stream.NewHub(cfg.Registry.BaseURL, log.WithField("component", "relay"))
	}
	return s
}

// Router builds the HTTP handler with the middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.ReadyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/vars", s.DebugJSON).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.sessionMiddleware)

	v1.HandleFunc("/groups", s.ListGroupsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/groups", s.CreateGroupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{groupId}", s.GetGroupHandler).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{groupId}", s.DeleteGroupHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/groups/{groupId}/access", s.ListAccessHandler).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{groupId}/access", s.GrantAccessHandler).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{groupId}/access/{userId}", s.RevokeAccessHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/groups/{groupId}/devices", s.GroupDevicesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{groupId}/devices", s.RegisterDeviceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{groupId}/routes", s.PlanRouteHandler).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{groupId}/routes", s.ListRoutesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{groupId}/events/stream", s.GroupEventsHandler).Methods(http.MethodGet)

	v1.HandleFunc("/devices/{deviceId}", s.GetDeviceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{deviceId}", s.DeleteDeviceHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/devices/{deviceId}/readings", s.ReadingHandler).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{deviceId}/stream", s.DeviceStreamHandler).Methods(http.MethodGet)

	v1.HandleFunc("/routes/{routeId}", s.GetRouteHandler).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{routeId}/geojson", s.RouteGeoJSONHandler).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{routeId}/directions", s.RetryDirectionsHandler).Methods(http.MethodPost)

	v1.HandleFunc("/ws", s.WSHandler).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
	})

	r.Use(s.metricsMiddleware)

	var h http.Handler = r
	h = s.rateLimitMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.logMiddleware(h)
	return h
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the backing store and broker when they support it.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(ctx context.Context) error }
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	for name, dep := range map[string]any{"store": s.Store, "broker": s.Broker} {
		if p, ok := dep.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				writeProblem(w, http.StatusServiceUnavailable, "Not Ready", name+": "+err.Error(), r.URL.Path)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
