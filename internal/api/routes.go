package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"ecoroute/internal/events"
	"ecoroute/internal/httpx"
	"ecoroute/internal/model"
	"ecoroute/internal/planner"
	"ecoroute/internal/store"
)

// PlanRouteHandler handles POST /v1/groups/{groupId}/routes
func (s *Server) PlanRouteHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleEditor); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	var req model.PlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid plan request", err.Error(), r.URL.Path)
		return
	}
	rt, err := s.Planner.Plan(r.Context(), id, req, session(r).UserID)
	if err != nil {
		writePlanError(w, r, rt, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

// writePlanError maps planner outcomes to responses. An empty candidate
// set is not a failure.
func writePlanError(w http.ResponseWriter, r *http.Request, rt model.Route, err error) {
	var (
		ie *planner.InputError
		pe *planner.ProviderError
		se *httpx.StatusError
	)
	switch {
	case errors.Is(err, planner.ErrNothingToCollect):
		writeJSON(w, http.StatusOK, rt)
	case errors.As(err, &ie):
		writeProblem(w, http.StatusBadRequest, "Invalid plan request", ie.Error(), r.URL.Path)
	case errors.As(err, &pe):
		writeProblemBody(w, Problem{
			Title:    "Directions unavailable",
			Status:   http.StatusBadGateway,
			Detail:   pe.Err.Error() + "; retry with POST /v1/routes/" + pe.RouteID + "/directions",
			Instance: r.URL.Path,
			RouteID:  pe.RouteID,
		})
	case errors.Is(err, planner.ErrSuperseded):
		writeProblem(w, http.StatusConflict, "Superseded", "a newer plan for this group replaced this one", r.URL.Path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	case errors.As(err, &se):
		writeProblem(w, http.StatusBadGateway, "Device registry unavailable", se.Error(), r.URL.Path)
	case errors.Is(err, context.Canceled):
		writeProblem(w, 499, "Client Closed Request", "", r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Plan failed", err.Error(), r.URL.Path)
	}
}

// ListRoutesHandler handles GET /v1/groups/{groupId}/routes
func (s *Server) ListRoutesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleViewer); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", v, r.URL.Path)
			return
		}
		limit = n
	}
	items, err := s.Store.ListRoutes(r.Context(), id, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List routes failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// routeFor loads a route and checks the caller's role on its group.
func (s *Server) routeFor(w http.ResponseWriter, r *http.Request, minRole string) (model.Route, bool) {
	rt, err := s.Store.GetRoute(r.Context(), mux.Vars(r)["routeId"])
	if err != nil {
		writeStoreError(w, r, "Get route failed", err)
		return model.Route{}, false
	}
	if err := s.authorize(r, rt.GroupID, minRole); err != nil {
		writeAuthzError(w, r, err)
		return model.Route{}, false
	}
	return rt, true
}

// GetRouteHandler handles GET /v1/routes/{routeId}
func (s *Server) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.routeFor(w, r, model.RoleViewer)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// RetryDirectionsHandler handles POST /v1/routes/{routeId}/directions
func (s *Server) RetryDirectionsHandler(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.routeFor(w, r, model.RoleEditor)
	if !ok {
		return
	}
	out, err := s.Planner.RetryDirections(r.Context(), rt.ID)
	if err != nil {
		writePlanError(w, r, out, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RouteGeoJSONHandler handles GET /v1/routes/{routeId}/geojson
func (s *Server) RouteGeoJSONHandler(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.routeFor(w, r, model.RoleViewer)
	if !ok {
		return
	}
	b, err := RouteGeoJSON(rt).MarshalJSON()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Encode GeoJSON failed", err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// RouteGeoJSON renders the origin, every stop and the path. Without
// directions the path is the straight-line visit order.
func RouteGeoJSON(rt model.Route) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	origin := geojson.NewFeature(rt.Origin.Orb())
	origin.ID = "origin"
	origin.Properties["kind"] = "origin"
	fc.Append(origin)

	line := orb.LineString{rt.Origin.Orb()}
	for _, st := range rt.Stops {
		f := geojson.NewFeature(st.Location.Orb())
		f.ID = st.DeviceID
		f.Properties["kind"] = "stop"
		f.Properties["seq"] = st.Seq
		f.Properties["deviceId"] = st.DeviceID
		f.Properties["name"] = st.Name
		f.Properties["type"] = st.Type
		f.Properties["maxFill"] = st.MaxFill
		f.Properties["severity"] = st.Severity
		f.Properties["icon"] = st.Icon
		f.Properties["legKm"] = st.LegKm
		fc.Append(f)
		line = append(line, st.Location.Orb())
	}

	props := geojson.Properties{"kind": "path", "routeId": rt.ID, "status": rt.Status, "straightLineKm": rt.StraightLineKm}
	if d := rt.Directions; d != nil && len(d.Path) > 1 {
		line = d.Path
		props["provider"] = d.Provider
		props["distanceMeters"] = d.DistanceMeters
		props["durationSeconds"] = d.DurationSeconds
	}
	if len(line) > 1 {
		path := geojson.NewFeature(line)
		path.ID = "path"
		path.Properties = props
		fc.Append(path)
	}
	return fc
}

// GroupEventsHandler handles GET /v1/groups/{groupId}/events/stream
func (s *Server) GroupEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleViewer); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	s.serveSSE(w, r, events.GroupTopic(id), nil, map[string]any{"groupId": id})
}

// DeviceStreamHandler handles GET /v1/devices/{deviceId}/stream. With an
// upstream backend configured, the device's upstream live stream is shared
// by all local viewers. A device unknown locally is streamed only when the
// upstream accepts the caller's token for it.
func (s *Server) DeviceStreamHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deviceId"]
	_, err := s.Store.GetDevice(r.Context(), id)
	switch {
	case err == nil || s.Relays == nil:
		if _, ok := s.deviceFor(w, r, model.RoleViewer); !ok {
			return
		}
	case errors.Is(err, store.ErrNotFound):
		if err := s.Relays.Authorize(r.Context(), id, session(r).Token); err != nil {
			writeUpstreamAuthError(w, r, err)
			return
		}
	default:
		writeStoreError(w, r, "Get device failed", err)
		return
	}
	var relayed <-chan events.Event
	if s.Relays != nil {
		ch, release := s.Relays.Join(id, session(r).Token)
		defer release()
		relayed = ch
	}
	s.serveSSE(w, r, events.DeviceTopic(id), relayed, map[string]any{"deviceId": id})
}

// writeUpstreamAuthError maps a refused upstream stream to a problem.
func writeUpstreamAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var se *httpx.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			writeProblem(w, http.StatusForbidden, "Forbidden", "upstream refused the device stream", r.URL.Path)
			return
		case http.StatusNotFound:
			writeProblem(w, http.StatusNotFound, "Not Found", "device not found", r.URL.Path)
			return
		}
	}
	writeProblem(w, http.StatusBadGateway, "Upstream stream unavailable", err.Error(), r.URL.Path)
}
