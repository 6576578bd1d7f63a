package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"ecoroute/internal/ingest"
	"ecoroute/internal/model"
	"ecoroute/internal/opt"
	"ecoroute/internal/registry"
	"ecoroute/internal/store"
)

// ListGroupsHandler handles GET /v1/groups
func (s *Server) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	groups, err := s.Store.ListGroups(r.Context(), sess.UserID, sess.IsAdmin())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List groups failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": groups})
}

// CreateGroupHandler handles POST /v1/groups. The caller becomes owner.
func (s *Server) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid group", err.Error(), r.URL.Path)
		return
	}
	g, err := s.Store.CreateGroup(r.Context(), model.Group{Name: req.Name, Description: req.Description, OwnerID: session(r).UserID})
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create group failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// GetGroupHandler handles GET /v1/groups/{groupId}
func (s *Server) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleViewer); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	g, err := s.Store.GetGroup(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, "Get group failed", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// DeleteGroupHandler handles DELETE /v1/groups/{groupId}
func (s *Server) DeleteGroupHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleOwner); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	if err := s.Store.DeleteGroup(r.Context(), id); err != nil {
		writeStoreError(w, r, "Delete group failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAccessHandler handles GET /v1/groups/{groupId}/access
func (s *Server) ListAccessHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleViewer); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	items, err := s.Store.ListAccess(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, "List access failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GrantAccessHandler handles POST /v1/groups/{groupId}/access. Editors may
// grant viewer and editor; changing an owner's role, or granting owner,
// needs owner.
func (s *Server) GrantAccessHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	var req grantAccessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid access entry", err.Error(), r.URL.Path)
		return
	}
	if err := s.checkAccessChange(r, id, req.UserID, req.Role); err != nil {
		writeAccessChangeError(w, r, err)
		return
	}
	e, err := s.Store.GrantAccess(r.Context(), model.AccessEntry{GroupID: id, UserID: req.UserID, Role: req.Role})
	if err != nil {
		writeStoreError(w, r, "Grant access failed", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RevokeAccessHandler handles DELETE /v1/groups/{groupId}/access/{userId}
func (s *Server) RevokeAccessHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.checkAccessChange(r, vars["groupId"], vars["userId"], ""); err != nil {
		writeAccessChangeError(w, r, err)
		return
	}
	if err := s.Store.RevokeAccess(r.Context(), vars["groupId"], vars["userId"]); err != nil {
		writeStoreError(w, r, "Revoke access failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var (
	errOwnerProtected = errors.New("the group's creator keeps the owner role")
	errLastOwner      = errors.New("a group needs at least one owner")
)

// checkAccessChange authorizes setting userID's role on a group to role,
// or revoking it when role is empty. Touching an owner needs owner. The
// group's creator and its last owner cannot lose the owner role, not even
// by an admin.
func (s *Server) checkAccessChange(r *http.Request, groupID, userID, role string) error {
	current, err := s.Store.GroupRole(r.Context(), groupID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	need := model.RoleEditor
	if role == model.RoleOwner || current == model.RoleOwner {
		need = model.RoleOwner
	}
	if err := s.authorize(r, groupID, need); err != nil {
		return err
	}
	if current != model.RoleOwner || role == model.RoleOwner {
		return nil
	}
	g, err := s.Store.GetGroup(r.Context(), groupID)
	if err != nil {
		return err
	}
	if userID == g.OwnerID {
		return errOwnerProtected
	}
	entries, err := s.Store.ListAccess(r.Context(), groupID)
	if err != nil {
		return err
	}
	owners := 0
	for _, e := range entries {
		if e.Role == model.RoleOwner {
			owners++
		}
	}
	if owners <= 1 {
		return errLastOwner
	}
	return nil
}

func writeAccessChangeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errOwnerProtected) || errors.Is(err, errLastOwner) {
		writeProblem(w, http.StatusConflict, "Owner role protected", err.Error(), r.URL.Path)
		return
	}
	writeAuthzError(w, r, err)
}

// deviceSummary counts bins by the larger of their fill levels.
type deviceSummary struct {
	Total    int `json:"total"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Excluded int `json:"excluded"`
}

// GroupDevicesHandler handles GET /v1/groups/{groupId}/devices: the map
// surface's markers plus summary counts.
func (s *Server) GroupDevicesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleViewer); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	devices, err := s.Registry.ListDevices(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusBadGateway, "Device registry unavailable", err.Error(), r.URL.Path)
		return
	}
	if t := r.URL.Query().Get("type"); t != "" {
		kept := devices[:0:0]
		for _, d := range devices {
			if d.Type == t {
				kept = append(kept, d)
			}
		}
		devices = kept
	}
	points, rejects := registry.CollectionPoints(devices, id)
	registry.LogRejects(s.Log, id, rejects)

	markers := make([]model.Marker, len(points))
	sum := deviceSummary{Total: len(points), Excluded: len(rejects)}
	for i, p := range points {
		markers[i] = opt.MarkerFor(p)
		switch fill := markers[i].MaxFill; {
		case fill > opt.SingleSensorThreshold:
			sum.High++
		case fill > opt.DualSensorThreshold:
			sum.Medium++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markers": markers, "summary": sum, "devices": devices})
}

// RegisterDeviceHandler handles POST /v1/groups/{groupId}/devices
func (s *Server) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["groupId"]
	if err := s.authorize(r, id, model.RoleEditor); err != nil {
		writeAuthzError(w, r, err)
		return
	}
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid device", err.Error(), r.URL.Path)
		return
	}
	if (req.Lat == nil) != (req.Lng == nil) {
		writeProblem(w, http.StatusBadRequest, "Invalid device", "lat and lng go together", r.URL.Path)
		return
	}
	if req.ID != "" {
		if existing, err := s.Store.GetDevice(r.Context(), req.ID); err == nil && existing.GroupID != id {
			writeProblem(w, http.StatusConflict, "Device belongs to another group", "", r.URL.Path)
			return
		}
	}
	d, err := s.Store.UpsertDevice(r.Context(), req.device(id))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Register device failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// deviceFor loads a device and checks the caller's role on its group.
// Ungrouped devices are admin-only.
func (s *Server) deviceFor(w http.ResponseWriter, r *http.Request, minRole string) (model.Device, bool) {
	d, err := s.Store.GetDevice(r.Context(), mux.Vars(r)["deviceId"])
	if err != nil {
		writeStoreError(w, r, "Get device failed", err)
		return model.Device{}, false
	}
	if d.GroupID == "" {
		if !session(r).IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "device has no group", r.URL.Path)
			return model.Device{}, false
		}
		return d, true
	}
	if err := s.authorize(r, d.GroupID, minRole); err != nil {
		writeAuthzError(w, r, err)
		return model.Device{}, false
	}
	return d, true
}

// GetDeviceHandler handles GET /v1/devices/{deviceId}
func (s *Server) GetDeviceHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFor(w, r, model.RoleViewer)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteDeviceHandler handles DELETE /v1/devices/{deviceId}
func (s *Server) DeleteDeviceHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFor(w, r, model.RoleEditor)
	if !ok {
		return
	}
	if err := s.Store.DeleteDevice(r.Context(), d.ID); err != nil {
		writeStoreError(w, r, "Delete device failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReadingHandler handles POST /v1/devices/{deviceId}/readings
func (s *Server) ReadingHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFor(w, r, model.RoleEditor)
	if !ok {
		return
	}
	var req readingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid reading", err.Error(), r.URL.Path)
		return
	}
	updated, err := s.Ingest.Apply(r.Context(), req.reading(d.ID), ingest.SourceHTTP)
	var ve *ingest.ValidationError
	if errors.As(err, &ve) {
		writeProblem(w, http.StatusBadRequest, "Invalid reading", ve.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeStoreError(w, r, "Record reading failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, updated)
}

func writeStoreError(w http.ResponseWriter, r *http.Request, title string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
}
