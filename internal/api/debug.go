package api

import (
	"net/http"
	"time"

	"ecoroute/internal/buildinfo"
)

// DebugJSON handles GET /debug/vars: build info and non-secret settings.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	}
	if s.Cfg != nil {
		info["config"] = s.Cfg.Summary()
	}
	if s.Planner != nil {
		info["inflightPlans"] = s.Planner.InFlight()
	}
	writeJSON(w, http.StatusOK, info)
}
