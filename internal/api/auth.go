// Package api implements the HTTP surface of the route service.
package api

import (
	"errors"
	"net/http"
	"strings"

	"ecoroute/internal/auth"
	"ecoroute/internal/model"
	"ecoroute/internal/store"
)

var errForbidden = errors.New("forbidden")

// sessionMiddleware turns the bearer token into the request's Session.
// Requests without a valid token are rejected.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			// browsers cannot set headers on EventSource or WebSocket requests
			tok = r.URL.Query().Get("access_token")
		}
		if tok == "" {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required", r.URL.Path)
			return
		}
		sess, err := s.Auth.Verify(tok)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
	})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func session(r *http.Request) auth.Session {
	sess, _ := auth.FromContext(r.Context())
	return sess
}

var roleRank = map[string]int{model.RoleViewer: 1, model.RoleEditor: 2, model.RoleOwner: 3}

// authorize checks that the session holds at least minRole on the group.
// Admins pass. A missing group is store.ErrNotFound.
func (s *Server) authorize(r *http.Request, groupID, minRole string) error {
	if _, err := s.Store.GetGroup(r.Context(), groupID); err != nil {
		return err
	}
	sess := session(r)
	if sess.IsAdmin() {
		return nil
	}
	role, err := s.Store.GroupRole(r.Context(), groupID, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return errForbidden
	}
	if err != nil {
		return err
	}
	if roleRank[role] < roleRank[minRole] {
		return errForbidden
	}
	return nil
}

// writeAuthzError maps authorize failures to problems.
func writeAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "group not found", r.URL.Path)
	case errors.Is(err, errForbidden):
		writeProblem(w, http.StatusForbidden, "Forbidden", "insufficient role on group", r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Authorization failed", err.Error(), r.URL.Path)
	}
}
