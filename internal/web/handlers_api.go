package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/asheshgoplani/groupwatch/internal/session"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type alertsResponse struct {
	Alerts []session.Alert `json:"alerts"`
}

type sessionsResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Total    int               `json:"total"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}
	snap := s.manager.Snapshot(userID)
	if snap.Groups == nil {
		snap.Groups = []session.Group{}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}
	alerts, err := s.manager.Alerts(r.Context(), userID)
	if err != nil {
		webLog.Error("alerts_load_failed",
			slog.String("user", userID),
			slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load alerts")
		return
	}
	if alerts == nil {
		alerts = []session.Alert{}
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeAdmin(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	list := s.manager.ListSessions()
	if list == nil {
		list = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list, Total: len(list)})
}

// requireUser checks the method and resolves the caller. It writes the
// error response itself.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request, method string) (string, bool) {
	if r.Method != method {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return "", false
	}
	userID, ok := s.authenticate(r)
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
