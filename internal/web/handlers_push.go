package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type pushConfigResponse struct {
	Enabled           bool   `json:"enabled"`
	VAPIDPublicKey    string `json:"vapidPublicKey,omitempty"`
	Subject           string `json:"subject,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount,omitempty"`
}

type pushResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type pushPresenceRequest struct {
	Endpoint string `json:"endpoint"`
	Focused  *bool  `json:"focused"`
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}

	resp := pushConfigResponse{Enabled: s.pushEnabled()}
	if resp.Enabled {
		resp.VAPIDPublicKey = s.push.PublicKey()
		resp.Subject = s.push.Subject()
		if count, err := s.push.SubscriptionCount(r.Context(), userID); err == nil {
			resp.SubscriptionCount = count
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requirePush(w, r)
	if !ok {
		return
	}

	var sub pushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := s.push.UpsertSubscription(r.Context(), userID, sub); err != nil {
		pushLog.Error("push_subscribe_failed",
			slog.String("user", userID),
			slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}
	pushLog.Info("push_subscribed",
		slog.String("user", userID),
		slog.String("endpoint", endpointForLog(sub.Endpoint)))
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription saved"})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requirePush(w, r)
	if !ok {
		return
	}

	var req pushUnsubscribeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}

	if err := s.push.RemoveSubscriptionByEndpoint(r.Context(), userID, req.Endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription removed"})
}

func (s *Server) handlePushPresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requirePush(w, r)
	if !ok {
		return
	}

	var req pushPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid presence payload")
		return
	}
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" || req.Focused == nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint and focused are required")
		return
	}

	if err := s.push.UpdateSubscriptionFocus(r.Context(), userID, req.Endpoint, *req.Focused); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update push presence")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "push presence updated"})
}

func (s *Server) pushEnabled() bool {
	return s.push != nil && s.push.Enabled()
}

func (s *Server) requirePush(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := s.requireUser(w, r, http.MethodPost)
	if !ok {
		return "", false
	}
	if !s.pushEnabled() {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return "", false
	}
	return userID, true
}
