package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/sessions", r.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", r.handleSessionByID)
	mux.HandleFunc("/api/v1/pointers", r.handlePointers)
	mux.HandleFunc("/api/v1/events", r.handleEvents)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	limit, err := parseIntQuery(req.URL.Query().Get("limit"), 50)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	sessions, err := r.service.Sessions(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_sessions_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (r *Runtime) handleSessionByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	sessionID := strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/api/v1/sessions/"))
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeAPIError(w, http.StatusBadRequest, "invalid_session_id", "session id is required")
		return
	}
	detail, err := r.service.SessionDetail(sessionID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": detail})
}

func (r *Runtime) handlePointers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	pointers, err := r.service.Pointers()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_pointers_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pointers": pointers})
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	query := req.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), 50)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	sessionID := strings.TrimSpace(query.Get("session"))
	events, err := r.service.Events(sessionID, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_events_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseIntQuery(raw string, fallback int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}
