package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"datamake/internal/model"
)

func TestClientReadEndpoints(t *testing.T) {
	var sessionsQuery url.Values
	var eventsQuery url.Values

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessionsQuery = r.URL.Query()
		writeFixture(w, http.StatusOK, map[string]any{
			"sessions": []model.SessionRecord{
				{SessionID: "ses-20250101-120000.000000002", Status: model.SessionStatusSucceeded},
				{SessionID: "ses-20250101-110000.000000001", Status: model.SessionStatusAborted},
			},
		})
	})
	mux.HandleFunc("/api/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/ses-20250101-120000.000000002" {
			writeFixture(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "session_not_found", "message": "session not found"},
			})
			return
		}
		writeFixture(w, http.StatusOK, map[string]any{
			"session": map[string]any{
				"record": model.SessionRecord{
					SessionID: "ses-20250101-120000.000000002",
					Status:    model.SessionStatusSucceeded,
					Targets:   []string{"out/report.csv"},
				},
				"events":   []model.EventRecord{{EventType: "transition", ToState: "succeeded"}},
				"pointers": []model.PointerRecord{{Name: model.PointerFinished, SessionID: "ses-20250101-120000.000000002"}},
				"stale":    false,
			},
		})
	})
	mux.HandleFunc("/api/v1/pointers", func(w http.ResponseWriter, _ *http.Request) {
		writeFixture(w, http.StatusOK, map[string]any{
			"pointers": []model.PointerRecord{
				{Name: model.PointerFinished, SessionID: "ses-1"},
				{Name: model.PointerLatest, SessionID: "ses-2"},
			},
		})
	})
	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		eventsQuery = r.URL.Query()
		writeFixture(w, http.StatusOK, map[string]any{
			"events": []model.EventRecord{
				{ID: 9, EventType: "transition", FromState: "running", ToState: "succeeded"},
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := NewClient(server.URL+"/", time.Second)

	t.Run("sessions", func(t *testing.T) {
		sessions, err := client.Sessions(t.Context(), 3)
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if len(sessions) != 2 {
			t.Fatalf("expected 2 sessions, got %d", len(sessions))
		}
		if sessionsQuery.Get("limit") != "3" {
			t.Fatalf("expected limit query 3, got %q", sessionsQuery.Get("limit"))
		}
	})

	t.Run("session detail", func(t *testing.T) {
		detail, err := client.Session(t.Context(), "ses-20250101-120000.000000002")
		if err != nil {
			t.Fatalf("session: %v", err)
		}
		if detail.Record.SessionID != "ses-20250101-120000.000000002" {
			t.Fatalf("unexpected session id %q", detail.Record.SessionID)
		}
		if len(detail.Pointers) != 1 || detail.Pointers[0].Name != model.PointerFinished {
			t.Fatalf("unexpected pointers %#v", detail.Pointers)
		}
	})

	t.Run("session not found", func(t *testing.T) {
		_, err := client.Session(t.Context(), "ses-missing")
		if err == nil {
			t.Fatalf("expected error for missing session")
		}
		if !strings.Contains(err.Error(), "session_not_found (http 404)") {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("pointers", func(t *testing.T) {
		pointers, err := client.Pointers(t.Context())
		if err != nil {
			t.Fatalf("pointers: %v", err)
		}
		if len(pointers) != 2 {
			t.Fatalf("expected 2 pointers, got %d", len(pointers))
		}
	})

	t.Run("events", func(t *testing.T) {
		events, err := client.Events(t.Context(), "ses-20250101-120000.000000002", 7)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if eventsQuery.Get("session") != "ses-20250101-120000.000000002" {
			t.Fatalf("unexpected session query %q", eventsQuery.Get("session"))
		}
		if eventsQuery.Get("limit") != "7" {
			t.Fatalf("unexpected limit query %q", eventsQuery.Get("limit"))
		}
	})
}

func TestClientHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, _ *http.Request) {
			writeFixture(w, http.StatusOK, map[string]any{
				"status": "ok",
				"worker": map[string]any{"running": true, "total_processed": 12},
				"outbox": model.OutboxStats{SentCount: 12, TotalCount: 12},
				"bus":    map[string]any{"healthy": true},
			})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		status, err := NewClient(server.URL, time.Second).Health(t.Context())
		if err != nil {
			t.Fatalf("health: %v", err)
		}
		if status.Status != "ok" {
			t.Fatalf("unexpected status %q", status.Status)
		}
		if !status.Worker.Running || status.Worker.TotalProcessed != 12 {
			t.Fatalf("unexpected worker view %#v", status.Worker)
		}
	})

	t.Run("degraded decodes from 503", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, _ *http.Request) {
			writeFixture(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"outbox": model.OutboxStats{PendingCount: 4},
				"bus":    map[string]any{"healthy": false, "error": "event bus is not running"},
			})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		status, err := NewClient(server.URL, time.Second).Health(t.Context())
		if err != nil {
			t.Fatalf("health: %v", err)
		}
		if status.Status != "degraded" {
			t.Fatalf("unexpected status %q", status.Status)
		}
		if status.Bus.Healthy || status.Bus.Error == "" {
			t.Fatalf("expected unhealthy bus with error, got %#v", status.Bus)
		}
	})

	t.Run("unexpected status is an error", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, _ *http.Request) {
			writeFixture(w, http.StatusInternalServerError, map[string]any{
				"error": map[string]string{"code": "store_error", "message": "disk is gone"},
			})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		_, err := NewClient(server.URL, time.Second).Health(t.Context())
		if err == nil {
			t.Fatalf("expected error for 500 response")
		}
		if !strings.Contains(err.Error(), "store_error (http 500)") {
			t.Fatalf("unexpected error %v", err)
		}
	})
}

func writeFixture(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
