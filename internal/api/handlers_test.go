package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubProvider struct {
	status Status
	err    error
}

func (s stubProvider) Status(context.Context) (Status, error) { return s.status, s.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := NewHandlers(stubProvider{}, discardLogger())
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	h := NewHandlers(stubProvider{status: Status{
		State:       "READY",
		CopyEnabled: true,
		Mappings:    map[string]int{"placed": 3, "failed": 1},
		Breaker:     "CLOSED",
		Stream:      StreamStatus{Connected: true, HeartbeatAgeMS: 1200},
	}}, discardLogger())

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "READY" || !got.CopyEnabled {
		t.Errorf("snapshot = %+v, want READY with copy enabled", got)
	}
	if got.Mappings["placed"] != 3 {
		t.Errorf("placed mappings = %d, want 3", got.Mappings["placed"])
	}
	if !got.Stream.Connected || got.Stream.HeartbeatAgeMS != 1200 {
		t.Errorf("stream = %+v, want connected with 1200ms heartbeat age", got.Stream)
	}
}

func TestHandleStatusProviderError(t *testing.T) {
	t.Parallel()

	h := NewHandlers(stubProvider{err: errors.New("store closed")}, discardLogger())
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
