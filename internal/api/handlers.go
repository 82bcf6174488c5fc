package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	logger   *slog.Logger
}

func NewHandlers(provider StatusProvider, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth is the liveness probe. It answers as long as the process can
// serve HTTP; readiness lives in /status.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the full operator snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.provider.Status(r.Context())
	if err != nil {
		h.logger.Error("status snapshot failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode status", "error", err)
	}
}
