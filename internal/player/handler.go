package player

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"cas-player/internal/media"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler exposes the session control API using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.StartSession)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.StopSession)
		r.Post("/seek", h.Seek)
		r.Get("/tracks.m3u8", h.GetTracks)
	})
}

// StartSession handles POST /sessions.
// Body: {"on_demand": {"duration": 60, "content_ref": "bafy..."}} or
// {"live": {"topic": "stream", "origin_peer": "12D3Koo..."}}.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	desc, err := req.Descriptor()
	if err != nil {
		h.log.Debug("invalid stream descriptor", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.svc.Start(desc)
	if err != nil {
		if errors.Is(err, media.ErrInvalidDescriptor) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("start session failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Info("session started", slog.String("session_id", string(id)), slog.String("kind", desc.Kind.String()))
	writeJSON(w, http.StatusCreated, map[string]SessionID{"id": id})
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	resp, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Seek handles POST /sessions/{session_id}/seek. Body: {"position": 42.5}.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil || *req.Position < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.Seek(r.Context(), id, *req.Position); err != nil {
		h.writeError(w, id, err)
		return
	}

	h.log.Debug("seek requested", slog.String("session_id", string(id)), slog.Float64("position", *req.Position))
	w.WriteHeader(http.StatusAccepted)
}

// GetTracks handles GET /sessions/{session_id}/tracks.m3u8.
func (h *Handler) GetTracks(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	m3u8, err := h.svc.Tracks(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// StopSession handles DELETE /sessions/{session_id}.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	if err := h.svc.Stop(id); err != nil {
		h.writeError(w, id, err)
		return
	}

	h.log.Info("session stopped", slog.String("session_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, id SessionID, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, ErrSessionClosed):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, ErrNotReady):
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.log.Error("session request failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
