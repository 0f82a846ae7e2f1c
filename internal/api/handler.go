package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/RichardoC/confessional/internal/chat"
	"github.com/RichardoC/confessional/internal/config"
	"github.com/RichardoC/confessional/internal/models"
	"github.com/RichardoC/confessional/web"
	"go.uber.org/zap"
)

const maxRequestBodySize = 64 * 1024

type Handler struct {
	sessions  *chat.Registry
	persona   config.Persona
	logger    *zap.Logger
	page      *template.Template
	static    fs.FS
	keepAlive time.Duration

	// Turns run on this context rather than the request's, so a reply keeps
	// streaming after the POST that started it has returned.
	baseCtx context.Context
}

func NewHandler(ctx context.Context, sessions *chat.Registry, persona config.Persona, logger *zap.Logger) (*Handler, error) {
	page, err := template.ParseFS(web.FS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse page template: %w", err)
	}
	static, err := fs.Sub(web.FS, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to open static assets: %w", err)
	}

	return &Handler{
		sessions:  sessions,
		persona:   persona,
		logger:    logger,
		page:      page,
		static:    static,
		keepAlive: 15 * time.Second,
		baseCtx:   ctx,
	}, nil
}

type MessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	Accepted bool `json:"accepted"`
}

type SessionResponse struct {
	SessionID string     `json:"session_id"`
	State     chat.State `json:"state"`
}

type snapshotEvent struct {
	Kind     string           `json:"type"`
	Messages []models.Message `json:"messages"`
	State    chat.State       `json:"state"`
}

// Routes returns the mux serving the page, its assets and the API.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Index)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.static))))
	mux.HandleFunc("/healthz", h.Health)

	mux.HandleFunc("/api/session", h.CreateSession)
	mux.HandleFunc("/api/session/close", h.CloseSession)
	mux.HandleFunc("/api/enter", h.Enter)
	mux.HandleFunc("/api/message", h.HandleMessage)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/state", h.GetState)
	mux.HandleFunc("/api/events", h.StreamEvents)
	return mux
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.page.Execute(w, h.persona); err != nil {
		h.logger.Error("Failed to render page", zap.Error(err))
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Len(),
	})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, err := h.sessions.Create(r.Context())
	if err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(SessionResponse{
		SessionID: ctrl.ID(),
		State:     ctrl.State(),
	}); err != nil {
		h.logger.Error("Failed to encode session", zap.Error(err))
	}
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.sessions.Remove(r.URL.Query().Get("session_id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Enter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	ctrl.Enter()
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessage starts a turn. The reply arrives over the event stream.
// Blank input and input sent while a reply is streaming are ignored with
// 204, not treated as errors.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, accepted := ctrl.TrySubmit(h.baseCtx, req.Content); !accepted {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(MessageResponse{Accepted: true}); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ctrl.Store().Messages())
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ctrl.State())
}

// StreamEvents pushes view events as Server-Sent Events. The first event is
// a snapshot so a reconnecting page can rebuild its list.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot so nothing falls between the two; the
	// page tolerates seeing a message twice.
	events, cancel := ctrl.Store().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeEvent(w, snapshotEvent{
		Kind:     "snapshot",
		Messages: ctrl.Store().Messages(),
		State:    ctrl.State(),
	}); err != nil {
		h.logger.Debug("Event stream closed", zap.Error(err))
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.baseCtx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("Event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			// an open stream keeps the session from being swept
			if _, err := h.sessions.Get(ctrl.ID()); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*chat.Controller, bool) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, "Query parameter 'session_id' is required", http.StatusBadRequest)
		return nil, false
	}

	ctrl, err := h.sessions.Get(id)
	if errors.Is(err, chat.ErrSessionNotFound) {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to look up session", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return ctrl, true
}
