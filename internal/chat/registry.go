package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RichardoC/confessional/internal/config"
	"github.com/RichardoC/confessional/internal/llm"
	"github.com/RichardoC/confessional/internal/render"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry maps page sessions to their controllers. A page load creates a
// session; it goes away when the page closes it or it sits idle too long.
type Registry struct {
	backend  llm.Backend
	renderer render.Renderer
	persona  config.Persona
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	ctrl     *Controller
	lastSeen time.Time
}

func NewRegistry(backend llm.Backend, renderer render.Renderer, persona config.Persona, logger *zap.Logger) *Registry {
	return &Registry{
		backend:  backend,
		renderer: renderer,
		persona:  persona,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

func (r *Registry) Create(ctx context.Context) (*Controller, error) {
	session, err := r.backend.NewSession(ctx, r.persona.SystemInstruction)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend session: %w", err)
	}

	id := uuid.NewString()
	ctrl := NewController(id, NewStore(r.renderer, r.logger), session, r.persona, r.logger)

	r.mu.Lock()
	r.sessions[id] = &entry{ctrl: ctrl, lastSeen: r.now()}
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session created", zap.String("session_id", id), zap.Int("sessions", count))
	return ctrl, nil
}

// Get returns the controller for id and marks the session as seen.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.lastSeen = r.now()
	return e.ctrl, nil
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		e.ctrl.Store().Close()
		r.logger.Info("session closed", zap.String("session_id", id))
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep drops sessions unseen for longer than idle. Sessions with a turn in
// flight are kept.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) && !e.ctrl.Busy() {
			stale = append(stale, e)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.ctrl.Store().Close()
	}
	if len(stale) > 0 {
		r.logger.Info("swept idle sessions", zap.Int("removed", len(stale)))
	}
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(idle)
		}
	}
}

// Close drops every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range sessions {
		e.ctrl.Store().Close()
	}
}
