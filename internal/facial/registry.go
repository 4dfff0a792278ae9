package facial

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// Registry maps user IDs to their running sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
	publish  Publisher
	logger   *slog.Logger
}

// NewRegistry creates an empty registry whose sessions use cfg.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   logger,
	}
}

// WithPublisher sets the publisher for sessions started afterwards.
func (r *Registry) WithPublisher(p Publisher) *Registry {
	r.mu.Lock()
	r.publish = p
	r.mu.Unlock()
	return r
}

// Start begins a session for userID.
func (r *Registry) Start(ctx context.Context, userID string) (*Session, error) {
	_, span := traces.StartSpan(ctx, "facial.Start", traces.UserID(userID))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; ok {
		span.SetStatus(codes.Error, ErrSessionExists.Error())
		return nil, ErrSessionExists
	}
	s := NewSession(userID, r.cfg, r.publish, r.logger)
	r.sessions[userID] = s
	span.SetAttributes(traces.SessionID(s.ID()))
	return s, nil
}

// Get returns the running session for userID.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Push forwards frames to the user's session.
func (r *Registry) Push(userID string, frames []Frame) (int, error) {
	s, ok := r.Get(userID)
	if !ok {
		return 0, ErrNoSession
	}
	return s.Push(frames...)
}

// Stop ends the user's session and discards its state.
func (r *Registry) Stop(userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.Stop()
	return nil
}

// Latest returns a copy of the user's last published metrics. It never
// waits on the session goroutine.
func (r *Registry) Latest(userID string) (*signals.FaceMetrics, bool) {
	s, ok := r.Get(userID)
	if !ok {
		return nil, false
	}
	m, ok := s.Latest()
	if !ok {
		return nil, false
	}
	return &m, true
}

// Len returns the number of running sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}
