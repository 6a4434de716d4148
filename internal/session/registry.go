package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper defaults.
const (
	DefaultReapInterval = 5 * time.Minute
	DefaultMaxIdle      = 30 * time.Minute
)

// Registry tracks the live sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add stores the session under its ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove drops the session, cancelling its in-flight response and releasing
// its history and audio buffer. Unknown IDs are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.CancelResponse()
	s.ClearHistory()
	s.ClearAudio()
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Clear removes every session.
func (r *Registry) Clear() {
	for _, id := range r.ids() {
		r.Remove(id)
	}
}

// RunReaper removes sessions idle for longer than maxIdle, checking every
// interval. It blocks until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(maxIdle)
		}
	}
}

func (r *Registry) reapIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	for _, id := range r.ids() {
		s, ok := r.Get(id)
		if !ok {
			continue
		}
		if s.LastActivity().Before(cutoff) {
			slog.Info("reaping stale session", "session", id)
			r.Remove(id)
		}
	}
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
