package reservation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionIdleAfter is how long a session may go untouched before its
// coordinator is evicted. Any claim it still held dies by TTL on its own.
const sessionIdleAfter = 10 * time.Minute

// Registry hands out one coordinator per booking session for the HTTP
// surface. Coordinators here are not started and never auto-renew: a web
// client must renew its hold explicitly, so a client that goes away takes its
// claim down with it when the TTL lapses.
type Registry struct {
	store  *Store
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	coord    *Coordinator
	lastSeen time.Time
}

func NewRegistry(store *Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		logger:   logger,
		sessions: map[string]*session{},
	}
}

// Coordinator returns the session's coordinator for the given topic,
// creating it on first use. Switching topic (other staff or date) releases
// the previous hold and starts fresh.
func (r *Registry) Coordinator(ctx context.Context, sessionID string, t Topic) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if entry, ok := r.sessions[sessionID]; ok {
		if entry.coord.Topic() == t {
			entry.lastSeen = now
			return entry.coord
		}
		entry.coord.Release(ctx)
		entry.coord.Close()
	}

	coord := NewCoordinator(Config{
		Store:    r.store,
		Logger:   r.logger,
		Topic:    t,
		HolderID: sessionID,
	})
	r.sessions[sessionID] = &session{coord: coord, lastSeen: now}
	return coord
}

// Run sweeps idle sessions until the context ends, then closes everything.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().UTC().Add(-sessionIdleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.sessions {
		if entry.lastSeen.Before(cutoff) {
			entry.coord.Close()
			delete(r.sessions, id)
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.sessions {
		entry.coord.Close()
		delete(r.sessions, id)
	}
}
