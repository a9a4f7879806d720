package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/fadebook/fadebook/services/booking-service/internal/model"
)

// Source is where working windows actually live (Postgres in production).
type Source interface {
	WorkingWindow(ctx context.Context, shopID, staffID string, weekday time.Weekday) (model.WorkingWindow, bool, error)
}

// CachedProvider fronts a Source with a short per-staff cache. Working hours
// change rarely (admin console edits), so reads are cached and invalidated by
// the working-hours-updated event consumer; the TTL bounds staleness if an
// event is missed.
type CachedProvider struct {
	src Source
	ttl time.Duration

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	shopID  string
	staffID string
	weekday time.Weekday
}

type cacheEntry struct {
	window    model.WorkingWindow
	ok        bool
	fetchedAt time.Time
}

func NewCachedProvider(src Source, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedProvider{
		src:     src,
		ttl:     ttl,
		entries: map[cacheKey]cacheEntry{},
	}
}

func (p *CachedProvider) WorkingWindow(ctx context.Context, shopID, staffID string, weekday time.Weekday) (model.WorkingWindow, bool, error) {
	key := cacheKey{shopID: shopID, staffID: staffID, weekday: weekday}
	now := time.Now()

	p.mu.Lock()
	entry, hit := p.entries[key]
	p.mu.Unlock()
	if hit && now.Sub(entry.fetchedAt) < p.ttl {
		return entry.window, entry.ok, nil
	}

	window, ok, err := p.src.WorkingWindow(ctx, shopID, staffID, weekday)
	if err != nil {
		return model.WorkingWindow{}, false, err
	}

	p.mu.Lock()
	p.entries[key] = cacheEntry{window: window, ok: ok, fetchedAt: now}
	p.mu.Unlock()
	return window, ok, nil
}

// Invalidate drops every cached window for one staff member.
func (p *CachedProvider) Invalidate(staffID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.entries {
		if key.staffID == staffID {
			delete(p.entries, key)
		}
	}
}
