package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/fadebook/fadebook/services/booking-service/internal/model"
)

// HoursProvider supplies a staff member's working window for one weekday.
// The second return value is false when no window exists for that day.
type HoursProvider interface {
	WorkingWindow(ctx context.Context, shopID, staffID string, weekday time.Weekday) (model.WorkingWindow, bool, error)
}

// Ledger lists the appointments already on the books for a staff member's day.
type Ledger interface {
	ListForDay(ctx context.Context, shopID, staffID string, day time.Time, excludeID string) ([]model.Appointment, error)
}

// Calculator resolves the slot grid for a staff member and date. It holds no
// mutable state; every call recomputes from fresh ledger and hours snapshots.
type Calculator struct {
	Hours  HoursProvider
	Ledger Ledger
	Now    func() time.Time
}

// ComputeGrid builds the grid for one staff+date. excludeID skips one
// appointment when checking busy spans, used while rescheduling so the
// appointment being moved does not block its own new slot.
//
// No working window (or an inactive one) yields an empty grid and no error.
// A ledger failure is returned as an error so callers never mistake
// "couldn't determine availability" for "nothing available".
func (c *Calculator) ComputeGrid(ctx context.Context, shopID, staffID string, day time.Time, serviceDuration time.Duration, excludeID string) ([]Slot, error) {
	window, ok, err := c.Hours.WorkingWindow(ctx, shopID, staffID, day.Weekday())
	if err != nil {
		return nil, fmt.Errorf("fetch working window: %w", err)
	}
	if !ok || !window.IsActive {
		return nil, nil
	}

	appts, err := c.Ledger.ListForDay(ctx, shopID, staffID, day, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	busy := make([]Interval, 0, len(appts))
	for _, a := range appts {
		if !a.Occupies() {
			continue
		}
		busy = append(busy, BlockedInterval(a.StartTime, a.EndTime))
	}

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	windowStart := midnight.Add(time.Duration(window.OpenMinute) * time.Minute)
	windowEnd := midnight.Add(time.Duration(window.CloseMinute) * time.Minute)

	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now()
	}

	return BuildGrid(windowStart, windowEnd, serviceDuration, busy, now), nil
}
