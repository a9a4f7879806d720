package availability

import "time"

const (
	// SlotStride is the fixed spacing between candidate start times.
	SlotStride = 30 * time.Minute

	// CleanupBuffer is idle time reserved after each service before the
	// next booking may start. The blocked span is rounded up to the
	// stride, so blocking always errs on the side of too much.
	CleanupBuffer = 10 * time.Minute

	// MinLead is the minimum notice for a same-day slot to be offered.
	MinLead = 30 * time.Minute
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Slot is one candidate start time with everything that can make it unbookable.
type Slot struct {
	Start          time.Time
	Past           bool
	Busy           bool
	ClaimedBySelf  bool
	ClaimedByOther bool
}

// Available reports whether the slot can be offered for booking.
func (s Slot) Available() bool {
	return !s.Past && !s.Busy && !s.ClaimedByOther
}

// BlockedInterval returns the span an appointment makes unavailable:
// its own duration plus the cleanup buffer, rounded up to the stride.
//
// All times are expected to be in the same location (timezone).
func BlockedInterval(start, end time.Time) Interval {
	blocked := end.Sub(start) + CleanupBuffer
	if rem := blocked % SlotStride; rem != 0 {
		blocked += SlotStride - rem
	}
	return Interval{Start: start, End: start.Add(blocked)}
}

// BuildGrid generates candidate start times between windowStart and windowEnd
// such that the whole service fits before closing, and resolves each against
// the busy intervals and the lead-time cutoff. A nil grid is a valid result:
// it means nothing can be offered, not that anything failed.
func BuildGrid(windowStart, windowEnd time.Time, serviceDuration time.Duration, busy []Interval, now time.Time) []Slot {
	if serviceDuration <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}

	cutoff := now.Add(MinLead)

	var grid []Slot
	for t := windowStart; !t.Add(serviceDuration).After(windowEnd); t = t.Add(SlotStride) {
		slot := Slot{Start: t}
		if !t.After(cutoff) {
			slot.Past = true
		}
		if overlapsAny(t, t.Add(serviceDuration), busy) {
			slot.Busy = true
		}
		grid = append(grid, slot)
	}
	return grid
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
