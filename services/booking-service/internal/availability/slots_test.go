package availability

import (
	"testing"
	"time"
)

func at(day time.Time, hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func TestBlockedInterval_RoundsUpToStride(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	// 45 min service + 10 min buffer = 55 min, rounded up to 60.
	iv := BlockedInterval(at(day, 10, 0), at(day, 10, 45))
	if !iv.End.Equal(at(day, 11, 0)) {
		t.Fatalf("expected blocked end 11:00, got %s", iv.End.Format(time.RFC3339))
	}

	// 20 min service + 10 min buffer = exactly one stride, no extra padding.
	iv = BlockedInterval(at(day, 10, 0), at(day, 10, 20))
	if !iv.End.Equal(at(day, 10, 30)) {
		t.Fatalf("expected blocked end 10:30, got %s", iv.End.Format(time.RFC3339))
	}
}

func TestBuildGrid_BusyAndFreeAroundOneAppointment(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	windowStart := at(day, 9, 0)
	windowEnd := at(day, 18, 0)
	now := day.Add(-24 * time.Hour)

	busy := []Interval{BlockedInterval(at(day, 10, 0), at(day, 10, 45))}
	grid := BuildGrid(windowStart, windowEnd, 45*time.Minute, busy, now)

	// 09:00 through 17:00 inclusive, every 30 minutes; 17:30 would run past close.
	if len(grid) != 17 {
		t.Fatalf("expected 17 slots, got %d", len(grid))
	}

	want := map[string]bool{
		"09:00": false,
		"09:30": true,
		"10:00": true,
		"10:30": true,
		"11:00": false,
	}
	for _, slot := range grid {
		key := slot.Start.Format("15:04")
		wantBusy, ok := want[key]
		if !ok {
			continue
		}
		if slot.Busy != wantBusy {
			t.Fatalf("slot %s: expected busy=%v, got %v", key, wantBusy, slot.Busy)
		}
	}
}

func TestBuildGrid_Deterministic(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	busy := []Interval{BlockedInterval(at(day, 12, 0), at(day, 12, 30))}
	now := at(day, 8, 0)

	first := BuildGrid(at(day, 9, 0), at(day, 17, 0), 30*time.Minute, busy, now)
	second := BuildGrid(at(day, 9, 0), at(day, 17, 0), 30*time.Minute, busy, now)

	if len(first) != len(second) {
		t.Fatalf("grid lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("slot %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestBuildGrid_LeadTimeCutoff(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	// At 09:40, the 30 min lead puts the cutoff at 10:10: 10:00 is too
	// soon, 10:30 is the first offerable start.
	now := at(day, 9, 40)

	grid := BuildGrid(at(day, 9, 0), at(day, 12, 0), 30*time.Minute, nil, now)
	for _, slot := range grid {
		switch slot.Start.Format("15:04") {
		case "09:00", "09:30", "10:00":
			if !slot.Past {
				t.Fatalf("slot %s should be past", slot.Start.Format("15:04"))
			}
		case "10:30":
			if slot.Past {
				t.Fatalf("slot 10:30 should be offerable")
			}
		}
	}
}

func TestBuildGrid_ServiceMustFitBeforeClose(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	now := at(day, 8, 0)

	grid := BuildGrid(at(day, 9, 0), at(day, 10, 0), 45*time.Minute, nil, now)
	if len(grid) != 1 {
		t.Fatalf("expected only 09:00 to fit, got %d slots", len(grid))
	}
	if !grid[0].Start.Equal(at(day, 9, 0)) {
		t.Fatalf("expected 09:00, got %s", grid[0].Start.Format(time.RFC3339))
	}
}

func TestBuildGrid_DegenerateInputs(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	now := at(day, 8, 0)

	if grid := BuildGrid(at(day, 9, 0), at(day, 9, 0), 30*time.Minute, nil, now); grid != nil {
		t.Fatalf("empty window should yield nil grid, got %d slots", len(grid))
	}
	if grid := BuildGrid(at(day, 9, 0), at(day, 17, 0), 0, nil, now); grid != nil {
		t.Fatalf("zero duration should yield nil grid, got %d slots", len(grid))
	}
}

func TestSlotAvailable(t *testing.T) {
	free := Slot{}
	if !free.Available() {
		t.Fatal("unflagged slot should be available")
	}
	if (Slot{Past: true}).Available() {
		t.Fatal("past slot should be unavailable")
	}
	if (Slot{Busy: true}).Available() {
		t.Fatal("busy slot should be unavailable")
	}
	if (Slot{ClaimedByOther: true}).Available() {
		t.Fatal("slot claimed elsewhere should be unavailable")
	}
	// A hold by the viewer does not make the slot unavailable to them.
	if !(Slot{ClaimedBySelf: true}).Available() {
		t.Fatal("own hold should keep the slot available to its holder")
	}
}
