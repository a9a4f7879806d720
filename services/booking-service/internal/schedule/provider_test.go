package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fadebook/fadebook/services/booking-service/internal/model"
)

type countingSource struct {
	calls  int
	window model.WorkingWindow
	found  bool
	err    error
}

func (s *countingSource) WorkingWindow(ctx context.Context, shopID, staffID string, weekday time.Weekday) (model.WorkingWindow, bool, error) {
	s.calls++
	return s.window, s.found, s.err
}

func TestCachedProvider_ServesFromCache(t *testing.T) {
	src := &countingSource{
		window: model.WorkingWindow{IsActive: true, OpenMinute: 540, CloseMinute: 1080},
		found:  true,
	}
	p := NewCachedProvider(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		window, ok, err := p.WorkingWindow(ctx, "shop-1", "staff-1", time.Wednesday)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok || window.OpenMinute != 540 {
			t.Fatalf("unexpected window: %+v ok=%v", window, ok)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected 1 source call, got %d", src.calls)
	}
}

func TestCachedProvider_CachesAbsence(t *testing.T) {
	src := &countingSource{found: false}
	p := NewCachedProvider(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, ok, err := p.WorkingWindow(ctx, "shop-1", "staff-1", time.Sunday); err != nil || ok {
			t.Fatalf("expected cached miss, ok=%v err=%v", ok, err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("a day off should be cached too, got %d calls", src.calls)
	}
}

func TestCachedProvider_ErrorsAreNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	p := NewCachedProvider(src, time.Minute)
	ctx := context.Background()

	if _, _, err := p.WorkingWindow(ctx, "shop-1", "staff-1", time.Monday); err == nil {
		t.Fatal("expected error")
	}
	src.err = nil
	src.found = true
	if _, ok, err := p.WorkingWindow(ctx, "shop-1", "staff-1", time.Monday); err != nil || !ok {
		t.Fatalf("source recovery should be visible, ok=%v err=%v", ok, err)
	}
	if src.calls != 2 {
		t.Fatalf("expected 2 source calls, got %d", src.calls)
	}
}

func TestCachedProvider_InvalidateDropsStaff(t *testing.T) {
	src := &countingSource{
		window: model.WorkingWindow{IsActive: true, OpenMinute: 540, CloseMinute: 1080},
		found:  true,
	}
	p := NewCachedProvider(src, time.Hour)
	ctx := context.Background()

	if _, _, err := p.WorkingWindow(ctx, "shop-1", "staff-1", time.Wednesday); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.WorkingWindow(ctx, "shop-1", "staff-2", time.Wednesday); err != nil {
		t.Fatal(err)
	}

	p.Invalidate("staff-1")

	if _, _, err := p.WorkingWindow(ctx, "shop-1", "staff-1", time.Wednesday); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.WorkingWindow(ctx, "shop-1", "staff-2", time.Wednesday); err != nil {
		t.Fatal(err)
	}
	if src.calls != 3 {
		t.Fatalf("only staff-1 should refetch, got %d calls", src.calls)
	}
}
