package reservation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T, store *Store, clock *fakeClock) *Coordinator {
	coord := NewCoordinator(Config{
		Store:    store,
		Logger:   discardLogger(),
		Topic:    testTopic(),
		HolderID: uuid.NewString(),
		Now:      clock.Now,
	})
	t.Cleanup(coord.Close)
	return coord
}

func TestCoordinatorClaimLifecycle(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	coord := newTestCoordinator(t, store, clock)
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	_, held := coord.Current()
	assert.False(t, held)

	require.True(t, coord.Claim(ctx, start))
	claim, held := coord.Current()
	require.True(t, held)
	assert.True(t, claim.StartTime.Equal(start))

	byMe, byOther := coord.Reserved(ctx, start)
	assert.True(t, byMe)
	assert.False(t, byOther)

	coord.Release(ctx)
	_, held = coord.Current()
	assert.False(t, held)

	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestCoordinatorReclaimMovesHold(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	coord := newTestCoordinator(t, store, clock)
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	require.True(t, coord.Claim(ctx, day.Add(10*time.Hour)))
	require.True(t, coord.Claim(ctx, day.Add(11*time.Hour)))

	byMe, _ := coord.Reserved(ctx, day.Add(10*time.Hour))
	assert.False(t, byMe, "old slot should be relinquished")
	byMe, _ = coord.Reserved(ctx, day.Add(11*time.Hour))
	assert.True(t, byMe)
}

func TestCoordinatorSeesForeignClaims(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	mine := newTestCoordinator(t, store, clock)
	theirs := newTestCoordinator(t, store, clock)
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	require.True(t, theirs.Claim(ctx, start))

	byMe, byOther := mine.Reserved(ctx, start)
	assert.False(t, byMe)
	assert.True(t, byOther)

	view := mine.View(ctx)
	require.Len(t, view, 1)
	assert.Equal(t, theirs.HolderID(), view[theirs.HolderID()].HolderID)
}

func TestCoordinatorRaceBothSeeOwnHold(t *testing.T) {
	// During an unresolved race each side sees only its own hold. Neither
	// is blocked from booking; the conditional insert picks the winner.
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	first := newTestCoordinator(t, store, clock)
	second := newTestCoordinator(t, store, clock)
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	require.True(t, first.Claim(ctx, start))
	require.True(t, second.Claim(ctx, start))

	byMe, byOther := first.Reserved(ctx, start)
	assert.True(t, byMe)
	assert.False(t, byOther)

	byMe, byOther = second.Reserved(ctx, start)
	assert.True(t, byMe)
	assert.False(t, byOther)
}

func TestCoordinatorRenewExtendsClaim(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	coord := newTestCoordinator(t, store, clock)
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	require.True(t, coord.Claim(ctx, start))
	before, _ := coord.Current()

	clock.Advance(2 * time.Minute)
	require.True(t, coord.Renew(ctx))

	after, held := coord.Current()
	require.True(t, held)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
}

func TestCoordinatorRenewWithoutClaim(t *testing.T) {
	store, _ := setupTestStore(t)
	clock := &fakeClock{now: time.Now().UTC()}
	coord := newTestCoordinator(t, store, clock)

	assert.False(t, coord.Renew(context.Background()))
}

func TestCoordinatorClaimExpires(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	coord := newTestCoordinator(t, store, clock)
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	require.True(t, coord.Claim(ctx, start))
	clock.Advance(ClaimTTL + time.Second)

	_, held := coord.Current()
	assert.False(t, held, "expired claim should not be reported as current")

	byMe, _ := coord.Reserved(ctx, start)
	assert.False(t, byMe)
}

func TestCoordinatorDegradedMode(t *testing.T) {
	// No store at all: holds still work locally so the UI flow is intact,
	// they just never propagate to other sessions.
	clock := &fakeClock{now: time.Now().UTC()}
	coord := newTestCoordinator(t, nil, clock)
	ctx := context.Background()
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	coord.Start(ctx)

	require.True(t, coord.Claim(ctx, start))
	byMe, byOther := coord.Reserved(ctx, start)
	assert.True(t, byMe)
	assert.False(t, byOther)

	assert.Empty(t, coord.View(ctx))

	coord.Release(ctx)
	_, held := coord.Current()
	assert.False(t, held)
}

func TestCoordinatorWatchTracksEvents(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{now: time.Now().UTC()}

	watcher := newTestCoordinator(t, store, clock)
	watcher.Start(ctx)

	other := newTestCoordinator(t, store, clock)
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	require.True(t, other.Claim(ctx, start))

	require.Eventually(t, func() bool {
		_, byOther := watcher.Reserved(ctx, start)
		return byOther
	}, 2*time.Second, 10*time.Millisecond, "claim event should reach the watcher")

	other.Release(ctx)
	require.Eventually(t, func() bool {
		_, byOther := watcher.Reserved(ctx, start)
		return !byOther
	}, 2*time.Second, 10*time.Millisecond, "release event should clear the watcher's view")
}

func TestCoordinatorCloseStopsEverything(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	coord := newTestCoordinator(t, store, clock)
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	require.True(t, coord.Claim(ctx, start))
	coord.Close()
	coord.Close()

	assert.False(t, coord.Claim(ctx, start), "closed coordinator must not publish new claims")
	_, held := coord.Current()
	assert.False(t, held)
}

func TestRegistryReusesAndSwitchesSessions(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	registry := NewRegistry(store, discardLogger())
	sessionID := uuid.NewString()

	first := registry.Coordinator(ctx, sessionID, testTopic())
	again := registry.Coordinator(ctx, sessionID, testTopic())
	assert.Same(t, first, again)

	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	require.True(t, first.Claim(ctx, start))

	otherTopic := Topic{ShopID: "shop-1", StaffID: "staff-2", Date: "2026-03-04"}
	switched := registry.Coordinator(ctx, sessionID, otherTopic)
	assert.NotSame(t, first, switched)

	// Switching topics released the old hold.
	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}
