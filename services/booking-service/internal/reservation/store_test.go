package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewStore(rdb), mr
}

func testTopic() Topic {
	return Topic{ShopID: "shop-1", StaffID: "staff-1", Date: "2026-03-04"}
}

func testClaim(holderID string, start time.Time) Claim {
	now := time.Now().UTC()
	return Claim{
		ShopID:    "shop-1",
		StaffID:   "staff-1",
		Date:      "2026-03-04",
		StartTime: start,
		HolderID:  holderID,
		ClaimedAt: now,
		ExpiresAt: now.Add(ClaimTTL),
	}
}

func TestPublishAndSnapshot(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	claim := testClaim(uuid.NewString(), start)
	require.NoError(t, store.Publish(ctx, claim))

	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	got := snapshot[claim.HolderID]
	assert.True(t, got.StartTime.Equal(start))
	assert.Equal(t, claim.HolderID, got.HolderID)
}

func TestPublishRejectsInvalidClaim(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	claim := testClaim("", time.Now().UTC().Add(time.Hour))
	err := store.Publish(ctx, claim)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "holder id")
}

func TestPublishReplacesOwnClaim(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	holder := uuid.NewString()
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Publish(ctx, testClaim(holder, day.Add(10*time.Hour))))
	require.NoError(t, store.Publish(ctx, testClaim(holder, day.Add(11*time.Hour))))

	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.True(t, snapshot[holder].StartTime.Equal(day.Add(11*time.Hour)))
}

func TestReleaseRemovesClaim(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	claim := testClaim(uuid.NewString(), time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Publish(ctx, claim))

	released := claim
	released.Released = true
	require.NoError(t, store.Publish(ctx, released))

	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestClaimExpiresByTTL(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	claim := testClaim(uuid.NewString(), time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Publish(ctx, claim))

	mr.FastForward(ClaimTTL + time.Second)

	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	assert.Empty(t, snapshot, "expired claim should vanish without an explicit release")
}

func TestSnapshotIsScopedToTopic(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Publish(ctx, testClaim(uuid.NewString(), start)))

	other := testClaim(uuid.NewString(), start)
	other.StaffID = "staff-2"
	require.NoError(t, store.Publish(ctx, other))

	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	assert.Len(t, snapshot, 1, "claims for another staff member must not leak in")
}

func TestTwoHoldersSameSlot(t *testing.T) {
	// The store is advisory: overlapping claims from different holders
	// both land, and the booking commit settles the race.
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	first := testClaim(uuid.NewString(), start)
	second := testClaim(uuid.NewString(), start)
	require.NoError(t, store.Publish(ctx, first))
	require.NoError(t, store.Publish(ctx, second))

	snapshot, err := store.Snapshot(ctx, testTopic())
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestSubscribeDeliversClaimsAndReleases(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := store.Subscribe(ctx, testTopic())
	require.NoError(t, err)
	defer sub.Close()

	claim := testClaim(uuid.NewString(), time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Publish(ctx, claim))

	select {
	case got := <-sub.Events():
		assert.Equal(t, claim.HolderID, got.HolderID)
		assert.False(t, got.Released)
	case <-ctx.Done():
		t.Fatal("timed out waiting for claim event")
	}

	released := claim
	released.Released = true
	require.NoError(t, store.Publish(ctx, released))

	select {
	case got := <-sub.Events():
		assert.Equal(t, claim.HolderID, got.HolderID)
		assert.True(t, got.Released)
	case <-ctx.Done():
		t.Fatal("timed out waiting for release event")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, testTopic())
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}
