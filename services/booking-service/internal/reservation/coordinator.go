package reservation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Coordinator owns one holder's claim lifecycle on one topic:
// Idle -> Claimed -> {Renewed | Released -> Idle | Expired -> Idle}.
//
// Claiming is optimistic: it never fails because somebody else already shows
// a claim; races surface at commit time, not here. When the store is absent
// or unreachable the coordinator degrades to no-ops: holds stop propagating,
// foreign claims stop appearing, and correctness rests entirely on the
// ledger's conditional insert.
type Coordinator struct {
	store    *Store
	logger   *slog.Logger
	topic    Topic
	holderID string

	// AutoRenew republishes the current claim at TTL/3. Only embedded
	// sessions enable it, where process liveness stands in for session
	// liveness; web sessions renew explicitly so an abandoned claim dies
	// by TTL.
	autoRenew bool

	now func() time.Time

	mu       sync.Mutex
	current  *Claim
	view     map[string]Claim
	watching bool
	expiry   *time.Timer
	cancel   context.CancelFunc
	closed   bool
}

type Config struct {
	Store     *Store // nil runs the coordinator in degraded (no-op) mode
	Logger    *slog.Logger
	Topic     Topic
	HolderID  string
	AutoRenew bool
	Now       func() time.Time
}

func NewCoordinator(cfg Config) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:     cfg.Store,
		logger:    cfg.Logger,
		topic:     cfg.Topic,
		holderID:  cfg.HolderID,
		autoRenew: cfg.AutoRenew,
		now:       now,
		view:      map[string]Claim{},
	}
}

func (c *Coordinator) HolderID() string {
	return c.holderID
}

func (c *Coordinator) Topic() Topic {
	return c.topic
}

// Start subscribes to the topic so Reserved and View answer from a pushed
// view instead of polling Redis. Optional: an unstarted coordinator falls
// back to snapshots on demand. Subscription failure is absorbed; the
// coordinator keeps working in snapshot (or degraded) mode.
func (c *Coordinator) Start(ctx context.Context) {
	if c.store == nil {
		c.logger.Warn("reservation channel unavailable; holds are local only",
			"staff_id", c.topic.StaffID, "date", c.topic.Date)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	watching := false
	sub, err := c.store.Subscribe(runCtx, c.topic)
	if err != nil {
		c.logger.Warn("claim subscription failed; falling back to snapshots", "err", err)
	} else {
		c.mu.Lock()
		c.watching = true
		c.mu.Unlock()
		watching = true
		go c.watch(runCtx, sub)
	}

	if c.autoRenew {
		go c.renewLoop(runCtx)
	} else if !watching {
		cancel()
	}
}

func (c *Coordinator) watch(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			c.logger.Warn("claim event decode failed", "err", err)
		case claim, ok := <-sub.Events():
			if !ok {
				return
			}
			if claim.HolderID == c.holderID {
				continue
			}
			c.mu.Lock()
			if claim.Released || claim.Expired(c.now()) {
				delete(c.view, claim.HolderID)
			} else {
				c.view[claim.HolderID] = claim
			}
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(ClaimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			held := c.current != nil
			c.mu.Unlock()
			if held {
				c.Renew(ctx)
			}
		}
	}
}

// Claim publishes a hold on the given start time with a fresh TTL, replacing
// any prior claim by this holder. Returns false only on transport failure.
func (c *Coordinator) Claim(ctx context.Context, start time.Time) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	now := c.now()
	claim := Claim{
		ShopID:    c.topic.ShopID,
		StaffID:   c.topic.StaffID,
		Date:      c.topic.Date,
		StartTime: start,
		HolderID:  c.holderID,
		ClaimedAt: now,
		ExpiresAt: now.Add(ClaimTTL),
	}

	if c.store != nil {
		if err := c.store.Publish(ctx, claim); err != nil {
			c.logger.Warn("claim publish failed", "err", err, "start_time", start)
			return false
		}
	}

	c.mu.Lock()
	c.current = &claim
	c.resetExpiryLocked(claim.ExpiresAt)
	c.mu.Unlock()
	return true
}

// Release clears the hold immediately. Errors are absorbed: worst case the
// claim lingers for other observers until its TTL runs out.
func (c *Coordinator) Release(ctx context.Context) {
	c.mu.Lock()
	claim := c.current
	c.current = nil
	c.stopExpiryLocked()
	c.mu.Unlock()

	if claim == nil || c.store == nil {
		return
	}
	released := *claim
	released.Released = true
	if err := c.store.Publish(ctx, released); err != nil {
		c.logger.Warn("claim release failed", "err", err)
	}
}

// Renew republishes the current claim with a refreshed TTL. Returns false if
// there is nothing to renew or the publish failed.
func (c *Coordinator) Renew(ctx context.Context) bool {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return false
	}
	claim := *c.current
	c.mu.Unlock()

	claim.ExpiresAt = c.now().Add(ClaimTTL)

	if c.store != nil {
		if err := c.store.Publish(ctx, claim); err != nil {
			c.logger.Warn("claim renew failed", "err", err)
			return false
		}
	}

	c.mu.Lock()
	c.current = &claim
	c.resetExpiryLocked(claim.ExpiresAt)
	c.mu.Unlock()
	return true
}

// Current returns this holder's live claim, if any.
func (c *Coordinator) Current() (Claim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Expired(c.now()) {
		return Claim{}, false
	}
	return *c.current, true
}

// Reserved reports how the given start time looks from this holder's merged
// view. A slot this holder has claimed is never also "reserved by other":
// during an unresolved race both sides see only their own hold, and the
// commit decides.
func (c *Coordinator) Reserved(ctx context.Context, start time.Time) (byMe, byOther bool) {
	now := c.now()

	c.mu.Lock()
	if c.current != nil && c.current.StartTime.Equal(start) && !c.current.Expired(now) {
		byMe = true
	}
	c.mu.Unlock()
	if byMe {
		return true, false
	}

	for _, claim := range c.othersView(ctx) {
		if claim.StartTime.Equal(start) {
			return false, true
		}
	}
	return false, false
}

// View returns the non-expired claims held by other parties on this topic.
func (c *Coordinator) View(ctx context.Context) map[string]Claim {
	return c.othersView(ctx)
}

func (c *Coordinator) othersView(ctx context.Context) map[string]Claim {
	now := c.now()

	c.mu.Lock()
	watching := c.watching
	var out map[string]Claim
	if watching {
		out = make(map[string]Claim, len(c.view))
		for holder, claim := range c.view {
			if claim.Expired(now) {
				delete(c.view, holder)
				continue
			}
			out[holder] = claim
		}
	}
	c.mu.Unlock()
	if watching {
		return out
	}

	if c.store == nil {
		return map[string]Claim{}
	}
	snapshot, err := c.store.Snapshot(ctx, c.topic)
	if err != nil {
		c.logger.Warn("claim snapshot failed; reporting no foreign holds", "err", err)
		return map[string]Claim{}
	}
	delete(snapshot, c.holderID)
	return snapshot
}

// Close tears the coordinator down deterministically: the watch goroutine,
// the renewal loop and the expiry timer all stop, so nothing can resurrect a
// claim after the session ends. It does not publish a release; an unreleased
// claim disappears for observers when its TTL lapses, same as a crash.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.current = nil
	c.watching = false
	c.stopExpiryLocked()
	if c.cancel != nil {
		c.cancel()
	}
}

// resetExpiryLocked arms the local expiry timer. Expiry is observed locally,
// not signalled by the channel; the timer only drops our own stale claim.
func (c *Coordinator) resetExpiryLocked(expiresAt time.Time) {
	c.stopExpiryLocked()
	c.expiry = time.AfterFunc(time.Until(expiresAt), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current != nil && c.current.Expired(c.now()) {
			c.current = nil
		}
	})
}

func (c *Coordinator) stopExpiryLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
}
