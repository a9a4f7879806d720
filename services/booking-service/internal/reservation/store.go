package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared claim medium: one Redis key per (topic, holder) with a
// TTL equal to the claim's remaining life, plus a pub/sub channel per topic so
// connected sessions see claims without polling. Key expiry is the leave
// event: a holder that stops renewing (or crashes) simply vanishes from
// every observer's snapshot. Writes are never rejected for overlapping an
// existing claim; the store provides visibility, not mutual exclusion.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Publish broadcasts a claim, replacing any prior claim by the same holder on
// the same topic. A released claim deletes the holder's key instead of
// writing it; observers receive the released form on the event channel.
func (s *Store) Publish(ctx context.Context, c Claim) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid claim: %w", err)
	}

	key := claimKey(c.Topic(), c.HolderID)
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}

	if c.Released {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete claim: %w", err)
		}
	} else {
		ttl := time.Until(c.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("claim already expired")
		}
		if err := s.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
			return fmt.Errorf("write claim: %w", err)
		}
	}

	if err := s.rdb.Publish(ctx, eventsChannel(c.Topic()), payload).Err(); err != nil {
		return fmt.Errorf("publish claim event: %w", err)
	}
	return nil
}

// Snapshot returns the live claims on a topic keyed by holder. Claims whose
// expiry has passed are dropped even if Redis has not evicted them yet.
func (s *Store) Snapshot(ctx context.Context, t Topic) (map[string]Claim, error) {
	pattern := claimKey(t, "*")

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan claims: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	now := time.Now().UTC()
	claims := make(map[string]Claim, len(keys))
	for _, key := range keys {
		payload, err := s.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("read claim: %w", err)
		}
		var c Claim
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("decode claim: %w", err)
		}
		if c.Expired(now) {
			continue
		}
		claims[c.HolderID] = c
	}
	return claims, nil
}

// Subscription is an active pub/sub stream of claim events on one topic.
// Caller must Close it when done; context cancellation also stops it.
type Subscription struct {
	events <-chan Claim
	errs   <-chan error
	cancel func()
	once   sync.Once
}

func (s *Subscription) Events() <-chan Claim {
	return s.events
}

// Errors carries non-fatal decode failures; the subscription keeps running
// and the malformed message is skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errs
}

func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe streams claim events for a topic, including released claims.
// Delivery is best effort: Redis pub/sub is at-most-once, and a slow consumer
// can miss events, which is fine because Snapshot remains the source of truth.
func (s *Store) Subscribe(ctx context.Context, t Topic) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, eventsChannel(t))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe claims: %w", err)
	}

	events := make(chan Claim, 16)
	errs := make(chan error, 4)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var c Claim
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					select {
					case errs <- fmt.Errorf("decode claim event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case events <- c:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: events, errs: errs, cancel: cancel}, nil
}

func claimKey(t Topic, holderID string) string {
	return fmt.Sprintf("fadebook:resv:%s:%s:%s:holder:%s", t.ShopID, t.StaffID, t.Date, holderID)
}

func eventsChannel(t Topic) string {
	return fmt.Sprintf("fadebook:resv:%s:%s:%s:events", t.ShopID, t.StaffID, t.Date)
}
