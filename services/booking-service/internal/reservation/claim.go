package reservation

import (
	"fmt"
	"time"
)

// ClaimTTL is how long a claim lives without renewal. Observers filter on
// ExpiresAt rather than trusting that a visible claim is still valid.
const ClaimTTL = 5 * time.Minute

// Claim is an advisory, TTL-bound hold on a slot. It is visibility, not mutual
// exclusion: two holders may carry claims for the same minute during a race,
// and only the ledger's conditional insert decides who wins.
type Claim struct {
	ShopID    string    `json:"shop_id"`
	StaffID   string    `json:"staff_id"`
	Date      string    `json:"date"`
	StartTime time.Time `json:"start_time"`
	HolderID  string    `json:"holder_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Released marks the broadcast form of "this holder no longer claims
	// anything"; released claims are never stored.
	Released bool `json:"released,omitempty"`
}

func (c Claim) Validate() error {
	if c.ShopID == "" {
		return fmt.Errorf("claim shop id cannot be empty")
	}
	if c.StaffID == "" {
		return fmt.Errorf("claim staff id cannot be empty")
	}
	if c.Date == "" {
		return fmt.Errorf("claim date cannot be empty")
	}
	if c.HolderID == "" {
		return fmt.Errorf("claim holder id cannot be empty")
	}
	if !c.Released && c.ExpiresAt.IsZero() {
		return fmt.Errorf("claim expiry cannot be zero")
	}
	return nil
}

func (c Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Topic identifies the broadcast scope a claim belongs to.
type Topic struct {
	ShopID  string
	StaffID string
	Date    string
}

func (c Claim) Topic() Topic {
	return Topic{ShopID: c.ShopID, StaffID: c.StaffID, Date: c.Date}
}
