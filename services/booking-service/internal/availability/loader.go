package availability

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrSuperseded is returned by Loader.Load when a newer request started while
// this one was fetching. The stale grid is discarded, never delivered.
var ErrSuperseded = errors.New("availability request superseded")

// Loader serializes grid computations for a single booking session. The
// fetch-then-compute path suspends on storage; if the user switches staff or
// date mid-flight the older response must not clobber the newer one, so each
// request is tagged and only the latest tag may return a grid.
type Loader struct {
	Calc *Calculator
	seq  atomic.Uint64
}

func (l *Loader) Load(ctx context.Context, shopID, staffID string, day time.Time, serviceDuration time.Duration, excludeID string) ([]Slot, error) {
	tag := l.seq.Add(1)

	grid, err := l.Calc.ComputeGrid(ctx, shopID, staffID, day, serviceDuration, excludeID)
	if err != nil {
		return nil, err
	}
	if l.seq.Load() != tag {
		return nil, ErrSuperseded
	}
	return grid, nil
}
