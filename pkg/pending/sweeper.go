package pending

import (
	"context"
	"log"
	"time"
)

// Sweepable is anything holding pending entries with a staleness threshold.
// Both Registry and Accumulator implement it.
type Sweepable interface {
	Name() string
	SweepExpired() []int64
}

// Sweeper periodically purges stale entries from its targets. It only ever
// deletes; resolution happens exclusively on the reply path, so the two can
// never race on the same entry.
type Sweeper struct {
	interval time.Duration
	targets  []Sweepable

	// OnSwept, when set, is invoked after each target sweep that removed
	// entries (metrics, rollback of orphaned resources).
	OnSwept func(name string, ids []int64)
}

func NewSweeper(interval time.Duration, targets ...Sweepable) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{interval: interval, targets: targets}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	for _, t := range s.targets {
		ids := t.SweepExpired()
		if len(ids) == 0 {
			continue
		}
		log.Printf("sweeper: %s purged %d stale entries %v", t.Name(), len(ids), ids)
		if s.OnSwept != nil {
			s.OnSwept(t.Name(), ids)
		}
	}
}
