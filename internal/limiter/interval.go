package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/metascraper/internal/metrics"
)

// Interval enforces a minimum gap between the completion of one request on a
// slot and the start of the next request on that slot.
type Interval struct {
	name     string
	min      time.Duration
	now      func() time.Time
	mu       sync.Mutex
	lastDone map[int]time.Time
}

// NewInterval builds an interval limiter; min <= 0 disables waiting.
func NewInterval(name string, min time.Duration) *Interval {
	metrics.Init()
	return &Interval{
		name:     name,
		min:      min,
		now:      time.Now,
		lastDone: make(map[int]time.Time),
	}
}

// WaitIfNeeded suspends the slot holder until the interval since the slot's
// last recorded completion has elapsed.
func (iv *Interval) WaitIfNeeded(ctx context.Context, slot *Slot) error {
	if iv == nil || iv.min <= 0 || slot == nil {
		return nil
	}
	iv.mu.Lock()
	last, ok := iv.lastDone[slot.Index()]
	iv.mu.Unlock()
	if !ok {
		return nil
	}
	wait := iv.min - iv.now().Sub(last)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		metrics.ObserveIntervalWait(iv.name, wait)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait %s interval: %w", iv.name, ctx.Err())
	}
}

// RecordComplete stamps the completion time for the slot.
func (iv *Interval) RecordComplete(slot *Slot) {
	if iv == nil || slot == nil {
		return
	}
	iv.mu.Lock()
	iv.lastDone[slot.Index()] = iv.now()
	iv.mu.Unlock()
}
