// Package limiter implements per-provider admission control: a counting
// concurrency gate and a per-slot minimum request interval.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/metascraper/internal/metrics"
	"github.com/JakeFAU/metascraper/internal/scraper"
)

// Slot is an acquired admission ticket. Release must be called on every exit
// path; it is idempotent.
type Slot struct {
	index   int
	gate    *Gate
	release sync.Once
}

// Index identifies the slot within its gate, in [0, capacity).
func (s *Slot) Index() int {
	return s.index
}

// Release returns the slot to its gate.
func (s *Slot) Release() {
	if s == nil || s.gate == nil {
		return
	}
	s.release.Do(func() {
		s.gate.put(s.index)
	})
}

// Gate is a counting admission gate with a fixed number of slots.
type Gate struct {
	name     string
	free     chan int
	inFlight atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

// NewGate builds a gate admitting at most capacity concurrent holders.
func NewGate(name string, capacity int) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("gate %q capacity must be > 0", name)
	}
	metrics.Init()
	free := make(chan int, capacity)
	for i := 0; i < capacity; i++ {
		free <- i
	}
	return &Gate{name: name, free: free}, nil
}

// TryAcquire waits up to timeout for a free slot. It returns scraper.ErrBusy
// when the timeout elapses and the context error when ctx ends first. A
// non-positive timeout only takes a slot that is immediately free.
func (g *Gate) TryAcquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		metrics.ObserveAdmission(g.name, "canceled")
		return nil, fmt.Errorf("acquire %s slot: %w", g.name, err)
	}
	select {
	case idx := <-g.free:
		return g.grant(idx), nil
	default:
	}
	if timeout <= 0 {
		metrics.ObserveAdmission(g.name, "busy")
		return nil, fmt.Errorf("%s: %w", g.name, scraper.ErrBusy)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case idx := <-g.free:
		return g.grant(idx), nil
	case <-timer.C:
		metrics.ObserveAdmission(g.name, "busy")
		return nil, fmt.Errorf("%s: %w", g.name, scraper.ErrBusy)
	case <-ctx.Done():
		metrics.ObserveAdmission(g.name, "canceled")
		return nil, fmt.Errorf("acquire %s slot: %w", g.name, ctx.Err())
	}
}

// Acquire waits for a free slot until ctx ends. Callers use it for work that
// belongs to a request already admitted through TryAcquire.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		metrics.ObserveAdmission(g.name, "canceled")
		return nil, fmt.Errorf("acquire %s slot: %w", g.name, err)
	}
	select {
	case idx := <-g.free:
		return g.grant(idx), nil
	case <-ctx.Done():
		metrics.ObserveAdmission(g.name, "canceled")
		return nil, fmt.Errorf("acquire %s slot: %w", g.name, ctx.Err())
	}
}

// Capacity reports the configured number of slots.
func (g *Gate) Capacity() int {
	return cap(g.free)
}

// InFlight reports how many slots are currently held.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Counts reports lifetime acquisitions and releases.
func (g *Gate) Counts() (acquired, released int64) {
	return g.acquired.Load(), g.released.Load()
}

func (g *Gate) grant(idx int) *Slot {
	g.acquired.Add(1)
	n := g.inFlight.Add(1)
	metrics.ObserveAdmission(g.name, "granted")
	metrics.SetInFlight(g.name, int(n))
	return &Slot{index: idx, gate: g}
}

func (g *Gate) put(idx int) {
	g.released.Add(1)
	n := g.inFlight.Add(-1)
	metrics.SetInFlight(g.name, int(n))
	g.free <- idx
}

// IsBusy reports whether err is an admission timeout.
func IsBusy(err error) bool {
	return errors.Is(err, scraper.ErrBusy)
}
