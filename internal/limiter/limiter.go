package limiter

import (
	"context"
	"time"
)

// Config sizes a provider's admission budget.
type Config struct {
	Name             string
	MaxConcurrency   int
	MinInterval      time.Duration
	AdmissionTimeout time.Duration
}

// Limiter composes the concurrency gate and the interval limiter for one provider.
type Limiter struct {
	gate     *Gate
	interval *Interval
	timeout  time.Duration
}

// New builds a provider limiter.
func New(cfg Config) (*Limiter, error) {
	gate, err := NewGate(cfg.Name, cfg.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		gate:     gate,
		interval: NewInterval(cfg.Name, cfg.MinInterval),
		timeout:  cfg.AdmissionTimeout,
	}, nil
}

// Acquire takes a slot within the admission timeout.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	return l.gate.TryAcquire(ctx, l.timeout)
}

// AcquireAdmitted waits for a slot bounded only by ctx. Search fan-out uses it
// so hits of an admitted search queue for a slot instead of being dropped.
func (l *Limiter) AcquireAdmitted(ctx context.Context) (*Slot, error) {
	return l.gate.Acquire(ctx)
}

// Run executes fn while holding slot, honoring the minimum interval first and
// stamping completion afterwards. The slot itself is not released.
func (l *Limiter) Run(ctx context.Context, slot *Slot, fn func(context.Context) error) error {
	if err := l.interval.WaitIfNeeded(ctx, slot); err != nil {
		return err
	}
	defer l.interval.RecordComplete(slot)
	return fn(ctx)
}

// Do acquires a slot, runs fn through Run, and releases the slot on every exit path.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	slot, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer slot.Release()
	return l.Run(ctx, slot, fn)
}

// Gate exposes the underlying concurrency gate.
func (l *Limiter) Gate() *Gate {
	return l.gate
}
