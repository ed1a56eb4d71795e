// Package session owns pooled browser automation sessions and decides when to
// rotate them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metascraper/internal/metrics"
)

// ErrManagerClosed is returned by Acquire after Shutdown.
var ErrManagerClosed = errors.New("session manager shut down")

// Mode selects how traffic classes map onto sessions.
type Mode string

const (
	// ModeShared serves search and detail traffic from one session.
	ModeShared Mode = "shared"
	// ModeSplit keeps independent search and detail sessions.
	ModeSplit Mode = "split"
)

// Rotation reasons reported in logs and metrics.
const (
	ReasonDead      = "dead"
	ReasonChallenge = "challenge"
	ReasonTTL       = "ttl"
	ReasonMaxPages  = "max_pages"
	ReasonDiscarded = "discarded"
)

// Fingerprint is applied uniformly to every new session.
type Fingerprint struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	Timezone       string
	ExtraHeaders   map[string]string
}

// Config controls rotation.
type Config struct {
	Mode Mode
	// TTL is the maximum session age; <= 0 disables age rotation.
	TTL time.Duration
	// MaxPages forces rotation once this many pages were opened; <= 0 disables it.
	MaxPages          int
	RotateOnChallenge bool
	InitScript        string
	Fingerprint       Fingerprint
}

// Session is a reusable automation handle.
type Session interface {
	ID() string
	Alive() bool
	Close() error
}

// Engine creates sessions and is torn down once, after every session.
type Engine[S Session] interface {
	NewSession(ctx context.Context, fp Fingerprint, initScript string) (S, error)
	Close() error
}

// Stats describes the session currently held for a traffic class.
type Stats struct {
	Class      string        `json:"class"`
	SessionID  string        `json:"sessionId,omitempty"`
	Age        time.Duration `json:"age"`
	Pages      int           `json:"pages"`
	Challenged bool          `json:"challenged"`
	Rotations  int64         `json:"rotations"`
	Draining   int           `json:"draining"`
}

type classState[S Session] struct {
	name       string
	mu         sync.Mutex
	current    S
	held       bool
	born       time.Time
	pages      int
	challenged bool
	rotations  int64

	// borrows counts outstanding Acquire calls per session ID. Retired
	// sessions with borrows left wait in draining until the last Release.
	borrows  map[string]int
	draining map[string]S
}

func newClassState[S Session](name string) *classState[S] {
	return &classState[S]{name: name, borrows: make(map[string]int), draining: make(map[string]S)}
}

// Manager hands out sessions per traffic class. Each class has its own lock so
// search and detail rotation proceed independently in split mode.
type Manager[S Session] struct {
	engine Engine[S]
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	search *classState[S]
	detail *classState[S]

	closeMu sync.RWMutex
	closed  bool
}

// NewManager wires an engine to the rotation policy.
func NewManager[S Session](engine Engine[S], cfg Config, logger *zap.Logger) (*Manager[S], error) {
	if engine == nil {
		return nil, errors.New("session engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSplit
	}
	metrics.Init()

	m := &Manager[S]{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	switch cfg.Mode {
	case ModeShared:
		shared := newClassState[S]("shared")
		m.search, m.detail = shared, shared
	case ModeSplit:
		m.search = newClassState[S]("search")
		m.detail = newClassState[S]("detail")
	default:
		return nil, fmt.Errorf("unknown session mode %q", cfg.Mode)
	}
	return m, nil
}

func (m *Manager[S]) class(forDetail bool) *classState[S] {
	if forDetail {
		return m.detail
	}
	return m.search
}

// Acquire borrows the held session for the class, rotating it first when it
// is dead or a rotation predicate holds. Every successful Acquire must be
// paired with Release.
func (m *Manager[S]) Acquire(ctx context.Context, forDetail bool) (S, error) {
	var zero S
	c := m.class(forDetail)
	c.mu.Lock()
	defer c.mu.Unlock()

	m.closeMu.RLock()
	closed := m.closed
	m.closeMu.RUnlock()
	if closed {
		return zero, ErrManagerClosed
	}

	if c.held {
		reason := m.rotationReason(c)
		if reason == "" {
			c.borrows[c.current.ID()]++
			return c.current, nil
		}
		m.retire(c, reason)
	}

	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("acquire %s session: %w", c.name, err)
	}
	s, err := m.engine.NewSession(ctx, m.cfg.Fingerprint, m.cfg.InitScript)
	if err != nil {
		return zero, fmt.Errorf("create %s session: %w", c.name, err)
	}
	c.current = s
	c.held = true
	c.born = m.now()
	c.pages = 0
	c.challenged = false
	c.borrows[s.ID()]++
	m.logger.Debug("session created", zap.String("class", c.name), zap.String("session_id", s.ID()))
	return s, nil
}

// Release returns a borrow taken by Acquire. A session that was rotated out
// while borrowed is closed once its last borrow is returned.
func (m *Manager[S]) Release(s S, forDetail bool) {
	c := m.class(forDetail)
	c.mu.Lock()
	defer c.mu.Unlock()
	id := s.ID()
	n, ok := c.borrows[id]
	if !ok {
		return
	}
	if n > 1 {
		c.borrows[id] = n - 1
		return
	}
	delete(c.borrows, id)
	if old, ok := c.draining[id]; ok {
		delete(c.draining, id)
		m.closeSession(c, old)
	}
}

// RecordPageOpened counts a page against s when s is still the held session.
func (m *Manager[S]) RecordPageOpened(s S, forDetail bool) {
	c := m.class(forDetail)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held && c.current.ID() == s.ID() {
		c.pages++
	}
}

// FlagChallenge marks the held session for the class as challenged.
func (m *Manager[S]) FlagChallenge(forDetail bool) {
	c := m.class(forDetail)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		c.challenged = true
	}
}

// Discard retires s immediately when it is still the held session. Callers
// use it after a session error so the retry gets a fresh session.
func (m *Manager[S]) Discard(s S, forDetail bool) {
	c := m.class(forDetail)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held && c.current.ID() == s.ID() {
		m.retire(c, ReasonDiscarded)
	}
}

// Stats snapshots every distinct class.
func (m *Manager[S]) Stats() []Stats {
	classes := []*classState[S]{m.search}
	if m.detail != m.search {
		classes = append(classes, m.detail)
	}
	out := make([]Stats, 0, len(classes))
	for _, c := range classes {
		c.mu.Lock()
		st := Stats{Class: c.name, Pages: c.pages, Challenged: c.challenged, Rotations: c.rotations, Draining: len(c.draining)}
		if c.held {
			st.SessionID = c.current.ID()
			st.Age = m.now().Sub(c.born)
		}
		c.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Shutdown closes every held and draining session and then the engine,
// regardless of outstanding borrows. Every step runs
// even when an earlier one fails; failures are joined into the result.
func (m *Manager[S]) Shutdown(_ context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	var errs []error
	classes := []*classState[S]{m.search}
	if m.detail != m.search {
		classes = append(classes, m.detail)
	}
	for _, c := range classes {
		c.mu.Lock()
		if c.held {
			if err := c.current.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s session: %w", c.name, err))
			}
			var zero S
			c.current = zero
			c.held = false
		}
		for id, old := range c.draining {
			if err := old.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close draining %s session: %w", c.name, err))
			}
			delete(c.draining, id)
		}
		clear(c.borrows)
		c.mu.Unlock()
	}
	if err := m.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager[S]) rotationReason(c *classState[S]) string {
	switch {
	case !c.current.Alive():
		return ReasonDead
	case c.challenged && m.cfg.RotateOnChallenge:
		return ReasonChallenge
	case m.cfg.TTL > 0 && m.now().Sub(c.born) >= m.cfg.TTL:
		return ReasonTTL
	case m.cfg.MaxPages > 0 && c.pages >= m.cfg.MaxPages:
		return ReasonMaxPages
	default:
		return ""
	}
}

// retire drops the held session and closes it best-effort, or parks it in
// draining while it is still borrowed; c.mu must be held.
func (m *Manager[S]) retire(c *classState[S], reason string) {
	old := c.current
	if c.borrows[old.ID()] > 0 {
		c.draining[old.ID()] = old
	} else {
		m.closeSession(c, old)
	}
	var zero S
	c.current = zero
	c.held = false
	c.rotations++
	metrics.ObserveSessionRotation(c.name, reason)
	m.logger.Info("session rotated",
		zap.String("class", c.name),
		zap.String("session_id", old.ID()),
		zap.String("reason", reason),
		zap.Int("pages", c.pages),
	)
}

func (m *Manager[S]) closeSession(c *classState[S], s S) {
	if err := s.Close(); err != nil {
		m.logger.Warn("session close failed",
			zap.String("class", c.name),
			zap.String("session_id", s.ID()),
			zap.Error(err),
		)
	}
}
