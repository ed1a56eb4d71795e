// Package orchestrator routes queries to providers under their admission
// budgets, consults the result cache, and fans search hits out to ordered
// detail fetches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/JakeFAU/metascraper/internal/cache"
	"github.com/JakeFAU/metascraper/internal/limiter"
	"github.com/JakeFAU/metascraper/internal/provider"
	"github.com/JakeFAU/metascraper/internal/scraper"
	"github.com/JakeFAU/metascraper/internal/textutil"
)

// Mode selects how a query is routed.
type Mode string

const (
	// ModeAuto treats every query as a keyword search, even one that parses as an ID.
	ModeAuto Mode = "auto"
	// ModeByID parses the query as an ID and fails fast when it does not match.
	ModeByID Mode = "id"
	// ModeByKeyword cleans the query into a keyword and searches.
	ModeByKeyword Mode = "keyword"
)

// ParseMode maps a query-string value onto a Mode; empty means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeByID, ModeByKeyword:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

const (
	defaultDetailWorkers  = 4
	defaultMaxResults     = 50
	defaultDefaultResults = 10
)

// Config tunes search fan-out.
type Config struct {
	// DetailWorkers bounds concurrent detail fetches per search.
	DetailWorkers int
	// MaxResults is the ceiling applied to every requested result count.
	MaxResults int
	// DefaultResults is used when the caller asks for zero or fewer.
	DefaultResults int
}

// Registry resolves provider names.
type Registry interface {
	Get(name string) (provider.Provider, error)
	Names() []string
}

// LimiterStats describes one provider's admission state.
type LimiterStats struct {
	Provider string `json:"provider"`
	Capacity int    `json:"capacity"`
	InFlight int    `json:"inFlight"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	registry Registry
	limiters map[string]*limiter.Limiter
	cache    *cache.Cache
	cfg      Config
	logger   *zap.Logger
}

// New wires providers to their limiters. Every registered provider needs a
// limiter; the cache may be nil.
func New(registry Registry, limiters map[string]*limiter.Limiter, c *cache.Cache, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("provider registry is required")
	}
	for _, name := range registry.Names() {
		if limiters[name] == nil {
			return nil, fmt.Errorf("no limiter configured for provider %q", name)
		}
	}
	if cfg.DetailWorkers <= 0 {
		cfg.DetailWorkers = defaultDetailWorkers
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.DefaultResults <= 0 {
		cfg.DefaultResults = defaultDefaultResults
	}
	if cfg.DefaultResults > cfg.MaxResults {
		cfg.DefaultResults = cfg.MaxResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		limiters: limiters,
		cache:    c,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ClampResults applies the default and the ceiling to a requested count.
func (o *Orchestrator) ClampResults(n int) int {
	switch {
	case n <= 0:
		return o.cfg.DefaultResults
	case n > o.cfg.MaxResults:
		return o.cfg.MaxResults
	default:
		return n
	}
}

// Resolve answers query against the named provider according to mode.
func (o *Orchestrator) Resolve(ctx context.Context, providerName, query string, mode Mode, maxResults int) ([]*scraper.ContentMetadata, error) {
	switch mode {
	case ModeByID:
		meta, err := o.LookupByID(ctx, providerName, query)
		if err != nil {
			return nil, err
		}
		return []*scraper.ContentMetadata{meta}, nil
	case ModeAuto, ModeByKeyword, "":
		return o.Search(ctx, providerName, query, maxResults)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// LookupByID fetches one item, consulting the cache before and after taking
// a slot so racing lookups for the same ID fetch once.
func (o *Orchestrator) LookupByID(ctx context.Context, providerName, input string) (*scraper.ContentMetadata, error) {
	p, lim, err := o.provider(providerName)
	if err != nil {
		return nil, err
	}
	name := p.Name()
	id, ok := p.TryParseID(input)
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", name, input, scraper.ErrInvalidID)
	}
	if meta, hit, err := o.cached(name, id); hit {
		return meta, err
	}

	slot, err := lim.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, id, err)
	}
	defer slot.Release()

	if meta, hit, err := o.cached(name, id); hit {
		return meta, err
	}

	start := time.Now()
	detailURL := p.BuildDetailURL(id)
	var meta *scraper.ContentMetadata
	err = lim.Run(ctx, slot, func(ctx context.Context) error {
		m, ferr := p.FetchDetail(ctx, detailURL)
		meta = m
		return ferr
	})
	if err == nil && meta == nil {
		err = fmt.Errorf("%s %s: %w", name, id, scraper.ErrNotFound)
	}

	switch {
	case err == nil:
		if meta.ID == "" {
			meta.ID = id
		}
		o.setFound(name, id, meta)
		o.logger.Info("detail fetched",
			zap.String("provider", name),
			zap.String("id", id),
			zap.Duration("duration", time.Since(start)),
		)
		return meta, nil
	case errors.Is(err, scraper.ErrNotFound):
		o.setNotFound(name, id)
		o.logger.Info("detail not found", zap.String("provider", name), zap.String("id", id))
	default:
		o.logFailure("detail fetch failed", name, detailURL, err)
	}
	return nil, err
}

// Search cleans query into a keyword, runs the provider search under one
// slot, and fetches every hit's detail page. Results keep hit order; failed
// details are dropped.
func (o *Orchestrator) Search(ctx context.Context, providerName, query string, maxResults int) ([]*scraper.ContentMetadata, error) {
	p, lim, err := o.provider(providerName)
	if err != nil {
		return nil, err
	}
	name := p.Name()
	maxResults = o.ClampResults(maxResults)
	keyword := textutil.KeywordFromFilename(query)
	if keyword == "" {
		keyword = textutil.Normalize(query)
	}
	if keyword == "" {
		return []*scraper.ContentMetadata{}, nil
	}

	var hits []scraper.SearchHit
	err = lim.Do(ctx, func(ctx context.Context) error {
		h, serr := p.Search(ctx, keyword, maxResults)
		hits = h
		return serr
	})
	if err != nil {
		if !limiter.IsBusy(err) && ctx.Err() == nil {
			o.logFailure("search failed", name, keyword, err)
		}
		return nil, fmt.Errorf("%s search %q: %w", name, keyword, err)
	}
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	start := time.Now()
	details := o.fanOut(ctx, p, lim, hits)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s search %q: %w", name, keyword, err)
	}
	out := make([]*scraper.ContentMetadata, 0, len(details))
	for _, d := range details {
		if d != nil {
			out = append(out, d)
		}
	}
	o.logger.Info("search completed",
		zap.String("provider", name),
		zap.String("keyword", keyword),
		zap.Int("hits", len(hits)),
		zap.Int("results", len(out)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// Stats reports admission state per provider.
func (o *Orchestrator) Stats() []LimiterStats {
	names := o.registry.Names()
	out := make([]LimiterStats, 0, len(names))
	for _, name := range names {
		gate := o.limiters[name].Gate()
		out = append(out, LimiterStats{Provider: name, Capacity: gate.Capacity(), InFlight: gate.InFlight()})
	}
	return out
}

// fanOut fetches hits with at most DetailWorkers in flight. Workers claim
// indexes from a shared counter and write into their own slot of a pre-sized
// slice, so order never depends on completion.
func (o *Orchestrator) fanOut(ctx context.Context, p provider.Provider, lim *limiter.Limiter, hits []scraper.SearchHit) []*scraper.ContentMetadata {
	results := make([]*scraper.ContentMetadata, len(hits))
	if len(hits) == 0 {
		return results
	}
	workers := o.cfg.DetailWorkers
	if c := lim.Gate().Capacity(); workers > c {
		workers = c
	}
	if workers > len(hits) {
		workers = len(hits)
	}

	var next atomic.Int64
	wp := pool.New().WithMaxGoroutines(workers)
	for w := 0; w < workers; w++ {
		wp.Go(func() {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(hits) || ctx.Err() != nil {
					return
				}
				results[i] = o.fetchHit(ctx, p, lim, hits[i])
			}
		})
	}
	wp.Wait()
	return results
}

// fetchHit returns nil on any failure, including a panic inside the provider.
func (o *Orchestrator) fetchHit(ctx context.Context, p provider.Provider, lim *limiter.Limiter, hit scraper.SearchHit) (meta *scraper.ContentMetadata) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("detail fetch panicked",
				zap.String("provider", p.Name()),
				zap.String("url", hit.DetailURL),
				zap.Any("panic", r),
			)
			meta = nil
		}
	}()

	slot, err := lim.AcquireAdmitted(ctx)
	if err != nil {
		o.logger.Debug("detail skipped", zap.String("provider", p.Name()), zap.String("url", hit.DetailURL), zap.Error(err))
		return nil
	}
	defer slot.Release()

	err = lim.Run(ctx, slot, func(ctx context.Context) error {
		m, ferr := p.FetchDetail(ctx, hit.DetailURL)
		meta = m
		return ferr
	})
	if err != nil {
		o.logFailure("detail fetch failed", p.Name(), hit.DetailURL, err)
		return nil
	}
	if meta == nil {
		return nil
	}
	if strings.TrimSpace(meta.Title) == "" {
		meta.Title = hit.Title
	}
	if meta.PrimaryImage == "" {
		meta.PrimaryImage = hit.CoverURL
	}
	meta.Finalize()
	return meta
}

func (o *Orchestrator) provider(name string) (provider.Provider, *limiter.Limiter, error) {
	p, err := o.registry.Get(name)
	if err != nil {
		return nil, nil, err
	}
	lim := o.limiters[p.Name()]
	if lim == nil {
		return nil, nil, fmt.Errorf("no limiter configured for provider %q", p.Name())
	}
	return p, lim, nil
}

func (o *Orchestrator) cached(name, id string) (*scraper.ContentMetadata, bool, error) {
	if o.cache == nil {
		return nil, false, nil
	}
	entry, ok := o.cache.Get(name, id)
	if !ok {
		return nil, false, nil
	}
	if entry.NotFound {
		return nil, true, fmt.Errorf("%s %s: %w", name, id, scraper.ErrNotFound)
	}
	return entry.Metadata, true, nil
}

func (o *Orchestrator) setFound(name, id string, meta *scraper.ContentMetadata) {
	if o.cache != nil {
		o.cache.SetFound(name, id, meta)
	}
}

func (o *Orchestrator) setNotFound(name, id string) {
	if o.cache != nil {
		o.cache.SetNotFound(name, id)
	}
}

func (o *Orchestrator) logFailure(msg, providerName, target string, err error) {
	fields := []zap.Field{
		zap.String("provider", providerName),
		zap.String("target", target),
		zap.String("outcome", provider.Outcome(err)),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, scraper.ErrNotFound), limiter.IsBusy(err):
		o.logger.Debug(msg, fields...)
	default:
		o.logger.Warn(msg, fields...)
	}
}
