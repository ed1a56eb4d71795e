package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/metascraper/internal/cache"
	"github.com/JakeFAU/metascraper/internal/limiter"
	"github.com/JakeFAU/metascraper/internal/provider"
	"github.com/JakeFAU/metascraper/internal/scraper"
)

var fakeIDPattern = regexp.MustCompile(`^RJ\d{6}$`)

type fakeProvider struct {
	mu          sync.Mutex
	hits        []scraper.SearchHit
	searchErr   error
	keywords    []string
	detailCalls int
	detail      func(ctx context.Context, url string) (*scraper.ContentMetadata, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) TryParseID(input string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(input))
	return s, fakeIDPattern.MatchString(s)
}

func (f *fakeProvider) BuildDetailURL(id string) string { return "https://fake.test/work/" + id }

func (f *fakeProvider) Search(_ context.Context, keyword string, maxResults int) ([]scraper.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keywords = append(f.keywords, keyword)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.hits) > maxResults {
		return f.hits[:maxResults], nil
	}
	return f.hits, nil
}

func (f *fakeProvider) FetchDetail(ctx context.Context, url string) (*scraper.ContentMetadata, error) {
	f.mu.Lock()
	f.detailCalls++
	fn := f.detail
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, url)
	}
	return &scraper.ContentMetadata{ID: url[strings.LastIndex(url, "/")+1:], Title: "title of " + url}, nil
}

func (f *fakeProvider) calls() (searches, details int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keywords), f.detailCalls
}

type harness struct {
	orch     *Orchestrator
	provider *fakeProvider
	limiter  *limiter.Limiter
}

func newHarness(t *testing.T, p *fakeProvider, lcfg limiter.Config, cfg Config) harness {
	t.Helper()
	reg, err := provider.NewRegistry(p)
	require.NoError(t, err)
	if lcfg.MaxConcurrency == 0 {
		lcfg.MaxConcurrency = 4
	}
	if lcfg.AdmissionTimeout == 0 {
		lcfg.AdmissionTimeout = time.Second
	}
	lcfg.Name = "fake"
	lim, err := limiter.New(lcfg)
	require.NoError(t, err)
	c, err := cache.New(cache.Config{Capacity: 16, TTL: time.Minute, NotFoundTTL: time.Minute})
	require.NoError(t, err)
	o, err := New(reg, map[string]*limiter.Limiter{"fake": lim}, c, cfg, zap.NewNop())
	require.NoError(t, err)
	return harness{orch: o, provider: p, limiter: lim}
}

func makeHits(n int) []scraper.SearchHit {
	hits := make([]scraper.SearchHit, n)
	for i := range hits {
		hits[i] = scraper.SearchHit{
			DetailURL: fmt.Sprintf("https://fake.test/work/RJ%06d", i),
			Title:     fmt.Sprintf("hit %d", i),
			CoverURL:  fmt.Sprintf("https://fake.test/cover/%d.jpg", i),
		}
	}
	return hits
}

func requireSlotsConserved(t *testing.T, lim *limiter.Limiter) {
	t.Helper()
	acquired, released := lim.Gate().Counts()
	require.Equal(t, acquired, released)
	require.Zero(t, lim.Gate().InFlight())
}

func TestSearchPreservesHitOrder(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 2, 4, 8} {
		workers := workers
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()

			const n = 24
			delays := make([]time.Duration, n)
			rng := rand.New(rand.NewSource(int64(workers)))
			for i := range delays {
				delays[i] = time.Duration(rng.Intn(4000)) * time.Microsecond
			}
			p := &fakeProvider{hits: makeHits(n)}
			p.detail = func(ctx context.Context, url string) (*scraper.ContentMetadata, error) {
				i, err := strconv.Atoi(strings.TrimPrefix(url, "https://fake.test/work/RJ"))
				if err != nil {
					return nil, err
				}
				time.Sleep(delays[i])
				if i%5 == 3 {
					return nil, &scraper.ExtractError{Provider: "fake", Stage: scraper.StageParse, URL: url, Err: errors.New("layout")}
				}
				return &scraper.ContentMetadata{ID: fmt.Sprintf("RJ%06d", i), Title: fmt.Sprintf("detail %d", i)}, nil
			}
			h := newHarness(t, p, limiter.Config{MaxConcurrency: 8}, Config{DetailWorkers: workers})

			got, err := h.orch.Search(context.Background(), "fake", "anything", n)
			require.NoError(t, err)

			var want []string
			for i := 0; i < n; i++ {
				if i%5 != 3 {
					want = append(want, fmt.Sprintf("detail %d", i))
				}
			}
			titles := make([]string, 0, len(got))
			for _, m := range got {
				titles = append(titles, m.Title)
			}
			require.Equal(t, want, titles)
			requireSlotsConserved(t, h.limiter)
		})
	}
}

func TestAutoModeSearchesEvenForIDs(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{hits: makeHits(1)}
	h := newHarness(t, p, limiter.Config{}, Config{})

	got, err := h.orch.Resolve(context.Background(), "fake", "RJ123456", ModeAuto, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []string{"RJ123456"}, p.keywords)
	require.Equal(t, "title of https://fake.test/work/RJ000000", got[0].Title)
}

func TestByIDRejectsInvalidInputWithoutNetwork(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	h := newHarness(t, p, limiter.Config{}, Config{})

	_, err := h.orch.Resolve(context.Background(), "fake", "Love Story", ModeByID, 1)
	require.ErrorIs(t, err, scraper.ErrInvalidID)
	searches, details := p.calls()
	require.Zero(t, searches)
	require.Zero(t, details)
	acquired, _ := h.limiter.Gate().Counts()
	require.Zero(t, acquired)
}

func TestLookupByIDCachesNotFound(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{detail: func(context.Context, string) (*scraper.ContentMetadata, error) {
		return nil, fmt.Errorf("gone: %w", scraper.ErrNotFound)
	}}
	h := newHarness(t, p, limiter.Config{}, Config{})

	for i := 0; i < 2; i++ {
		_, err := h.orch.LookupByID(context.Background(), "fake", "rj123456")
		require.ErrorIs(t, err, scraper.ErrNotFound)
	}
	_, details := p.calls()
	require.Equal(t, 1, details)
	requireSlotsConserved(t, h.limiter)
}

func TestLookupByIDDoesNotCacheExtractErrors(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{detail: func(_ context.Context, url string) (*scraper.ContentMetadata, error) {
		return nil, &scraper.ExtractError{Provider: "fake", Stage: scraper.StageFetch, URL: url, Err: errors.New("timeout")}
	}}
	h := newHarness(t, p, limiter.Config{}, Config{})

	for i := 0; i < 2; i++ {
		_, err := h.orch.LookupByID(context.Background(), "fake", "RJ123456")
		var ee *scraper.ExtractError
		require.ErrorAs(t, err, &ee)
	}
	_, details := p.calls()
	require.Equal(t, 2, details)
}

func TestLookupByIDServesCachedCopies(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	h := newHarness(t, p, limiter.Config{}, Config{})

	first, err := h.orch.LookupByID(context.Background(), "fake", "RJ123456")
	require.NoError(t, err)
	require.Equal(t, "RJ123456", first.ID)
	first.Title = "mutated"

	second, err := h.orch.LookupByID(context.Background(), "fake", "RJ123456")
	require.NoError(t, err)
	require.Equal(t, "title of https://fake.test/work/RJ123456", second.Title)
	_, details := p.calls()
	require.Equal(t, 1, details)
}

func TestLookupByIDConcurrentCallersFetchOnce(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{detail: func(_ context.Context, url string) (*scraper.ContentMetadata, error) {
		time.Sleep(20 * time.Millisecond)
		return &scraper.ContentMetadata{Title: url}, nil
	}}
	h := newHarness(t, p, limiter.Config{MaxConcurrency: 1}, Config{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.LookupByID(context.Background(), "fake", "RJ123456")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	_, details := p.calls()
	require.Equal(t, 1, details)
}

func TestLookupByIDBusy(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	h := newHarness(t, p, limiter.Config{MaxConcurrency: 1, AdmissionTimeout: 20 * time.Millisecond}, Config{})

	held, err := h.limiter.Acquire(context.Background())
	require.NoError(t, err)

	_, err = h.orch.LookupByID(context.Background(), "fake", "RJ123456")
	require.ErrorIs(t, err, scraper.ErrBusy)
	_, details := p.calls()
	require.Zero(t, details)

	held.Release()
	requireSlotsConserved(t, h.limiter)
}

func TestKeywordSearchFromFilenameBackfillsTitles(t *testing.T) {
	t.Parallel()

	hits := makeHits(3)
	p := &fakeProvider{hits: hits}
	p.detail = func(_ context.Context, url string) (*scraper.ContentMetadata, error) {
		if strings.HasSuffix(url, "RJ000001") {
			return &scraper.ContentMetadata{ID: "RJ000001"}, nil
		}
		return &scraper.ContentMetadata{Title: "full " + url[len(url)-1:], PrimaryImage: "https://fake.test/own.jpg"}, nil
	}
	h := newHarness(t, p, limiter.Config{}, Config{DetailWorkers: 2})

	got, err := h.orch.Resolve(context.Background(), "fake", "Love Story 1080p.mkv", ModeByKeyword, 10)
	require.NoError(t, err)

	require.Len(t, p.keywords, 1)
	keyword := p.keywords[0]
	assert.Contains(t, keyword, "Love Story")
	assert.NotContains(t, keyword, "1080p")
	assert.NotContains(t, keyword, ".mkv")

	require.Len(t, got, 3)
	assert.Equal(t, "full 0", got[0].Title)
	assert.Equal(t, "hit 1", got[1].Title)
	assert.Equal(t, hits[1].CoverURL, got[1].PrimaryImage)
	assert.Equal(t, "full 2", got[2].Title)
	assert.Equal(t, "https://fake.test/own.jpg", got[2].PrimaryImage)
}

func TestSearchDropsPanickingDetails(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{hits: makeHits(3)}
	p.detail = func(_ context.Context, url string) (*scraper.ContentMetadata, error) {
		if strings.HasSuffix(url, "RJ000001") {
			panic("selector exploded")
		}
		return &scraper.ContentMetadata{Title: url}, nil
	}
	h := newHarness(t, p, limiter.Config{}, Config{})

	got, err := h.orch.Search(context.Background(), "fake", "x", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, makeHits(3)[0].DetailURL, got[0].Title)
	assert.Equal(t, makeHits(3)[2].DetailURL, got[1].Title)
	requireSlotsConserved(t, h.limiter)
}

func TestSearchCancellationReleasesSlots(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	p := &fakeProvider{hits: makeHits(12)}
	p.detail = func(ctx context.Context, _ string) (*scraper.ContentMetadata, error) {
		once.Do(cancel)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, p, limiter.Config{MaxConcurrency: 2}, Config{DetailWorkers: 4})

	_, err := h.orch.Search(ctx, "fake", "x", 12)
	require.ErrorIs(t, err, context.Canceled)
	requireSlotsConserved(t, h.limiter)
}

func TestSearchQueuesDetailsWhenWorkersExceedCapacity(t *testing.T) {
	t.Parallel()

	const n = 6
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	p := &fakeProvider{hits: makeHits(n)}
	p.detail = func(_ context.Context, url string) (*scraper.ContentMetadata, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &scraper.ContentMetadata{Title: url}, nil
	}
	h := newHarness(t, p, limiter.Config{MaxConcurrency: 2, AdmissionTimeout: 50 * time.Millisecond}, Config{DetailWorkers: 4})

	got, err := h.orch.Search(context.Background(), "fake", "x", n)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, hit := range makeHits(n) {
		assert.Equal(t, hit.DetailURL, got[i].Title)
	}
	_, details := p.calls()
	require.Equal(t, n, details)
	require.LessOrEqual(t, maxSeen, 2)
	requireSlotsConserved(t, h.limiter)
}

func TestSearchErrors(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{searchErr: &scraper.ExtractError{Provider: "fake", Stage: scraper.StageSearch, Err: errors.New("boom")}}
	h := newHarness(t, p, limiter.Config{}, Config{})

	_, err := h.orch.Search(context.Background(), "fake", "x", 5)
	var ee *scraper.ExtractError
	require.ErrorAs(t, err, &ee)
	requireSlotsConserved(t, h.limiter)

	_, err = h.orch.Search(context.Background(), "nope", "x", 5)
	require.ErrorIs(t, err, scraper.ErrUnknownProvider)

	got, err := h.orch.Search(context.Background(), "fake", "   ", 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestClampResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeProvider{}, limiter.Config{}, Config{MaxResults: 50, DefaultResults: 10})
	assert.Equal(t, 10, h.orch.ClampResults(0))
	assert.Equal(t, 7, h.orch.ClampResults(7))
	assert.Equal(t, 50, h.orch.ClampResults(500))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeAuto},
		{in: "ID", want: ModeByID},
		{in: "keyword", want: ModeByKeyword},
		{in: "guess", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNewRequiresLimiterPerProvider(t *testing.T) {
	t.Parallel()

	reg, err := provider.NewRegistry(&fakeProvider{})
	require.NoError(t, err)
	_, err = New(reg, nil, nil, Config{}, nil)
	require.Error(t, err)
}
