package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/metascraper/internal/metrics"
	"github.com/JakeFAU/metascraper/internal/scraper"
	"github.com/JakeFAU/metascraper/internal/session"
)

// Tab is the page surface the fetcher drives.
type Tab interface {
	Navigate(ctx context.Context, rawURL string, headers http.Header, cookies []*http.Cookie) error
	WaitVisible(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, string, error)
	Text(ctx context.Context) (string, error)
	Response(requestURL, finalURL string) (int, http.Header, string)
	Close() error
}

// TabSession is a session that can open tabs.
type TabSession interface {
	session.Session
	OpenTab(ctx context.Context) (Tab, error)
}

// OpenTab adapts OpenPage to the Tab interface.
func (s *Session) OpenTab(ctx context.Context) (Tab, error) {
	p, err := s.OpenPage(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Config controls the browser-backed fetcher.
type Config struct {
	// Detector flags challenge pages. Nil disables detection.
	Detector scraper.ChallengeDetector
}

// Fetcher implements scraper.Fetcher on sessions borrowed from a session manager.
type Fetcher[S TabSession] struct {
	sessions *session.Manager[S]
	cfg      Config
	logger   *zap.Logger
}

// NewFetcher builds a browser-backed fetcher.
func NewFetcher[S TabSession](sessions *session.Manager[S], cfg Config, logger *zap.Logger) (*Fetcher[S], error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Fetcher[S]{sessions: sessions, cfg: cfg, logger: logger}, nil
}

// FetchHTML renders request.URL and returns the DOM snapshot. Challenge pages
// flag the session for rotation and return ChallengeError with the response.
func (f *Fetcher[S]) FetchHTML(ctx context.Context, request scraper.FetchRequest) (scraper.FetchResponse, error) {
	var (
		resp    scraper.FetchResponse
		waitErr error
	)
	start := time.Now()
	err := f.withTab(ctx, request.ForDetail, func(ctx context.Context, tab Tab) error {
		waitErr = nil
		if err := tab.Navigate(ctx, request.URL, request.Headers, request.Cookies); err != nil {
			return err
		}
		if request.WaitSelector != "" {
			// A challenge page never renders the selector; snapshot anyway so it can be detected.
			if err := tab.WaitVisible(ctx, request.WaitSelector); err != nil {
				if ctx.Err() != nil || errors.Is(err, scraper.ErrSessionClosed) {
					return err
				}
				waitErr = err
			}
		}
		html, location, err := tab.HTML(ctx)
		if err != nil {
			return err
		}
		status, headers, finalURL := tab.Response(request.URL, location)
		resp = scraper.FetchResponse{
			URL:          finalURL,
			StatusCode:   status,
			Headers:      headers,
			Body:         []byte(html),
			Duration:     time.Since(start),
			UsedHeadless: true,
		}
		return nil
	})
	if err != nil {
		return scraper.FetchResponse{}, err
	}
	if err := f.check(request.ForDetail, resp); err != nil {
		return resp, err
	}
	if waitErr != nil {
		return resp, fmt.Errorf("wait for content: %w", waitErr)
	}
	return resp, nil
}

// FetchJSON navigates to request.URL and decodes the rendered body text into v.
func (f *Fetcher[S]) FetchJSON(ctx context.Context, request scraper.FetchRequest, v any) error {
	var resp scraper.FetchResponse
	start := time.Now()
	err := f.withTab(ctx, request.ForDetail, func(ctx context.Context, tab Tab) error {
		if err := tab.Navigate(ctx, request.URL, request.Headers, request.Cookies); err != nil {
			return err
		}
		text, err := tab.Text(ctx)
		if err != nil {
			return err
		}
		status, headers, finalURL := tab.Response(request.URL, "")
		resp = scraper.FetchResponse{
			URL:          finalURL,
			StatusCode:   status,
			Headers:      headers,
			Body:         []byte(strings.TrimSpace(text)),
			Duration:     time.Since(start),
			UsedHeadless: true,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := f.check(request.ForDetail, resp); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode json from %s: %w", request.URL, err)
	}
	return nil
}

// OpenPage hands out a tab from the class's session. The caller closes it,
// which also returns the session borrow.
func (f *Fetcher[S]) OpenPage(ctx context.Context, forDetail bool) (Tab, error) {
	var tab Tab
	err := f.retry(ctx, func() error {
		s, err := f.sessions.Acquire(ctx, forDetail)
		if err != nil {
			return err
		}
		t, err := s.OpenTab(ctx)
		if err != nil {
			f.discardOnSessionError(s, forDetail, err)
			f.sessions.Release(s, forDetail)
			return err
		}
		f.sessions.RecordPageOpened(s, forDetail)
		tab = &borrowedTab{Tab: t, release: func() { f.sessions.Release(s, forDetail) }}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tab, nil
}

func (f *Fetcher[S]) withTab(ctx context.Context, forDetail bool, fn func(context.Context, Tab) error) error {
	return f.retry(ctx, func() error {
		s, err := f.sessions.Acquire(ctx, forDetail)
		if err != nil {
			return err
		}
		defer f.sessions.Release(s, forDetail)
		tab, err := s.OpenTab(ctx)
		if err != nil {
			f.discardOnSessionError(s, forDetail, err)
			return err
		}
		f.sessions.RecordPageOpened(s, forDetail)
		defer func() {
			if cerr := tab.Close(); cerr != nil {
				f.logger.Debug("tab close failed", zap.String("session_id", s.ID()), zap.Error(cerr))
			}
		}()

		err = fn(ctx, tab)
		f.discardOnSessionError(s, forDetail, err)
		return err
	})
}

type borrowedTab struct {
	Tab
	release func()
	once    sync.Once
}

func (t *borrowedTab) Close() error {
	err := t.Tab.Close()
	t.once.Do(t.release)
	return err
}

// retry runs op again once, on a fresh session, when it fails with a session error.
func (f *Fetcher[S]) retry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, scraper.ErrSessionClosed)
		}),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Warn("browser session failed, retrying on a fresh session",
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

func (f *Fetcher[S]) discardOnSessionError(s S, forDetail bool, err error) {
	if errors.Is(err, scraper.ErrSessionClosed) {
		f.sessions.Discard(s, forDetail)
	}
}

func (f *Fetcher[S]) check(forDetail bool, resp scraper.FetchResponse) error {
	if f.cfg.Detector != nil {
		if reason, challenged := f.cfg.Detector.Detect(resp); challenged {
			f.sessions.FlagChallenge(forDetail)
			metrics.ObserveChallenge("headless")
			f.logger.Warn("challenge detected",
				zap.String("url", resp.URL),
				zap.String("reason", reason),
				zap.Bool("detail", forDetail),
			)
			return &scraper.ChallengeError{URL: resp.URL, Reason: reason}
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &scraper.HTTPStatusError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return nil
}
