// Package headless drives a shared Chrome instance through chromedp: one
// process-wide browser, isolated sessions on top of it, and tabs per operation.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/JakeFAU/metascraper/internal/scraper"
	"github.com/JakeFAU/metascraper/internal/session"
)

const defaultNavigationTimeout = 45 * time.Second

// BrowserConfig controls the Chrome process.
type BrowserConfig struct {
	ExecPath          string
	Headful           bool
	NavigationTimeout time.Duration
}

// Browser is the process-wide browser engine. It implements
// session.Engine[*Session].
type Browser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	navTimeout    time.Duration
}

var _ session.Engine[*Session] = (*Browser)(nil)

// NewBrowser launches Chrome and waits until it accepts commands.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	navTimeout := cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = defaultNavigationTimeout
	}
	return &Browser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		navTimeout:    navTimeout,
	}, nil
}

// NewSession creates an isolated browser context carrying fp and initScript.
// A session that fails to start is torn down before returning.
func (b *Browser) NewSession(ctx context.Context, fp session.Fingerprint, initScript string) (*Session, error) {
	if err := b.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("%w: browser stopped", scraper.ErrSessionClosed)
	}
	sessCtx, sessCancel := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())
	stop := forwardCancel(ctx, sessCancel)
	err := chromedp.Run(sessCtx)
	stop()
	if err != nil {
		sessCancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("start session: %w", ctxErr)
		}
		return nil, fmt.Errorf("start session: %w", err)
	}
	return &Session{
		id:         uuid.NewString(),
		ctx:        sessCtx,
		cancel:     sessCancel,
		fp:         fp,
		initScript: initScript,
		navTimeout: b.navTimeout,
	}, nil
}

// Close stops the browser process.
func (b *Browser) Close() error {
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Session is one isolated browser context: its own cookies, storage and
// fingerprint.
type Session struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	fp         session.Fingerprint
	initScript string
	navTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// ID identifies the session.
func (s *Session) ID() string { return s.id }

// Alive reports whether the browser context is still usable.
func (s *Session) Alive() bool {
	if s.ctx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(s.ctx)
	return c != nil && c.Browser != nil
}

// Close disposes the browser context and every tab in it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		err := chromedp.Cancel(s.ctx)
		s.cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close session %s: %w", s.id, err)
		}
	})
	return s.closeErr
}

// OpenPage opens a tab in the session with the fingerprint and init script applied.
func (s *Session) OpenPage(ctx context.Context) (*Page, error) {
	c := chromedp.FromContext(s.ctx)
	if s.ctx.Err() != nil || c == nil || c.Browser == nil {
		return nil, scraper.ErrSessionClosed
	}
	execCtx := cdp.WithExecutor(ctx, c.Browser)
	targetID, err := target.CreateTarget("about:blank").WithBrowserContextID(c.BrowserContextID).Do(execCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("open tab: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: open tab: %v", scraper.ErrSessionClosed, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(s.ctx, chromedp.WithTargetID(targetID))
	p := &Page{
		ctx:        tabCtx,
		cancel:     tabCancel,
		meta:       newResponseMeta(),
		navTimeout: s.navTimeout,
		fp:         s.fp,
	}
	chromedp.ListenTarget(tabCtx, p.meta.captureEvent)
	if err := p.run(ctx, s.setupActions()); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	return p, nil
}

func (s *Session) setupActions() chromedp.Tasks {
	fp := s.fp
	tasks := chromedp.Tasks{network.Enable()}
	if fp.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(fp.UserAgent)
		if fp.Locale != "" {
			ua = ua.WithAcceptLanguage(fp.Locale)
		}
		tasks = append(tasks, ua)
	}
	if fp.ViewportWidth > 0 && fp.ViewportHeight > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(int64(fp.ViewportWidth), int64(fp.ViewportHeight), 1, false))
	}
	if fp.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(fp.Timezone))
	}
	if fp.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(fp.Locale))
	}
	if len(fp.ExtraHeaders) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(toNetworkHeaders(mergeHeaders(fp.ExtraHeaders, nil))))
	}
	if s.initScript != "" {
		script := s.initScript
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	return tasks
}

// Page is a single tab. It must be closed by the caller.
type Page struct {
	ctx        context.Context
	cancel     context.CancelFunc
	meta       *responseMeta
	navTimeout time.Duration
	fp         session.Fingerprint
	closeOnce  sync.Once
}

// Navigate loads rawURL with optional per-request headers and cookies and waits
// for the body to be ready.
func (p *Page) Navigate(ctx context.Context, rawURL string, headers http.Header, cookies []*http.Cookie) error {
	p.meta.reset()
	actions := chromedp.Tasks{}
	if len(headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(mergeHeaders(p.fp.ExtraHeaders, headers))))
	}
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		actions = append(actions, network.SetCookie(c.Name, c.Value).WithURL(rawURL))
	}
	actions = append(actions,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err := p.run(ctx, actions); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// WaitVisible blocks until selector is visible.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

// HTML returns the rendered document and the current location.
func (p *Page) HTML(ctx context.Context) (string, string, error) {
	var html, location string
	err := p.run(ctx, chromedp.Tasks{
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	})
	if err != nil {
		return "", "", fmt.Errorf("snapshot html: %w", err)
	}
	return html, location, nil
}

// Text returns the visible text of the document body.
func (p *Page) Text(ctx context.Context) (string, error) {
	var text string
	if err := p.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text)); err != nil {
		return "", fmt.Errorf("read body text: %w", err)
	}
	return text, nil
}

// Evaluate runs a script in the page and decodes its result into out.
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	if err := p.run(ctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Response reports the main document's status, headers and URL.
func (p *Page) Response(requestURL, finalURL string) (int, http.Header, string) {
	return p.meta.snapshotWithFallbacks(requestURL, finalURL)
}

// Close closes the tab.
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

// run executes actions on the tab bounded by the navigation timeout and by
// ctx. Failures caused by the session going away map to ErrSessionClosed.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, p.navTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p.ctx.Err() != nil {
			return fmt.Errorf("%w: %v", scraper.ErrSessionClosed, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("page operation exceeded %s", p.navTimeout)
		}
		return err
	}
	return nil
}
