// Package server builds the application graph and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/metascraper/internal/api"
	"github.com/JakeFAU/metascraper/internal/archive"
	"github.com/JakeFAU/metascraper/internal/cache"
	"github.com/JakeFAU/metascraper/internal/config"
	collyfetcher "github.com/JakeFAU/metascraper/internal/fetcher/colly"
	"github.com/JakeFAU/metascraper/internal/fetcher/headless"
	"github.com/JakeFAU/metascraper/internal/headless/detector"
	"github.com/JakeFAU/metascraper/internal/limiter"
	"github.com/JakeFAU/metascraper/internal/logging"
	"github.com/JakeFAU/metascraper/internal/orchestrator"
	"github.com/JakeFAU/metascraper/internal/policy/ratelimit"
	"github.com/JakeFAU/metascraper/internal/provider"
	"github.com/JakeFAU/metascraper/internal/provider/dlsite"
	"github.com/JakeFAU/metascraper/internal/provider/getchu"
	"github.com/JakeFAU/metascraper/internal/scraper"
	"github.com/JakeFAU/metascraper/internal/session"
	gcsstorage "github.com/JakeFAU/metascraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/metascraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/metascraper/internal/storage/memory"
)

// Version is stamped at build time.
var Version = "dev"

// aggressiveGCPercent is the GC target used in aggressive memory mode.
const aggressiveGCPercent = 20

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	orchestrator *orchestrator.Orchestrator
	sessions     *session.Manager[*headless.Session]
	gcsClient    *storage.Client
	gcsOptions   []option.ClientOption
	stopTuner    context.CancelFunc
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	logger = logger.With(logging.Hostname())
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("addr", cfg.Addr()),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.String("archive", cfg.Archive.Backend),
	)

	archiver, err := app.setupArchive(ctx)
	if err != nil {
		app.release(ctx)
		return nil, err
	}

	detect := detector.NewHeuristic(cfg.Challenge.URLHints, cfg.Challenge.TextHints)
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		Pacer: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
		}),
		Detector: detect,
	})
	browserFetcher, err := app.setupBrowser(detect)
	if err != nil {
		app.release(ctx)
		return nil, err
	}

	providers, err := app.setupProviders(browserFetcher, httpFetcher, archiver)
	if err != nil {
		app.release(ctx)
		return nil, err
	}
	registry, err := provider.NewRegistry(providers...)
	if err != nil {
		app.release(ctx)
		return nil, fmt.Errorf("provider registry: %w", err)
	}

	limiters := make(map[string]*limiter.Limiter, len(providers))
	for _, p := range providers {
		lim, err := limiter.New(cfg.LimiterConfig(p.Name()))
		if err != nil {
			app.release(ctx)
			return nil, fmt.Errorf("limiter for %s: %w", p.Name(), err)
		}
		limiters[p.Name()] = lim
	}

	results, err := cache.New(cache.Config{
		Capacity:    cfg.Cache.Capacity,
		TTL:         time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		NotFoundTTL: time.Duration(cfg.Cache.NotFoundTTLSeconds) * time.Second,
	})
	if err != nil {
		app.release(ctx)
		return nil, fmt.Errorf("result cache: %w", err)
	}

	app.orchestrator, err = orchestrator.New(registry, limiters, results, orchestrator.Config{
		DetailWorkers:  cfg.Orchestrator.DetailWorkers,
		MaxResults:     cfg.Orchestrator.MaxResults,
		DefaultResults: cfg.Orchestrator.DefaultResults,
	}, logger.Named("orchestrator"))
	if err != nil {
		app.release(ctx)
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	opts := api.Options{
		Version:        Version,
		Providers:      registry.Names(),
		RequestTimeout: cfg.RequestTimeout(),
		AuthToken:      cfg.Auth.Token,
		AuthHeader:     cfg.Auth.Header,
		Limiters:       app.orchestrator.Stats,
	}
	if app.sessions != nil {
		opts.Sessions = app.sessions.Stats
	}
	app.apiServer = api.NewServer(app.orchestrator, opts, logger.Named("api"))

	if cfg.Memory.Aggressive {
		app.startMemoryTuner(time.Duration(cfg.Memory.FreeIntervalSeconds) * time.Second)
	}
	return app, nil
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	var store archive.BlobStore
	switch a.cfg.Archive.Backend {
	case "":
		a.logger.Info("page archive disabled")
		return nil, nil
	case "gcs":
		client, err := storage.NewClient(ctx, a.gcsOptions...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			if closeErr := client.Close(); closeErr != nil {
				a.logger.Warn("gcs client close failed", zap.Error(closeErr))
			}
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsClient = client
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		store = local
		a.logger.Info("using local page archive", zap.String("path", a.cfg.Archive.BaseDir))
	default:
		store = memorystorage.NewBlobStore(a.cfg.Archive.MaxObjects)
		a.logger.Info("using in-memory page archive", zap.Int("max_objects", a.cfg.Archive.MaxObjects))
	}
	return archive.New(store, a.cfg.Archive.Prefix, a.logger.Named("archive")), nil
}

func (a *App) setupBrowser(detect scraper.ChallengeDetector) (scraper.Fetcher, error) {
	if !a.cfg.Headless.Enabled {
		a.logger.Warn("headless browser disabled; browser-backed providers will fail")
		return headless.NewNoop(), nil
	}
	browser, err := headless.NewBrowser(headless.BrowserConfig{
		ExecPath:          a.cfg.Headless.ExecPath,
		Headful:           a.cfg.Headless.Headful,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}
	a.sessions, err = session.NewManager[*headless.Session](browser, a.cfg.SessionConfig(), a.logger.Named("session"))
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("session manager init failed: %w", err)
	}
	fetcher, err := headless.NewFetcher(a.sessions, headless.Config{Detector: detect}, a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.logger.Info("headless browser ready", zap.String("session_mode", a.cfg.Session.Mode))
	return fetcher, nil
}

func (a *App) setupProviders(browser, plain scraper.Fetcher, archiver *archive.Archiver) ([]provider.Provider, error) {
	var out []provider.Provider
	if a.cfg.ProviderEnabled(dlsite.Name) {
		p, err := dlsite.New(dlsite.Config{
			BaseURL:  a.cfg.Providers[dlsite.Name].BaseURL,
			Fetcher:  browser,
			Archiver: archiver,
			Logger:   a.logger.Named(dlsite.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("dlsite provider: %w", err)
		}
		out = append(out, p)
	}
	if a.cfg.ProviderEnabled(getchu.Name) {
		p, err := getchu.New(getchu.Config{
			BaseURL:  a.cfg.Providers[getchu.Name].BaseURL,
			Fetcher:  plain,
			Archiver: archiver,
			Logger:   a.logger.Named(getchu.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("getchu provider: %w", err)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("no providers enabled")
	}
	return out, nil
}

// startMemoryTuner lowers the GC target and periodically returns freed memory
// to the OS until Close.
func (a *App) startMemoryTuner(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	previous := debug.SetGCPercent(aggressiveGCPercent)
	ctx, cancel := context.WithCancel(context.Background())
	a.stopTuner = func() {
		cancel()
		debug.SetGCPercent(previous)
	}
	a.logger.Info("aggressive memory mode enabled",
		zap.Int("gc_percent", aggressiveGCPercent),
		zap.Duration("free_interval", interval),
	)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				debug.FreeOSMemory()
			}
		}
	}()
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close releases browser sessions, the browser, and storage clients, then
// flushes the logger.
func (a *App) Close(ctx context.Context) error {
	err := a.release(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	return err
}

func (a *App) release(ctx context.Context) error {
	var errs []error
	if a.stopTuner != nil {
		a.stopTuner()
		a.stopTuner = nil
	}
	if a.sessions != nil {
		if err := a.sessions.Shutdown(ctx); err != nil {
			a.logger.Warn("session manager shutdown failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
		a.gcsClient = nil
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
