package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/metascraper/internal/metrics"
	"github.com/JakeFAU/metascraper/internal/orchestrator"
	"github.com/JakeFAU/metascraper/internal/scraper"
	"github.com/JakeFAU/metascraper/internal/session"
)

const defaultRequestTimeout = 60 * time.Second

// Resolver answers queries; the orchestrator implements it.
type Resolver interface {
	Resolve(ctx context.Context, provider, query string, mode orchestrator.Mode, maxResults int) ([]*scraper.ContentMetadata, error)
	ClampResults(n int) int
}

// Options configures the server.
type Options struct {
	Version        string
	Providers      []string
	RequestTimeout time.Duration
	// AuthToken enables authentication on /api routes when non-empty.
	AuthToken  string
	AuthHeader string
	// Sessions and Limiters feed /health; either may be nil.
	Sessions func() []session.Stats
	Limiters func() []orchestrator.LimiterStats
}

// Server wires HTTP handlers to the resolver.
type Server struct {
	router   chi.Router
	resolver Resolver
	opts     Options
	logger   *zap.Logger
	started  time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(resolver Resolver, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.AuthHeader == "" {
		opts.AuthHeader = "Authorization"
	}
	s := &Server{
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/", s.index)
	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/{provider}", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthToken != "" {
			r.Use(authMiddleware(opts.AuthHeader, opts.AuthToken))
		}
		r.Get("/search", s.search)
		r.Get("/{id}", s.lookup)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "metascraper",
		"version":   s.opts.Version,
		"providers": s.opts.Providers,
		"endpoints": []string{
			"GET /api/{provider}/search?title={text}&max={n}",
			"GET /api/{provider}/{id}",
			"GET /health",
			"GET /metrics",
		},
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	}
	if s.opts.Sessions != nil {
		body["sessions"] = s.opts.Sessions()
	}
	if s.opts.Limiters != nil {
		body["limiters"] = s.opts.Limiters()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	title := r.URL.Query().Get("title")
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	maxResults := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max must be an integer")
			return
		}
		maxResults = n
	}
	mode, err := orchestrator.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.resolver.Resolve(r.Context(), provider, title, mode, s.resolver.ClampResults(maxResults))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []*scraper.ContentMetadata{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: results})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	id := chi.URLParam(r, "id")
	results, err := s.resolver.Resolve(r.Context(), provider, id, orchestrator.ModeByID, 1)
	if err == nil && len(results) == 0 {
		err = scraper.ErrNotFound
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: results[0]})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	s.logger.Info("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("request_id", requestID(r.Context())),
		zap.Error(err),
	)
	writeError(w, status, msg)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var extractErr *scraper.ExtractError
	switch {
	case errors.Is(err, scraper.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, scraper.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, scraper.ErrNotFound), errors.Is(err, scraper.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.As(err, &extractErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds the request context so blocked provider work
// surfaces as a deadline error.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}
