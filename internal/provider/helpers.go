package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/metascraper/internal/archive"
	"github.com/JakeFAU/metascraper/internal/metrics"
	"github.com/JakeFAU/metascraper/internal/scraper"
)

// Classify maps a fetch or parse failure onto the error taxonomy. Context
// errors and ErrNotFound pass through; 404 and 410 become ErrNotFound; the
// rest become *scraper.ExtractError.
func Classify(provider, stage, url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, scraper.ErrNotFound) {
		return err
	}
	switch scraper.StatusCode(err) {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%s %s: %w", provider, url, scraper.ErrNotFound)
	}
	var ee *scraper.ExtractError
	if errors.As(err, &ee) {
		return err
	}
	return &scraper.ExtractError{Provider: provider, Stage: stage, URL: url, Err: err}
}

// Document parses an HTML body.
func Document(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Observe records the outcome and latency of a provider call.
func Observe(provider, op string, start time.Time, err error) {
	metrics.ObserveProviderCall(provider, op, Outcome(err), time.Since(start))
}

// Outcome buckets err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, scraper.ErrNotFound):
		return "not_found"
	case scraper.IsChallenge(err):
		return "challenge"
	default:
		return "error"
	}
}

// ArchiveReason names why a failed page is worth keeping, or "" when it is not.
func ArchiveReason(err error) string {
	switch {
	case err == nil:
		return ""
	case scraper.IsChallenge(err):
		return "challenge"
	}
	var ee *scraper.ExtractError
	if errors.As(err, &ee) && ee.Stage == scraper.StageParse {
		return "parse"
	}
	return ""
}

// ArchiveFailure keeps the raw page behind a challenge or parse failure.
// It is a no-op for other errors, empty bodies, or a nil archiver.
func ArchiveFailure(ctx context.Context, a *archive.Archiver, provider string, resp scraper.FetchResponse, err error) {
	reason := ArchiveReason(err)
	if reason == "" || len(resp.Body) == 0 {
		return
	}
	a.Save(ctx, provider, resp.URL, resp.Body, reason)
}
