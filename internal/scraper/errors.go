package scraper

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidID indicates the input does not match the provider's ID grammar.
	ErrInvalidID = errors.New("invalid content id")
	// ErrBusy indicates the provider's admission gate stayed saturated past the timeout.
	ErrBusy = errors.New("service busy, retry later")
	// ErrNotFound indicates the source reports the content as absent.
	ErrNotFound = errors.New("content not found")
	// ErrUnknownProvider indicates no provider is registered under the requested key.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrSessionClosed indicates the browser session died while in use.
	ErrSessionClosed = errors.New("browser session closed")
)

// Extraction stages reported by ExtractError.
const (
	StageSearch = "search"
	StageFetch  = "fetch"
	StageParse  = "parse"
)

// ExtractError wraps a failure while scraping a source page.
type ExtractError struct {
	Provider string
	Stage    string
	URL      string
	Err      error
}

func (e *ExtractError) Error() string {
	if e == nil {
		return "extract error"
	}
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Stage != "" {
		b.WriteString(" ")
		b.WriteString(e.Stage)
	}
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ExtractError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ChallengeError reports an anti-automation interstitial served instead of content.
type ChallengeError struct {
	URL    string
	Reason string
}

func (e *ChallengeError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return "challenge page"
	}
	return "challenge page: " + e.Reason
}

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// IsChallenge reports whether err carries a ChallengeError.
func IsChallenge(err error) bool {
	var ce *ChallengeError
	return errors.As(err, &ce)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
