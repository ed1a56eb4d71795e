// Package scraper defines core types shared across subsystems.
package scraper

import (
	"context"
	"net/http"
	"time"
)

// Normalized personnel roles. Labels that do not map onto one of these are
// carried through verbatim.
const (
	RoleActor       = "Actor"
	RoleDirector    = "Director"
	RoleWriter      = "Writer"
	RoleProducer    = "Producer"
	RoleComposer    = "Composer"
	RoleIllustrator = "Illustrator"
	RoleEditor      = "Editor"
)

// ContentMetadata is the provider-agnostic record returned to API clients.
type ContentMetadata struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	OriginalTitle string   `json:"originalTitle,omitempty"`
	Description   string   `json:"description,omitempty"`
	Rating        float64  `json:"rating"`
	ReleaseDate   *Date    `json:"releaseDate,omitempty"`
	Year          int      `json:"year,omitempty"`
	Studios       []string `json:"studios"`
	Genres        []string `json:"genres"`
	Series        []string `json:"series"`
	People        []Person `json:"people"`
	PrimaryImage  string   `json:"primaryImage,omitempty"`
	BackdropImage string   `json:"backdropImage,omitempty"`
	Thumbnails    []string `json:"thumbnails"`
	SourceURLs    []string `json:"sourceUrls"`
}

// Person is a credited individual.
type Person struct {
	Name           string `json:"name"`
	NormalizedType string `json:"normalizedType"`
	OriginalRole   string `json:"originalRole,omitempty"`
}

// SearchHit bridges a search results page and the detail fetch that follows.
type SearchHit struct {
	DetailURL string
	Title     string
	CoverURL  string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Cookies []*http.Cookie
	// ForDetail selects the detail traffic class for browser sessions.
	ForDetail bool
	// WaitSelector is a CSS selector the browser waits for before snapshotting.
	WaitSelector string
}

// FetchResponse is the result returned by a fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves pages and JSON documents for providers.
type Fetcher interface {
	FetchHTML(ctx context.Context, req FetchRequest) (FetchResponse, error)
	FetchJSON(ctx context.Context, req FetchRequest, v any) error
}

// ChallengeDetector reports whether a response is an anti-automation interstitial.
type ChallengeDetector interface {
	Detect(resp FetchResponse) (reason string, challenged bool)
}
