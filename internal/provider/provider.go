// Package provider defines the contract every content source implements and
// the helpers they share.
package provider

import (
	"context"

	"github.com/JakeFAU/metascraper/internal/scraper"
)

// Provider keeps site-specific knowledge behind one contract. Implementations
// must be safe for concurrent use and never retain browser sessions between
// calls.
type Provider interface {
	// Name is the registry key used in API routes.
	Name() string
	// TryParseID extracts a canonical ID from free text or a URL.
	TryParseID(input string) (string, bool)
	// BuildDetailURL returns the canonical detail page for id.
	BuildDetailURL(id string) string
	// Search returns at most maxResults hits in the source's order.
	Search(ctx context.Context, keyword string, maxResults int) ([]scraper.SearchHit, error)
	// FetchDetail returns finalized metadata, or an error that is ErrNotFound,
	// an *ExtractError, or a context error.
	FetchDetail(ctx context.Context, detailURL string) (*scraper.ContentMetadata, error)
}
