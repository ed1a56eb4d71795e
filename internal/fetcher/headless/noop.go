package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/metascraper/internal/scraper"
)

// ErrBrowserDisabled is returned when browser rendering is switched off.
var ErrBrowserDisabled = errors.New("headless browser disabled")

// Noop stands in for the browser fetcher when headless.enabled is false.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// FetchHTML always fails with ErrBrowserDisabled.
func (Noop) FetchHTML(_ context.Context, _ scraper.FetchRequest) (scraper.FetchResponse, error) {
	return scraper.FetchResponse{}, ErrBrowserDisabled
}

// FetchJSON always fails with ErrBrowserDisabled.
func (Noop) FetchJSON(_ context.Context, _ scraper.FetchRequest, _ any) error {
	return ErrBrowserDisabled
}

// OpenPage always fails with ErrBrowserDisabled.
func (Noop) OpenPage(_ context.Context, _ bool) (Tab, error) {
	return nil, ErrBrowserDisabled
}
