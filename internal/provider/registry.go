package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/metascraper/internal/scraper"
)

// Registry is a read-only name index of providers.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry indexes providers by lower-cased name.
func NewRegistry(providers ...Provider) (*Registry, error) {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("provider is nil")
		}
		name := normalizeName(p.Name())
		if name == "" {
			return nil, fmt.Errorf("provider name is empty")
		}
		if _, ok := byName[name]; ok {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		byName[name] = p
	}
	return &Registry{byName: byName}, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	if r != nil {
		if p, ok := r.byName[normalizeName(name)]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, scraper.ErrUnknownProvider)
}

// Names lists registered providers in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
