// Package textutil holds the text cleaning and parsing helpers shared by providers.
package textutil

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

// Normalize decodes HTML entities, folds full-width characters (including the
// ideographic space) to their narrow forms, and collapses whitespace
// (NBSP included).
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(s)
	s = width.Fold.String(s)
	return strings.Join(strings.Fields(s), " ")
}

var listSeparators = regexp.MustCompile(`\s*[/、,]\s*`)

// SplitList splits a delimited credit or tag line into normalized entries.
func SplitList(s string) []string {
	s = Normalize(s)
	if s == "" {
		return nil
	}
	parts := listSeparators.Split(s, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
