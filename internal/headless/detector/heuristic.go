// Package detector recognizes anti-automation challenge pages.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/metascraper/internal/scraper"
)

// Default hint sets used when configuration leaves them empty.
var (
	DefaultURLHints = []string{
		"/cdn-cgi/challenge-platform",
		"__cf_chl",
		"/captcha",
		"/challenge",
	}
	DefaultTextHints = []string{
		"verifying you are human",
		"checking your browser",
		"just a moment...",
		"enable javascript and cookies to continue",
		"アクセスが集中",
		"ロボットではありません",
	}
)

// Heuristic flags challenge pages by URL substrings, page text, and the shape
// of script-only interstitials.
type Heuristic struct {
	URLHints            []string
	TextHints           []string
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. Empty hint lists fall back to the defaults.
func NewHeuristic(urlHints, textHints []string) *Heuristic {
	if len(urlHints) == 0 {
		urlHints = DefaultURLHints
	}
	if len(textHints) == 0 {
		textHints = DefaultTextHints
	}
	return &Heuristic{
		URLHints:            lowerAll(urlHints),
		TextHints:           lowerAll(textHints),
		BodyLengthThreshold: 2048,
	}
}

// Detect returns a reason when resp looks like a challenge instead of content.
func (h *Heuristic) Detect(resp scraper.FetchResponse) (string, bool) {
	if h == nil {
		return "", false
	}
	lowerURL := strings.ToLower(resp.URL)
	for _, hint := range h.URLHints {
		if hint != "" && strings.Contains(lowerURL, hint) {
			return "url:" + hint, true
		}
	}
	lowerBody := bytes.ToLower(resp.Body)
	for _, hint := range h.TextHints {
		if hint != "" && bytes.Contains(lowerBody, []byte(hint)) {
			return "text:" + hint, true
		}
	}
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if len(resp.Body) < h.BodyLengthThreshold*4 && scriptDensityHigh(resp.Body) {
			return "script-interstitial", true
		}
	}
	return "", false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
