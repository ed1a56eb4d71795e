package textutil

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const ellipsis = "…"

// RichTextOptions configures RichText extraction.
type RichTextOptions struct {
	// PreserveLineBreaks keeps <br> and paragraph boundaries as newlines.
	PreserveLineBreaks bool
	// Exclude drops paragraphs containing any of these substrings.
	Exclude []string
	// ExcludePatterns drops paragraphs matching any of these expressions.
	ExcludePatterns []*regexp.Regexp
	// MaxParagraphs caps the number of kept paragraphs; 0 means no cap.
	MaxParagraphs int
	// MaxChars caps the output length in runes; 0 means no cap.
	MaxChars int
}

// RichText flattens a description subtree into plain text. Paragraph and
// list-item nodes are collected in document order; when the subtree has
// neither, its whole text is treated as a single block.
func RichText(sel *goquery.Selection, opts RichTextOptions) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	var blocks []string
	sel.Find("p, li").Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are visited on their own.
		if s.Find("p, li").Length() > 0 {
			return
		}
		blocks = append(blocks, splitBlock(blockText(s, opts.PreserveLineBreaks), opts.PreserveLineBreaks)...)
	})
	if len(blocks) == 0 {
		blocks = splitBlock(blockText(sel, opts.PreserveLineBreaks), opts.PreserveLineBreaks)
	}

	kept := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b == "" || excluded(b, opts) {
			continue
		}
		kept = append(kept, b)
		if opts.MaxParagraphs > 0 && len(kept) >= opts.MaxParagraphs {
			break
		}
	}

	sep := " "
	if opts.PreserveLineBreaks {
		sep = "\n"
	}
	return truncate(strings.Join(kept, sep), opts.MaxChars)
}

func blockText(sel *goquery.Selection, preserve bool) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		walkText(n, &b, preserve)
	}
	return b.String()
}

func walkText(n *html.Node, b *strings.Builder, preserve bool) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript":
			return
		case "br":
			if preserve {
				b.WriteString("\n")
			} else {
				b.WriteString(" ")
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b, preserve)
	}
}

func splitBlock(raw string, preserve bool) []string {
	if !preserve {
		if s := Normalize(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if s := Normalize(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func excluded(block string, opts RichTextOptions) bool {
	for _, sub := range opts.Exclude {
		if sub != "" && strings.Contains(block, sub) {
			return true
		}
	}
	for _, re := range opts.ExcludePatterns {
		if re != nil && re.MatchString(block) {
			return true
		}
	}
	return false
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	cut := maxChars - utf8.RuneCountInString(ellipsis)
	if cut < 0 {
		cut = 0
	}
	return strings.TrimRight(string(runes[:cut]), " \n") + ellipsis
}
