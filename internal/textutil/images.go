package textutil

import (
	"net/url"
	"strings"
)

// PickImage chooses an image URL from an element's src and srcset values,
// preferring a .jpg candidate. When none exists the first candidate is used
// with a .webp suffix rewritten to .jpg.
func PickImage(src, srcset string) string {
	var candidates []string
	if s := strings.TrimSpace(src); s != "" && !strings.HasPrefix(s, "data:") {
		candidates = append(candidates, s)
	}
	for _, entry := range strings.Split(srcset, ",") {
		fields := strings.Fields(entry)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "data:") {
			continue
		}
		candidates = append(candidates, fields[0])
	}
	if len(candidates) == 0 {
		return ""
	}
	for _, c := range candidates {
		if isJPEG(c) {
			return absoluteScheme(c)
		}
	}
	return absoluteScheme(webpToJPEG(candidates[0]))
}

// ResolveURL resolves ref against base, returning ref untouched on parse errors.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func isJPEG(raw string) bool {
	p := strings.ToLower(stripQuery(raw))
	return strings.HasSuffix(p, ".jpg") || strings.HasSuffix(p, ".jpeg")
}

func webpToJPEG(raw string) string {
	p := stripQuery(raw)
	if !strings.HasSuffix(strings.ToLower(p), ".webp") {
		return raw
	}
	return p[:len(p)-len(".webp")] + ".jpg" + raw[len(p):]
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

func absoluteScheme(raw string) string {
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	return raw
}
