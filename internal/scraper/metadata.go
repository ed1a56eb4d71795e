package scraper

import "strings"

// Finalize enforces the record invariants before the value is handed out:
// thumbnails never repeat the primary or backdrop image, people are unique by
// (name, normalized type), list fields are trimmed and deduplicated, and the
// rating stays within 0-5.
func (m *ContentMetadata) Finalize() {
	if m == nil {
		return
	}
	m.ID = strings.TrimSpace(m.ID)
	m.Title = strings.TrimSpace(m.Title)
	m.OriginalTitle = strings.TrimSpace(m.OriginalTitle)
	m.Description = strings.TrimSpace(m.Description)
	m.PrimaryImage = strings.TrimSpace(m.PrimaryImage)
	m.BackdropImage = strings.TrimSpace(m.BackdropImage)

	switch {
	case m.Rating < 0:
		m.Rating = 0
	case m.Rating > 5:
		m.Rating = 5
	}
	if m.Year == 0 && m.ReleaseDate != nil && !m.ReleaseDate.IsZero() {
		m.Year = m.ReleaseDate.Year()
	}

	m.Studios = uniqueStrings(m.Studios)
	m.Genres = uniqueStrings(m.Genres)
	m.Series = uniqueStrings(m.Series)
	m.SourceURLs = uniqueStrings(m.SourceURLs)
	m.People = uniquePeople(m.People)
	m.Thumbnails = filterThumbnails(m.Thumbnails, m.PrimaryImage, m.BackdropImage)
}

// Clone returns a deep copy of m.
func (m *ContentMetadata) Clone() *ContentMetadata {
	if m == nil {
		return nil
	}
	cp := *m
	if m.ReleaseDate != nil {
		d := *m.ReleaseDate
		cp.ReleaseDate = &d
	}
	cp.Studios = cloneStrings(m.Studios)
	cp.Genres = cloneStrings(m.Genres)
	cp.Series = cloneStrings(m.Series)
	cp.Thumbnails = cloneStrings(m.Thumbnails)
	cp.SourceURLs = cloneStrings(m.SourceURLs)
	if m.People != nil {
		cp.People = append([]Person(nil), m.People...)
	}
	return &cp
}

// AddPerson appends a credit unless the same (name, type) pair is already present.
func (m *ContentMetadata) AddPerson(p Person) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return
	}
	for _, existing := range m.People {
		if personKey(existing) == personKey(p) {
			return
		}
	}
	m.People = append(m.People, p)
}

func personKey(p Person) string {
	return strings.ToLower(strings.TrimSpace(p.Name)) + "\x00" + strings.ToLower(p.NormalizedType)
}

func uniquePeople(people []Person) []Person {
	out := make([]Person, 0, len(people))
	seen := make(map[string]struct{}, len(people))
	for _, p := range people {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			continue
		}
		key := personKey(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func filterThumbnails(thumbs []string, primary, backdrop string) []string {
	out := make([]string, 0, len(thumbs))
	seen := map[string]struct{}{}
	if primary != "" {
		seen[strings.ToLower(primary)] = struct{}{}
	}
	if backdrop != "" {
		seen[strings.ToLower(backdrop)] = struct{}{}
	}
	for _, raw := range thumbs {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
