// Package getchu scrapes Getchu product pages over plain HTTP. The site
// serves EUC-JP; search keywords are encoded to match.
package getchu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/japanese"

	"github.com/JakeFAU/metascraper/internal/archive"
	"github.com/JakeFAU/metascraper/internal/provider"
	"github.com/JakeFAU/metascraper/internal/scraper"
	"github.com/JakeFAU/metascraper/internal/textutil"
)

// Name is the registry key.
const Name = "getchu"

const defaultBaseURL = "https://www.getchu.com"

var (
	exactIDPattern = regexp.MustCompile(`^\d{3,}$`)
	queryIDPattern = regexp.MustCompile(`[?&]id=(\d{3,})`)

	notFoundMarkers = []string{
		"該当する商品が見つかりません",
		"商品が見つかりませんでした",
		"ページが見つかりません",
	}
	descriptionTitles = []string{"ストーリー", "商品紹介", "作品内容"}
	staffLabels       = map[string]struct{}{
		"原画": {}, "シナリオ": {}, "音楽": {}, "監督": {}, "キャスト": {}, "声優": {},
		"原作": {}, "脚本": {}, "キャラクターデザイン": {}, "作画": {}, "プロデューサー": {},
	}
)

// Config wires the provider.
type Config struct {
	BaseURL  string
	Fetcher  scraper.Fetcher
	Archiver *archive.Archiver
	Logger   *zap.Logger
}

// Provider implements provider.Provider for Getchu.
type Provider struct {
	baseURL  string
	fetcher  scraper.Fetcher
	archiver *archive.Archiver
	logger   *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New validates cfg and builds the provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("getchu: fetcher is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("getchu: invalid base url %q: %w", base, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{baseURL: base, fetcher: cfg.Fetcher, archiver: cfg.Archiver, logger: logger}, nil
}

// Name returns the registry key.
func (p *Provider) Name() string { return Name }

// TryParseID accepts a bare number of at least three digits or any URL
// carrying an id query parameter.
func (p *Provider) TryParseID(input string) (string, bool) {
	s := strings.TrimSpace(textutil.Normalize(input))
	if exactIDPattern.MatchString(s) {
		return s, true
	}
	if m := queryIDPattern.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return "", false
}

// BuildDetailURL returns the product page for id.
func (p *Provider) BuildDetailURL(id string) string {
	return fmt.Sprintf("%s/soft.phtml?id=%s&gc=gc", p.baseURL, strings.TrimSpace(id))
}

// Search queries the product search and collects up to maxResults hits.
func (p *Provider) Search(ctx context.Context, keyword string, maxResults int) (hits []scraper.SearchHit, err error) {
	start := time.Now()
	defer func() { provider.Observe(Name, "search", start, err) }()

	keyword = textutil.Normalize(keyword)
	if keyword == "" || maxResults <= 0 {
		return nil, nil
	}
	encoded, err := japanese.EUCJP.NewEncoder().String(keyword)
	if err != nil {
		// Characters outside EUC-JP cannot be searched for.
		return nil, provider.Classify(Name, scraper.StageSearch, "", fmt.Errorf("encode keyword %q: %w", keyword, err))
	}
	searchURL := fmt.Sprintf("%s/php/search.phtml?search_keyword=%s&list_count=%d&sort=sales&sort2=down&check_key_dtl=1&gc=gc",
		p.baseURL, url.QueryEscape(encoded), listCount(maxResults))

	resp, err := p.fetcher.FetchHTML(ctx, scraper.FetchRequest{URL: searchURL, Cookies: ageCookies()})
	if err != nil {
		err = provider.Classify(Name, scraper.StageSearch, searchURL, err)
		provider.ArchiveFailure(ctx, p.archiver, Name, resp, err)
		return nil, err
	}
	doc, err := provider.Document(resp.Body)
	if err != nil {
		return nil, provider.Classify(Name, scraper.StageParse, searchURL, err)
	}
	hits = p.parseSearch(doc, resp.URL, maxResults)
	p.logger.Debug("search parsed", zap.String("keyword", keyword), zap.Int("hits", len(hits)))
	return hits, nil
}

// FetchDetail downloads a product page and extracts its metadata.
func (p *Provider) FetchDetail(ctx context.Context, detailURL string) (meta *scraper.ContentMetadata, err error) {
	start := time.Now()
	defer func() { provider.Observe(Name, "detail", start, err) }()

	resp, err := p.fetcher.FetchHTML(ctx, scraper.FetchRequest{URL: detailURL, Cookies: ageCookies(), ForDetail: true})
	if err != nil {
		err = provider.Classify(Name, scraper.StageFetch, detailURL, err)
		provider.ArchiveFailure(ctx, p.archiver, Name, resp, err)
		return nil, err
	}
	doc, err := provider.Document(resp.Body)
	if err == nil {
		meta, err = parseDetail(doc, detailURL)
	}
	if err != nil {
		err = provider.Classify(Name, scraper.StageParse, detailURL, err)
		provider.ArchiveFailure(ctx, p.archiver, Name, resp, err)
		return nil, err
	}
	if meta.ID == "" {
		meta.ID, _ = p.TryParseID(detailURL)
	}
	meta.Finalize()
	return meta, nil
}

func ageCookies() []*http.Cookie {
	return []*http.Cookie{{Name: "getchu_adalt_flag", Value: "getchu.com"}}
}

// listCount rounds up to a page size the search form offers.
func listCount(maxResults int) int {
	for _, n := range []int{10, 30, 50, 100} {
		if maxResults <= n {
			return n
		}
	}
	return 100
}

func (p *Provider) parseSearch(doc *goquery.Document, pageURL string, maxResults int) []scraper.SearchHit {
	hits := make([]scraper.SearchHit, 0, maxResults)
	seen := make(map[string]struct{})
	doc.Find("ul.display > li").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(`a.blueb[href*="soft.phtml"]`).First()
		if link.Length() == 0 {
			link = s.Find(`a[href*="soft.phtml"]`).First()
		}
		id, ok := p.TryParseID(link.AttrOr("href", ""))
		if !ok {
			return true
		}
		if _, dup := seen[id]; dup {
			return true
		}
		seen[id] = struct{}{}

		img := s.Find("img").First()
		cover := textutil.PickImage(img.AttrOr("src", ""), img.AttrOr("srcset", ""))
		hits = append(hits, scraper.SearchHit{
			DetailURL: p.BuildDetailURL(id),
			Title:     textutil.Normalize(link.Text()),
			CoverURL:  textutil.ResolveURL(pageURL, cover),
		})
		return len(hits) < maxResults
	})
	return hits
}

func parseDetail(doc *goquery.Document, detailURL string) (*scraper.ContentMetadata, error) {
	titleSel := doc.Find("#soft-title").First().Clone()
	titleSel.Find("nobr, span, a").Remove()
	title := textutil.Normalize(titleSel.Text())
	if title == "" {
		body := doc.Find("body").Text()
		for _, marker := range notFoundMarkers {
			if strings.Contains(body, marker) {
				return nil, fmt.Errorf("%s: %w", detailURL, scraper.ErrNotFound)
			}
		}
		return nil, errors.New("product title not found")
	}

	meta := &scraper.ContentMetadata{Title: title, SourceURLs: []string{detailURL}}
	if m := queryIDPattern.FindStringSubmatch(detailURL); m != nil {
		meta.ID = m[1]
	}

	doc.Find("#soft_table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Children().Filter("td")
		if cells.Length() < 2 {
			return
		}
		label := strings.TrimRight(textutil.Normalize(cells.First().Text()), ":：")
		value := cells.Eq(1)
		switch label {
		case "ブランド":
			meta.Studios = append(meta.Studios, firstValue(value))
		case "発売日":
			if t, ok := textutil.ParseDate(value.Text()); ok {
				meta.ReleaseDate = scraper.NewDate(t)
			}
		case "ジャンル", "サブジャンル", "カテゴリ":
			meta.Genres = append(meta.Genres, cellValues(value)...)
		case "シリーズ":
			meta.Series = append(meta.Series, cellValues(value)...)
		default:
			if _, ok := staffLabels[label]; ok {
				for _, name := range cellValues(value) {
					meta.AddPerson(scraper.Person{Name: name, NormalizedType: textutil.MapRole(label), OriginalRole: label})
				}
			}
		}
	})

	meta.Description = description(doc)

	doc.Find(`a.highslide[href], img[src]`).Each(func(_ int, s *goquery.Selection) {
		ref := s.AttrOr("href", s.AttrOr("src", ""))
		lower := strings.ToLower(ref)
		switch {
		case strings.Contains(lower, "package") && meta.PrimaryImage == "":
			meta.PrimaryImage = textutil.ResolveURL(detailURL, textutil.PickImage(ref, ""))
		case strings.Contains(lower, "sample") && s.Is("a"):
			meta.Thumbnails = append(meta.Thumbnails, textutil.ResolveURL(detailURL, textutil.PickImage(ref, "")))
		}
	})
	return meta, nil
}

func description(doc *goquery.Document) string {
	sections := make(map[string]*goquery.Selection)
	doc.Find(".tabletitle").Each(func(_ int, s *goquery.Selection) {
		heading := textutil.Normalize(s.Text())
		for _, want := range descriptionTitles {
			if _, done := sections[want]; !done && strings.Contains(heading, want) {
				sections[want] = s.NextFiltered(".tablebody")
			}
		}
	})
	for _, want := range descriptionTitles {
		if body, ok := sections[want]; ok && body.Length() > 0 {
			if text := textutil.RichText(body, textutil.RichTextOptions{PreserveLineBreaks: true, MaxChars: 4000}); text != "" {
				return text
			}
		}
	}
	return ""
}

func firstValue(sel *goquery.Selection) string {
	if a := sel.Find("a").First(); a.Length() > 0 {
		if v := textutil.Normalize(a.Text()); v != "" {
			return v
		}
	}
	return textutil.Normalize(sel.Text())
}

func cellValues(sel *goquery.Selection) []string {
	var out []string
	sel.Find("a").Each(func(_ int, a *goquery.Selection) {
		if v := textutil.Normalize(a.Text()); v != "" {
			out = append(out, v)
		}
	})
	if len(out) > 0 {
		return out
	}
	return textutil.SplitList(sel.Text())
}

