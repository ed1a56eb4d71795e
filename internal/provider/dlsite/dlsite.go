// Package dlsite scrapes the DLsite storefront. Search and detail pages are
// assembled client-side, so every fetch goes through the browser fetcher.
package dlsite

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

	"github.com/JakeFAU/metascraper/internal/archive"
	"github.com/JakeFAU/metascraper/internal/provider"
	"github.com/JakeFAU/metascraper/internal/scraper"
	"github.com/JakeFAU/metascraper/internal/textutil"
)

// Name is the registry key.
const Name = "dlsite"

const (
	defaultBaseURL = "https://www.dlsite.com"
	searchFloor    = "maniax"

	searchReadySelector = "#search_result_img_box, .n_worklist, .search_no_result"
	detailReadySelector = "#work_name"
)

var (
	exactIDPattern   = regexp.MustCompile(`(?i)^(RJ|VJ|BJ)\d{6,8}$`)
	productIDPattern = regexp.MustCompile(`(?i)product_id/((?:RJ|VJ|BJ)\d{6,8})`)
	embeddedPattern  = regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9])((?:RJ|VJ|BJ)\d{6,8})(?:[^0-9]|$)`)

	floors = map[string]string{
		"RJ": "maniax",
		"VJ": "pro",
		"BJ": "books",
	}

	descriptionExclusions = []*regexp.Regexp{
		regexp.MustCompile(`^※`),
	}
)

// Config wires the provider.
type Config struct {
	// BaseURL overrides the storefront origin; tests point it at fixtures.
	BaseURL string
	// Fetcher must render JavaScript.
	Fetcher  scraper.Fetcher
	Archiver *archive.Archiver
	Logger   *zap.Logger
}

// Provider implements provider.Provider for DLsite.
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
		return nil, errors.New("dlsite: fetcher is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("dlsite: invalid base url %q: %w", base, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		baseURL:  base,
		fetcher:  cfg.Fetcher,
		archiver: cfg.Archiver,
		logger:   logger,
	}, nil
}

// Name returns the registry key.
func (p *Provider) Name() string { return Name }

// TryParseID accepts a bare product code, a product URL, or text that embeds
// a code, and returns the upper-cased code.
func (p *Provider) TryParseID(input string) (string, bool) {
	s := strings.TrimSpace(textutil.Normalize(input))
	if s == "" {
		return "", false
	}
	if exactIDPattern.MatchString(s) {
		return strings.ToUpper(s), true
	}
	if m := productIDPattern.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1]), true
	}
	if m := embeddedPattern.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1]), true
	}
	return "", false
}

// BuildDetailURL returns the work page on the floor owning id's prefix.
func (p *Provider) BuildDetailURL(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	return fmt.Sprintf("%s/%s/work/=/product_id/%s.html", p.baseURL, floorFor(id), id)
}

// Search renders the keyword results page and collects up to maxResults hits.
func (p *Provider) Search(ctx context.Context, keyword string, maxResults int) (hits []scraper.SearchHit, err error) {
	start := time.Now()
	defer func() { provider.Observe(Name, "search", start, err) }()

	keyword = textutil.Normalize(keyword)
	if keyword == "" || maxResults <= 0 {
		return nil, nil
	}
	searchURL := fmt.Sprintf("%s/%s/fsr/=/language/jp/keyword/%s/order/trend/per_page/30/",
		p.baseURL, searchFloor, url.PathEscape(keyword))

	resp, err := p.fetcher.FetchHTML(ctx, scraper.FetchRequest{
		URL:          searchURL,
		Cookies:      ageCookies(),
		WaitSelector: searchReadySelector,
	})
	if err != nil {
		err = provider.Classify(Name, scraper.StageSearch, searchURL, err)
		provider.ArchiveFailure(ctx, p.archiver, Name, resp, err)
		return nil, err
	}
	doc, err := provider.Document(resp.Body)
	if err != nil {
		return nil, provider.Classify(Name, scraper.StageParse, searchURL, err)
	}
	hits = parseSearch(doc, resp.URL, maxResults)
	p.logger.Debug("search parsed",
		zap.String("keyword", keyword),
		zap.Int("hits", len(hits)),
		zap.Duration("duration", resp.Duration),
	)
	return hits, nil
}

// FetchDetail renders a work page and extracts its metadata. The star rating
// comes from the product info endpoint; a failure there leaves it at zero.
func (p *Provider) FetchDetail(ctx context.Context, detailURL string) (meta *scraper.ContentMetadata, err error) {
	start := time.Now()
	defer func() { provider.Observe(Name, "detail", start, err) }()

	resp, err := p.fetcher.FetchHTML(ctx, scraper.FetchRequest{
		URL:          detailURL,
		Cookies:      ageCookies(),
		ForDetail:    true,
		WaitSelector: detailReadySelector,
	})
	if err != nil {
		err = provider.Classify(Name, scraper.StageFetch, detailURL, err)
		provider.ArchiveFailure(ctx, p.archiver, Name, resp, err)
		return nil, err
	}

	meta, err = p.parseDetailBody(resp.Body, detailURL)
	if err != nil {
		err = provider.Classify(Name, scraper.StageParse, detailURL, err)
		provider.ArchiveFailure(ctx, p.archiver, Name, resp, err)
		return nil, err
	}

	if err := p.applyRating(ctx, meta); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Debug("rating unavailable", zap.String("id", meta.ID), zap.Error(err))
	}
	meta.Finalize()
	return meta, nil
}

func (p *Provider) parseDetailBody(body []byte, detailURL string) (*scraper.ContentMetadata, error) {
	doc, err := provider.Document(body)
	if err != nil {
		return nil, err
	}
	meta, err := parseDetail(doc, detailURL)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta.ID, _ = p.TryParseID(detailURL)
	}
	return meta, nil
}

type productInfo struct {
	RateAverageStar float64 `json:"rate_average_star"`
	RateCount       int     `json:"rate_count"`
}

func (p *Provider) applyRating(ctx context.Context, meta *scraper.ContentMetadata) error {
	if meta.ID == "" {
		return nil
	}
	infoURL := fmt.Sprintf("%s/%s/product/info/ajax?product_id=%s&cdn_cache_min=1",
		p.baseURL, floorFor(meta.ID), url.QueryEscape(meta.ID))
	var info map[string]productInfo
	err := p.fetcher.FetchJSON(ctx, scraper.FetchRequest{
		URL:       infoURL,
		Cookies:   ageCookies(),
		ForDetail: true,
	}, &info)
	if err != nil {
		return err
	}
	if pi, ok := info[meta.ID]; ok && pi.RateCount > 0 {
		// rate_average_star is tenths of a star.
		meta.Rating = pi.RateAverageStar / 10
	}
	return nil
}

func floorFor(id string) string {
	if len(id) >= 2 {
		if floor, ok := floors[strings.ToUpper(id[:2])]; ok {
			return floor
		}
	}
	return searchFloor
}

func ageCookies() []*http.Cookie {
	return []*http.Cookie{
		{Name: "adultchecked", Value: "1"},
		{Name: "locale", Value: "ja-jp"},
	}
}

func parseSearch(doc *goquery.Document, pageURL string, maxResults int) []scraper.SearchHit {
	hits := make([]scraper.SearchHit, 0, maxResults)
	seen := make(map[string]struct{})
	doc.Find("#search_result_img_box > li, .n_worklist > li").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(".work_name a").First()
		href := textutil.ResolveURL(pageURL, link.AttrOr("href", ""))
		if href == "" {
			return true
		}
		if _, dup := seen[href]; dup {
			return true
		}
		seen[href] = struct{}{}

		title := textutil.Normalize(link.AttrOr("title", ""))
		if title == "" {
			title = textutil.Normalize(link.Text())
		}
		img := s.Find(".work_thumb img, .work_thumb_inner img").First()
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		hits = append(hits, scraper.SearchHit{
			DetailURL: href,
			Title:     title,
			CoverURL:  textutil.PickImage(src, img.AttrOr("srcset", "")),
		})
		return len(hits) < maxResults
	})
	return hits
}

func parseDetail(doc *goquery.Document, detailURL string) (*scraper.ContentMetadata, error) {
	title := textutil.Normalize(doc.Find("#work_name").First().Text())
	if title == "" {
		return nil, errors.New("work title not found")
	}
	meta := &scraper.ContentMetadata{
		Title:      title,
		SourceURLs: []string{detailURL},
	}
	if m := productIDPattern.FindStringSubmatch(detailURL); m != nil {
		meta.ID = strings.ToUpper(m[1])
	}

	doc.Find("#work_maker .maker_name a, #work_maker .maker_name").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if name := textutil.Normalize(s.Text()); name != "" {
			meta.Studios = append(meta.Studios, name)
			return false
		}
		return true
	})

	doc.Find("#work_outline tr").Each(func(_ int, row *goquery.Selection) {
		label := textutil.Normalize(row.Find("th").First().Text())
		cell := row.Find("td").First()
		switch label {
		case "":
			return
		case "販売日", "発売日":
			if t, ok := textutil.ParseDate(cell.Text()); ok {
				meta.ReleaseDate = scraper.NewDate(t)
			}
		case "シリーズ名":
			meta.Series = append(meta.Series, cellValues(cell)...)
		case "ジャンル":
			meta.Genres = append(meta.Genres, cellValues(cell.Find(".main_genre"))...)
			if len(meta.Genres) == 0 {
				meta.Genres = append(meta.Genres, cellValues(cell)...)
			}
		case "作者", "著者", "シナリオ", "イラスト", "声優", "音楽", "監督", "原画", "作画", "編集":
			for _, name := range cellValues(cell) {
				meta.AddPerson(scraper.Person{
					Name:           name,
					NormalizedType: textutil.MapRole(label),
					OriginalRole:   label,
				})
			}
		}
	})

	meta.Description = textutil.RichText(doc.Find(`[itemprop="description"]`).First(), textutil.RichTextOptions{
		PreserveLineBreaks: true,
		ExcludePatterns:    descriptionExclusions,
		MaxChars:           4000,
	})

	primary := doc.Find(`meta[property="og:image"]`).AttrOr("content", "")
	meta.PrimaryImage = textutil.PickImage(primary, "")
	doc.Find(".product-slider-data > div").Each(func(_ int, s *goquery.Selection) {
		if src := textutil.PickImage(s.AttrOr("data-src", ""), ""); src != "" {
			meta.Thumbnails = append(meta.Thumbnails, src)
		}
	})
	if meta.PrimaryImage == "" && len(meta.Thumbnails) > 0 {
		meta.PrimaryImage = meta.Thumbnails[0]
	}
	return meta, nil
}

// cellValues returns the link texts in sel, or its split text when it has no
// links.
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
