package dlsite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metascraper/internal/archive"
	"github.com/JakeFAU/metascraper/internal/scraper"
	memorystorage "github.com/JakeFAU/metascraper/internal/storage/memory"
)

const searchPage = `<html><body>
<ul id="search_result_img_box">
  <li class="search_result_img_box_inner">
    <div class="work_thumb"><img src="//img.dlsite.jp/modpub/images2/work/doujin/RJ01000000/RJ123456_img_sam.webp"></div>
    <div class="work_name"><a href="https://www.dlsite.com/maniax/work/=/product_id/RJ123456.html" title="ラブストーリー 第一話">ラブストーリー…</a></div>
  </li>
  <li class="search_result_img_box_inner">
    <div class="work_thumb"><img src="" data-src="//img.dlsite.jp/RJ654321_img_sam.jpg"></div>
    <div class="work_name"><a href="/maniax/work/=/product_id/RJ654321.html">ラブストーリー 第二話</a></div>
  </li>
  <li class="search_result_img_box_inner">
    <div class="work_name"><a href="https://www.dlsite.com/maniax/work/=/product_id/RJ123456.html">duplicate</a></div>
  </li>
  <li class="search_result_img_box_inner">
    <div class="work_name"><a href="https://www.dlsite.com/maniax/work/=/product_id/RJ777777.html">第三話</a></div>
  </li>
</ul>
</body></html>`

const detailPage = `<html><head>
<meta property="og:image" content="//img.dlsite.jp/modpub/images2/work/doujin/RJ123456_img_main.jpg">
</head><body>
<h1 id="work_name">ラブストーリー&nbsp;第一話</h1>
<table id="work_maker"><tr><th>サークル名</th><td><span class="maker_name"><a href="#">スタジオ桜</a></span></td></tr></table>
<table id="work_outline">
  <tr><th>販売日</th><td><a href="#">2023年05月01日</a></td></tr>
  <tr><th>シリーズ名</th><td><a href="#">ラブストーリー</a></td></tr>
  <tr><th>シナリオ</th><td><a href="#">山田太郎</a></td></tr>
  <tr><th>イラスト</th><td><a href="#">佐藤花子</a></td></tr>
  <tr><th>声優</th><td><a href="#">鈴木一子</a> / <a href="#">田中二子</a></td></tr>
  <tr><th>ジャンル</th><td><div class="main_genre"><a href="#">純愛</a><a href="#">学園</a></div></td></tr>
</table>
<div itemprop="description" class="work_parts_container">
  <p>春の物語。<br>二人の出会い。</p>
  <p>※この作品はフィクションです。</p>
</div>
<div class="product-slider-data">
  <div data-src="//img.dlsite.jp/modpub/images2/work/doujin/RJ123456_img_main.jpg"></div>
  <div data-src="//img.dlsite.jp/modpub/images2/work/doujin/RJ123456_img_smp1.webp"></div>
</div>
</body></html>`

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]scraper.FetchResponse
	errs     map[string]error
	json     map[string]string
	requests []scraper.FetchRequest
}

func (f *fakeFetcher) FetchHTML(_ context.Context, req scraper.FetchRequest) (scraper.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	resp, ok := f.pages[req.URL]
	if err := f.errs[req.URL]; err != nil {
		return resp, err
	}
	if !ok {
		return scraper.FetchResponse{}, &scraper.HTTPStatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return resp, nil
}

func (f *fakeFetcher) FetchJSON(_ context.Context, req scraper.FetchRequest, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	body, ok := f.json[req.URL]
	if !ok {
		return errors.New("no json fixture")
	}
	return json.Unmarshal([]byte(body), v)
}

func page(url, body string) scraper.FetchResponse {
	return scraper.FetchResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(body), UsedHeadless: true}
}

func newTestProvider(t *testing.T, f *fakeFetcher, a *archive.Archiver) *Provider {
	t.Helper()
	p, err := New(Config{BaseURL: "https://www.dlsite.com/", Fetcher: f, Archiver: a})
	require.NoError(t, err)
	return p
}

func TestTryParseID(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, &fakeFetcher{}, nil)
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "RJ123456", want: "RJ123456", ok: true},
		{input: " rj01234567 ", want: "RJ01234567", ok: true},
		{input: "ＶＪ０１２３４５", want: "VJ012345", ok: true},
		{input: "https://www.dlsite.com/books/work/=/product_id/BJ123456.html", want: "BJ123456", ok: true},
		{input: "[RJ123456] ラブストーリー.mp4", want: "RJ123456", ok: true},
		{input: "RJ12345", ok: false},
		{input: "XJ123456", ok: false},
		{input: "ORJ1234567890", ok: false},
		{input: "", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, ok := p.TryParseID(tt.input)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuildDetailURL(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, &fakeFetcher{}, nil)
	assert.Equal(t, "https://www.dlsite.com/maniax/work/=/product_id/RJ123456.html", p.BuildDetailURL("rj123456"))
	assert.Equal(t, "https://www.dlsite.com/pro/work/=/product_id/VJ012345.html", p.BuildDetailURL("VJ012345"))
	assert.Equal(t, "https://www.dlsite.com/books/work/=/product_id/BJ123456.html", p.BuildDetailURL("BJ123456"))
}

func TestSearch(t *testing.T) {
	t.Parallel()

	searchURL := "https://www.dlsite.com/maniax/fsr/=/language/jp/keyword/Love%20Story/order/trend/per_page/30/"
	f := &fakeFetcher{pages: map[string]scraper.FetchResponse{searchURL: page(searchURL, searchPage)}}
	p := newTestProvider(t, f, nil)

	hits, err := p.Search(context.Background(), "Love  Story", 2)
	require.NoError(t, err)
	require.Equal(t, []scraper.SearchHit{
		{
			DetailURL: "https://www.dlsite.com/maniax/work/=/product_id/RJ123456.html",
			Title:     "ラブストーリー 第一話",
			CoverURL:  "https://img.dlsite.jp/modpub/images2/work/doujin/RJ01000000/RJ123456_img_sam.jpg",
		},
		{
			DetailURL: "https://www.dlsite.com/maniax/work/=/product_id/RJ654321.html",
			Title:     "ラブストーリー 第二話",
			CoverURL:  "https://img.dlsite.jp/RJ654321_img_sam.jpg",
		},
	}, hits)

	require.Len(t, f.requests, 1)
	assert.False(t, f.requests[0].ForDetail)
	assert.Equal(t, searchReadySelector, f.requests[0].WaitSelector)
	assert.Equal(t, "adultchecked", f.requests[0].Cookies[0].Name)

	all, err := p.Search(context.Background(), "Love Story", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "第三話", all[2].Title)
}

func TestSearchEmptyKeyword(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	p := newTestProvider(t, f, nil)
	hits, err := p.Search(context.Background(), "   ", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
	require.Empty(t, f.requests)
}

func TestFetchDetail(t *testing.T) {
	t.Parallel()

	detailURL := "https://www.dlsite.com/maniax/work/=/product_id/RJ123456.html"
	infoURL := "https://www.dlsite.com/maniax/product/info/ajax?product_id=RJ123456&cdn_cache_min=1"
	f := &fakeFetcher{
		pages: map[string]scraper.FetchResponse{detailURL: page(detailURL, detailPage)},
		json:  map[string]string{infoURL: `{"RJ123456":{"rate_average_star":45,"rate_count":12}}`},
	}
	p := newTestProvider(t, f, nil)

	meta, err := p.FetchDetail(context.Background(), detailURL)
	require.NoError(t, err)
	assert.Equal(t, "RJ123456", meta.ID)
	assert.Equal(t, "ラブストーリー 第一話", meta.Title)
	assert.Equal(t, []string{"スタジオ桜"}, meta.Studios)
	assert.Equal(t, []string{"ラブストーリー"}, meta.Series)
	assert.Equal(t, []string{"純愛", "学園"}, meta.Genres)
	require.NotNil(t, meta.ReleaseDate)
	assert.Equal(t, "2023-05-01", meta.ReleaseDate.String())
	assert.Equal(t, 2023, meta.Year)
	assert.InDelta(t, 4.5, meta.Rating, 0.001)
	assert.Equal(t, "春の物語。\n二人の出会い。", meta.Description)
	assert.Equal(t, "https://img.dlsite.jp/modpub/images2/work/doujin/RJ123456_img_main.jpg", meta.PrimaryImage)
	assert.Equal(t, []string{"https://img.dlsite.jp/modpub/images2/work/doujin/RJ123456_img_smp1.jpg"}, meta.Thumbnails)
	assert.Equal(t, []string{detailURL}, meta.SourceURLs)
	assert.Equal(t, []scraper.Person{
		{Name: "山田太郎", NormalizedType: scraper.RoleWriter, OriginalRole: "シナリオ"},
		{Name: "佐藤花子", NormalizedType: scraper.RoleIllustrator, OriginalRole: "イラスト"},
		{Name: "鈴木一子", NormalizedType: scraper.RoleActor, OriginalRole: "声優"},
		{Name: "田中二子", NormalizedType: scraper.RoleActor, OriginalRole: "声優"},
	}, meta.People)

	require.Len(t, f.requests, 2)
	assert.True(t, f.requests[0].ForDetail)
	assert.True(t, f.requests[1].ForDetail)
}

func TestFetchDetailWithoutRating(t *testing.T) {
	t.Parallel()

	detailURL := "https://www.dlsite.com/maniax/work/=/product_id/RJ123456.html"
	f := &fakeFetcher{pages: map[string]scraper.FetchResponse{detailURL: page(detailURL, detailPage)}}
	p := newTestProvider(t, f, nil)

	meta, err := p.FetchDetail(context.Background(), detailURL)
	require.NoError(t, err)
	assert.Zero(t, meta.Rating)
}

func TestFetchDetailFailures(t *testing.T) {
	t.Parallel()

	detailURL := "https://www.dlsite.com/maniax/work/=/product_id/RJ999999.html"
	tests := []struct {
		name     string
		fetcher  *fakeFetcher
		check    func(t *testing.T, err error)
		archived int
	}{
		{
			name:    "missing work is not found",
			fetcher: &fakeFetcher{},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, scraper.ErrNotFound)
			},
		},
		{
			name: "unexpected layout is a parse error",
			fetcher: &fakeFetcher{pages: map[string]scraper.FetchResponse{
				detailURL: page(detailURL, "<html><body>maintenance</body></html>"),
			}},
			check: func(t *testing.T, err error) {
				var ee *scraper.ExtractError
				require.ErrorAs(t, err, &ee)
				require.Equal(t, scraper.StageParse, ee.Stage)
				require.Equal(t, Name, ee.Provider)
			},
			archived: 1,
		},
		{
			name: "challenge page is archived",
			fetcher: &fakeFetcher{
				pages: map[string]scraper.FetchResponse{detailURL: page(detailURL, "<p>Just a moment...</p>")},
				errs:  map[string]error{detailURL: &scraper.ChallengeError{URL: detailURL, Reason: "text hint"}},
			},
			check: func(t *testing.T, err error) {
				require.True(t, scraper.IsChallenge(err))
				var ee *scraper.ExtractError
				require.ErrorAs(t, err, &ee)
				require.Equal(t, scraper.StageFetch, ee.Stage)
			},
			archived: 1,
		},
		{
			name: "cancellation passes through",
			fetcher: &fakeFetcher{errs: map[string]error{
				detailURL: fmt.Errorf("navigate: %w", context.Canceled),
			}},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, context.Canceled)
				require.NotErrorIs(t, err, scraper.ErrNotFound)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := memorystorage.NewBlobStore(10)
			p := newTestProvider(t, tt.fetcher, archive.New(store, "failed", nil))
			meta, err := p.FetchDetail(context.Background(), detailURL)
			require.Nil(t, meta)
			tt.check(t, err)
			require.Len(t, store.Keys(), tt.archived)
			for _, key := range store.Keys() {
				require.True(t, strings.HasPrefix(key, "failed/dlsite/"))
			}
		})
	}
}

func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
