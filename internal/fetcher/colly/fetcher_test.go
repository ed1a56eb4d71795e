package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metascraper/internal/headless/detector"
	"github.com/JakeFAU/metascraper/internal/policy/ratelimit"
	"github.com/JakeFAU/metascraper/internal/scraper"
)

func htmlResponder(status int, body string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(status, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}

func TestFetchHTML(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://shop.test/soft.phtml?id=1234",
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, "<html><h1>"+req.Header.Get("Cookie")+"</h1></html>")
			resp.Header.Set("Content-Type", "text/html; charset=utf-8")
			resp.Header.Set("X-Trace", req.Header.Get("X-Trace"))
			return resp, nil
		})

	f := New(Config{
		UserAgent: "test-agent",
		Timeout:   time.Second,
		Transport: transport,
		Pacer:     ratelimit.New(ratelimit.Config{}),
		Detector:  detector.NewHeuristic(nil, nil),
	})
	resp, err := f.FetchHTML(context.Background(), scraper.FetchRequest{
		URL:     "https://shop.test/soft.phtml?id=1234",
		Headers: http.Header{"X-Trace": {"yes"}},
		Cookies: []*http.Cookie{{Name: "age_ok", Value: "1"}, {Name: "lang", Value: "ja"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html><h1>age_ok=1; lang=ja</h1></html>", string(resp.Body))
	require.Equal(t, "yes", resp.Headers.Get("X-Trace"))
	require.False(t, resp.UsedHeadless)

	// Revisiting the same URL must not be suppressed.
	_, err = f.FetchHTML(context.Background(), scraper.FetchRequest{URL: "https://shop.test/soft.phtml?id=1234"})
	require.NoError(t, err)
	require.Equal(t, 2, transport.GetTotalCallCount())
}

func TestFetchHTML_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "gone", status: http.StatusGone},
		{name: "server error", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			transport := httpmock.NewMockTransport()
			transport.RegisterResponder(http.MethodGet, "https://shop.test/missing", htmlResponder(tt.status, "<html>missing</html>"))

			f := New(Config{Transport: transport})
			resp, err := f.FetchHTML(context.Background(), scraper.FetchRequest{URL: "https://shop.test/missing"})
			require.Error(t, err)
			require.Equal(t, tt.status, scraper.StatusCode(err))
			require.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestFetchHTML_Challenge(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://shop.test/page",
		htmlResponder(http.StatusOK, "<html><title>Just a moment...</title></html>"))

	f := New(Config{Transport: transport, Detector: detector.NewHeuristic(nil, nil)})
	resp, err := f.FetchHTML(context.Background(), scraper.FetchRequest{URL: "https://shop.test/page"})
	require.Error(t, err)
	require.True(t, scraper.IsChallenge(err))
	require.NotEmpty(t, resp.Body)
}

func TestFetchJSON(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://shop.test/info.json",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Accept") != "application/json" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "{}"), nil
			}
			resp := httpmock.NewStringResponse(http.StatusOK, `{"rate":42}`)
			resp.Header.Set("Content-Type", "application/json; charset=utf-8")
			return resp, nil
		})

	f := New(Config{Transport: transport})
	var out struct {
		Rate int `json:"rate"`
	}
	require.NoError(t, f.FetchJSON(context.Background(), scraper.FetchRequest{URL: "https://shop.test/info.json"}, &out))
	require.Equal(t, 42, out.Rate)
}

func TestFetchHTML_CanceledContext(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://shop.test/slow", htmlResponder(http.StatusOK, "<html></html>"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(Config{Transport: transport})
	_, err := f.FetchHTML(ctx, scraper.FetchRequest{URL: "https://shop.test/slow"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := scraper.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	start := time.Unix(0, 0)
	var result scraper.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Empty(t, collyReq.Headers.Get("Cookie"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCookieHeaderSkipsUnnamed(t *testing.T) {
	t.Parallel()

	got := cookieHeader([]*http.Cookie{nil, {Value: "x"}, {Name: "a", Value: "b"}})
	require.Equal(t, "a=b", got)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
