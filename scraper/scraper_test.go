package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-listings/cache"
	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
	"github.com/jarcoal/httpmock"
)

const (
	searchURL = "http://shop.test/search"
	page2URL  = "http://shop.test/search/page-2"
)

type listing struct {
	id      int
	noTitle bool
	noLink  bool
}

func testRegistry() *parser.Registry {
	return &parser.Registry{
		Result:     "ul.results > li.listing",
		ResultLink: "a.listing-link",
		NextPage:   "nav.pagination a",
		Search: []parser.FieldSpec{
			{Name: "title", Selectors: []string{"h3"}, Required: true},
			{Name: "price", Selectors: []string{"span.sale", "span.price"}, Remove: regexp.MustCompile(`,`)},
			{Name: "url", Selectors: []string{"a.listing-link"}, Attribute: "href", Required: true},
		},
		Detail: []parser.FieldSpec{
			{Name: "headline", Selectors: []string{"h1"}, Required: true},
			{Name: "description", Selectors: []string{"p#description"}, Required: true},
		},
		Computed: []parser.FieldSpec{
			{Name: parser.SearchRankField},
		},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.StartURL = searchURL
	cfg.MaxAttempts = 2
	cfg.RetryBackoff = 0
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config, store cache.Store, transport http.RoundTripper, callbacks Callbacks) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg, testRegistry(), store, callbacks)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.fetcher.WithTransport(transport)
	s.fetcher.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func buildSearchPage(listings []listing, navLinks ...string) string {
	var builder strings.Builder
	builder.WriteString("<html><body><ul class=\"results\">")
	for _, l := range listings {
		builder.WriteString("<li class=\"listing\">")
		if !l.noLink {
			fmt.Fprintf(&builder, "<a class=\"listing-link\" href=\"/listing/%d\">", l.id)
		}
		if !l.noTitle {
			fmt.Fprintf(&builder, "<h3>Item %d</h3>", l.id)
		}
		fmt.Fprintf(&builder, "<span class=\"price\">1,%03d.00</span>", l.id)
		if !l.noLink {
			builder.WriteString("</a>")
		}
		builder.WriteString("</li>")
	}
	builder.WriteString("</ul><nav class=\"pagination\">")
	for _, href := range navLinks {
		fmt.Fprintf(&builder, "<a href=\"%s\">page</a>", href)
	}
	builder.WriteString("</nav></body></html>")
	return builder.String()
}

func buildDetailPage(id int) string {
	return fmt.Sprintf("<html><body><h1>Headline %d</h1><p id=\"description\">Description %d</p></body></html>", id, id)
}

func ids(from, to int) []listing {
	out := make([]listing, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, listing{id: i})
	}
	return out
}

// twoPageTransport serves listings 1-3 on the first page and 4-5 on the
// second. The second page links back to the first.
func twoPageTransport() *httpmock.MockTransport {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(buildSearchPage(ids(1, 3), "/search/page-2")))
	transport.RegisterResponder("GET", page2URL, htmlResponder(buildSearchPage(ids(4, 5), "/search")))
	for i := 1; i <= 5; i++ {
		transport.RegisterResponder("GET", fmt.Sprintf("http://shop.test/listing/%d", i), htmlResponder(buildDetailPage(i)))
	}
	return transport
}

type collectingSink struct {
	mu      sync.Mutex
	records []*models.Record
}

func (cs *collectingSink) Process(records ...*models.Record) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.records = append(cs.records, records...)
	return nil
}

func (cs *collectingSink) All() []*models.Record {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*models.Record, len(cs.records))
	copy(out, cs.records)
	return out
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig()
	transport := twoPageTransport()
	s := newTestScraper(t, cfg, nil, transport, Callbacks{})

	sink := &collectingSink{}
	result, err := s.Run(context.Background(), sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	records := sink.All()
	if len(records) != 5 {
		t.Fatalf("records=%d, want 5 (failed=%v)", len(records), result.FailedURLs)
	}
	if len(result.Records) != 0 {
		t.Fatalf("records should go to the sink, got %d in result", len(result.Records))
	}
	if result.Emitted != 5 || result.Failed != 0 || result.PageCount != 2 {
		t.Fatalf("emitted=%d failed=%d pages=%d, want 5/0/2", result.Emitted, result.Failed, result.PageCount)
	}
	if result.Aborted {
		t.Fatalf("run should not be aborted")
	}
	if result.RunID == "" {
		t.Fatalf("run id should be set")
	}

	for i, record := range records {
		wantRank := fmt.Sprint(i + 1)
		if got := record.Get(parser.SearchRankField); got != wantRank {
			t.Fatalf("record %d rank=%q, want %q", i, got, wantRank)
		}
	}

	sample := records[0]
	if got := sample.Get("title"); got != "Item 1" {
		t.Fatalf("title=%q, want %q", got, "Item 1")
	}
	if got := sample.Get("price"); got != "1001.00" {
		t.Fatalf("price=%q, want %q", got, "1001.00")
	}
	if got := sample.Get("url"); got != "/listing/1" {
		t.Fatalf("url=%q, want %q", got, "/listing/1")
	}
	if sample.Has("headline") {
		t.Fatalf("detail fields should be absent without details")
	}
	wantFields := []string{"title", "price", "url", parser.SearchRankField}
	if got := sample.Fields(); strings.Join(got, ",") != strings.Join(wantFields, ",") {
		t.Fatalf("fields=%v, want %v", got, wantFields)
	}

	if got := transport.GetCallCountInfo()["GET "+searchURL]; got != 1 {
		t.Fatalf("first page fetched %d times, want 1", got)
	}
}

func TestScraperLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		want      int
		page2Hits int
	}{
		{name: "within first page", limit: 2, want: 2, page2Hits: 0},
		{name: "exact first page", limit: 3, want: 3, page2Hits: 0},
		{name: "spans pages", limit: 4, want: 4, page2Hits: 1},
		{name: "above available", limit: 50, want: 5, page2Hits: 1},
		{name: "unbounded", limit: 0, want: 5, page2Hits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Limit = tt.limit
			transport := twoPageTransport()
			s := newTestScraper(t, cfg, nil, transport, Callbacks{})

			result, err := s.Run(context.Background(), nil)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got := len(result.Records); got != tt.want {
				t.Fatalf("records=%d, want %d", got, tt.want)
			}
			if got := transport.GetCallCountInfo()["GET "+page2URL]; got != tt.page2Hits {
				t.Fatalf("page 2 fetched %d times, want %d", got, tt.page2Hits)
			}
		})
	}
}

func TestScraperMaxPages(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	transport := twoPageTransport()
	s := newTestScraper(t, cfg, nil, transport, Callbacks{})

	result, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 1 || len(result.Records) != 3 {
		t.Fatalf("pages=%d records=%d, want 1/3", result.PageCount, len(result.Records))
	}
}

func TestScraperDetailFailureDoesNotStopCrawl(t *testing.T) {
	cfg := testConfig()
	cfg.IncludeDetails = true
	cfg.FailLog = filepath.Join(t.TempDir(), "fail.log")

	transport := twoPageTransport()
	transport.RegisterResponder("GET", "http://shop.test/listing/2", httpmock.NewStringResponder(http.StatusNotFound, ""))

	var failed []string
	s := newTestScraper(t, cfg, nil, transport, Callbacks{
		FailLog: func(url, errText string) {
			failed = append(failed, url)
		},
	})

	result, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 4 || result.Failed != 1 {
		t.Fatalf("records=%d failed=%d, want 4/1", len(result.Records), result.Failed)
	}
	wantRanks := []string{"1", "3", "4", "5"}
	for i, record := range result.Records {
		if got := record.Get(parser.SearchRankField); got != wantRanks[i] {
			t.Fatalf("record %d rank=%q, want %q", i, got, wantRanks[i])
		}
	}
	if got := result.Records[0].Get("headline"); got != "Headline 1" {
		t.Fatalf("headline=%q, want %q", got, "Headline 1")
	}
	if got := result.Records[0].Get("description"); got != "Description 1" {
		t.Fatalf("description=%q, want %q", got, "Description 1")
	}

	if len(failed) != 1 || failed[0] != "http://shop.test/listing/2" {
		t.Fatalf("fail log callback urls=%v", failed)
	}
	if got := transport.GetCallCountInfo()["GET http://shop.test/listing/2"]; got != cfg.MaxAttempts {
		t.Fatalf("detail fetched %d times, want %d", got, cfg.MaxAttempts)
	}
	if got := result.ErrorsByType["not_found"]; got != 1 {
		t.Fatalf("errors by type=%v, want one not_found", result.ErrorsByType)
	}

	data, err := os.ReadFile(cfg.FailLog)
	if err != nil {
		t.Fatalf("read fail log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], ",http://shop.test/listing/2,") {
		t.Fatalf("fail log=%q", string(data))
	}
}

func TestScraperMissingRequiredFieldSkipsListing(t *testing.T) {
	cfg := testConfig()
	listings := []listing{{id: 1}, {id: 2, noTitle: true}, {id: 3}}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(buildSearchPage(listings)))

	var reported []string
	s := newTestScraper(t, cfg, nil, transport, Callbacks{
		FailLog: func(url, errText string) {
			reported = append(reported, errText)
		},
	})

	result, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Records) != 2 || result.Failed != 1 {
		t.Fatalf("records=%d failed=%d, want 2/1", len(result.Records), result.Failed)
	}
	if got := result.Records[1].Get(parser.SearchRankField); got != "3" {
		t.Fatalf("rank after failure=%q, want 3", got)
	}
	if len(reported) != 1 || !strings.Contains(reported[0], `"title"`) {
		t.Fatalf("reported=%v", reported)
	}
	if got := result.ErrorsByType["missing_value"]; got != 1 {
		t.Fatalf("errors by type=%v, want one missing_value", result.ErrorsByType)
	}
}

func TestScraperSkipsNodesWithoutLink(t *testing.T) {
	cfg := testConfig()
	listings := []listing{{id: 1}, {id: 2, noLink: true}, {id: 3}}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(buildSearchPage(listings)))

	var progress []string
	s := newTestScraper(t, cfg, nil, transport, Callbacks{
		Progress: func(id string) { progress = append(progress, id) },
	})

	result, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Records) != 2 || result.Failed != 0 {
		t.Fatalf("records=%d failed=%d, want 2/0", len(result.Records), result.Failed)
	}
	if got := result.Records[1].Get(parser.SearchRankField); got != "2" {
		t.Fatalf("rank=%q, want 2", got)
	}
	if strings.Join(progress, ",") != "/listing/1,/listing/3" {
		t.Fatalf("progress=%v", progress)
	}
}

func TestScraperSearchPageFailureAborts(t *testing.T) {
	cfg := testConfig()
	cfg.FailLog = filepath.Join(t.TempDir(), "fail.log")

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	var calls int
	s := newTestScraper(t, cfg, nil, transport, Callbacks{
		FailLog: func(url, errText string) {
			calls++
			if url != searchURL {
				t.Errorf("fail log url=%q, want %q", url, searchURL)
			}
		},
	})

	result, err := s.Run(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	var fetchErr *FetchFailure
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error %v should wrap *FetchFailure", err)
	}
	if fetchErr.Attempts != cfg.MaxAttempts {
		t.Fatalf("attempts=%d, want %d", fetchErr.Attempts, cfg.MaxAttempts)
	}
	if result == nil || !result.Aborted {
		t.Fatalf("result should be marked aborted")
	}
	if result.Failed != 1 || calls != 1 {
		t.Fatalf("failed=%d callback calls=%d, want 1/1", result.Failed, calls)
	}
	if result.Emitted != 0 || result.PageCount != 0 {
		t.Fatalf("emitted=%d pages=%d, want 0/0", result.Emitted, result.PageCount)
	}
	if result.RetryCount != cfg.MaxAttempts-1 {
		t.Fatalf("retries=%d, want %d", result.RetryCount, cfg.MaxAttempts-1)
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxAttempts = 1

			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", searchURL, httpmock.NewStringResponder(tt.status, ""))
			s := newTestScraper(t, cfg, nil, transport, Callbacks{})

			result, _ := s.Run(context.Background(), nil)
			if got := result.ErrorsByType[tt.expected]; got == 0 {
				t.Fatalf("expected %q classification for status %d, got %v", tt.expected, tt.status, result.ErrorsByType)
			}
		})
	}
}

func TestScraperEmptyPage(t *testing.T) {
	cfg := testConfig()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder("<html><body><p>nothing here</p></body></html>"))
	s := newTestScraper(t, cfg, nil, transport, Callbacks{})

	result, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Emitted != 0 || result.Failed != 0 || result.PageCount != 1 {
		t.Fatalf("emitted=%d failed=%d pages=%d, want 0/0/1", result.Emitted, result.Failed, result.PageCount)
	}
}

func TestScraperMessages(t *testing.T) {
	cfg := testConfig()
	transport := twoPageTransport()

	var messages, progress []string
	s := newTestScraper(t, cfg, nil, transport, Callbacks{
		Message:  func(text string) { messages = append(messages, text) },
		Progress: func(id string) { progress = append(progress, id) },
	})

	if _, err := s.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"Processing " + searchURL,
		"Processing " + page2URL,
		"Scraped 5 products, failed to scrape 0.",
	}
	if strings.Join(messages, "|") != strings.Join(want, "|") {
		t.Fatalf("messages=%q, want %q", messages, want)
	}
	if len(progress) != 5 || progress[0] != "/listing/1" || progress[4] != "/listing/5" {
		t.Fatalf("progress=%v", progress)
	}
}

func TestScraperServesRepeatRunsFromCache(t *testing.T) {
	store, err := cache.NewMemoryStore(16)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}

	cfg := testConfig()
	cfg.IncludeDetails = true
	transport := twoPageTransport()

	first := newTestScraper(t, cfg, store, transport, Callbacks{})
	firstResult, err := first.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	calls := transport.GetTotalCallCount()
	if calls != 7 {
		t.Fatalf("network calls=%d, want 7", calls)
	}

	second := newTestScraper(t, cfg, store, transport, Callbacks{})
	secondResult, err := second.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := transport.GetTotalCallCount(); got != calls {
		t.Fatalf("second run made %d network calls", got-calls)
	}
	if secondResult.CacheHits != 7 {
		t.Fatalf("cache hits=%d, want 7", secondResult.CacheHits)
	}
	if len(firstResult.Records) != len(secondResult.Records) {
		t.Fatalf("records differ: %d vs %d", len(firstResult.Records), len(secondResult.Records))
	}
	for i := range firstResult.Records {
		a, b := firstResult.Records[i].Map(), secondResult.Records[i].Map()
		if fmt.Sprint(a) != fmt.Sprint(b) {
			t.Fatalf("record %d differs: %v vs %v", i, a, b)
		}
	}
}

func TestScraperStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	transport := twoPageTransport()

	ctx, cancel := context.WithCancel(context.Background())
	s := newTestScraper(t, cfg, nil, transport, Callbacks{
		Progress: func(string) { cancel() },
	})

	result, err := s.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if result.Emitted != 1 {
		t.Fatalf("emitted=%d, want 1", result.Emitted)
	}
	if got := transport.GetCallCountInfo()["GET "+page2URL]; got != 0 {
		t.Fatalf("page 2 fetched after cancel")
	}
}

func TestNewScraperRejectsInvalidInput(t *testing.T) {
	cfg := testConfig()
	cfg.StartURL = "/relative"
	if _, err := NewScraper(cfg, testRegistry(), nil, Callbacks{}); err == nil {
		t.Fatalf("expected error for start url without host")
	}

	cfg = testConfig()
	reg := testRegistry()
	reg.Result = ""
	if _, err := NewScraper(cfg, reg, nil, Callbacks{}); err == nil {
		t.Fatalf("expected error for invalid registry")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestErrorTypeLabelWrapped(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "fetch failure keeps cause", err: &FetchFailure{URL: "u", Attempts: 2, Err: ErrForbidden{Err: errors.New("Forbidden")}}, expected: "forbidden"},
		{name: "fetch failure plain", err: &FetchFailure{URL: "u", Attempts: 2, Err: errors.New("boom")}, expected: "fetch_failure"},
		{name: "missing value", err: &ProductScrapeError{URL: "u", Err: &parser.MissingValueError{Field: "title"}}, expected: "missing_value"},
		{name: "product", err: &ProductScrapeError{URL: "u", Err: errors.New("boom")}, expected: "product_scrape"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(tt.err); got != tt.expected {
				t.Fatalf("errorTypeLabel(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func BenchmarkScraper_Run(b *testing.B) {
	cfg := testConfig()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(buildSearchPage(ids(1, 48))))

	s, err := NewScraper(cfg, testRegistry(), nil, Callbacks{})
	if err != nil {
		b.Fatalf("new scraper: %v", err)
	}
	s.fetcher.WithTransport(transport)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Run(context.Background(), nil); err != nil {
			b.Fatalf("run: %v", err)
		}
	}
	elapsed := b.Elapsed().Seconds()
	if elapsed > 0 {
		b.ReportMetric(float64(b.N*48)/elapsed, "items/sec")
	}
}
