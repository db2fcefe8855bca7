package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-listings/cache"
	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
	"github.com/google/uuid"
)

// Callbacks are optional hooks invoked during a crawl.
type Callbacks struct {
	// Message receives page and summary notices.
	Message func(text string)
	// Progress fires once per attempted listing, before it is built.
	Progress func(identifier string)
	// FailLog receives every reported failure.
	FailLog func(url, errText string)
}

// Sink receives completed records in emission order.
type Sink interface {
	Process(records ...*models.Record) error
}

// Scraper drives pagination over a search feed and builds one record per listing.
type Scraper struct {
	cfg       *config.Config
	registry  *parser.Registry
	callbacks Callbacks
	fetcher   *Fetcher
	builder   *Builder
	reporter  *Reporter
	Metrics   *Metrics
}

// crawlState lives for a single Run.
type crawlState struct {
	pageURL *url.URL
	visited map[string]struct{}
	pages   int
	emitted int
	failed  int
	rank    int
}

// NewScraper builds a scraper instance configured from cfg. store may be nil
// to disable caching.
func NewScraper(cfg *config.Config, registry *parser.Registry, store cache.Store, callbacks Callbacks) (*Scraper, error) {
	parsed, err := url.Parse(cfg.StartURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("start url must include a host")
	}
	if registry == nil {
		registry = parser.DefaultRegistry()
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	fetcher := NewFetcher(cfg, store, metrics)
	return &Scraper{
		cfg:       cfg,
		registry:  registry,
		callbacks: callbacks,
		fetcher:   fetcher,
		builder:   NewBuilder(registry, fetcher),
		reporter:  NewReporter(cfg.FailLog, callbacks.FailLog, metrics),
		Metrics:   metrics,
	}, nil
}

// Fields returns the output column names for this crawl.
func (s *Scraper) Fields() []string {
	return s.registry.FieldNames(s.cfg.IncludeDetails)
}

// Run crawls from cfg.StartURL until the feed ends, the limit is reached or
// a search page cannot be fetched. Records go to sink; when sink is nil they
// are collected in the result. The result is populated even when an error
// is returned.
func (s *Scraper) Run(ctx context.Context, sink Sink) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.ScraperResult{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
	logger := slog.With(slog.String("run_id", result.RunID))

	start, _ := url.Parse(s.cfg.StartURL)
	state := &crawlState{
		pageURL: start,
		visited: make(map[string]struct{}),
	}

	err := s.crawl(ctx, logger, state, sink, result)

	result.EndTime = time.Now()
	result.Emitted = state.emitted
	result.Failed = state.failed
	result.PageCount = state.pages
	result.RetryCount = s.fetcher.Retries()
	result.CacheHits = s.fetcher.CacheHits()
	result.FailedURLs = s.reporter.FailedURLs()
	result.ErrorsByType = s.reporter.ErrorsByType()

	s.message(fmt.Sprintf("Scraped %d products, failed to scrape %d.", state.emitted, state.failed))
	logger.Info("crawl finished",
		slog.Int("emitted", state.emitted),
		slog.Int("failed", state.failed),
		slog.Int("pages", state.pages),
		slog.Bool("aborted", result.Aborted),
	)
	return result, err
}

func (s *Scraper) crawl(ctx context.Context, logger *slog.Logger, state *crawlState, sink Sink, result *models.ScraperResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current := state.pageURL.String()
		state.visited[current] = struct{}{}
		s.message("Processing " + current)

		body, err := s.fetcher.Fetch(ctx, current)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			state.failed++
			result.Aborted = true
			return fmt.Errorf("fetch search page: %w", s.reporter.Report(current, err))
		}
		state.pages++
		s.Metrics.IncPages()

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			state.failed++
			result.Aborted = true
			return fmt.Errorf("parse search page: %w", s.reporter.Report(current, err))
		}

		if err := s.iterate(ctx, logger, state, doc, sink, result); err != nil {
			return err
		}

		if s.limitReached(state) {
			logger.Debug("record limit reached", slog.Int("limit", s.cfg.Limit))
			return nil
		}
		if s.cfg.MaxPages > 0 && state.pages >= s.cfg.MaxPages {
			logger.Debug("page limit reached", slog.Int("max_pages", s.cfg.MaxPages))
			return nil
		}

		next, ok := s.nextPage(doc, state)
		if !ok {
			return nil
		}
		state.pageURL = next
	}
}

func (s *Scraper) iterate(ctx context.Context, logger *slog.Logger, state *crawlState, doc *goquery.Document, sink Sink, result *models.ScraperResult) error {
	results := doc.Find(s.registry.Result)
	if results.Length() == 0 {
		logger.Warn("search page yielded nothing",
			slog.String("url", state.pageURL.String()),
			slog.Any("error", ErrNoResults),
		)
		return nil
	}

	for i := range results.Nodes {
		if s.limitReached(state) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		node := results.Eq(i)
		link := node.Find(s.registry.ResultLink).First()
		if link.Length() == 0 {
			continue
		}

		state.rank++
		s.Metrics.IncListings()
		s.progress(link)

		record, err := s.builder.Build(ctx, node, state.pageURL, s.cfg.IncludeDetails)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var productErr *ProductScrapeError
			if !errors.As(err, &productErr) {
				productErr = &ProductScrapeError{URL: state.pageURL.String(), Err: err}
			}
			state.failed++
			_ = s.reporter.Report(productErr.URL, productErr)
			continue
		}

		if record.Has(parser.SearchRankField) {
			_ = record.Set(parser.SearchRankField, strconv.Itoa(state.rank))
		}

		if sink != nil {
			if err := sink.Process(record); err != nil {
				return fmt.Errorf("emit record: %w", err)
			}
		} else {
			result.Records = append(result.Records, record)
		}
		state.emitted++
		s.Metrics.IncItems()
	}
	return nil
}

// nextPage returns the target of the last pagination button. Pages already
// visited end the crawl so a trailing "previous" link cannot loop.
func (s *Scraper) nextPage(doc *goquery.Document, state *crawlState) (*url.URL, bool) {
	href, ok := doc.Find(s.registry.NextPage).Last().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		slog.Warn("invalid next page link", slog.String("href", href), slog.Any("error", err))
		return nil, false
	}
	next := state.pageURL.ResolveReference(ref)
	if _, seen := state.visited[next.String()]; seen {
		return nil, false
	}
	return next, true
}

func (s *Scraper) limitReached(state *crawlState) bool {
	return s.cfg.Limit > 0 && state.emitted >= s.cfg.Limit
}

func (s *Scraper) message(text string) {
	if s.callbacks.Message != nil {
		s.callbacks.Message(text)
	}
}

func (s *Scraper) progress(link *goquery.Selection) {
	if s.callbacks.Progress == nil {
		return
	}
	identifier, ok := link.Attr("href")
	if !ok || identifier == "" {
		identifier = strings.TrimSpace(link.Text())
	}
	s.callbacks.Progress(identifier)
}
