package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
)

// PageFetcher is the fetch capability the builder and crawler depend on.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Builder assembles one record per listing node.
type Builder struct {
	registry *parser.Registry
	fetcher  PageFetcher
}

// NewBuilder returns a builder over the given registry and fetcher.
func NewBuilder(registry *parser.Registry, fetcher PageFetcher) *Builder {
	return &Builder{registry: registry, fetcher: fetcher}
}

// Build extracts the search fields from result and, when includeDetails is
// set, the detail fields from the listing's own page. Any failure is returned
// as *ProductScrapeError. The computed search_rank field is left empty.
func (b *Builder) Build(ctx context.Context, result *goquery.Selection, pageURL *url.URL, includeDetails bool) (*models.Record, error) {
	record := models.NewRecord(b.registry.FieldNames(includeDetails))

	if err := b.extractInto(record, result, b.registry.Search); err != nil {
		return nil, &ProductScrapeError{URL: b.listingURL(result, pageURL), Err: err}
	}
	if !includeDetails || len(b.registry.Detail) == 0 {
		return record, nil
	}

	raw := record.Get("url")
	if raw == "" {
		return nil, &ProductScrapeError{URL: b.listingURL(result, pageURL), Err: errors.New("listing has no url")}
	}
	detailURL, err := resolve(pageURL, raw)
	if err != nil {
		return nil, &ProductScrapeError{URL: raw, Err: err}
	}

	body, err := b.fetcher.Fetch(ctx, detailURL)
	if err != nil {
		return nil, &ProductScrapeError{URL: detailURL, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ProductScrapeError{URL: detailURL, Err: fmt.Errorf("parse detail page: %w", err)}
	}
	if err := b.extractInto(record, doc.Selection, b.registry.Detail); err != nil {
		return nil, &ProductScrapeError{URL: detailURL, Err: err}
	}
	return record, nil
}

func (b *Builder) extractInto(record *models.Record, sel *goquery.Selection, specs []parser.FieldSpec) error {
	for _, spec := range specs {
		if spec.Computed() {
			continue
		}
		value, err := parser.Extract(sel, spec)
		if err != nil {
			return err
		}
		if err := record.Set(spec.Name, value); err != nil {
			return err
		}
	}
	return nil
}

// listingURL names a listing in error reports when its fields could not all
// be extracted.
func (b *Builder) listingURL(result *goquery.Selection, pageURL *url.URL) string {
	href, ok := result.Find(b.registry.ResultLink).First().Attr("href")
	if !ok || href == "" {
		if pageURL == nil {
			return ""
		}
		return pageURL.String()
	}
	if abs, err := resolve(pageURL, href); err == nil {
		return abs
	}
	return href
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}
