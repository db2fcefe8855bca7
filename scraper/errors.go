package scraper

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-listings/parser"
)

// ErrNoResults marks a search page that parsed but held no result nodes.
var ErrNoResults = errors.New("no results on page")

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// FetchFailure means a page could not be retrieved within the attempt budget.
type FetchFailure struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchFailure) Unwrap() error {
	return e.Err
}

// ProductScrapeError means one listing could not be completed.
type ProductScrapeError struct {
	URL string
	Err error
}

func (e *ProductScrapeError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("scrape product: %v", e.Err)
	}
	return fmt.Sprintf("scrape product %s: %v", e.URL, e.Err)
}

func (e *ProductScrapeError) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var missing *parser.MissingValueError
	if errors.As(err, &missing) {
		return "missing_value"
	}
	var fetch *FetchFailure
	if errors.As(err, &fetch) {
		return "fetch_failure"
	}
	var product *ProductScrapeError
	if errors.As(err, &product) {
		return "product_scrape"
	}
	return "other"
}
