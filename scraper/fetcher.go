package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-listings/cache"
	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/gocolly/colly/v2"
)

const (
	ctxBody   = "body"
	ctxStatus = "status"
	ctxStart  = "start"
)

// Fetcher retrieves page bodies. It is the only component that touches the
// network, so cache use and retry policy are the same for every page.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	store     cache.Store
	metrics   *Metrics

	mu        sync.Mutex
	retries   int
	cacheHits int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher builds a synchronous collector configured from cfg. store may be nil.
func NewFetcher(cfg *config.Config, store cache.Store, metrics *Metrics) *Fetcher {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	// Status is classified in get; bodies are kept whole.
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = 0
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
	})
	collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			r.Ctx.Put(ctxBody, r.Body)
		}
		if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
			metrics.ObserveDuration(time.Since(start))
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Ctx != nil {
			r.Ctx.Put(ctxStatus, r.StatusCode)
		}
	})

	return &Fetcher{
		cfg:       cfg,
		collector: collector,
		store:     store,
		metrics:   metrics,
		sleep:     sleepContext,
	}
}

// WithTransport replaces the HTTP transport used for network fetches.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// Fetch returns the body of url, from the cache when possible. Failed
// attempts are retried up to cfg.MaxAttempts times before a *FetchFailure.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if body, ok := f.cached(ctx, url); ok {
		return body, nil
	}

	var lastErr error
	attempts := 0
	for attempts < f.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempts > 0 {
			f.recordRetry()
			if err := f.sleep(ctx, f.backoff(attempts)); err != nil {
				return nil, err
			}
		}
		attempts++

		body, err := f.get(url)
		if err == nil {
			f.storeBody(ctx, url, body)
			return body, nil
		}

		lastErr = err
		f.metrics.IncError(errorTypeLabel(err))
		slog.Debug("fetch attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempts),
			slog.String("category", errorTypeLabel(err)),
			slog.Any("error", err),
		)
	}

	return nil, &FetchFailure{URL: url, Attempts: attempts, Err: lastErr}
}

// Retries returns the number of retry attempts made so far.
func (f *Fetcher) Retries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries
}

// CacheHits returns the number of fetches served from the cache.
func (f *Fetcher) CacheHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cacheHits
}

func (f *Fetcher) get(url string) ([]byte, error) {
	reqCtx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, url, nil, reqCtx, nil)
	f.metrics.IncRequest("network")

	status, _ := reqCtx.GetAny(ctxStatus).(int)
	if err != nil {
		return nil, classifyError(err, status)
	}
	if status < 200 || status >= 300 {
		return nil, classifyError(fmt.Errorf("http status %d: %s", status, http.StatusText(status)), status)
	}
	body, ok := reqCtx.GetAny(ctxBody).([]byte)
	if !ok {
		return nil, fmt.Errorf("no response body for %s", url)
	}
	return body, nil
}

func (f *Fetcher) cached(ctx context.Context, url string) ([]byte, bool) {
	if f.store == nil {
		return nil, false
	}
	body, ok, err := f.store.Get(ctx, url)
	if err != nil {
		slog.Warn("cache read failed", slog.String("url", url), slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	f.cacheHits++
	f.mu.Unlock()
	f.metrics.IncRequest("cache")
	return body, true
}

func (f *Fetcher) storeBody(ctx context.Context, url string, body []byte) {
	if f.store == nil {
		return
	}
	if err := f.store.Set(ctx, url, body, f.cfg.CacheExpiry); err != nil {
		slog.Warn("cache write failed", slog.String("url", url), slog.Any("error", err))
	}
}

func (f *Fetcher) recordRetry() {
	f.mu.Lock()
	f.retries++
	f.mu.Unlock()
	f.metrics.IncRetries()
}

// backoff returns the wait before the attempt following attempt n, doubling
// from cfg.RetryBackoff and capped at cfg.RetryBackoffMax.
func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}

	limit := f.cfg.RetryBackoffMax
	delay := base
	for i := 1; i < attempt && i < 32; i++ {
		delay *= 2
		if limit > 0 && delay >= limit {
			break
		}
	}
	if limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}
