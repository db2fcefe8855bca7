package models

import "time"

// ScraperResult holds the overall result of a crawl.
type ScraperResult struct {
	RunID        string
	Records      []*Record
	StartTime    time.Time
	EndTime      time.Time
	Emitted      int
	Failed       int
	PageCount    int
	RetryCount   int
	CacheHits    int
	FailedURLs   []string
	ErrorsByType map[string]int
	Aborted      bool
}

// Duration returns the wall-clock time of the crawl.
func (r *ScraperResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}
