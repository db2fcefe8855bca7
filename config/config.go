package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	StartURL         string
	Limit            int // 0 means unbounded
	MaxPages         int // 0 means unbounded
	IncludeDetails   bool
	Timeout          time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	CacheAddr        string // "", "memory", host:port or redis:// URL
	CacheExpiry      time.Duration
	CacheSize        int
	FailLog          string
	FieldsFile       string
	OutputFile       string // "-" writes to stdout
	OutputFormat     string // csv, json, or dual
	PipelineBuffer   int
	BatchSize        int
	DedupeMaxSize    int
	UserAgent        string
	Verbose          bool
	RespectRobotsTxt bool
	MetricsAddr      string
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() *Config {
	return &Config{
		StartURL:         "https://www.etsy.com/search?q=blue%20shirt",
		Limit:            0,
		MaxPages:         0,
		IncludeDetails:   false,
		Timeout:          5 * time.Second,
		MaxAttempts:      5,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		CacheAddr:        "",
		CacheExpiry:      24 * time.Hour,
		CacheSize:        1024,
		FailLog:          "",
		OutputFile:       "output/listings.csv",
		OutputFormat:     "csv",
		PipelineBuffer:   256,
		BatchSize:        32,
		DedupeMaxSize:    10000,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:          false,
		RespectRobotsTxt: false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.StartURL == "" {
		return fmt.Errorf("start URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.StartURL)
	if err != nil {
		return fmt.Errorf("invalid start URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("start URL must include a host")
	}

	if c.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.CacheAddr != "" {
		if c.CacheExpiry <= 0 {
			return fmt.Errorf("cache expiry must be positive")
		}
		if c.CacheSize <= 0 {
			return fmt.Errorf("cache size must be positive")
		}
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.OutputFormat == "dual" && c.OutputFile == "-" {
		return fmt.Errorf("dual output format needs an output file")
	}
	if c.PipelineBuffer <= 0 {
		return fmt.Errorf("pipeline buffer must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when it is set.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvBool parses key as a boolean when it is set.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}
