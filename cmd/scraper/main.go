package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-listings/cache"
	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
	"github.com/aluiziolira/go-scrape-listings/pipeline"
	"github.com/aluiziolira/go-scrape-listings/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaultCfg := config.DefaultConfig()
	limitDefault := envInt("SCRAPER_LIMIT", defaultCfg.Limit)
	pagesDefault := envInt("SCRAPER_PAGES", defaultCfg.MaxPages)
	attemptsDefault := envInt("SCRAPER_MAX_ATTEMPTS", defaultCfg.MaxAttempts)
	detailsDefault := envBool("SCRAPER_DETAILS", defaultCfg.IncludeDetails)
	urlDefault := envString("SCRAPER_URL", defaultCfg.StartURL)
	cacheDefault := envString("SCRAPER_CACHE", defaultCfg.CacheAddr)
	failLogDefault := envString("SCRAPER_FAIL_LOG", defaultCfg.FailLog)
	fieldsDefault := envString("SCRAPER_FIELDS", defaultCfg.FieldsFile)
	outputDefault := envString("SCRAPER_OUTPUT", defaultCfg.OutputFile)
	metricsDefault := envString("SCRAPER_METRICS_ADDR", defaultCfg.MetricsAddr)

	startURL := flag.String("url", urlDefault, "Search results URL to start from")
	limit := flag.Int("limit", limitDefault, "Maximum records to emit (0 = unbounded)")
	maxPages := flag.Int("pages", pagesDefault, "Maximum search pages to visit (0 = unbounded)")
	details := flag.Bool("details", detailsDefault, "Fetch each listing page for detail fields")
	cacheAddr := flag.String("cache", cacheDefault, `Page cache: "memory", host:port or redis:// URL (empty disables)`)
	cacheExpiry := flag.Duration("cache-expiry", defaultCfg.CacheExpiry, "Cached page lifetime")
	cacheSize := flag.Int("cache-size", defaultCfg.CacheSize, "In-memory cache capacity (pages)")
	failLog := flag.String("fail-log", failLogDefault, "Append failures to this file")
	fieldsFile := flag.String("fields", fieldsDefault, "YAML field registry (defaults to the built-in Etsy tables)")
	maxAttempts := flag.Int("max-attempts", attemptsDefault, "Fetch attempts per page")
	timeout := flag.Duration("timeout", defaultCfg.Timeout, "Per-request timeout")
	retryBackoff := flag.Duration("retry-backoff", defaultCfg.RetryBackoff, "Initial retry backoff")
	retryBackoffMax := flag.Duration("retry-backoff-max", defaultCfg.RetryBackoffMax, "Maximum retry backoff")
	respectRobots := flag.Bool("respect-robots", false, "Respect robots.txt directives")
	outputFile := flag.String("output", outputDefault, `Output file path ("-" for stdout)`)
	outputFormat := flag.String("format", "csv", "Output format: csv, json, or dual")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")

	flag.Parse()
	if flag.NArg() > 0 {
		*startURL = flag.Arg(0)
	}

	cfg := config.DefaultConfig()
	cfg.StartURL = *startURL
	cfg.Limit = *limit
	cfg.MaxPages = *maxPages
	cfg.IncludeDetails = *details
	cfg.CacheAddr = *cacheAddr
	cfg.CacheExpiry = *cacheExpiry
	cfg.CacheSize = *cacheSize
	cfg.FailLog = *failLog
	cfg.FieldsFile = *fieldsFile
	cfg.MaxAttempts = *maxAttempts
	cfg.Timeout = *timeout
	cfg.RetryBackoff = *retryBackoff
	cfg.RetryBackoffMax = *retryBackoffMax
	cfg.RespectRobotsTxt = *respectRobots
	cfg.OutputFile = *outputFile
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.Verbose = *verbose
	cfg.MetricsAddr = *metricsAddr

	// Records own stdout when it is the output.
	console := io.Writer(os.Stdout)
	if cfg.OutputFile == pipeline.StdoutPath {
		console = os.Stderr
	}

	logger, level := newLogger(console, cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	registry := parser.DefaultRegistry()
	if cfg.FieldsFile != "" {
		loaded, err := parser.LoadRegistry(cfg.FieldsFile)
		if err != nil {
			slog.Error("loading field registry", slog.String("path", cfg.FieldsFile), slog.Any("error", err))
			return 1
		}
		registry = loaded
	}

	store, err := cache.Open(cfg.CacheAddr, cfg.CacheSize)
	if err != nil {
		slog.Error("opening page cache", slog.Any("error", err))
		return 1
	}
	if store != nil {
		defer store.Close()
	}

	slog.Info("starting scrape",
		slog.String("url", cfg.StartURL),
		slog.Int("limit", cfg.Limit),
		slog.Int("pages", cfg.MaxPages),
		slog.Bool("details", cfg.IncludeDetails),
		slog.String("cache", cfg.CacheAddr),
	)

	callbacks := scraper.Callbacks{
		Message: func(text string) {
			slog.Info(text)
		},
		Progress: func(string) {
			if !cfg.Verbose {
				fmt.Fprint(os.Stderr, ".")
			}
		},
	}
	s, err := scraper.NewScraper(cfg, registry, store, callbacks)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return 1
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile, s.Fields())
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing current listing")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewPipeline(ctx, writer, cfg, registry.Fields(cfg.IncludeDetails))
	p.Start()
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, runErr := s.Run(ctx, p)
	if !cfg.Verbose {
		fmt.Fprintln(os.Stderr)
	}
	exitCode := 0
	if runErr != nil {
		slog.Error("scraping stopped", slog.Any("error", runErr))
		exitCode = 1
	}
	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		exitCode = 1
	}
	if err := writer.Validate(); err != nil {
		slog.Warn("output validation failed", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(console, result, cfg.OutputFile, p.GetMetrics())
	return exitCode
}

func envString(key, fallback string) string {
	if value, ok := config.EnvString(key); ok {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value, ok, err := config.EnvInt(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	if !ok {
		return fallback
	}
	return value
}

func envBool(key string, fallback bool) bool {
	value, ok, err := config.EnvBool(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	if !ok {
		return fallback
	}
	return value
}

func createWriter(format, filename string, header []string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename, header)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename, header)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(w io.Writer, result *models.ScraperResult, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	if result.Aborted {
		fmt.Fprintln(w, "Scrape aborted")
	} else {
		fmt.Fprintln(w, "Scrape complete")
	}

	fmt.Fprintf(w, "  Run ID:        %s\n", result.RunID)
	fmt.Fprintf(w, "  Emitted:       %d\n", result.Emitted)
	fmt.Fprintf(w, "  Failed:        %d\n", result.Failed)
	fmt.Fprintf(w, "  Pages:         %d\n", result.PageCount)
	fmt.Fprintf(w, "  Retries:       %d\n", result.RetryCount)
	fmt.Fprintf(w, "  Cache hits:    %d\n", result.CacheHits)
	if len(result.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Fprintf(w, "  Validation:    %v\n", valErrors)
	}
	duration := result.Duration()
	fmt.Fprintf(w, "  Duration:      %v\n", duration)
	if duration.Seconds() > 0 {
		fmt.Fprintf(w, "  Items/sec:     %.2f\n", float64(result.Emitted)/duration.Seconds())
	}
	fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	fmt.Fprintln(w, separator)
}

func newLogger(w io.Writer, verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
