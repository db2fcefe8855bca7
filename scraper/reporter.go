package scraper

import (
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

const failLogTimeLayout = "2006-01-02 15:04:05.000000"

// Reporter records failures to the fail log and the fail-log callback, then
// hands the error back so the caller decides whether to continue.
type Reporter struct {
	path     string
	callback func(url, errText string)
	metrics  *Metrics
	now      func() time.Time

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
}

// NewReporter builds a reporter. An empty path disables the fail log and a
// nil callback disables the hook.
func NewReporter(path string, callback func(url, errText string), metrics *Metrics) *Reporter {
	return &Reporter{
		path:         path,
		callback:     callback,
		metrics:      metrics,
		now:          time.Now,
		errorsByType: make(map[string]int),
	}
}

// Report logs err for url and returns err unchanged. It never fails itself.
func (r *Reporter) Report(url string, err error) error {
	if err == nil {
		return nil
	}
	desc := describeError(err)
	category := errorTypeLabel(err)

	r.mu.Lock()
	r.failedURLs = append(r.failedURLs, url)
	r.errorsByType[category]++
	if r.path != "" {
		if werr := r.appendLine(url, desc); werr != nil {
			slog.Error("write fail log", slog.String("path", r.path), slog.Any("error", werr))
		}
	}
	r.mu.Unlock()

	r.metrics.IncFailure(category)
	slog.Debug("failure reported",
		slog.String("url", url),
		slog.String("category", category),
		slog.String("error", desc),
	)

	if r.callback != nil {
		r.invoke(url, desc)
	}
	return err
}

// FailedURLs returns the URLs reported so far.
func (r *Reporter) FailedURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.failedURLs))
	copy(out, r.failedURLs)
	return out
}

// ErrorsByType returns report counts keyed by error category.
func (r *Reporter) ErrorsByType() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.errorsByType))
	for k, v := range r.errorsByType {
		out[k] = v
	}
	return out
}

func (r *Reporter) appendLine(url, desc string) error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	line := strings.Join([]string{r.now().Format(failLogTimeLayout), url, desc}, ",") + "\n"
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *Reporter) invoke(url, desc string) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("fail log callback panicked", slog.String("url", url), slog.Any("panic", p))
		}
	}()
	r.callback(url, desc)
}

// describeError returns the error text, or its type name when the text is empty.
func describeError(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
