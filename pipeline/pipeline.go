package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when pending records are not drained in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

var drainTimeout = 30 * time.Second

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []*models.Record) error
	Close() error
	Validate() error
}

// Pipeline batches records to a writer in the order they were submitted,
// counting validation failures and repeated listing URLs along the way.
// Records are never dropped.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	specs     []parser.FieldSpec
	recordCh  chan *models.Record
	batchSize int

	started bool
	done    chan struct{}

	seen *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex // guards started/closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg. specs drives per-field validation.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config, specs []parser.FieldSpec) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	buffer := cfg.PipelineBuffer
	if buffer <= 0 {
		buffer = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	var seen *lru.Cache[string, struct{}]
	if cfg.DedupeMaxSize > 0 {
		seen, _ = lru.New[string, struct{}](cfg.DedupeMaxSize)
	}

	return &Pipeline{
		ctx:       ctx,
		writer:    writer,
		specs:     specs,
		recordCh:  make(chan *models.Record, buffer),
		batchSize: batchSize,
		done:      make(chan struct{}),
		seen:      seen,
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches the writer goroutine. A single goroutine owns the writer so
// output order matches submission order.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.started {
		return
	}
	p.started = true
	go p.worker()
}

// Process enqueues records for downstream writing.
func (p *Pipeline) Process(records ...*models.Record) error {
	if len(records) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, record := range records {
		if record == nil {
			continue
		}
		if err := p.enqueue(record); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting records and waits up to drainTimeout for pending
// ones to be written.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	if !started {
		return p.Err()
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrPipelineCloseTimeout, drainTimeout)
	}
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_records"].(int64)
				validation := metrics["validation_errors"].(map[string]int)
				slog.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Any("validation_errors", validation),
				)
			case <-p.shutdown:
				return
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer close(p.done)

	batch := make([]*models.Record, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for record := range p.recordCh {
		p.inspect(record)
		batch = append(batch, record)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

// inspect tallies validation failures and repeated URLs without altering
// the record.
func (p *Pipeline) inspect(record *models.Record) {
	for _, field := range parser.CheckRecord(p.specs, record.Map()) {
		p.metrics.addValidation(field)
	}

	if p.seen != nil && record.Has("url") {
		if u := record.Get("url"); u != "" {
			if p.seen.Contains(u) {
				p.metrics.addValidation("duplicate_url")
			} else {
				p.seen.Add(u, struct{}{})
			}
		}
	}

	p.metrics.incrementProcessed()
}

func (p *Pipeline) enqueue(record *models.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.recordCh <- record:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"validation_errors": copyValidation,
	}
}
