package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-listings/models"
)

// StdoutPath selects standard output instead of a file.
const StdoutPath = "-"

// output is the destination shared by the writers: a created file or stdout.
type output struct {
	w     io.Writer
	file  *os.File
	owned bool
	count int64
}

func openOutput(filename string) (*output, error) {
	if filename == StdoutPath {
		return &output{w: os.Stdout, file: os.Stdout}, nil
	}
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &output{w: f, file: f, owned: true}, nil
}

func (o *output) close() error {
	if !o.owned {
		return nil
	}
	return o.file.Close()
}

func (o *output) validate(kind string) error {
	if o.count == 0 {
		return fmt.Errorf("%s output has no records", kind)
	}
	return nil
}

// CSVWriter writes records to CSV with a fixed column order.
type CSVWriter struct {
	out    *output
	header []string
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row. filename
// "-" writes to stdout.
func NewCSVWriter(filename string, header []string) (*CSVWriter, error) {
	out, err := openOutput(filename)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(out.w)
	if err := writer.Write(header); err != nil {
		out.close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		out.close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	cols := make([]string, len(header))
	copy(cols, header)
	return &CSVWriter{
		out:    out,
		header: cols,
		writer: writer,
	}, nil
}

// Write appends records to the CSV output. Columns follow the header; a
// record without a column leaves it empty.
func (cw *CSVWriter) Write(records []*models.Record) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	row := make([]string, len(cw.header))
	for _, record := range records {
		for i, name := range cw.header {
			row[i] = record.Get(name)
		}
		if err := cw.writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
		cw.out.count++
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.out.close()
}

// Validate ensures at least one record follows the header.
func (cw *CSVWriter) Validate() error {
	return cw.out.validate("csv")
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	out     *output
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer. filename "-" writes to stdout.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	out, err := openOutput(filename)
	if err != nil {
		return nil, err
	}

	buffer := bufio.NewWriter(out.w)
	return &JSONWriter{
		out:     out,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(records []*models.Record) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, record := range records {
		if err := jw.encoder.Encode(record); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
		jw.out.count++
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.out.close()
}

// Validate ensures the JSON output has data.
func (jw *JSONWriter) Validate() error {
	return jw.out.validate("json")
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
