package report

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/aluiziolira/gitbook2pdf/models"
)

// FailureWriter exports failed jobs for selective retries.
type FailureWriter interface {
	Write(failures []models.Failure) error
	Close() error
}

// CSVWriter writes failures as CSV rows.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates filename and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	f, err := create(filename)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(f)
	header := []string{"job", "url", "error_kind", "attempts", "referring_page", "message"}
	if err := writer.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return &CSVWriter{file: f, writer: writer}, nil
}

// Write appends failures to the CSV output.
func (cw *CSVWriter) Write(failures []models.Failure) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, f := range failures {
		record := []string{
			f.Kind.String(),
			f.URL,
			string(f.ErrorKind),
			strconv.Itoa(f.Attempts),
			f.ReferringPage,
			f.Message,
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
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
		cw.file.Close()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// JSONWriter writes failures as newline-delimited JSON.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

type failureRecord struct {
	Job string `json:"job"`
	models.Failure
}

// NewJSONWriter creates filename.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	f, err := create(filename)
	if err != nil {
		return nil, err
	}
	buffer := bufio.NewWriter(f)
	return &JSONWriter{file: f, writer: buffer, encoder: json.NewEncoder(buffer)}, nil
}

// Write appends failures in JSONL format.
func (jw *JSONWriter) Write(failures []models.Failure) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, f := range failures {
		if err := jw.encoder.Encode(failureRecord{Job: f.Kind.String(), Failure: f}); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// ExportFailures writes failures to dir/failures.csv and dir/failures.jsonl.
// Nothing is written when there are no failures.
func ExportFailures(dir string, failures []models.Failure) ([]string, error) {
	if len(failures) == 0 {
		return nil, nil
	}
	csvPath := filepath.Join(dir, "failures.csv")
	jsonPath := filepath.Join(dir, "failures.jsonl")

	csvWriter, err := NewCSVWriter(csvPath)
	if err != nil {
		return nil, err
	}
	jsonWriter, err := NewJSONWriter(jsonPath)
	if err != nil {
		csvWriter.Close()
		return nil, err
	}

	var errs []error
	for _, w := range []FailureWriter{csvWriter, jsonWriter} {
		if err := w.Write(failures); err != nil {
			errs = append(errs, err)
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("export failures: %w", err)
	}
	return []string{csvPath, jsonPath}, nil
}

func create(filename string) (*os.File, error) {
	if dir := filepath.Dir(filename); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filename, err)
	}
	return f, nil
}
