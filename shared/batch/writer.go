package batch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"harvest-stack/internal/models"
)

var errWriterClosed = errors.New("batch writer is closed")

// Writer accumulates records of one batch as newline-delimited JSON in a
// local temp file. A Writer is used by a single goroutine.
type Writer struct {
	path    string
	file    *os.File
	buf     *bufio.Writer
	enc     *json.Encoder
	count   int
	created time.Time
	closed  bool
}

// NewWriter starts an empty batch in dir. The creation time decides the
// date the batch is filed under when committed.
func NewWriter(dir, name string, created time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create batch directory: %w", err)
	}

	file, err := os.CreateTemp(dir, name+"-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create batch file: %w", err)
	}

	buf := bufio.NewWriter(file)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	return &Writer{
		path:    file.Name(),
		file:    file,
		buf:     buf,
		enc:     enc,
		created: created.UTC(),
	}, nil
}

// Append writes one record as a single JSON line
func (w *Writer) Append(r models.Record) error {
	if w.closed {
		return errWriterClosed
	}
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	w.count++
	return nil
}

// Size returns the number of records appended so far
func (w *Writer) Size() int {
	return w.count
}

func (w *Writer) CreatedAt() time.Time {
	return w.created
}

func (w *Writer) Path() string {
	return w.path
}

// Discard drops the batch and its local file
func (w *Writer) Discard() error {
	closeErr := w.close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove batch file: %w", err)
	}
	return closeErr
}

// close flushes pending lines; it is safe to call more than once
func (w *Writer) close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush batch file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close batch file: %w", closeErr)
	}
	return nil
}

func cleanup(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
