package samplelog

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// CSVSink appends samples to a CSV file, writing the header when the file is new.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewCSVSink opens path for appending, creating it and its directory if needed.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "error creating directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, multierr.Combine(err, f.Close())
	}

	s := &CSVSink{file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.w.Write(Columns); err != nil {
			return nil, multierr.Combine(err, f.Close())
		}
		s.w.Flush()
	}
	return s, nil
}

// Record implements Sink. Each sample is flushed so a crash loses at most the current row.
func (s *CSVSink) Record(ctx context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(sample.record()); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Close implements Sink.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return multierr.Combine(s.w.Error(), s.file.Close())
}
