// Package samplelog records the height corrector's samples.
package samplelog

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// Sample is one tick of the height corrector. X, Y and Z are where the worker last commanded the
// nozzle when the sample was taken.
type Sample struct {
	JobID          string
	X, Y, Z        float64
	MeasuredHeight float64
	TargetHeight   float64
	Error          float64
	Armed          bool
	Correction     float64
	Timestamp      time.Time
}

// Columns is the column order shared by the CSV and SQLite sinks.
var Columns = []string{
	"job_id", "x", "y", "z", "measured_height", "target_height", "error", "armed", "correction", "timestamp",
}

func (s Sample) record() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	return []string{
		s.JobID,
		f(s.X), f(s.Y), f(s.Z),
		f(s.MeasuredHeight), f(s.TargetHeight), f(s.Error),
		strconv.FormatBool(s.Armed),
		f(s.Correction),
		s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Sink receives samples. Record is called from a single goroutine.
type Sink interface {
	Record(ctx context.Context, s Sample) error
	Close() error
}

// LogSink writes each sample to a logger at debug level.
type LogSink struct {
	Logger logging.Logger
}

// Record implements Sink.
func (l LogSink) Record(ctx context.Context, s Sample) error {
	l.Logger.Debugw("height sample",
		"measured", s.MeasuredHeight,
		"target", s.TargetHeight,
		"error", s.Error,
		"armed", s.Armed,
		"correction", s.Correction,
		"z", s.Z,
	)
	return nil
}

// Close implements Sink.
func (LogSink) Close() error { return nil }

// Multi fans samples out to several sinks.
type Multi []Sink

// Record implements Sink. Every sink sees the sample even when an earlier one fails.
func (m Multi) Record(ctx context.Context, s Sample) error {
	var err error
	for _, sink := range m {
		err = multierr.Combine(err, sink.Record(ctx, s))
	}
	return err
}

// Close implements Sink.
func (m Multi) Close() error {
	var err error
	for _, sink := range m {
		err = multierr.Combine(err, sink.Close())
	}
	return err
}

// Memory keeps samples in memory.
type Memory struct {
	mu      sync.Mutex
	samples []Sample
}

// Record implements Sink.
func (m *Memory) Record(ctx context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

// Samples returns a copy of what has been recorded.
func (m *Memory) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.samples...)
}
