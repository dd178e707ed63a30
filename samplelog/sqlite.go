package samplelog

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	z REAL NOT NULL,
	measured_height REAL NOT NULL,
	target_height REAL NOT NULL,
	error REAL NOT NULL,
	armed INTEGER NOT NULL,
	correction REAL NOT NULL,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_job ON samples(job_id);
`

// SQLiteSink stores samples in a SQLite database so runs can be queried afterwards.
type SQLiteSink struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// NewSQLiteSink opens or creates the database at path.
func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "error creating directory for %s", path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sample database")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "failed to initialize sample schema"), db.Close())
	}
	stmt, err := db.PrepareContext(ctx, `
		INSERT INTO samples
			(job_id, x, y, z, measured_height, target_height, error, armed, correction, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, multierr.Combine(err, db.Close())
	}
	return &SQLiteSink{db: db, stmt: stmt}, nil
}

// Record implements Sink.
func (s *SQLiteSink) Record(ctx context.Context, sample Sample) error {
	_, err := s.stmt.ExecContext(ctx,
		sample.JobID,
		sample.X, sample.Y, sample.Z,
		sample.MeasuredHeight, sample.TargetHeight, sample.Error,
		sample.Armed,
		sample.Correction,
		sample.Timestamp.UTC(),
	)
	return errors.Wrap(err, "failed to insert height sample")
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return multierr.Combine(s.stmt.Close(), s.db.Close())
}

// Samples returns every sample recorded for jobID in insertion order.
func (s *SQLiteSink) Samples(ctx context.Context, jobID string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, x, y, z, measured_height, target_height, error, armed, correction, timestamp
		FROM samples WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var sample Sample
		if err := rows.Scan(
			&sample.JobID,
			&sample.X, &sample.Y, &sample.Z,
			&sample.MeasuredHeight, &sample.TargetHeight, &sample.Error,
			&sample.Armed,
			&sample.Correction,
			&sample.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}
