// File: internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/pipeline"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	// MaxRecentCaptures caps RecentCaptures.
	MaxRecentCaptures = 500
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CaptureRecord is one persisted capture outcome.
type CaptureRecord struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	FailureKind string            `json:"failureKind,omitempty"`
	Message     string            `json:"message,omitempty"`
	ImagePath   string            `json:"imagePath,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	ExitCode    int               `json:"exitCode"`
	Predictions classifier.Result `json:"predictions"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
}

// Store keeps the capture history in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const sqlSchema = `
        CREATE TABLE IF NOT EXISTS captures (
            id uuid PRIMARY KEY,
            status text NOT NULL,
            failure_kind text NOT NULL DEFAULT '',
            message text NOT NULL DEFAULT '',
            image_path text NOT NULL DEFAULT '',
            reference text NOT NULL DEFAULT '',
            exit_code integer NOT NULL DEFAULT -1,
            predictions jsonb NOT NULL DEFAULT '[]',
            started_at timestamptz NOT NULL,
            finished_at timestamptz NOT NULL
        );
        CREATE INDEX IF NOT EXISTS captures_finished_at_idx ON captures (finished_at DESC);
    `

// EnsureSchema creates the captures table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create captures schema: %w", err)
	}
	return nil
}

const sqlInsertCapture = `
        INSERT INTO captures (id, status, failure_kind, message, image_path, reference, exit_code, predictions, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO NOTHING;
    `

// RecordCapture persists a pipeline outcome. It satisfies pipeline.Recorder.
func (s *Store) RecordCapture(ctx context.Context, outcome pipeline.Outcome) error {
	rec := recordFromOutcome(outcome)

	predictions, err := json.Marshal(rec.Predictions)
	if err != nil {
		return fmt.Errorf("failed to marshal predictions: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlInsertCapture,
		rec.ID, rec.Status, rec.FailureKind, rec.Message,
		rec.ImagePath, rec.Reference, rec.ExitCode,
		predictions,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert capture %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("Capture already recorded", zap.String("capture_id", rec.ID))
	}
	return nil
}

const sqlRecentCaptures = `
        SELECT id, status, failure_kind, message, image_path, reference, exit_code, predictions, started_at, finished_at
        FROM captures
        ORDER BY finished_at DESC
        LIMIT $1;
    `

// RecentCaptures returns up to limit captures, newest first.
func (s *Store) RecentCaptures(ctx context.Context, limit int) ([]CaptureRecord, error) {
	if limit <= 0 || limit > MaxRecentCaptures {
		limit = MaxRecentCaptures
	}

	rows, err := s.pool.Query(ctx, sqlRecentCaptures, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	records := []CaptureRecord{}
	for rows.Next() {
		var rec CaptureRecord
		var predictions []byte
		if err := rows.Scan(
			&rec.ID, &rec.Status, &rec.FailureKind, &rec.Message,
			&rec.ImagePath, &rec.Reference, &rec.ExitCode,
			&predictions,
			&rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan capture row: %w", err)
		}
		if len(predictions) > 0 {
			if err := json.Unmarshal(predictions, &rec.Predictions); err != nil {
				return nil, fmt.Errorf("failed to decode predictions for capture %s: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

func recordFromOutcome(o pipeline.Outcome) CaptureRecord {
	rec := CaptureRecord{
		ID:          o.CaptureID,
		Status:      StatusSuccess,
		ImagePath:   o.ImagePath,
		Reference:   o.Reference,
		ExitCode:    o.ExitCode,
		Predictions: o.Analysis,
		StartedAt:   o.StartedAt,
		FinishedAt:  o.FinishedAt,
	}
	if o.Failure != nil {
		rec.Status = StatusFailure
		rec.FailureKind = string(o.Failure.Kind)
		rec.Message = o.Failure.Error()
	}
	return rec
}
