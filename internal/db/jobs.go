package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/google/uuid"
)

// SaveJob inserts or replaces the record of a job.
func (db *DB) SaveJob(ctx context.Context, job *models.RenderJob) error {
	query := `
		INSERT INTO render_jobs (
			id, title, status, output_path, error, created_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output_path = EXCLUDED.output_path,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`

	_, err := db.ExecContext(
		ctx, query,
		job.ID, job.Title, job.Status, job.OutputPath, job.Error, job.CreatedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM render_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (db *DB) ListJobs(ctx context.Context) ([]models.RenderJob, error) {
	query := `
		SELECT id, title, status, output_path, error, created_at, finished_at
		FROM render_jobs
		ORDER BY created_at
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RenderJob
	for rows.Next() {
		var job models.RenderJob
		var finishedAt sql.NullTime
		err := rows.Scan(
			&job.ID, &job.Title, &job.Status, &job.OutputPath, &job.Error,
			&job.CreatedAt, &finishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			job.FinishedAt = &t
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}

	return jobs, nil
}

// PurgeOlderThan drops records created before cutoff. Postgres has no key TTL,
// so this keeps the table bounded the way Redis expiry does.
func (db *DB) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM render_jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return res.RowsAffected()
}
