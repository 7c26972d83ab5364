package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"remark/api/internal/entity"
)

const exportJobColumns = `id, fingerprint, file_format, author_id, entity_id, entity_kind, date_from, date_to, status, artifact_key, error, created_at, finished_at`

// insertAttempts bounds the insert/select loop when the row vanishes between the two.
const insertAttempts = 3

func scanExportJob(row rowScanner) (ExportJob, error) {
	var (
		job    ExportJob
		kind   sql.NullString
		status string
	)
	err := row.Scan(
		&job.ID, &job.Fingerprint, &job.FileFormat, &job.AuthorID, &job.EntityID, &kind,
		&job.DateFrom, &job.DateTo, &status, &job.ArtifactKey, &job.Error, &job.CreatedAt, &job.FinishedAt,
	)
	if err != nil {
		return ExportJob{}, err
	}
	if kind.Valid {
		k := entity.Kind(kind.String)
		job.EntityKind = &k
	}
	job.Status = ExportStatus(status)
	return job, nil
}

func scanExportJobs(rows *sql.Rows) ([]ExportJob, error) {
	defer rows.Close()
	jobs := make([]ExportJob, 0)
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export jobs: %w", err)
	}
	return jobs, nil
}

// InsertExportJobIfAbsent creates a pending job unless one with the same
// fingerprint exists, in which case that job is returned with created=false.
// The unique constraint on fingerprint arbitrates concurrent callers.
func (s *PostgresStore) InsertExportJobIfAbsent(ctx context.Context, job ExportJob) (ExportJob, bool, error) {
	var kind *string
	if job.EntityKind != nil {
		k := string(*job.EntityKind)
		kind = &k
	}

	for attempt := 0; attempt < insertAttempts; attempt++ {
		inserted, err := scanExportJob(s.db.QueryRowContext(ctx, `
			INSERT INTO export_jobs (fingerprint, file_format, author_id, entity_id, entity_kind, date_from, date_to)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (fingerprint) DO NOTHING
			RETURNING `+exportJobColumns,
			job.Fingerprint, job.FileFormat, job.AuthorID, job.EntityID, kind, job.DateFrom, job.DateTo))
		if err == nil {
			return inserted, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ExportJob{}, false, fmt.Errorf("insert export job: %w", err)
		}

		existing, err := s.GetExportJobByFingerprint(ctx, job.Fingerprint)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return ExportJob{}, false, err
		}
		// Swept between the insert and the select; try again.
	}
	return ExportJob{}, false, fmt.Errorf("insert export job: fingerprint %s kept vanishing", job.Fingerprint)
}

func (s *PostgresStore) GetExportJob(ctx context.Context, id int64) (ExportJob, error) {
	job, err := scanExportJob(s.db.QueryRowContext(ctx, `SELECT `+exportJobColumns+` FROM export_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ExportJob{}, ErrNotFound
	}
	if err != nil {
		return ExportJob{}, fmt.Errorf("get export job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetExportJobByFingerprint(ctx context.Context, fingerprint string) (ExportJob, error) {
	job, err := scanExportJob(s.db.QueryRowContext(ctx, `SELECT `+exportJobColumns+` FROM export_jobs WHERE fingerprint=$1`, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return ExportJob{}, ErrNotFound
	}
	if err != nil {
		return ExportJob{}, fmt.Errorf("get export job by fingerprint: %w", err)
	}
	return job, nil
}

// MarkExportJobReady attaches the artifact. It reports false when the job is
// gone or no longer pending, and the caller owns the orphaned artifact.
func (s *PostgresStore) MarkExportJobReady(ctx context.Context, id int64, artifactKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status='ready', artifact_key=$2, finished_at=NOW()
		WHERE id=$1 AND status='pending'
	`, id, artifactKey)
	if err != nil {
		return false, fmt.Errorf("mark export job ready: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) MarkExportJobFailed(ctx context.Context, id int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status='failed', error=$2, finished_at=NOW()
		WHERE id=$1 AND status='pending'
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark export job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ConsumeExportJob locks the job, hands it to fn and deletes it when fn
// succeeds. An error from fn leaves the job in place. Cleanup blocks on the
// row lock, so a job is never swept while it is being consumed.
func (s *PostgresStore) ConsumeExportJob(ctx context.Context, id int64, fn func(ExportJob) error) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		job, err := scanExportJob(tx.QueryRowContext(ctx, `SELECT `+exportJobColumns+` FROM export_jobs WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock export job: %w", err)
		}
		if err := fn(job); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM export_jobs WHERE id=$1`, id); err != nil {
			return fmt.Errorf("delete export job: %w", err)
		}
		return nil
	})
}

// DeleteExpiredExportJobs removes every job created before cutoff and returns
// them so their artifacts can be dropped.
func (s *PostgresStore) DeleteExpiredExportJobs(ctx context.Context, cutoff time.Time) ([]ExportJob, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM export_jobs WHERE created_at < $1 RETURNING `+exportJobColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete expired export jobs: %w", err)
	}
	return scanExportJobs(rows)
}

// ListPendingExportJobs returns pending jobs created at or after since, oldest first.
func (s *PostgresStore) ListPendingExportJobs(ctx context.Context, since time.Time) ([]ExportJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+exportJobColumns+`
		FROM export_jobs
		WHERE status='pending' AND created_at >= $1
		ORDER BY created_at, id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list pending export jobs: %w", err)
	}
	return scanExportJobs(rows)
}
