package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	activity "activitylog/internal/activity/models"
	"activitylog/internal/export/models"
	"activitylog/pkg/platform/sentinel"
)

// PostgresStore persists jobs in export_jobs.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, format, filter, fields, decrypt, status, output_ref, row_count,
	requested_by, scheduled_report_id, error, created_at, started_at, finished_at`

func (s *PostgresStore) Create(ctx context.Context, job models.Job) error {
	filter, err := json.Marshal(job.Filter)
	if err != nil {
		return fmt.Errorf("marshal export filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO export_jobs (id, format, filter, fields, decrypt, status, requested_by,
			scheduled_report_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, string(job.Format), filter, pq.Array(nonNil(job.Fields)), job.Decrypt,
		string(job.Status), job.RequestedBy, nullUUID(job.ScheduledReportID), job.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("export job %s: %w", job.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("export job %s: %w", id, sentinel.ErrNotFound)
	}
	return job, err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]models.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM export_jobs ORDER BY created_at DESC LIMIT $1`, clampLimit(limit))
}

func (s *PostgresStore) Start(ctx context.Context, id uuid.UUID, at time.Time) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE export_jobs SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, string(models.StatusRunning), at.UTC(), string(models.StatusPending))
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, err
	}
	// Distinguish a missing job from one that is no longer pending.
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return models.Job{}, getErr
	}
	return models.Job{}, fmt.Errorf("export job %s not pending: %w", id, sentinel.ErrInvalidState)
}

func (s *PostgresStore) Finish(ctx context.Context, job models.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = $2, output_ref = $3, row_count = $4, error = $5, finished_at = $6
		WHERE id = $1`,
		job.ID, string(job.Status), nullString(job.OutputRef), job.RowCount,
		nullString(job.Error), job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("finish export job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish export job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("export job %s: %w", job.ID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]models.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE status = $1 ORDER BY created_at`,
		string(models.StatusPending))
}

func (s *PostgresStore) RequeueStale(ctx context.Context, startedBefore time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE export_jobs SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3
		RETURNING id`,
		string(models.StatusPending), string(models.StatusRunning), startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("requeue stale export jobs: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan requeued job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query export jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                 models.Job
		format, status      string
		filter              []byte
		fields              pq.StringArray
		outputRef, errText  sql.NullString
		reportID            uuid.NullUUID
		startedAt, finished sql.NullTime
	)
	err := row.Scan(&job.ID, &format, &filter, &fields, &job.Decrypt, &status, &outputRef,
		&job.RowCount, &job.RequestedBy, &reportID, &errText, &job.CreatedAt, &startedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan export job: %w", err)
	}
	if len(filter) > 0 {
		var f activity.Filter
		if err := json.Unmarshal(filter, &f); err != nil {
			return models.Job{}, fmt.Errorf("decode export filter: %w", err)
		}
		job.Filter = f
	}
	job.Format = models.Format(format)
	job.Status = models.Status(status)
	job.Fields = []string(fields)
	job.OutputRef = outputRef.String
	job.Error = errText.String
	job.CreatedAt = job.CreatedAt.UTC()
	if reportID.Valid {
		id := reportID.UUID
		job.ScheduledReportID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
