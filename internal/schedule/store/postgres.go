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
	exportmodels "activitylog/internal/export/models"
	"activitylog/internal/schedule/models"
	"activitylog/pkg/platform/sentinel"
)

// PostgresStore persists reports in scheduled_reports.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reportColumns = `id, name, schedule_type, time_of_day, schedule_day, recipients, format,
	filter, active, last_run, next_run, owner, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r models.Report) error {
	filter, err := json.Marshal(r.Filter)
	if err != nil {
		return fmt.Errorf("marshal report filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_reports (id, name, schedule_type, time_of_day, schedule_day,
			recipients, format, filter, active, last_run, next_run, owner, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.Name, string(r.ScheduleType), r.TimeOfDay, nullDay(r.ScheduleDay),
		pq.Array(r.Recipients), string(r.Format), filter, r.Active, r.LastRun, r.NextRun.UTC(),
		r.Owner, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (models.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM scheduled_reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Report{}, fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) List(ctx context.Context) ([]models.Report, error) {
	return s.query(ctx, `SELECT `+reportColumns+` FROM scheduled_reports ORDER BY created_at`)
}

func (s *PostgresStore) Update(ctx context.Context, r models.Report) error {
	filter, err := json.Marshal(r.Filter)
	if err != nil {
		return fmt.Errorf("marshal report filter: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_reports
		SET name = $2, schedule_type = $3, time_of_day = $4, schedule_day = $5, recipients = $6,
			format = $7, filter = $8, active = $9, next_run = $10, updated_at = $11
		WHERE id = $1`,
		r.ID, r.Name, string(r.ScheduleType), r.TimeOfDay, nullDay(r.ScheduleDay),
		pq.Array(r.Recipients), string(r.Format), filter, r.Active, r.NextRun.UTC(), r.UpdatedAt.UTC(),
	)
	return affected(res, err, r.ID, "update report")
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_reports WHERE id = $1`, id)
	return affected(res, err, id, "delete report")
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time) ([]models.Report, error) {
	return s.query(ctx, `SELECT `+reportColumns+` FROM scheduled_reports
		WHERE active AND next_run <= $1 ORDER BY next_run`, now.UTC())
}

func (s *PostgresStore) Reschedule(ctx context.Context, id uuid.UUID, next time.Time, lastRun *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_reports SET next_run = $2, last_run = COALESCE($3, last_run)
		WHERE id = $1`, id, next.UTC(), lastRun)
	return affected(res, err, id, "reschedule report")
}

func (s *PostgresStore) MarkRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_reports SET last_run = $2 WHERE id = $1`, id, at.UTC())
	return affected(res, err, id, "mark report run")
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]models.Report, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	var out []models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (models.Report, error) {
	var (
		r                    models.Report
		scheduleType, format string
		day                  sql.NullInt16
		recipients           pq.StringArray
		filter               []byte
		lastRun              sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Name, &scheduleType, &r.TimeOfDay, &day, &recipients, &format,
		&filter, &r.Active, &lastRun, &r.NextRun, &r.Owner, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Report{}, err
		}
		return models.Report{}, fmt.Errorf("scan report: %w", err)
	}
	if len(filter) > 0 {
		var f activity.Filter
		if err := json.Unmarshal(filter, &f); err != nil {
			return models.Report{}, fmt.Errorf("decode report filter: %w", err)
		}
		r.Filter = f
	}
	r.ScheduleType = models.ScheduleType(scheduleType)
	r.Format = exportmodels.Format(format)
	r.Recipients = []string(recipients)
	if day.Valid {
		d := int(day.Int16)
		r.ScheduleDay = &d
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		r.LastRun = &t
	}
	r.NextRun = r.NextRun.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func nullDay(d *int) sql.NullInt16 {
	if d == nil {
		return sql.NullInt16{}
	}
	return sql.NullInt16{Int16: int16(*d), Valid: true}
}

func affected(res sql.Result, err error, id uuid.UUID, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}
