package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"activitylog/internal/fieldcrypt"
	"activitylog/pkg/platform/sentinel"
)

// PostgresStore persists keys in ingestion_keys with the secret sealed by
// the field codec.
type PostgresStore struct {
	db    *sql.DB
	codec *fieldcrypt.Codec
}

func NewPostgres(db *sql.DB, codec *fieldcrypt.Codec) *PostgresStore {
	return &PostgresStore{db: db, codec: codec}
}

func (s *PostgresStore) Create(ctx context.Context, k Key) error {
	sealed, err := s.codec.EncryptString(k.Secret)
	if err != nil {
		return fmt.Errorf("seal key secret: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingestion_keys (id, name, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		k.ID, k.Name, sealed, k.Active, k.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("key %s: %w", k.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert ingestion key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, secret, active, created_at, last_used_at
		FROM ingestion_keys WHERE id = $1`, id)
	k, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, fmt.Errorf("key %s: %w", id, sentinel.ErrNotFound)
	}
	return k, err
}

func (s *PostgresStore) List(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, secret, active, created_at, last_used_at
		FROM ingestion_keys ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list ingestion keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		k, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		// Listings never carry the secret.
		k.Secret = ""
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	return s.update(ctx, id, `UPDATE ingestion_keys SET active = FALSE WHERE id = $1`, id)
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, `UPDATE ingestion_keys SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
}

func (s *PostgresStore) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update ingestion key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ingestion key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("key %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scan(row scanner) (Key, error) {
	var (
		k        Key
		lastUsed sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.Name, &k.Secret, &k.Active, &k.CreatedAt, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, err
		}
		return Key{}, fmt.Errorf("scan ingestion key: %w", err)
	}
	k.Secret = s.codec.DecryptString(k.Secret)
	k.CreatedAt = k.CreatedAt.UTC()
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		k.LastUsedAt = &t
	}
	return k, nil
}
