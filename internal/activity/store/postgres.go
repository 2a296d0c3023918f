package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"activitylog/internal/activity/chain"
	"activitylog/internal/activity/models"
	"activitylog/internal/fieldcrypt"
	"activitylog/pkg/platform/sentinel"
	txcontext "activitylog/pkg/platform/tx"
)

// PostgresStore persists events in activity_events. Migrations install
// triggers that reject UPDATE of anything but reviewed and every DELETE.
type PostgresStore struct {
	db    *sql.DB
	codec *fieldcrypt.Codec
	opts  options
}

// NewPostgres constructs a PostgreSQL-backed event store.
func NewPostgres(db *sql.DB, codec *fieldcrypt.Codec, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, codec: codec, opts: buildOptions(opts)}
}

const eventColumns = `seq, id, tenant_id, occurred_at, actor_id, actor_role, verb, target_type,
	target_id, source, context, hash, prev_hash, request_id, reviewed, created_at`

const (
	pqUniqueViolation   = "23505"
	pqRestrictViolation = "23001"
)

// Append runs idempotency lookup, tail read and insert in one transaction
// holding the tenant's advisory lock.
func (s *PostgresStore) Append(ctx context.Context, e models.Event) (models.AppendResult, error) {
	start := time.Now()
	stored, err := prepare(s.codec, e)
	if err != nil {
		return models.AppendResult{}, err
	}
	ctxJSON, err := json.Marshal(stored.Context)
	if err != nil {
		return models.AppendResult{}, fmt.Errorf("marshal context: %w", err)
	}

	var res models.AppendResult
	err = txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, stored.TenantID); err != nil {
			return fmt.Errorf("lock tenant chain: %w", err)
		}

		if stored.RequestID != nil {
			existing, found, err := lookupRequest(ctx, tx, stored.TenantID, *stored.RequestID)
			if err != nil {
				return err
			}
			if found {
				res = models.AppendResult{ID: existing, Deduplicated: true}
				return nil
			}
		}

		var tail sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT hash FROM activity_events WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`,
			stored.TenantID,
		).Scan(&tail)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chain tail: %w", err)
		}
		if tail.Valid {
			prev := tail.String
			stored.PrevHash = &prev
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO activity_events (
				id, tenant_id, occurred_at, actor_id, actor_role, verb, target_type,
				target_id, source, context, severity, tags, hash, prev_hash, request_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::json, $11, $12, $13, $14, $15)`,
			stored.ID,
			stored.TenantID,
			stored.Timestamp,
			stored.Actor.ID,
			string(stored.Actor.Role),
			string(stored.Verb),
			stored.Target.Type,
			stored.Target.ID,
			string(stored.Source),
			string(ctxJSON),
			nullString(stored.Context.Severity),
			pq.Array(nonNil(stored.Context.Tags)),
			stored.Hash,
			stored.PrevHash,
			stored.RequestID,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		res = models.AppendResult{ID: stored.ID}
		return nil
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation && stored.RequestID != nil {
			// Only reachable if the advisory lock was bypassed by another writer.
			existing, found, lerr := lookupRequest(ctx, s.db, stored.TenantID, *stored.RequestID)
			if lerr == nil && found {
				res = models.AppendResult{ID: existing, Deduplicated: true}
				s.opts.observeAppend(start, stored, res)
				return res, nil
			}
		}
		return models.AppendResult{}, err
	}
	s.opts.observeAppend(start, stored, res)
	return res, nil
}

func lookupRequest(ctx context.Context, q txcontext.Executor, tenantID, requestID string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := q.QueryRowContext(ctx,
		`SELECT id FROM activity_events WHERE tenant_id = $1 AND request_id = $2`,
		tenantID, requestID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup request id: %w", err)
	}
	return id, true, nil
}

// Verify walks the tenant's chain by seq, decrypting each context.
func (s *PostgresStore) Verify(ctx context.Context, tenantID string) (models.VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM activity_events WHERE tenant_id = $1 ORDER BY seq`, tenantID)
	if err != nil {
		return models.VerifyResult{}, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	v := chain.NewVerifier(tenantID)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return models.VerifyResult{}, err
		}
		e.Context = s.codec.DecryptContext(e.Context)
		ok, err := v.Check(&e)
		if err != nil {
			return models.VerifyResult{}, err
		}
		if !ok {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return models.VerifyResult{}, fmt.Errorf("iterate chain: %w", err)
	}
	res := v.Result()
	s.opts.observeVerify(res)
	return res, nil
}

// SetReviewed flips the only mutable column.
func (s *PostgresStore) SetReviewed(ctx context.Context, id uuid.UUID, reviewed bool) error {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`UPDATE activity_events SET reviewed = $2 WHERE id = $1`, id, reviewed)
	if err != nil {
		return s.mapWriteErr(id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set reviewed: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Mutate applies a patch that may only touch reviewed.
func (s *PostgresStore) Mutate(ctx context.Context, id uuid.UUID, patch models.Patch) error {
	if err := checkPatch(id, patch); err != nil {
		s.opts.denied()
		return err
	}
	if patch.Reviewed == nil {
		return nil
	}
	return s.SetReviewed(ctx, id, *patch.Reviewed)
}

// Delete always fails; the table trigger refuses it too.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.opts.denied()
	return immutable(id, "delete")
}

func (s *PostgresStore) mapWriteErr(id uuid.UUID, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqRestrictViolation {
		s.opts.denied()
		return immutable(id, pqErr.Message)
	}
	return fmt.Errorf("write event %s: %w", id, err)
}

// Get returns the stored (encrypted) event.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM activity_events WHERE id = $1`, id)
	if err != nil {
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.Event{}, fmt.Errorf("get event: %w", err)
		}
		return models.Event{}, sentinel.ErrNotFound
	}
	return scanEvent(rows)
}

// Query returns one page ordered by occurred_at then id, newest first.
func (s *PostgresStore) Query(ctx context.Context, f models.Filter, page models.Page) ([]models.Event, error) {
	page = page.Clamp()
	where, args := buildWhere(f)
	args = append(args, page.Limit, page.Offset)
	query := `SELECT ` + eventColumns + ` FROM activity_events` + where +
		` ORDER BY occurred_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	return s.queryEvents(ctx, query, args...)
}

// Stream pages through matches with a (occurred_at, id) keyset.
func (s *PostgresStore) Stream(ctx context.Context, f models.Filter, batchSize int, fn func([]models.Event) error) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var cursor *models.Cursor
	for {
		where, args := buildWhere(f)
		if cursor != nil {
			args = append(args, cursor.Timestamp, cursor.ID)
			where = andClause(where, fmt.Sprintf("(occurred_at, id) < ($%d, $%d)", len(args)-1, len(args)))
		}
		args = append(args, batchSize)
		query := `SELECT ` + eventColumns + ` FROM activity_events` + where +
			` ORDER BY occurred_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

		batch, err := s.queryEvents(ctx, query, args...)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		last := batch[len(batch)-1]
		cursor = &models.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
}

// Count returns the number of matching events.
func (s *PostgresStore) Count(ctx context.Context, f models.Filter) (int64, error) {
	where, args := buildWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM activity_events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Tenants lists every tenant with at least one event.
func (s *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM activity_events ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountOlderThan counts events before cutoff per tenant.
func (s *PostgresStore) CountOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, count(*) FROM activity_events WHERE occurred_at < $1 GROUP BY tenant_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("count old events: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := make([]models.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func buildWhere(f models.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if len(f.TenantIDs) > 0 {
		add("tenant_id = ANY(?)", pq.Array(f.TenantIDs.Strings()))
	}
	if len(f.Verbs) > 0 {
		add("verb = ANY(?)", pq.Array(f.Verbs.Strings()))
	}
	if len(f.TargetTypes) > 0 {
		add("target_type = ANY(?)", pq.Array(f.TargetTypes.Strings()))
	}
	if len(f.TargetIDs) > 0 {
		add("target_id = ANY(?)", pq.Array(f.TargetIDs.Strings()))
	}
	if len(f.ActorIDs) > 0 {
		add("actor_id = ANY(?)", pq.Array(f.ActorIDs.Strings()))
	}
	if len(f.Roles) > 0 {
		add("actor_role = ANY(?)", pq.Array(f.Roles.Strings()))
	}
	if len(f.Sources) > 0 {
		add("source = ANY(?)", pq.Array(f.Sources.Strings()))
	}
	if len(f.Severities) > 0 {
		add("severity = ANY(?)", pq.Array(f.Severities.Strings()))
	}
	if len(f.Tags) > 0 {
		add("tags && ?", pq.Array(f.Tags.Strings()))
	}
	if f.From != nil {
		add("occurred_at >= ?", *f.From)
	}
	if f.To != nil {
		add("occurred_at <= ?", *f.To)
	}
	if f.Reviewed != nil {
		add("reviewed = ?", *f.Reviewed)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func andClause(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.Event, error) {
	var (
		e         models.Event
		actorID   sql.NullString
		role      string
		verb      string
		source    string
		ctxJSON   []byte
		prevHash  sql.NullString
		requestID sql.NullString
	)
	err := row.Scan(&e.Seq, &e.ID, &e.TenantID, &e.Timestamp, &actorID, &role, &verb,
		&e.Target.Type, &e.Target.ID, &source, &ctxJSON, &e.Hash, &prevHash, &requestID,
		&e.Reviewed, &e.CreatedAt)
	if err != nil {
		return models.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.Actor.Role = models.Role(role)
	e.Verb = models.Verb(verb)
	e.Source = models.Source(source)
	if actorID.Valid {
		v := actorID.String
		e.Actor.ID = &v
	}
	if prevHash.Valid {
		v := prevHash.String
		e.PrevHash = &v
	}
	if requestID.Valid {
		v := requestID.String
		e.RequestID = &v
	}
	if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
		return models.Event{}, fmt.Errorf("decode context of %s: %w", e.ID, err)
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
