package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// AccountDirectory reports which accounts are currently inactive.
type AccountDirectory interface {
	Inactive(ctx context.Context, ids []string) (map[string]bool, error)
}

// InMemoryDirectory is a static directory for development and tests.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	inactive map[string]bool
}

func NewInMemoryDirectory(inactiveIDs ...string) *InMemoryDirectory {
	d := &InMemoryDirectory{inactive: make(map[string]bool)}
	for _, id := range inactiveIDs {
		d.inactive[id] = true
	}
	return d
}

// SetActive flips an account's state.
func (d *InMemoryDirectory) SetActive(id string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if active {
		delete(d.inactive, id)
		return
	}
	d.inactive[id] = true
}

func (d *InMemoryDirectory) Inactive(_ context.Context, ids []string) (map[string]bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if d.inactive[id] {
			out[id] = true
		}
	}
	return out, nil
}

// PostgresDirectory reads user_accounts. The table is owned by the identity
// system; this side never writes it.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Inactive(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, is_active, status FROM user_accounts WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query user accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, status string
			active     bool
		)
		if err := rows.Scan(&id, &active, &status); err != nil {
			return nil, fmt.Errorf("scan user account: %w", err)
		}
		if !active || strings.EqualFold(status, userStatusDormant) {
			out[id] = true
		}
	}
	return out, rows.Err()
}
