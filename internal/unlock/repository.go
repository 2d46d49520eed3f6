package unlock

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRestrictions keeps restriction flags in account_restrictions.
type PostgresRestrictions struct {
	db *pgxpool.Pool
}

func NewPostgresRestrictions(db *pgxpool.Pool) *PostgresRestrictions {
	return &PostgresRestrictions{db: db}
}

func (r *PostgresRestrictions) IsRestricted(ctx context.Context, accountID string) (bool, error) {
	var restricted bool
	err := r.db.QueryRow(ctx, `SELECT restricted FROM account_restrictions WHERE account_id = $1`, accountID).Scan(&restricted)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	return restricted, err
}

// Lift is a single conditional upsert; only the call that flips the flag gets
// a row back.
func (r *PostgresRestrictions) Lift(ctx context.Context, accountID string) (bool, error) {
	var id string
	err := r.db.QueryRow(ctx, `INSERT INTO account_restrictions (account_id, restricted, lifted_at)
        VALUES ($1, FALSE, now())
        ON CONFLICT (account_id) DO UPDATE SET restricted = FALSE, lifted_at = now()
        WHERE account_restrictions.restricted
        RETURNING account_id`, accountID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type memoryRestrictions struct {
	mu     sync.Mutex
	lifted map[string]bool
}

// NewMemoryRestrictions returns a concurrency-safe in-memory implementation.
func NewMemoryRestrictions() Restrictions {
	return &memoryRestrictions{lifted: make(map[string]bool)}
}

func (r *memoryRestrictions) IsRestricted(_ context.Context, accountID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lifted[accountID], nil
}

func (r *memoryRestrictions) Lift(_ context.Context, accountID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lifted[accountID] {
		return false, nil
	}
	r.lifted[accountID] = true
	return true, nil
}
