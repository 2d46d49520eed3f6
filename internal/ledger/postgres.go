package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation   = "23505"
	pgInsufficientFunds = "WL001"
	pgMaxBalance        = "WL002"
	pgDailyLimit        = "WL003"

	applyProcedureSignature = "wallet_apply_operation(uuid,text,text,numeric,text,text,text,text,numeric,numeric,timestamptz)"
)

const transactionColumns = `id::text, account_id, kind, amount::text, status,
        COALESCE(idempotency_key, requested_key), balance_after::text, description,
        COALESCE(reference_type, ''), COALESCE(reference_id, ''), created_at`

// PostgresStore persists balances and the transaction log in PostgreSQL.
// Amounts cross the driver boundary as text to keep NUMERIC precision exact.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureAccount guarantees a zero balance row exists for the account.
func (s *PostgresStore) EnsureAccount(ctx context.Context, accountID string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO wallet_accounts (account_id) VALUES ($1)
        ON CONFLICT (account_id) DO NOTHING`, accountID)
	return err
}

// Balance returns the stored balance, zero for unknown accounts.
func (s *PostgresStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRow(ctx, `SELECT balance::text FROM wallet_accounts WHERE account_id = $1`, accountID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (s *PostgresStore) CompareAndSwapBalance(ctx context.Context, accountID string, expected, next decimal.Decimal) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE wallet_accounts
        SET balance = $3::numeric, updated_at = now()
        WHERE account_id = $1 AND balance = $2::numeric`,
		accountID, expected.String(), next.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertPending(ctx context.Context, tx Transaction) error {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return fmt.Errorf("parse transaction id: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO wallet_transactions
        (id, account_id, kind, amount, status, idempotency_key, requested_key, description, reference_type, reference_id)
        VALUES ($1, $2, $3, $4::numeric, 'pending', $5, $5, $6, NULLIF($7, ''), NULLIF($8, ''))`,
		id, tx.AccountID, string(tx.Kind), tx.Amount.String(), tx.IdempotencyKey,
		tx.Description, tx.ReferenceType, tx.ReferenceID)
	if isUniqueViolation(err) {
		return ErrKeyTaken
	}
	return err
}

func (s *PostgresStore) Complete(ctx context.Context, id string, balanceAfter decimal.Decimal) error {
	tag, err := s.db.Exec(ctx, `UPDATE wallet_transactions
        SET status = 'completed', balance_after = $2::numeric, resolved_at = now()
        WHERE id = $1::uuid AND status = 'pending'`, id, balanceAfter.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string) error {
	return failTransaction(ctx, s.db, id)
}

func (s *PostgresStore) FindByKey(ctx context.Context, key string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+`
        FROM wallet_transactions WHERE idempotency_key = $1`, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return tx, err
}

// ListCompleted returns completed transactions newest first.
func (s *PostgresStore) ListCompleted(ctx context.Context, accountID string, limit, offset int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+`
        FROM wallet_transactions
        WHERE account_id = $1 AND status = 'completed'
        ORDER BY created_at DESC, seq DESC
        LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) Sum(ctx context.Context, q SumQuery) (decimal.Decimal, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, st := range q.Statuses {
		statuses = append(statuses, string(st))
	}
	if len(statuses) == 0 {
		statuses = append(statuses, string(StatusCompleted))
	}
	var raw string
	err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text
        FROM wallet_transactions
        WHERE account_id = $1
          AND status = ANY($2::text[])
          AND ($3::text = '' OR kind = $3::text)
          AND ($4::timestamptz IS NULL OR created_at >= $4::timestamptz)
          AND ($5::text = '' OR id::text <> $5::text)`,
		q.AccountID, statuses, string(q.Kind), nullableTime(q.Since), q.ExcludeID).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+`
        FROM wallet_transactions
        WHERE status = 'pending' AND created_at <= $1
        ORDER BY created_at
        LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// Reconcile resolves a stale pending transaction while holding the account row
// lock, so no atomic apply or CAS write can interleave with the decision.
func (s *PostgresStore) Reconcile(ctx context.Context, id string) (Resolution, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var accountID, status, rawAmount string
	err = tx.QueryRow(ctx, `SELECT account_id, status, amount::text
        FROM wallet_transactions WHERE id = $1::uuid FOR UPDATE`, id).Scan(&accountID, &status, &rawAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if Status(status) != StatusPending {
		return ResolutionSkipped, nil
	}

	var (
		rawBalance, rawCompleted string
		otherPending             int
	)
	if err := tx.QueryRow(ctx, `SELECT balance::text FROM wallet_accounts
        WHERE account_id = $1 FOR UPDATE`, accountID).Scan(&rawBalance); err != nil {
		return "", err
	}
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM wallet_transactions
        WHERE account_id = $1 AND status = 'completed'`, accountID).Scan(&rawCompleted); err != nil {
		return "", err
	}
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM wallet_transactions
        WHERE account_id = $1 AND status = 'pending' AND id <> $2::uuid`, accountID, id).Scan(&otherPending); err != nil {
		return "", err
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return "", err
	}
	balance, err := decimal.NewFromString(rawBalance)
	if err != nil {
		return "", err
	}
	completed, err := decimal.NewFromString(rawCompleted)
	if err != nil {
		return "", err
	}

	res := resolve(balance, completed, amount, otherPending)
	switch res {
	case ResolutionCompleted:
		if _, err := tx.Exec(ctx, `UPDATE wallet_transactions
            SET status = 'completed', balance_after = $2::numeric, resolved_at = now()
            WHERE id = $1::uuid`, id, balance.String()); err != nil {
			return "", err
		}
	case ResolutionFailed:
		if err := failTransaction(ctx, tx, id); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return res, nil
}

// ProbeAtomic checks that the apply procedure is installed.
func (s *PostgresStore) ProbeAtomic(ctx context.Context) error {
	var installed bool
	if err := s.db.QueryRow(ctx, `SELECT to_regprocedure($1) IS NOT NULL`, applyProcedureSignature).Scan(&installed); err != nil {
		return fmt.Errorf("probe apply procedure: %w", err)
	}
	if !installed {
		return ErrAtomicUnavailable
	}
	return nil
}

// ApplyAtomic runs the whole operation inside wallet_apply_operation.
func (s *PostgresStore) ApplyAtomic(ctx context.Context, tx Transaction, b Bounds) (Transaction, error) {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse transaction id: %w", err)
	}
	var dailyLimit any
	if b.DailyLimit.Valid {
		dailyLimit = b.DailyLimit.Decimal.String()
	}

	var raw string
	err = s.db.QueryRow(ctx, `SELECT wallet_apply_operation(
            $1, $2, $3, $4::numeric, $5, $6, NULLIF($7, ''), NULLIF($8, ''),
            $9::numeric, $10::numeric, $11::timestamptz)::text`,
		id, tx.AccountID, string(tx.Kind), tx.Amount.String(), tx.IdempotencyKey, tx.Description,
		tx.ReferenceType, tx.ReferenceID, b.MaxBalance.String(), dailyLimit, b.DayStart).Scan(&raw)
	if err != nil {
		return Transaction{}, applyError(err)
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return Transaction{}, err
	}
	tx.Status = StatusCompleted
	tx.BalanceAfter = decimal.NewNullDecimal(balance)
	tx.CreatedAt = time.Now()
	return tx, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func failTransaction(ctx context.Context, db execer, id string) error {
	tag, err := db.Exec(ctx, `UPDATE wallet_transactions
        SET status = 'failed', idempotency_key = NULL, resolved_at = now()
        WHERE id = $1::uuid AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func applyError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return ErrKeyTaken
	case pgInsufficientFunds:
		return LimitExceeded(LimitInsufficientFunds, "insufficient funds")
	case pgMaxBalance:
		return LimitExceeded(LimitMaxBalance, "maximum wallet balance exceeded")
	case pgDailyLimit:
		remaining, parseErr := decimal.NewFromString(pgErr.Detail)
		if parseErr != nil {
			remaining = decimal.Zero
		}
		return DailyLimitExceeded(remaining)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx                      Transaction
		kind, status, rawAmount string
		rawBalance              *string
	)
	if err := row.Scan(&tx.ID, &tx.AccountID, &kind, &rawAmount, &status, &tx.IdempotencyKey,
		&rawBalance, &tx.Description, &tx.ReferenceType, &tx.ReferenceID, &tx.CreatedAt); err != nil {
		return Transaction{}, err
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return Transaction{}, err
	}
	tx.Kind = Kind(kind)
	tx.Status = Status(status)
	tx.Amount = amount
	if rawBalance != nil {
		balance, err := decimal.NewFromString(*rawBalance)
		if err != nil {
			return Transaction{}, err
		}
		tx.BalanceAfter = decimal.NewNullDecimal(balance)
	}
	return tx, nil
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
