package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrKeyTaken is returned by stores when the idempotency key is already held
	// by another transaction. Storage uniqueness is the final backstop behind
	// the idempotency guard lookup.
	ErrKeyTaken = errors.New("idempotency key already recorded")

	// ErrNotFound indicates the requested transaction does not exist.
	ErrNotFound = errors.New("transaction not found")

	// ErrNotPending is returned when resolving a transaction that already reached
	// a terminal status.
	ErrNotPending = errors.New("transaction is not pending")

	// ErrAtomicUnavailable is returned by ProbeAtomic when the backend cannot run
	// the single-unit apply path.
	ErrAtomicUnavailable = errors.New("atomic apply unavailable")
)

// Kind classifies a wallet transaction.
type Kind string

const (
	KindReload   Kind = "reload"
	KindPurchase Kind = "purchase"
)

// Status is the lifecycle state of a transaction. Only pending -> completed and
// pending -> failed transitions exist.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Resolution reports what reconciliation did with a stale pending transaction.
type Resolution string

const (
	ResolutionCompleted    Resolution = "completed"
	ResolutionFailed       Resolution = "failed"
	ResolutionInconsistent Resolution = "inconsistent"
	ResolutionSkipped      Resolution = "skipped"
	// ResolutionDeferred leaves the row pending because other pending rows on
	// the account make the balance movement ambiguous.
	ResolutionDeferred Resolution = "deferred"
)

// Transaction is a single entry of the append-only wallet log. Amount is signed:
// reloads are positive, purchases negative.
type Transaction struct {
	ID             string
	AccountID      string
	Kind           Kind
	Amount         decimal.Decimal
	Status         Status
	IdempotencyKey string
	BalanceAfter   decimal.NullDecimal
	Description    string
	ReferenceType  string
	ReferenceID    string
	CreatedAt      time.Time
}

// Bounds are the limits an atomic store re-checks against the locked balance.
type Bounds struct {
	MaxBalance decimal.Decimal
	// DailyLimit is only set for reloads.
	DailyLimit decimal.NullDecimal
	DayStart   time.Time
}

// SumQuery selects the transactions whose amounts are summed. A zero Since
// covers the whole history and an empty Kind covers both kinds.
type SumQuery struct {
	AccountID string
	Kind      Kind
	Since     time.Time
	Statuses  []Status
	ExcludeID string
}

// Store is the persistence contract shared by every backend: the balance row
// plus the transaction log.
type Store interface {
	EnsureAccount(ctx context.Context, accountID string) error
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// CompareAndSwapBalance writes next only if the stored balance still equals
	// expected. It reports false when another writer won.
	CompareAndSwapBalance(ctx context.Context, accountID string, expected, next decimal.Decimal) (bool, error)

	InsertPending(ctx context.Context, tx Transaction) error
	Complete(ctx context.Context, id string, balanceAfter decimal.Decimal) error
	// Fail marks the transaction failed and releases its idempotency key.
	Fail(ctx context.Context, id string) error
	FindByKey(ctx context.Context, key string) (Transaction, error)
	ListCompleted(ctx context.Context, accountID string, limit, offset int) ([]Transaction, error)
	Sum(ctx context.Context, q SumQuery) (decimal.Decimal, error)

	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Transaction, error)
	Reconcile(ctx context.Context, id string) (Resolution, error)
}

// AtomicStore is implemented by backends that can lock the balance, validate,
// write it and append the completed transaction as one unit.
type AtomicStore interface {
	ProbeAtomic(ctx context.Context) error
	ApplyAtomic(ctx context.Context, tx Transaction, b Bounds) (Transaction, error)
}

func hasStatus(statuses []Status, s Status) bool {
	if len(statuses) == 0 {
		return s == StatusCompleted
	}
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// resolve applies the reconciliation rule for a stale pending transaction given
// the locked balance, the sum of completed amounts and the number of other
// pending rows on the account. Any other pending row may already have moved
// the balance, so the outcome is only decided when the row is alone.
func resolve(balance, completedSum, amount decimal.Decimal, otherPending int) Resolution {
	switch {
	case otherPending > 0:
		return ResolutionDeferred
	case balance.Equal(completedSum.Add(amount)):
		return ResolutionCompleted
	case balance.Equal(completedSum):
		return ResolutionFailed
	default:
		return ResolutionInconsistent
	}
}
