package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
)

const (
	StrategyAtomic = "atomic"
	StrategyCAS    = "cas"

	defaultCASRetries = 5
)

var errCASLost = errors.New("compare-and-swap lost")

// Strategy applies one validated transaction to the balance. Every
// implementation returns the completed transaction or a tagged error, and
// leaves no completed row behind on failure.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, tx ledger.Transaction, b ledger.Bounds) (ledger.Transaction, error)
}

// selectStrategy runs the capability probe once. force overrides it.
func selectStrategy(ctx context.Context, store ledger.Store, force string, casRetries int, logger *slog.Logger) (Strategy, error) {
	atomicStore, hasAtomic := store.(ledger.AtomicStore)
	cas := &casStrategy{store: store, maxRetries: casRetries, logger: logger}

	switch force {
	case StrategyCAS:
		return cas, nil
	case StrategyAtomic:
		if !hasAtomic {
			return nil, fmt.Errorf("store %T has no atomic apply path", store)
		}
		return atomicStrategy{store: atomicStore}, nil
	case "":
	default:
		return nil, fmt.Errorf("unknown wallet strategy %q", force)
	}

	if !hasAtomic {
		return cas, nil
	}
	if err := atomicStore.ProbeAtomic(ctx); err != nil {
		logger.Warn("atomic apply unavailable, using compare-and-swap", "error", err)
		return cas, nil
	}
	return atomicStrategy{store: atomicStore}, nil
}

// atomicStrategy delegates lock, validation, balance write and log insert to
// one storage-side unit.
type atomicStrategy struct {
	store ledger.AtomicStore
}

func (atomicStrategy) Name() string { return StrategyAtomic }

func (a atomicStrategy) Apply(ctx context.Context, tx ledger.Transaction, b ledger.Bounds) (ledger.Transaction, error) {
	return a.store.ApplyAtomic(ctx, tx, b)
}

// casStrategy is the three-phase fallback: insert pending, compare-and-swap
// the balance, then resolve the transaction.
type casStrategy struct {
	store      ledger.Store
	maxRetries int
	logger     *slog.Logger
}

func (*casStrategy) Name() string { return StrategyCAS }

func (c *casStrategy) Apply(ctx context.Context, tx ledger.Transaction, b ledger.Bounds) (ledger.Transaction, error) {
	if err := c.store.InsertPending(ctx, tx); err != nil {
		return ledger.Transaction{}, err
	}

	if b.DailyLimit.Valid {
		if err := c.checkReserved(ctx, tx, b); err != nil {
			c.fail(ctx, tx.ID)
			return ledger.Transaction{}, err
		}
	}

	var balanceAfter decimal.Decimal
	attempt := func() error {
		current, err := c.store.Balance(ctx, tx.AccountID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next := current.Add(tx.Amount)
		if next.IsNegative() {
			return backoff.Permanent(ledger.LimitExceeded(ledger.LimitInsufficientFunds, "insufficient funds"))
		}
		if next.GreaterThan(b.MaxBalance) {
			return backoff.Permanent(ledger.LimitExceeded(ledger.LimitMaxBalance, "maximum wallet balance exceeded"))
		}
		swapped, err := c.store.CompareAndSwapBalance(ctx, tx.AccountID, current, next)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !swapped {
			return errCASLost
		}
		balanceAfter = next
		return nil
	}

	if err := backoff.Retry(attempt, backoff.WithContext(c.backOff(), ctx)); err != nil {
		c.fail(ctx, tx.ID)
		if errors.Is(err, errCASLost) {
			c.logger.Warn("compare-and-swap retries exhausted",
				"account_id", tx.AccountID, "transaction_id", tx.ID, "attempts", c.maxRetries+1)
			return ledger.Transaction{}, ledger.Conflict(tx.ID)
		}
		return ledger.Transaction{}, err
	}

	// The balance already moved. A failure here leaves a pending row that the
	// reaper completes once it sees the balance includes the amount.
	if err := c.store.Complete(ctx, tx.ID, balanceAfter); err != nil {
		return ledger.Transaction{}, fmt.Errorf("complete transaction %s: %w", tx.ID, err)
	}

	tx.Status = ledger.StatusCompleted
	tx.BalanceAfter = decimal.NewNullDecimal(balanceAfter)
	return tx, nil
}

// checkReserved re-checks the daily cap counting other pending reloads, which
// the pre-insert check could not see. Overlapping reloads that only fit the
// cap one at a time may both be rejected. Remaining is reported from completed
// reloads so in-flight attempts of other callers do not shrink it.
func (c *casStrategy) checkReserved(ctx context.Context, tx ledger.Transaction, b ledger.Bounds) error {
	q := ledger.SumQuery{
		AccountID: tx.AccountID,
		Kind:      ledger.KindReload,
		Since:     b.DayStart,
		Statuses:  []ledger.Status{ledger.StatusPending, ledger.StatusCompleted},
		ExcludeID: tx.ID,
	}
	reserved, err := c.store.Sum(ctx, q)
	if err != nil {
		return err
	}
	if !reserved.Add(tx.Amount).GreaterThan(b.DailyLimit.Decimal) {
		return nil
	}
	q.Statuses = []ledger.Status{ledger.StatusCompleted}
	completed, err := c.store.Sum(ctx, q)
	if err != nil {
		return err
	}
	return ledger.DailyLimitExceeded(b.DailyLimit.Decimal.Sub(completed))
}

func (c *casStrategy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	retries := c.maxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

func (c *casStrategy) fail(ctx context.Context, id string) {
	if err := c.store.Fail(context.WithoutCancel(ctx), id); err != nil {
		c.logger.Error("mark transaction failed", "transaction_id", id, "error", err)
	}
}
