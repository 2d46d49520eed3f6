package wallet

import (
	"context"
	"errors"

	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
)

// KeyLookup finds a transaction by its active idempotency key.
type KeyLookup interface {
	FindByKey(ctx context.Context, key string) (ledger.Transaction, error)
}

// IdempotencyGuard rejects keys that already belong to a completed or in-flight
// transaction. Failed transactions release their key and never block.
type IdempotencyGuard struct {
	log KeyLookup
}

func NewIdempotencyGuard(log KeyLookup) IdempotencyGuard {
	return IdempotencyGuard{log: log}
}

// Check returns DuplicateOperation for completed keys, OperationInProgress for
// pending keys and nil when the key is free.
func (g IdempotencyGuard) Check(ctx context.Context, key string) error {
	tx, err := g.log.FindByKey(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return ledger.Storage("lookup idempotency key", err)
	}
	switch tx.Status {
	case ledger.StatusCompleted:
		return ledger.Duplicate(key)
	case ledger.StatusPending:
		return ledger.InProgress("an operation with this idempotency key is still in progress")
	}
	return nil
}

// Resolve classifies a lost race on the storage uniqueness constraint. A key
// that vanished in between belonged to an attempt that just failed, so the
// caller is told to retry.
func (g IdempotencyGuard) Resolve(ctx context.Context, key string) error {
	if err := g.Check(ctx, key); err != nil {
		return err
	}
	return ledger.InProgress("an operation with this idempotency key was resolving, retry")
}
