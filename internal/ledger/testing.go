package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that credits an account through a completed
// reload dated two days back, so the balance stays derivable from the log
// without counting against today's reload cap.
func SeedBalance(s *MemoryStore, accountID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.balances[accountID].Add(amount)
	s.balances[accountID] = next
	id := uuid.NewString()
	s.txs[id] = &Transaction{
		ID:             id,
		AccountID:      accountID,
		Kind:           KindReload,
		Amount:         amount,
		Status:         StatusCompleted,
		IdempotencyKey: "seed-" + id,
		BalanceAfter:   decimal.NewNullDecimal(next),
		Description:    "seed",
		CreatedAt:      s.now().Add(-48 * time.Hour),
	}
	s.keys["seed-"+id] = id
	s.order = append([]string{id}, s.order...)
}
