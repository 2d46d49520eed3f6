package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is a concurrency-safe in-memory Store useful for unit tests and
// local development. It supports both the atomic and the compare-and-swap
// paths.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	txs      map[string]*Transaction
	keys     map[string]string
	order    []string
	atomic   bool
	now      func() time.Time
}

// NewInMemory creates an empty memory store.
func NewInMemory() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]decimal.Decimal),
		txs:      make(map[string]*Transaction),
		keys:     make(map[string]string),
		atomic:   true,
		now:      time.Now,
	}
}

// DisableAtomic makes ProbeAtomic fail so callers fall back to the CAS path.
func (s *MemoryStore) DisableAtomic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atomic = false
}

func (s *MemoryStore) EnsureAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.balances[accountID]; !exists {
		s.balances[accountID] = decimal.Zero
	}
	return nil
}

func (s *MemoryStore) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[accountID], nil
}

func (s *MemoryStore) CompareAndSwapBalance(_ context.Context, accountID string, expected, next decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.balances[accountID]
	if !exists || !current.Equal(expected) {
		return false, nil
	}
	s.balances[accountID] = next
	return true, nil
}

func (s *MemoryStore) InsertPending(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.keys[tx.IdempotencyKey]; taken {
		return ErrKeyTaken
	}
	tx.Status = StatusPending
	tx.BalanceAfter = decimal.NullDecimal{}
	s.insertLocked(tx)
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, balanceAfter decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != StatusPending {
		return ErrNotPending
	}
	tx.Status = StatusCompleted
	tx.BalanceAfter = decimal.NewNullDecimal(balanceAfter)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(id)
}

func (s *MemoryStore) FindByKey(_ context.Context, key string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[key]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *s.txs[id], nil
}

// ListCompleted returns completed transactions newest first.
func (s *MemoryStore) ListCompleted(_ context.Context, accountID string, limit, offset int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transaction, 0, limit)
	skipped := 0
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.txs[s.order[i]]
		if tx.AccountID != accountID || tx.Status != StatusCompleted {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *tx)
	}
	return out, nil
}

func (s *MemoryStore) Sum(_ context.Context, q SumQuery) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumLocked(q), nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		tx := s.txs[id]
		if tx.Status == StatusPending && !tx.CreatedAt.After(before) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) Reconcile(_ context.Context, id string) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return "", ErrNotFound
	}
	if tx.Status != StatusPending {
		return ResolutionSkipped, nil
	}
	balance := s.balances[tx.AccountID]
	completed := s.sumLocked(SumQuery{AccountID: tx.AccountID, Statuses: []Status{StatusCompleted}})
	res := resolve(balance, completed, tx.Amount, s.countPendingLocked(tx.AccountID, id))
	switch res {
	case ResolutionCompleted:
		tx.Status = StatusCompleted
		tx.BalanceAfter = decimal.NewNullDecimal(balance)
	case ResolutionFailed:
		if err := s.failLocked(id); err != nil {
			return "", err
		}
	}
	return res, nil
}

func (s *MemoryStore) ProbeAtomic(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.atomic {
		return ErrAtomicUnavailable
	}
	return nil
}

// ApplyAtomic validates and applies tx while holding the store lock, which
// plays the role of the row lock in the Postgres store.
func (s *MemoryStore) ApplyAtomic(_ context.Context, tx Transaction, b Bounds) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.keys[tx.IdempotencyKey]; taken {
		return Transaction{}, ErrKeyTaken
	}

	current := s.balances[tx.AccountID]
	next := current.Add(tx.Amount)
	if next.IsNegative() {
		return Transaction{}, LimitExceeded(LimitInsufficientFunds, "insufficient funds")
	}
	if next.GreaterThan(b.MaxBalance) {
		return Transaction{}, LimitExceeded(LimitMaxBalance, "maximum wallet balance exceeded")
	}
	if b.DailyLimit.Valid {
		today := s.sumLocked(SumQuery{AccountID: tx.AccountID, Kind: KindReload, Since: b.DayStart})
		if today.Add(tx.Amount).GreaterThan(b.DailyLimit.Decimal) {
			return Transaction{}, DailyLimitExceeded(b.DailyLimit.Decimal.Sub(today))
		}
	}

	s.balances[tx.AccountID] = next
	tx.Status = StatusCompleted
	tx.BalanceAfter = decimal.NewNullDecimal(next)
	return s.insertLocked(tx), nil
}

func (s *MemoryStore) insertLocked(tx Transaction) Transaction {
	tx.CreatedAt = s.now()
	stored := tx
	s.txs[tx.ID] = &stored
	s.keys[tx.IdempotencyKey] = tx.ID
	s.order = append(s.order, tx.ID)
	return tx
}

func (s *MemoryStore) failLocked(id string) error {
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != StatusPending {
		return ErrNotPending
	}
	tx.Status = StatusFailed
	if s.keys[tx.IdempotencyKey] == id {
		delete(s.keys, tx.IdempotencyKey)
	}
	return nil
}

func (s *MemoryStore) sumLocked(q SumQuery) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range s.txs {
		if tx.AccountID != q.AccountID || tx.ID == q.ExcludeID || !hasStatus(q.Statuses, tx.Status) {
			continue
		}
		if q.Kind != "" && tx.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && tx.CreatedAt.Before(q.Since) {
			continue
		}
		total = total.Add(tx.Amount)
	}
	return total
}

func (s *MemoryStore) countPendingLocked(accountID, excludeID string) int {
	n := 0
	for id, tx := range s.txs {
		if id != excludeID && tx.AccountID == accountID && tx.Status == StatusPending {
			n++
		}
	}
	return n
}
