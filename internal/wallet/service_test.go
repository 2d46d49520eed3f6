package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilioale04/steam-clone-sub000/internal/audit"
	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
	"github.com/emilioale04/steam-clone-sub000/internal/logging"
	"github.com/emilioale04/steam-clone-sub000/internal/unlock"
)

var strategies = []string{StrategyAtomic, StrategyCAS}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T, strategy string, mutate ...func(*Options)) (*Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewInMemory()
	if strategy == StrategyCAS {
		store.DisableAtomic()
	}
	opts := Options{Logger: logging.Discard(), CASMaxRetries: 50, Location: time.UTC}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewService(context.Background(), store, opts)
	require.NoError(t, err)
	require.Equal(t, strategy, svc.Strategy())
	return svc, store
}

func forEachStrategy(t *testing.T, fn func(t *testing.T, strategy string)) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) { fn(t, strategy) })
	}
}

func requireKind(t *testing.T, err error, kind ledger.ErrorKind) *ledger.Error {
	t.Helper()
	require.Error(t, err)
	var werr *ledger.Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, kind, werr.Kind, "error: %v", err)
	return werr
}

func TestService_ReloadsAreAdditive(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, _ := newTestService(t, strategy)
		ctx := context.Background()

		first, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("10.00"), IdempotencyKey: "r1"})
		require.NoError(t, err)
		assert.Equal(t, "10.00", first.NewBalance.StringFixed(2))
		assert.NotEmpty(t, first.TransactionID)

		second, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("2.55")})
		require.NoError(t, err)
		assert.Equal(t, "12.55", second.NewBalance.StringFixed(2))

		balance, err := svc.GetBalance(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "12.55", balance.StringFixed(2))
	})
}

func TestService_ReloadDuplicateKey(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, _ := newTestService(t, strategy)
		ctx := context.Background()

		_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("10.00"), IdempotencyKey: "same"})
		require.NoError(t, err)
		_, err = svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("10.00"), IdempotencyKey: "same"})
		requireKind(t, err, ledger.KindDuplicateOperation)

		balance, err := svc.GetBalance(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "10.00", balance.StringFixed(2))
	})
}

func TestService_ConcurrentReloadsAllApply(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, _ := newTestService(t, strategy)
		ctx := context.Background()

		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.Reload(ctx, ReloadInput{
					AccountID:      "acct-1",
					Amount:         dec("10.00"),
					IdempotencyKey: fmt.Sprintf("reload-%d", i),
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		v, err := svc.Verify(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "200.00", v.Balance.StringFixed(2))
		assert.True(t, v.Consistent)
		assert.True(t, v.Pending.IsZero())
	})
}

func TestService_ConcurrentSameKeyAppliesOnce(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, _ := newTestService(t, strategy)
		ctx := context.Background()

		const workers = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("10.00"), IdempotencyKey: "shared"})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			kind := ledger.KindOf(err)
			assert.Contains(t, []ledger.ErrorKind{ledger.KindDuplicateOperation, ledger.KindOperationInProgress}, kind)
		}
		assert.Equal(t, 1, succeeded)

		balance, err := svc.GetBalance(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "10.00", balance.StringFixed(2))
	})
}

func TestService_PayDebitsOnce(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, store := newTestService(t, strategy)
		ctx := context.Background()
		ledger.SeedBalance(store, "acct-1", dec("50.00"))

		in := PayInput{AccountID: "acct-1", Amount: dec("19.99"), Description: "Game purchase", ReferenceType: "order", ReferenceID: "o-1", IdempotencyKey: "order-o-1"}
		res, err := svc.Pay(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "30.01", res.NewBalance.StringFixed(2))

		_, err = svc.Pay(ctx, in)
		requireKind(t, err, ledger.KindDuplicateOperation)

		txs, err := svc.ListTransactions(ctx, "acct-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, ledger.KindPurchase, txs[0].Kind)
		assert.Equal(t, "-19.99", txs[0].Amount.StringFixed(2))
		assert.Equal(t, "order", txs[0].ReferenceType)
		assert.Equal(t, "o-1", txs[0].ReferenceID)
	})
}

func TestService_PayInsufficientFundsLeavesNoRow(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, store := newTestService(t, strategy)
		ctx := context.Background()
		ledger.SeedBalance(store, "acct-1", dec("10.00"))

		_, err := svc.Pay(ctx, PayInput{AccountID: "acct-1", Amount: dec("12.00"), Description: "Game", IdempotencyKey: "k1"})
		werr := requireKind(t, err, ledger.KindLimitExceeded)
		assert.Equal(t, ledger.LimitInsufficientFunds, werr.Limit)

		_, err = store.FindByKey(ctx, "k1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		balance, err := svc.GetBalance(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "10.00", balance.StringFixed(2))
	})
}

func TestService_PayValidation(t *testing.T) {
	svc, store := newTestService(t, StrategyAtomic)
	ctx := context.Background()
	ledger.SeedBalance(store, "acct-1", dec("10.00"))

	_, err := svc.Pay(ctx, PayInput{AccountID: "acct-1", Amount: dec("1.00"), Description: "Game"})
	werr := requireKind(t, err, ledger.KindValidation)
	assert.Equal(t, "idempotency_key", werr.Field)

	_, err = svc.Pay(ctx, PayInput{AccountID: "acct-1", Amount: dec("1.00"), IdempotencyKey: "k"})
	werr = requireKind(t, err, ledger.KindValidation)
	assert.Equal(t, "description", werr.Field)

	_, err = svc.Pay(ctx, PayInput{AccountID: "acct-1", Amount: dec("0"), Description: "Game", IdempotencyKey: "k"})
	requireKind(t, err, ledger.KindValidation)

	_, err = svc.Pay(ctx, PayInput{AccountID: "acct-1", Amount: dec("1.005"), Description: "Game", IdempotencyKey: "k"})
	requireKind(t, err, ledger.KindValidation)
}

func TestService_ReloadValidation(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, store := newTestService(t, strategy)
		ctx := context.Background()

		for _, amount := range []string{"0.003", "0", "-5.00", "0.99", "500.01"} {
			_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec(amount)})
			werr := requireKind(t, err, ledger.KindValidation)
			assert.Equal(t, "amount", werr.Field, amount)
		}
		_, err := svc.Reload(ctx, ReloadInput{AccountID: " ", Amount: dec("10.00")})
		requireKind(t, err, ledger.KindValidation)

		all, err := store.Sum(ctx, ledger.SumQuery{
			AccountID: "acct-1",
			Statuses:  []ledger.Status{ledger.StatusPending, ledger.StatusCompleted, ledger.StatusFailed},
		})
		require.NoError(t, err)
		assert.True(t, all.IsZero(), "rejected reloads must not be logged")
	})
}

func TestService_ReloadMaxBalance(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, store := newTestService(t, strategy)
		ctx := context.Background()
		ledger.SeedBalance(store, "acct-1", dec("1900.00"))

		_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("100.01")})
		werr := requireKind(t, err, ledger.KindLimitExceeded)
		assert.Equal(t, ledger.LimitMaxBalance, werr.Limit)

		res, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("100.00")})
		require.NoError(t, err)
		assert.Equal(t, "2000.00", res.NewBalance.StringFixed(2))
	})
}

func TestService_DailyReloadCap(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, _ := newTestService(t, strategy)
		ctx := context.Background()

		for _, amount := range []string{"500.00", "400.00"} {
			_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec(amount)})
			require.NoError(t, err)
		}

		remaining, err := svc.RemainingDailyReload(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "100.00", remaining.StringFixed(2))

		_, err = svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("200.00")})
		werr := requireKind(t, err, ledger.KindLimitExceeded)
		assert.Equal(t, ledger.LimitDailyReload, werr.Limit)
		require.True(t, werr.Remaining.Valid)
		assert.Equal(t, "100.00", werr.Remaining.Decimal.StringFixed(2))

		_, err = svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("100.00")})
		require.NoError(t, err)
	})
}

func TestService_CASDailyCapRemainingIgnoresInFlight(t *testing.T) {
	svc, store := newTestService(t, StrategyCAS)
	ctx := context.Background()

	for _, amount := range []string{"300.00", "300.00"} {
		_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec(amount)})
		require.NoError(t, err)
	}
	// another caller's reload, inserted but not yet applied
	require.NoError(t, store.InsertPending(ctx, ledger.Transaction{
		ID:             uuid.NewString(),
		AccountID:      "acct-1",
		Kind:           ledger.KindReload,
		Amount:         dec("300.00"),
		IdempotencyKey: "other-caller",
	}))

	_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("300.00"), IdempotencyKey: "mine"})
	werr := requireKind(t, err, ledger.KindLimitExceeded)
	assert.Equal(t, ledger.LimitDailyReload, werr.Limit)
	require.True(t, werr.Remaining.Valid)
	assert.Equal(t, "400.00", werr.Remaining.Decimal.StringFixed(2))

	_, err = store.FindByKey(ctx, "mine")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "rejected attempt is failed and releases its key")
}

func TestService_DailyCapIgnoresPurchasesAndYesterday(t *testing.T) {
	svc, store := newTestService(t, StrategyAtomic)
	ctx := context.Background()
	ledger.SeedBalance(store, "acct-1", dec("900.00"))

	_, err := svc.Pay(ctx, PayInput{AccountID: "acct-1", Amount: dec("500.00"), Description: "Bundle", IdempotencyKey: "p1"})
	require.NoError(t, err)

	remaining, err := svc.RemainingDailyReload(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", remaining.StringFixed(2))
}

func TestService_DailyCapUsesConfiguredDay(t *testing.T) {
	store := ledger.NewInMemory()
	clock := time.Now().Add(48 * time.Hour)
	svc, err := NewService(context.Background(), store, Options{
		Logger:   logging.Discard(),
		Location: time.UTC,
		Now:      func() time.Time { return clock },
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("500.00")})
	require.NoError(t, err)

	remaining, err := svc.RemainingDailyReload(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", remaining.StringFixed(2), "reloads dated before the tracked day do not count")
}

func TestService_PendingKeyIsInProgress(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, store := newTestService(t, strategy)
		ctx := context.Background()
		require.NoError(t, store.InsertPending(ctx, ledger.Transaction{
			ID:             uuid.NewString(),
			AccountID:      "acct-1",
			Kind:           ledger.KindReload,
			Amount:         dec("10.00"),
			IdempotencyKey: "in-flight",
		}))

		_, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("10.00"), IdempotencyKey: "in-flight"})
		werr := requireKind(t, err, ledger.KindOperationInProgress)
		assert.True(t, werr.Retryable())
	})
}

// contendedStore loses every compare-and-swap, as if another writer always
// moved the balance first.
type contendedStore struct {
	*ledger.MemoryStore
}

func (contendedStore) CompareAndSwapBalance(context.Context, string, decimal.Decimal, decimal.Decimal) (bool, error) {
	return false, nil
}

func TestService_CASConflictFailsAndReleasesKey(t *testing.T) {
	store := ledger.NewInMemory()
	events := &recorder{}
	svc, err := NewService(context.Background(), contendedStore{store}, Options{
		Logger:        logging.Discard(),
		Audit:         events,
		ForceStrategy: StrategyCAS,
		CASMaxRetries: 2,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("10.00"), IdempotencyKey: "contended"})
	werr := requireKind(t, err, ledger.KindConcurrencyConflict)
	assert.True(t, werr.Retryable())
	assert.Equal(t, []audit.EventType{audit.EventOperationFailed}, events.types())

	failed, err := store.Sum(ctx, ledger.SumQuery{AccountID: "acct-1", Statuses: []ledger.Status{ledger.StatusFailed}})
	require.NoError(t, err)
	assert.Equal(t, "10.00", failed.StringFixed(2))

	balance, err := store.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	healthy, err := NewService(ctx, store, Options{Logger: logging.Discard(), ForceStrategy: StrategyCAS})
	require.NoError(t, err)
	res, err := healthy.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("10.00"), IdempotencyKey: "contended"})
	require.NoError(t, err, "a failed key may be reused")
	assert.Equal(t, "10.00", res.NewBalance.StringFixed(2))
}

func TestService_LedgerStaysConsistent(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		svc, _ := newTestService(t, strategy)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, _ = svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("5.00"), IdempotencyKey: fmt.Sprintf("r-%d", i)})
			}(i)
			go func(i int) {
				defer wg.Done()
				_, _ = svc.Pay(ctx, PayInput{AccountID: "acct-1", Amount: dec("3.00"), Description: "Item", IdempotencyKey: fmt.Sprintf("p-%d", i)})
			}(i)
		}
		wg.Wait()

		v, err := svc.Verify(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, v.Consistent, "balance %s ledger %s", v.Balance, v.LedgerSum)
		assert.False(t, v.Balance.IsNegative())
	})
}

func TestService_UnlockAtThreshold(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy string) {
		restrictions := unlock.NewMemoryRestrictions()
		events := &recorder{}
		svc, store := newTestService(t, strategy, func(o *Options) { o.Audit = events })
		svc.unlocker = unlock.NewThresholdService(restrictions, store, dec("5.00"), logging.Discard())
		ctx := context.Background()

		first, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("2.00")})
		require.NoError(t, err)
		assert.False(t, first.AccountUnlocked)
		assert.Contains(t, first.UnlockMessage, "3.00")

		second, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("3.00")})
		require.NoError(t, err)
		assert.True(t, second.AccountUnlocked)
		assert.NotEmpty(t, second.UnlockMessage)

		third, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("1.00")})
		require.NoError(t, err)
		assert.False(t, third.AccountUnlocked)
		assert.Empty(t, third.UnlockMessage)

		assert.Equal(t, []audit.EventType{
			audit.EventReloadCompleted,
			audit.EventReloadCompleted,
			audit.EventAccountUnlocked,
			audit.EventReloadCompleted,
		}, events.types())
	})
}

type failingUnlocker struct{}

func (failingUnlocker) CheckAndUnlock(context.Context, string) (unlock.Result, error) {
	return unlock.Result{}, errors.New("restrictions unavailable")
}

func TestService_UnlockFailureDoesNotFailReload(t *testing.T) {
	svc, _ := newTestService(t, StrategyAtomic, func(o *Options) { o.Unlocker = failingUnlocker{} })

	res, err := svc.Reload(context.Background(), ReloadInput{AccountID: "acct-1", Amount: dec("10.00")})
	require.NoError(t, err)
	assert.False(t, res.AccountUnlocked)
	assert.Equal(t, "10.00", res.NewBalance.StringFixed(2))
}

func TestService_ListTransactionsPaging(t *testing.T) {
	svc, _ := newTestService(t, StrategyAtomic)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := svc.Reload(ctx, ReloadInput{AccountID: "acct-1", Amount: dec("1.00")})
		require.NoError(t, err)
		ids = append(ids, res.TransactionID)
	}

	txs, err := svc.ListTransactions(ctx, "acct-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ids[2], txs[0].ID)
	assert.Equal(t, ids[1], txs[1].ID)

	txs, err = svc.ListTransactions(ctx, "acct-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ids[0], txs[0].ID)

	txs, err = svc.ListTransactions(ctx, "nobody", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, err = svc.ListTransactions(ctx, "acct-1", MaxPageSize+1, 0)
	requireKind(t, err, ledger.KindValidation)
	_, err = svc.ListTransactions(ctx, "acct-1", 10, -1)
	requireKind(t, err, ledger.KindValidation)
}

func TestService_GetBalanceUnknownAccount(t *testing.T) {
	svc, _ := newTestService(t, StrategyAtomic)
	balance, err := svc.GetBalance(context.Background(), "never-funded")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestNewService_StrategySelection(t *testing.T) {
	ctx := context.Background()

	svc, err := NewService(ctx, ledger.NewInMemory(), Options{Logger: logging.Discard(), ForceStrategy: StrategyCAS})
	require.NoError(t, err)
	assert.Equal(t, StrategyCAS, svc.Strategy())

	_, err = NewService(ctx, contendedStore{ledger.NewInMemory()}, Options{Logger: logging.Discard(), ForceStrategy: "bogus"})
	assert.Error(t, err)

	type casOnly struct{ ledger.Store }
	_, err = NewService(ctx, casOnly{ledger.NewInMemory()}, Options{Logger: logging.Discard(), ForceStrategy: StrategyAtomic})
	assert.Error(t, err)

	svc, err = NewService(ctx, casOnly{ledger.NewInMemory()}, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Equal(t, StrategyCAS, svc.Strategy())
}
