package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub000/internal/audit"
	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
	"github.com/emilioale04/steam-clone-sub000/internal/unlock"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	reloadDescription = "Wallet reload"
)

// Unlocker evaluates the account restriction after a successful reload.
type Unlocker interface {
	CheckAndUnlock(ctx context.Context, accountID string) (unlock.Result, error)
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Limits        Limits
	Location      *time.Location
	Unlocker      Unlocker
	Audit         audit.Recorder
	Logger        *slog.Logger
	CASMaxRetries int
	ForceStrategy string
	Now           func() time.Time
}

// Service is the wallet ledger: it owns every balance mutation.
type Service struct {
	store    ledger.Store
	strategy Strategy
	guard    IdempotencyGuard
	daily    *DailyLimitTracker
	limits   Limits
	unlocker Unlocker
	audit    audit.Recorder
	logger   *slog.Logger
}

// NewService probes the store once and binds the mutation strategy for the
// lifetime of the service.
func NewService(ctx context.Context, store ledger.Store, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.CASMaxRetries == 0 {
		opts.CASMaxRetries = defaultCASRetries
	}

	strategy, err := selectStrategy(ctx, store, opts.ForceStrategy, opts.CASMaxRetries, opts.Logger)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("wallet strategy selected", "strategy", strategy.Name())

	return &Service{
		store:    store,
		strategy: strategy,
		guard:    NewIdempotencyGuard(store),
		daily:    NewDailyLimitTracker(store, opts.Limits.MaxDailyReload, opts.Location, opts.Now),
		limits:   opts.Limits,
		unlocker: opts.Unlocker,
		audit:    opts.Audit,
		logger:   opts.Logger,
	}, nil
}

// Strategy reports the mutation strategy chosen at startup.
func (s *Service) Strategy() string { return s.strategy.Name() }

// GetBalance returns the current balance, zero for accounts never funded.
func (s *Service) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := validateAccount(accountID); err != nil {
		return decimal.Zero, err
	}
	balance, err := s.store.Balance(ctx, accountID)
	if err != nil {
		return decimal.Zero, s.storageError("load balance", accountID, err)
	}
	return balance, nil
}

// Reload credits the account and then asks the unlock service to re-evaluate
// the account restriction.
func (s *Service) Reload(ctx context.Context, in ReloadInput) (ReloadResult, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	if err := validateAccount(in.AccountID); err != nil {
		return ReloadResult{}, err
	}
	if err := s.guard.Check(ctx, key); err != nil {
		return ReloadResult{}, err
	}
	if err := s.limits.validateReload(in.Amount); err != nil {
		return ReloadResult{}, err
	}
	if err := s.daily.Allow(ctx, in.AccountID, in.Amount); err != nil {
		return ReloadResult{}, err
	}
	balance, err := s.GetBalance(ctx, in.AccountID)
	if err != nil {
		return ReloadResult{}, err
	}
	if balance.Add(in.Amount).GreaterThan(s.limits.MaxBalance) {
		return ReloadResult{}, ledger.LimitExceeded(ledger.LimitMaxBalance, "maximum wallet balance exceeded")
	}

	tx, err := s.apply(ctx, ledger.Transaction{
		ID:             uuid.NewString(),
		AccountID:      in.AccountID,
		Kind:           ledger.KindReload,
		Amount:         in.Amount,
		IdempotencyKey: key,
		Description:    reloadDescription,
	}, ledger.Bounds{
		MaxBalance: s.limits.MaxBalance,
		DailyLimit: decimal.NewNullDecimal(s.daily.Limit()),
		DayStart:   s.daily.DayStart(),
	})
	if err != nil {
		return ReloadResult{}, err
	}
	s.record(ctx, audit.EventReloadCompleted, tx, "")

	res := ReloadResult{NewBalance: tx.BalanceAfter.Decimal, TransactionID: tx.ID}
	if s.unlocker == nil {
		return res, nil
	}
	outcome, err := s.unlocker.CheckAndUnlock(ctx, in.AccountID)
	if err != nil {
		s.logger.Warn("account unlock check failed", "account_id", in.AccountID, "error", err)
		return res, nil
	}
	res.AccountUnlocked = outcome.JustUnlocked
	res.UnlockMessage = outcome.Message
	if outcome.JustUnlocked {
		s.audit.Record(ctx, audit.Event{
			Type:       audit.EventAccountUnlocked,
			AccountID:  in.AccountID,
			Reason:     outcome.Message,
			OccurredAt: time.Now().UTC(),
		})
	}
	return res, nil
}

// Pay debits the account for a purchase.
func (s *Service) Pay(ctx context.Context, in PayInput) (PayResult, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return PayResult{}, ledger.Validationf("idempotency_key", "idempotency key is required for payments")
	}
	if err := validateAccount(in.AccountID); err != nil {
		return PayResult{}, err
	}
	if strings.TrimSpace(in.Description) == "" {
		return PayResult{}, ledger.Validationf("description", "description is required")
	}
	if err := s.guard.Check(ctx, key); err != nil {
		return PayResult{}, err
	}
	if err := s.limits.validatePurchase(in.Amount); err != nil {
		return PayResult{}, err
	}
	balance, err := s.GetBalance(ctx, in.AccountID)
	if err != nil {
		return PayResult{}, err
	}
	if balance.LessThan(in.Amount) {
		return PayResult{}, ledger.LimitExceeded(ledger.LimitInsufficientFunds, "insufficient funds")
	}

	tx, err := s.apply(ctx, ledger.Transaction{
		ID:             uuid.NewString(),
		AccountID:      in.AccountID,
		Kind:           ledger.KindPurchase,
		Amount:         in.Amount.Neg(),
		IdempotencyKey: key,
		Description:    in.Description,
		ReferenceType:  in.ReferenceType,
		ReferenceID:    in.ReferenceID,
	}, ledger.Bounds{MaxBalance: s.limits.MaxBalance})
	if err != nil {
		return PayResult{}, err
	}
	s.record(ctx, audit.EventPaymentCompleted, tx, "")
	return PayResult{NewBalance: tx.BalanceAfter.Decimal, TransactionID: tx.ID}, nil
}

// ListTransactions pages through completed transactions, newest first. A zero
// limit selects the default page size.
func (s *Service) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]ledger.Transaction, error) {
	if err := validateAccount(accountID); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 0 || limit > MaxPageSize {
		return nil, ledger.Validationf("limit", "limit must be between 1 and %d", MaxPageSize)
	}
	if offset < 0 {
		return nil, ledger.Validationf("offset", "offset must not be negative")
	}
	txs, err := s.store.ListCompleted(ctx, accountID, limit, offset)
	if err != nil {
		return nil, s.storageError("list transactions", accountID, err)
	}
	return txs, nil
}

// RemainingDailyReload reports how much more can be reloaded today.
func (s *Service) RemainingDailyReload(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := validateAccount(accountID); err != nil {
		return decimal.Zero, err
	}
	return s.daily.Remaining(ctx, accountID)
}

// Verify checks that the stored balance equals the sum of completed amounts.
func (s *Service) Verify(ctx context.Context, accountID string) (Verification, error) {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return Verification{}, err
	}
	sum, err := s.store.Sum(ctx, ledger.SumQuery{AccountID: accountID, Statuses: []ledger.Status{ledger.StatusCompleted}})
	if err != nil {
		return Verification{}, s.storageError("sum ledger", accountID, err)
	}
	pending, err := s.store.Sum(ctx, ledger.SumQuery{AccountID: accountID, Statuses: []ledger.Status{ledger.StatusPending}})
	if err != nil {
		return Verification{}, s.storageError("sum pending", accountID, err)
	}
	return Verification{Balance: balance, LedgerSum: sum, Pending: pending, Consistent: balance.Equal(sum)}, nil
}

func (s *Service) apply(ctx context.Context, tx ledger.Transaction, b ledger.Bounds) (ledger.Transaction, error) {
	if err := s.store.EnsureAccount(ctx, tx.AccountID); err != nil {
		return ledger.Transaction{}, s.storageError("ensure account", tx.AccountID, err)
	}

	applied, err := s.strategy.Apply(ctx, tx, b)
	if err == nil {
		s.logger.Info("wallet operation applied",
			"account_id", tx.AccountID,
			"kind", tx.Kind,
			"transaction_id", applied.ID,
			"strategy", s.strategy.Name())
		return applied, nil
	}

	if errors.Is(err, ledger.ErrKeyTaken) {
		return ledger.Transaction{}, s.guard.Resolve(ctx, tx.IdempotencyKey)
	}
	var tagged *ledger.Error
	if errors.As(err, &tagged) {
		if tagged.Kind == ledger.KindConcurrencyConflict {
			s.record(ctx, audit.EventOperationFailed, tx, tagged.Message)
		}
		return ledger.Transaction{}, tagged
	}
	return ledger.Transaction{}, s.storageError("apply "+string(tx.Kind), tx.AccountID, err)
}

func (s *Service) record(ctx context.Context, typ audit.EventType, tx ledger.Transaction, reason string) {
	s.audit.Record(ctx, audit.Event{
		Type:          typ,
		AccountID:     tx.AccountID,
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	})
}

func (s *Service) storageError(op, accountID string, err error) error {
	s.logger.Error(op, "account_id", accountID, "error", err)
	return ledger.Storage(op, err)
}
