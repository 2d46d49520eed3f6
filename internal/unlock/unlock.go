package unlock

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
)

// Result is relayed verbatim by the wallet after a reload.
type Result struct {
	JustUnlocked bool
	Message      string
}

// Restrictions stores the limited-account flag. New accounts start restricted.
type Restrictions interface {
	IsRestricted(ctx context.Context, accountID string) (bool, error)
	// Lift clears the flag and reports whether this call flipped it.
	Lift(ctx context.Context, accountID string) (bool, error)
}

// ReloadTotals sums transaction amounts from the wallet log.
type ReloadTotals interface {
	Sum(ctx context.Context, q ledger.SumQuery) (decimal.Decimal, error)
}

// ThresholdService lifts the account restriction once lifetime completed
// reloads reach the threshold.
type ThresholdService struct {
	restrictions Restrictions
	totals       ReloadTotals
	threshold    decimal.Decimal
	logger       *slog.Logger
}

func NewThresholdService(restrictions Restrictions, totals ReloadTotals, threshold decimal.Decimal, logger *slog.Logger) *ThresholdService {
	return &ThresholdService{restrictions: restrictions, totals: totals, threshold: threshold, logger: logger}
}

func (s *ThresholdService) CheckAndUnlock(ctx context.Context, accountID string) (Result, error) {
	restricted, err := s.restrictions.IsRestricted(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("load restriction: %w", err)
	}
	if !restricted {
		return Result{}, nil
	}

	total, err := s.totals.Sum(ctx, ledger.SumQuery{
		AccountID: accountID,
		Kind:      ledger.KindReload,
		Statuses:  []ledger.Status{ledger.StatusCompleted},
	})
	if err != nil {
		return Result{}, fmt.Errorf("sum lifetime reloads: %w", err)
	}
	if total.LessThan(s.threshold) {
		return Result{
			Message: fmt.Sprintf("Add %s more to your wallet to lift account limits", s.threshold.Sub(total).StringFixed(2)),
		}, nil
	}

	lifted, err := s.restrictions.Lift(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("lift restriction: %w", err)
	}
	if !lifted {
		return Result{}, nil
	}
	s.logger.Info("account restriction lifted", "account_id", accountID, "lifetime_reloads", total.StringFixed(2))
	return Result{
		JustUnlocked: true,
		Message:      fmt.Sprintf("Account limits lifted: lifetime wallet funding reached %s", s.threshold.StringFixed(2)),
	}, nil
}
