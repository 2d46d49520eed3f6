package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
)

// Totals sums transaction amounts from the log.
type Totals interface {
	Sum(ctx context.Context, q ledger.SumQuery) (decimal.Decimal, error)
}

// DailyLimitTracker derives today's reload total from completed transactions
// since local midnight.
type DailyLimitTracker struct {
	totals Totals
	limit  decimal.Decimal
	loc    *time.Location
	now    func() time.Time
}

func NewDailyLimitTracker(totals Totals, limit decimal.Decimal, loc *time.Location, now func() time.Time) *DailyLimitTracker {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &DailyLimitTracker{totals: totals, limit: limit, loc: loc, now: now}
}

// DayStart is local midnight of the current day.
func (d *DailyLimitTracker) DayStart() time.Time {
	n := d.now().In(d.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, d.loc)
}

func (d *DailyLimitTracker) Limit() decimal.Decimal { return d.limit }

// Total returns the completed reload amount for the current day.
func (d *DailyLimitTracker) Total(ctx context.Context, accountID string) (decimal.Decimal, error) {
	total, err := d.totals.Sum(ctx, ledger.SumQuery{
		AccountID: accountID,
		Kind:      ledger.KindReload,
		Since:     d.DayStart(),
		Statuses:  []ledger.Status{ledger.StatusCompleted},
	})
	if err != nil {
		return decimal.Zero, ledger.Storage("sum daily reloads", err)
	}
	return total, nil
}

// Remaining is the allowance left today, never negative.
func (d *DailyLimitTracker) Remaining(ctx context.Context, accountID string) (decimal.Decimal, error) {
	total, err := d.Total(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Max(d.limit.Sub(total), decimal.Zero), nil
}

// Allow rejects a reload that would push today's total past the cap.
func (d *DailyLimitTracker) Allow(ctx context.Context, accountID string, amount decimal.Decimal) error {
	total, err := d.Total(ctx, accountID)
	if err != nil {
		return err
	}
	if total.Add(amount).GreaterThan(d.limit) {
		return ledger.DailyLimitExceeded(d.limit.Sub(total))
	}
	return nil
}
