package wallet

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
)

// Limits bounds every amount the wallet accepts.
type Limits struct {
	MinReload      decimal.Decimal
	MaxReload      decimal.Decimal
	MaxBalance     decimal.Decimal
	MinPurchase    decimal.Decimal
	MaxDailyReload decimal.Decimal
}

// DefaultLimits returns the production bounds.
func DefaultLimits() Limits {
	return Limits{
		MinReload:      decimal.RequireFromString("1.00"),
		MaxReload:      decimal.RequireFromString("500.00"),
		MaxBalance:     decimal.RequireFromString("2000.00"),
		MinPurchase:    decimal.RequireFromString("0.01"),
		MaxDailyReload: decimal.RequireFromString("1000.00"),
	}
}

func (l Limits) validateReload(amount decimal.Decimal) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if amount.LessThan(l.MinReload) || amount.GreaterThan(l.MaxReload) {
		return ledger.Validationf("amount", "reload amount must be between %s and %s",
			l.MinReload.StringFixed(2), l.MaxReload.StringFixed(2))
	}
	return nil
}

func (l Limits) validatePurchase(amount decimal.Decimal) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if amount.LessThan(l.MinPurchase) {
		return ledger.Validationf("amount", "purchase amount must be at least %s", l.MinPurchase.StringFixed(2))
	}
	return nil
}

// validateAmount accepts strictly positive amounts with at most two fractional
// digits.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ledger.Validationf("amount", "amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return ledger.Validationf("amount", "amount %s has more than two decimal places", amount.String())
	}
	return nil
}

func validateAccount(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return ledger.Validationf("account_id", "account id is required")
	}
	return nil
}
