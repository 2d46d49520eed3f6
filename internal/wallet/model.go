package wallet

import (
	"github.com/shopspring/decimal"
)

// ReloadInput credits an account. An empty IdempotencyKey gets a generated one.
type ReloadInput struct {
	AccountID      string
	Amount         decimal.Decimal
	IdempotencyKey string
}

type ReloadResult struct {
	NewBalance      decimal.Decimal
	TransactionID   string
	AccountUnlocked bool
	UnlockMessage   string
}

// PayInput debits an account for a purchase. IdempotencyKey is required.
type PayInput struct {
	AccountID      string
	Amount         decimal.Decimal
	Description    string
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
}

type PayResult struct {
	NewBalance    decimal.Decimal
	TransactionID string
}

// Verification compares the stored balance with the sum of the log.
type Verification struct {
	Balance    decimal.Decimal
	LedgerSum  decimal.Decimal
	Pending    decimal.Decimal
	Consistent bool
}
