package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an audited wallet event.
type EventType string

const (
	EventReloadCompleted  EventType = "wallet.reload.completed"
	EventPaymentCompleted EventType = "wallet.payment.completed"
	EventOperationFailed  EventType = "wallet.operation.failed"
	EventAccountUnlocked  EventType = "account.unlocked"
)

// Event describes a wallet-side fact for the administrative audit trail.
type Event struct {
	Type          EventType           `json:"type"`
	AccountID     string              `json:"account_id"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal     `json:"amount"`
	BalanceAfter  decimal.NullDecimal `json:"balance_after"`
	Reason        string              `json:"reason,omitempty"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// Recorder accepts audit events without blocking and without reporting
// failures back to the caller.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// LogRecorder writes events to the structured logger.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	attrs := []any{
		slog.String("type", string(event.Type)),
		slog.String("account_id", event.AccountID),
		slog.String("amount", event.Amount.StringFixed(2)),
	}
	if event.TransactionID != "" {
		attrs = append(attrs, slog.String("transaction_id", event.TransactionID))
	}
	if event.BalanceAfter.Valid {
		attrs = append(attrs, slog.String("balance_after", event.BalanceAfter.Decimal.StringFixed(2)))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	r.logger.InfoContext(ctx, "audit", attrs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
