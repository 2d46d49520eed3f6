package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorKind tags every failure a wallet operation can return so callers branch
// on the kind rather than on message text.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindLimitExceeded       ErrorKind = "limit_exceeded"
	KindDuplicateOperation  ErrorKind = "duplicate_operation"
	KindOperationInProgress ErrorKind = "operation_in_progress"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
	KindStorage             ErrorKind = "storage"
)

// Limit names which bound a LimitExceeded error refers to.
const (
	LimitDailyReload       = "daily_reload"
	LimitMaxBalance        = "max_balance"
	LimitInsufficientFunds = "insufficient_funds"
)

// Error is the structured error returned by wallet operations.
type Error struct {
	Kind    ErrorKind
	Op      string
	Field   string
	Limit   string
	Message string
	// Remaining is set for daily cap violations.
	Remaining  decimal.NullDecimal
	RetryAfter time.Duration
	Err        error
}

// Sentinels usable with errors.Is. Matching compares kinds only.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrLimitExceeded       = &Error{Kind: KindLimitExceeded}
	ErrDuplicateOperation  = &Error{Kind: KindDuplicateOperation}
	ErrOperationInProgress = &Error{Kind: KindOperationInProgress}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrStorage             = &Error{Kind: KindStorage}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether resubmitting the same request may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindOperationInProgress, KindConcurrencyConflict, KindStorage:
		return true
	}
	return false
}

// KindOf returns the tagged kind of err, or an empty kind for untagged errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func LimitExceeded(limit, message string) *Error {
	return &Error{Kind: KindLimitExceeded, Limit: limit, Message: message}
}

// DailyLimitExceeded reports the allowance left for the current day.
func DailyLimitExceeded(remaining decimal.Decimal) *Error {
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &Error{
		Kind:      KindLimitExceeded,
		Limit:     LimitDailyReload,
		Message:   fmt.Sprintf("daily reload limit reached, %s remaining today", remaining.StringFixed(2)),
		Remaining: decimal.NewNullDecimal(remaining),
	}
}

func Duplicate(key string) *Error {
	return &Error{Kind: KindDuplicateOperation, Message: fmt.Sprintf("operation %q already applied", key)}
}

func InProgress(message string) *Error {
	return &Error{Kind: KindOperationInProgress, Message: message}
}

func Conflict(transactionID string) *Error {
	return &Error{
		Kind:    KindConcurrencyConflict,
		Message: fmt.Sprintf("balance changed concurrently, transaction %s failed", transactionID),
	}
}

func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Message: "storage failure", Err: err}
}
