package wallet

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub000/internal/cooldown"
	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
	"github.com/emilioale04/steam-clone-sub000/internal/middleware"
)

// Handler exposes wallet HTTP endpoints. The caller is authenticated upstream;
// the account comes from the path.
type Handler struct {
	service *Service
	locks   cooldown.Guard
}

// NewHandler builds a wallet HTTP handler. locks guards the mutation
// endpoints against rapid resubmission.
func NewHandler(service *Service, locks cooldown.Guard) *Handler {
	return &Handler{service: service, locks: locks}
}

type reloadRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type payRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
}

type transactionResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	BalanceAfter  string    `json:"balance_after,omitempty"`
	Description   string    `json:"description"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Limit     string `json:"limit,omitempty"`
	Remaining string `json:"remaining,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Balance returns the current balance and today's remaining reload allowance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	balance, err := h.service.GetBalance(c.UserContext(), accountID)
	if err != nil {
		return writeError(c, err)
	}
	remaining, err := h.service.RemainingDailyReload(c.UserContext(), accountID)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id":             accountID,
		"balance":                balance.StringFixed(2),
		"remaining_daily_reload": remaining.StringFixed(2),
		"timestamp":              time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Reload credits the wallet.
func (h *Handler) Reload(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	var req reloadRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, ledger.Validationf("body", "malformed request body"))
	}
	key := middleware.IdempotencyKeyFrom(c)
	if key == "" {
		key = req.IdempotencyKey
	}
	if err := h.locks.CheckAndSet(c.UserContext(), accountID, cooldown.Reload); err != nil {
		return writeError(c, err)
	}

	res, err := h.service.Reload(c.UserContext(), ReloadInput{AccountID: accountID, Amount: req.Amount, IdempotencyKey: key})
	if err != nil {
		return writeError(c, err)
	}
	body := fiber.Map{
		"new_balance":      res.NewBalance.StringFixed(2),
		"transaction_id":   res.TransactionID,
		"account_unlocked": res.AccountUnlocked,
	}
	if res.UnlockMessage != "" {
		body["unlock_message"] = res.UnlockMessage
	}
	return c.Status(http.StatusOK).JSON(body)
}

// Pay debits the wallet for a purchase. The Idempotency-Key header is required.
func (h *Handler) Pay(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	var req payRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, ledger.Validationf("body", "malformed request body"))
	}
	if err := h.locks.CheckAndSet(c.UserContext(), accountID, cooldown.Payment); err != nil {
		return writeError(c, err)
	}

	res, err := h.service.Pay(c.UserContext(), PayInput{
		AccountID:      accountID,
		Amount:         req.Amount,
		Description:    req.Description,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: middleware.IdempotencyKeyFrom(c),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"new_balance":    res.NewBalance.StringFixed(2),
		"transaction_id": res.TransactionID,
	})
}

// Transactions lists completed transactions newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return writeError(c, err)
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return writeError(c, err)
	}
	txs, err := h.service.ListTransactions(c.UserContext(), c.Params("accountId"), limit, offset)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		item := transactionResponse{
			ID:            tx.ID,
			Kind:          string(tx.Kind),
			Amount:        tx.Amount.StringFixed(2),
			Status:        string(tx.Status),
			Description:   tx.Description,
			ReferenceType: tx.ReferenceType,
			ReferenceID:   tx.ReferenceID,
			CreatedAt:     tx.CreatedAt,
		}
		if tx.BalanceAfter.Valid {
			item.BalanceAfter = tx.BalanceAfter.Decimal.StringFixed(2)
		}
		out = append(out, item)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out, "limit": limit, "offset": offset})
}

// Verify reports whether the balance matches the completed ledger sum.
func (h *Handler) Verify(c *fiber.Ctx) error {
	v, err := h.service.Verify(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"balance":    v.Balance.StringFixed(2),
		"ledger_sum": v.LedgerSum.StringFixed(2),
		"pending":    v.Pending.StringFixed(2),
		"consistent": v.Consistent,
	})
}

func queryInt(c *fiber.Ctx, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ledger.Validationf(name, "%s must be an integer", name)
	}
	return n, nil
}

func statusFor(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case ledger.KindDuplicateOperation, ledger.KindConcurrencyConflict:
		return http.StatusConflict
	case ledger.KindOperationInProgress:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, err error) error {
	var tagged *ledger.Error
	if !errors.As(err, &tagged) {
		tagged = ledger.Storage("", err)
	}
	body := errorBody{
		Kind:      string(tagged.Kind),
		Message:   tagged.Message,
		Field:     tagged.Field,
		Limit:     tagged.Limit,
		Retryable: tagged.Retryable(),
	}
	if tagged.Kind == ledger.KindStorage {
		body.Message = "internal error"
	}
	if tagged.Remaining.Valid {
		body.Remaining = tagged.Remaining.Decimal.StringFixed(2)
	}
	if tagged.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(tagged.RetryAfter.Seconds()))))
	}
	return c.Status(statusFor(tagged.Kind)).JSON(fiber.Map{"error": body})
}
