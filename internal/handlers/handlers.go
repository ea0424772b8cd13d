package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pipxcapital/propcore/internal/challenge"
	"github.com/pipxcapital/propcore/internal/rate"
	"github.com/pipxcapital/propcore/internal/storage"
	"github.com/pipxcapital/propcore/internal/transfer"
	"github.com/pipxcapital/propcore/libs/auth"
)

type TransferService interface {
	Wallet(ctx context.Context, userID uuid.UUID) (storage.Wallet, error)
	Accounts(ctx context.Context, userID uuid.UUID) ([]storage.TradingAccount, error)
	Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error)
	Deposit(ctx context.Context, userID uuid.UUID, accountID, amount, reference string) (*storage.TransferResult, error)
	Withdraw(ctx context.Context, userID uuid.UUID, accountID, amount, reference string) (*storage.TransferResult, error)
	Transfer(ctx context.Context, userID uuid.UUID, fromID, toID, amount, reference string) (*storage.TransferResult, error)
	ExternalDeposit(ctx context.Context, userID uuid.UUID, amount, reference string) (*storage.TransferResult, error)
	RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount string, payout transfer.PayoutMethod) (*storage.WithdrawalResult, error)
	ReviewWithdrawal(ctx context.Context, txID string, approve bool) (*storage.WithdrawalResult, error)
	BuyChallenge(ctx context.Context, userID uuid.UUID, challengeID string) (*storage.PurchaseResult, error)
}

type ChallengeReader interface {
	GetChallengeAccount(ctx context.Context, accountID uuid.UUID) (storage.ChallengeAccount, error)
	GetChallenge(ctx context.Context, challengeID uuid.UUID) (storage.Challenge, error)
}

type Promoter interface {
	Promote(ctx context.Context, accountID uuid.UUID) (*challenge.Transition, error)
}

type Handler struct {
	Transfers  TransferService
	Challenges ChallengeReader
	Promoter   Promoter
	Limiter    rate.Limiter
	JWTSecret  []byte
	Logger     *slog.Logger
}

func New(transfers TransferService, challenges ChallengeReader, promoter Promoter, limiter rate.Limiter, jwtSecret []byte, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Transfers:  transfers,
		Challenges: challenges,
		Promoter:   promoter,
		Limiter:    limiter,
		JWTSecret:  jwtSecret,
		Logger:     logger,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1", auth.Middleware(h.JWTSecret))
	v1.GET("/wallet", h.GetWallet)
	v1.GET("/wallet/transactions", h.ListTransactions)
	v1.POST("/wallet/withdrawals", h.RequestWithdrawal)
	v1.GET("/accounts", h.ListAccounts)
	v1.GET("/accounts/:id/status", h.GetChallengeStatus)
	v1.POST("/transfers", h.Transfer)
	v1.POST("/transfers/internal", h.InternalTransfer)
	v1.POST("/challenges/buy", h.BuyChallenge)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/deposits", h.ExternalDeposit)
	admin.POST("/withdrawals/:id/approve", h.approveWithdrawal(true))
	admin.POST("/withdrawals/:id/reject", h.approveWithdrawal(false))
	admin.POST("/challenges/:id/promote", h.PromoteChallenge)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type transferRequest struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Reference string `json:"reference"`
}

type internalTransferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        string `json:"amount"`
	Reference     string `json:"reference"`
}

type buyChallengeRequest struct {
	ChallengeID string `json:"challenge_id"`
}

type withdrawalRequest struct {
	Amount string                `json:"amount"`
	Payout transfer.PayoutMethod `json:"payout"`
}

func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	wallet, err := h.Transfers.Wallet(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":            wallet.Balance.String(),
		"pending_withdrawal": wallet.PendingWithdrawal.String(),
	})
}

func (h *Handler) ListAccounts(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	accounts, err := h.Transfers.Accounts(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, gin.H{
			"id":       acct.ID.String(),
			"type":     acct.Type,
			"balance":  acct.Balance.String(),
			"credit":   acct.Credit.String(),
			"equity":   acct.Equity().String(),
			"leverage": acct.Leverage,
			"status":   acct.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txs, err := h.Transfers.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(txs))
	for _, t := range txs {
		out = append(out, gin.H{
			"id":         t.ID.String(),
			"from":       t.FromEntity,
			"to":         t.ToEntity,
			"amount":     t.Amount.String(),
			"type":       t.Type,
			"status":     t.Status,
			"reference":  t.Reference,
			"created_at": t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

// Transfer moves funds between the wallet and a trading account in either
// direction.
func (h *Handler) Transfer(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	var res *storage.TransferResult
	var err error
	switch req.Direction {
	case "deposit":
		res, err = h.Transfers.Deposit(c.Request.Context(), userID, req.AccountID, req.Amount, req.Reference)
	case "withdraw":
		res, err = h.Transfers.Withdraw(c.Request.Context(), userID, req.AccountID, req.Amount, req.Reference)
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "direction must be deposit or withdraw"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"transaction_id":  res.Transaction.ID.String(),
		"wallet_balance":  res.WalletBalance.String(),
		"account_balance": res.AccountBalance.String(),
	})
}

func (h *Handler) InternalTransfer(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req internalTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res, err := h.Transfers.Transfer(c.Request.Context(), userID, req.FromAccountID, req.ToAccountID, req.Amount, req.Reference)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"transaction_id": res.Transaction.ID.String(),
		"from_balance":   res.FromBalance.String(),
		"to_balance":     res.ToBalance.String(),
	})
}

func (h *Handler) BuyChallenge(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req buyChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res, err := h.Transfers.BuyChallenge(c.Request.Context(), userID, req.ChallengeID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ok":             true,
		"wallet_balance": res.WalletBalance.String(),
		"challenge_account": gin.H{
			"id":               res.Account.ID.String(),
			"challenge_id":     res.Account.ChallengeID.String(),
			"step":             res.Account.CurrentStep,
			"starting_balance": res.Account.StartingBalance.String(),
			"status":           res.Account.Status,
		},
	})
}

// GetChallengeStatus reports balances, drawdown percentages, step and
// state for one challenge account.
func (h *Handler) GetChallengeStatus(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "account id must be a valid uuid"})
		return
	}

	acct, err := h.Challenges.GetChallengeAccount(c.Request.Context(), accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if acct.UserID != userID {
		h.writeError(c, storage.ErrEntityNotFound)
		return
	}

	tpl, err := h.Challenges.GetChallenge(c.Request.Context(), acct.ChallengeID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                       acct.ID.String(),
		"status":                   acct.Status,
		"failure_reason":           acct.FailureReason,
		"step":                     acct.CurrentStep,
		"steps":                    tpl.Steps,
		"balance":                  acct.CurrentBalance.String(),
		"equity":                   acct.CurrentEquity.String(),
		"starting_balance":         acct.StartingBalance.String(),
		"high_water_mark":          acct.HighWaterMark.String(),
		"daily_drawdown_percent":   challenge.DailyDrawdownPercent(acct.DailyStartEquity, acct.CurrentEquity).StringFixed(2),
		"overall_drawdown_percent": challenge.OverallDrawdownPercent(acct.HighWaterMark, acct.CurrentEquity).StringFixed(2),
		"profit_percent":           challenge.ProfitPercent(acct.StartingBalance, acct.CurrentEquity).StringFixed(2),
		"trading_days":             acct.TradingDays,
	})
}

func (h *Handler) RequestWithdrawal(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), userID.String(), time.Now())
		if err != nil {
			h.Logger.Error("withdrawal rate limit check failed", "error", err)
			c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many withdrawal requests"})
			return
		}
	}

	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	res, err := h.Transfers.RequestWithdrawal(c.Request.Context(), userID, req.Amount, req.Payout)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"transaction_id":     res.Transaction.ID.String(),
		"status":             res.Transaction.Status,
		"wallet_balance":     res.WalletBalance.String(),
		"pending_withdrawal": res.PendingWithdrawal.String(),
	})
}

type externalDepositRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// ExternalDeposit credits a user's wallet after an off-platform payment
// settles. The reference is the payment provider's id and makes replays
// no-ops.
func (h *Handler) ExternalDeposit(c *gin.Context) {
	var req externalDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "user id must be a valid uuid"})
		return
	}

	res, err := h.Transfers.ExternalDeposit(c.Request.Context(), userID, req.Amount, req.Reference)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"transaction_id": res.Transaction.ID.String(),
		"wallet_balance": res.WalletBalance.String(),
	})
}

func (h *Handler) approveWithdrawal(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.Transfers.ReviewWithdrawal(c.Request.Context(), c.Param("id"), approve)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transaction_id": res.Transaction.ID.String(),
			"status":         res.Transaction.Status,
			"replay":         res.AlreadyFinalized,
		})
	}
}

func (h *Handler) PromoteChallenge(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "account id must be a valid uuid"})
		return
	}

	transition, err := h.Promoter.Promote(c.Request.Context(), accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if transition == nil {
		// Deterministic event id made the promote a replay.
		c.JSON(http.StatusOK, gin.H{"status": storage.ChallengeStatusFunded, "replay": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": transition.To, "replay": false})
}

func (h *Handler) userID(c *gin.Context) (uuid.UUID, bool) {
	raw, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing subject"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw.(string))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid subject"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain errors to stable response codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transfer.ErrValidation):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
	case errors.Is(err, storage.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INSUFFICIENT_FUNDS", Message: "insufficient funds"})
	case errors.Is(err, storage.ErrInvalidTarget):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_TARGET", Message: err.Error()})
	case errors.Is(err, storage.ErrEntityNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "entity not found"})
	case errors.Is(err, storage.ErrInvalidState):
		c.JSON(http.StatusConflict, errorResponse{Code: "INVALID_STATE", Message: err.Error()})
	case errors.Is(err, storage.ErrConcurrentModification):
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "concurrent modification, retry"})
	case errors.Is(err, storage.ErrExpired):
		c.JSON(http.StatusConflict, errorResponse{Code: "INVALID_STATE", Message: "challenge expired"})
	default:
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}
