package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/storage"
)

// ErrValidation marks request-shape failures before any store call.
var ErrValidation = errors.New("invalid request")

type Store interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (storage.Wallet, error)
	GetTradingAccount(ctx context.Context, accountID uuid.UUID) (storage.TradingAccount, error)
	ListTradingAccounts(ctx context.Context, userID uuid.UUID) ([]storage.TradingAccount, error)
	GetTransaction(ctx context.Context, txID uuid.UUID) (storage.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error)
	DepositToAccount(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal, reference string) (*storage.TransferResult, error)
	WithdrawFromAccount(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal, reference string) (*storage.TransferResult, error)
	TransferBetweenAccounts(ctx context.Context, userID, fromID, toID uuid.UUID, amount decimal.Decimal, reference string) (*storage.TransferResult, error)
	CreditWalletExternal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*storage.TransferResult, error)
	CreateWithdrawalRequest(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, payout []byte) (*storage.WithdrawalResult, error)
	FinalizeWithdrawal(ctx context.Context, txID uuid.UUID, approve bool) (*storage.WithdrawalResult, error)
	PurchaseChallenge(ctx context.Context, userID, challengeID uuid.UUID) (*storage.PurchaseResult, error)
}

// Service validates transfer requests and delegates the atomic balance
// work to the store.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
}

func NewService(store Store, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Service) Wallet(ctx context.Context, userID uuid.UUID) (storage.Wallet, error) {
	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.WalletLookups.WithLabelValues("error").Inc()
		}
		return storage.Wallet{}, err
	}
	if s.metrics != nil {
		s.metrics.WalletLookups.WithLabelValues("success").Inc()
	}
	return wallet, nil
}

func (s *Service) Accounts(ctx context.Context, userID uuid.UUID) ([]storage.TradingAccount, error) {
	return s.store.ListTradingAccounts(ctx, userID)
}

func (s *Service) Account(ctx context.Context, userID uuid.UUID, accountID string) (storage.TradingAccount, error) {
	id, err := parseUUID(accountID, "account_id")
	if err != nil {
		return storage.TradingAccount{}, err
	}
	acct, err := s.store.GetTradingAccount(ctx, id)
	if err != nil {
		return storage.TradingAccount{}, err
	}
	if acct.UserID != userID {
		return storage.TradingAccount{}, fmt.Errorf("%w: trading account", storage.ErrEntityNotFound)
	}
	return acct, nil
}

func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error) {
	return s.store.ListTransactions(ctx, userID, limit)
}

// Deposit moves funds from the user's wallet into one of their trading
// accounts.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, accountID, amount, reference string) (*storage.TransferResult, error) {
	start := time.Now()
	id, err := parseUUID(accountID, "account_id")
	if err != nil {
		return nil, err
	}
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return nil, err
	}

	res, err := s.store.DepositToAccount(ctx, userID, id, amt, strings.TrimSpace(reference))
	s.finishOperation("deposit", start, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet deposit applied",
		"user_id", userID,
		"account_id", id,
		"amount", amt.String(),
	)
	return res, nil
}

// Withdraw moves funds from a trading account back into the wallet.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, accountID, amount, reference string) (*storage.TransferResult, error) {
	start := time.Now()
	id, err := parseUUID(accountID, "account_id")
	if err != nil {
		return nil, err
	}
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return nil, err
	}

	res, err := s.store.WithdrawFromAccount(ctx, userID, id, amt, strings.TrimSpace(reference))
	s.finishOperation("withdraw", start, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("account withdrawal applied",
		"user_id", userID,
		"account_id", id,
		"amount", amt.String(),
	)
	return res, nil
}

// Transfer moves funds between two trading accounts of the same user.
func (s *Service) Transfer(ctx context.Context, userID uuid.UUID, fromID, toID, amount, reference string) (*storage.TransferResult, error) {
	start := time.Now()
	from, err := parseUUID(fromID, "from_account_id")
	if err != nil {
		return nil, err
	}
	to, err := parseUUID(toID, "to_account_id")
	if err != nil {
		return nil, err
	}
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return nil, err
	}

	res, err := s.store.TransferBetweenAccounts(ctx, userID, from, to, amt, strings.TrimSpace(reference))
	s.finishOperation("transfer", start, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("account transfer applied",
		"user_id", userID,
		"from_account_id", from,
		"to_account_id", to,
		"amount", amt.String(),
	)
	return res, nil
}

// ExternalDeposit credits the wallet from an off-platform payment. The
// reference deduplicates payment-gateway callbacks upstream.
func (s *Service) ExternalDeposit(ctx context.Context, userID uuid.UUID, amount, reference string) (*storage.TransferResult, error) {
	start := time.Now()
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return nil, err
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrValidation)
	}

	res, err := s.store.CreditWalletExternal(ctx, userID, amt, reference)
	s.finishOperation("external_deposit", start, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("external deposit credited",
		"user_id", userID,
		"amount", amt.String(),
		"reference", reference,
	)
	return res, nil
}

// RequestWithdrawal escrows wallet funds behind a pending transaction that
// an admin later approves or rejects.
func (s *Service) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount string, payout PayoutMethod) (*storage.WithdrawalResult, error) {
	start := time.Now()
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return nil, err
	}
	raw, err := payout.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	res, err := s.store.CreateWithdrawalRequest(ctx, userID, amt, raw)
	s.finishOperation("request_withdrawal", start, err)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PendingWithdrawals.Inc()
	}
	s.logger.Info("withdrawal requested",
		"user_id", userID,
		"amount", amt.String(),
		"method", payout.Method,
	)
	return res, nil
}

// ReviewWithdrawal applies the admin decision. Replaying the same decision
// is a no-op.
func (s *Service) ReviewWithdrawal(ctx context.Context, txID string, approve bool) (*storage.WithdrawalResult, error) {
	start := time.Now()
	id, err := parseUUID(txID, "transaction_id")
	if err != nil {
		return nil, err
	}

	res, err := s.store.FinalizeWithdrawal(ctx, id, approve)
	s.finishOperation("review_withdrawal", start, err)
	if err != nil {
		return nil, err
	}
	decision := "approved"
	if !approve {
		decision = "rejected"
	}
	if !res.AlreadyFinalized {
		s.metrics.IncWithdrawalDecision(decision)
		if s.metrics != nil {
			s.metrics.PendingWithdrawals.Dec()
		}
	}
	s.logger.Info("withdrawal reviewed",
		"transaction_id", id,
		"decision", decision,
		"replay", res.AlreadyFinalized,
	)
	return res, nil
}

// BuyChallenge debits the challenge fee and opens the evaluation account.
func (s *Service) BuyChallenge(ctx context.Context, userID uuid.UUID, challengeID string) (*storage.PurchaseResult, error) {
	start := time.Now()
	id, err := parseUUID(challengeID, "challenge_id")
	if err != nil {
		return nil, err
	}

	res, err := s.store.PurchaseChallenge(ctx, userID, id)
	s.finishOperation("buy_challenge", start, err)
	if err != nil {
		s.metrics.IncChallengePurchase("error")
		return nil, err
	}
	s.metrics.IncChallengePurchase("success")
	s.logger.Info("challenge purchased",
		"user_id", userID,
		"challenge_id", id,
		"challenge_account_id", res.Account.ID,
		"fee", res.Transaction.Amount.String(),
	)
	return res, nil
}

func (s *Service) finishOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if !errors.Is(err, storage.ErrInsufficientFunds) && !errors.Is(err, storage.ErrEntityNotFound) &&
			!errors.Is(err, storage.ErrInvalidTarget) && !errors.Is(err, storage.ErrInvalidState) {
			s.logger.Error("transfer operation failed", "operation", operation, "error", err)
		}
	}
	s.metrics.ObserveOperation(operation, status, time.Since(start))
}

func parseUUID(value, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a valid uuid", ErrValidation, field)
	}
	return id, nil
}

func parsePositiveDecimal(value, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be a decimal number", ErrValidation, field)
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be positive", ErrValidation, field)
	}
	if d.Exponent() < -2 {
		return decimal.Decimal{}, fmt.Errorf("%w: %s supports at most 2 decimal places", ErrValidation, field)
	}
	return d, nil
}
