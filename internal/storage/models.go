package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AccountTypeLive = "live"
	AccountTypeDemo = "demo"

	AccountStatusActive   = "active"
	AccountStatusArchived = "archived"

	ChallengeStatusActive   = "active"
	ChallengeStatusPassed   = "passed"
	ChallengeStatusFailed   = "failed"
	ChallengeStatusFunded   = "funded"
	ChallengeStatusArchived = "archived"

	TxTypeDeposit           = "deposit"
	TxTypeWithdrawal        = "withdrawal"
	TxTypeTransfer          = "transfer"
	TxTypeChallengePurchase = "challenge_purchase"
	TxTypeCommission        = "commission"
	TxTypeExternalDeposit   = "external_deposit"

	TxStatusPending  = "pending"
	TxStatusApproved = "approved"
	TxStatusRejected = "rejected"

	CommissionStatusCredited = "credited"
	CommissionStatusVoid     = "void"
)

type Wallet struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Balance           decimal.Decimal
	PendingWithdrawal decimal.Decimal
	Version           int64
	UpdatedAt         time.Time
}

type TradingAccount struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      string
	Balance   decimal.Decimal
	Credit    decimal.Decimal
	Leverage  int
	Status    string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Equity is derived, never stored.
func (a TradingAccount) Equity() decimal.Decimal {
	return a.Balance.Add(a.Credit)
}

// Challenge is the purchasable evaluation template.
type Challenge struct {
	ID                        uuid.UUID
	Name                      string
	FundSize                  decimal.Decimal
	Fee                       decimal.Decimal
	Steps                     int
	ProfitTargetPercent       decimal.Decimal
	MaxDailyDrawdownPercent   decimal.Decimal
	MaxOverallDrawdownPercent decimal.Decimal
	MinTradingDays            int
	ExpiryDays                int
}

type ChallengeAccount struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	ChallengeID      uuid.UUID
	CurrentStep      int
	StartingBalance  decimal.Decimal
	CurrentBalance   decimal.Decimal
	CurrentEquity    decimal.Decimal
	HighWaterMark    decimal.Decimal
	DailyStartEquity decimal.Decimal
	TradingDays      int
	LastTradeDay     time.Time
	Status           string
	FailureReason    string
	StartedAt        time.Time
	Version          int64
	UpdatedAt        time.Time
}

type Transaction struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	FromEntity string
	ToEntity   string
	Amount     decimal.Decimal
	Type       string
	Status     string
	Reference  string
	Payout     []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type IBProfile struct {
	UserID            uuid.UUID
	ReferrerUserID    *uuid.UUID
	Tier              string
	DirectReferrals   int
	Suspended         bool
	CommissionBalance decimal.Decimal
	Version           int64
}

// CommissionTier maps a direct-referral count to a rate multiplier.
type CommissionTier struct {
	Name               string
	MinDirectReferrals int
	Multiplier         decimal.Decimal
}

type Commission struct {
	ID           uuid.UUID
	IBUserID     uuid.UUID
	TraderUserID uuid.UUID
	TradeID      string
	Level        int
	Lots         decimal.Decimal
	Rate         decimal.Decimal
	Amount       decimal.Decimal
	Status       string
	CreatedAt    time.Time
}

type TransferResult struct {
	Transaction    Transaction
	WalletBalance  decimal.Decimal
	AccountBalance decimal.Decimal
	// From/To are set for account-to-account transfers.
	FromBalance decimal.Decimal
	ToBalance   decimal.Decimal
}

type WithdrawalResult struct {
	Transaction       Transaction
	WalletBalance     decimal.Decimal
	PendingWithdrawal decimal.Decimal
	AlreadyFinalized  bool
}

type PurchaseResult struct {
	Account       ChallengeAccount
	Transaction   Transaction
	WalletBalance decimal.Decimal
}
