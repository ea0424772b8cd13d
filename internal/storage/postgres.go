package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the single source of truth for wallets, trading accounts,
// challenge accounts, transactions and commissions. Every operation that
// moves funds between entities runs in one database transaction with row
// locks taken in sortLockRefs order, and records exactly one Transaction
// per balance mutation.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: logger,
	}
}

func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (Wallet, error) {
	return s.scanWallet(s.pool.QueryRow(ctx, `
		SELECT id, user_id, balance::text, pending_withdrawal::text, version, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID))
}

func (s *Store) GetTradingAccount(ctx context.Context, accountID uuid.UUID) (TradingAccount, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `
		SELECT id, user_id, type, balance::text, credit::text, leverage, status, version, created_at, updated_at
		FROM trading_accounts
		WHERE id = $1
	`, accountID))
}

func (s *Store) ListTradingAccounts(ctx context.Context, userID uuid.UUID) ([]TradingAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, balance::text, credit::text, leverage, status, version, created_at, updated_at
		FROM trading_accounts
		WHERE user_id = $1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var accounts []TradingAccount
	for rows.Next() {
		acct, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if rows.Err() != nil {
		return nil, unavailable(rows.Err())
	}
	return accounts, nil
}

func (s *Store) GetChallenge(ctx context.Context, challengeID uuid.UUID) (Challenge, error) {
	var c Challenge
	var fundStr, feeStr, profitStr, dailyStr, overallStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, fund_size::text, fee::text, steps, profit_target_percent::text,
		       max_daily_drawdown_percent::text, max_overall_drawdown_percent::text,
		       min_trading_days, expiry_days
		FROM challenges
		WHERE id = $1
	`, challengeID)
	if err := row.Scan(&c.ID, &c.Name, &fundStr, &feeStr, &c.Steps, &profitStr, &dailyStr, &overallStr, &c.MinTradingDays, &c.ExpiryDays); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Challenge{}, fmt.Errorf("%w: challenge %s", ErrEntityNotFound, challengeID)
		}
		return Challenge{}, unavailable(err)
	}

	var err error
	if c.FundSize, err = decimal.NewFromString(fundStr); err != nil {
		return Challenge{}, fmt.Errorf("parse fund size: %w", err)
	}
	if c.Fee, err = decimal.NewFromString(feeStr); err != nil {
		return Challenge{}, fmt.Errorf("parse fee: %w", err)
	}
	if c.ProfitTargetPercent, err = decimal.NewFromString(profitStr); err != nil {
		return Challenge{}, fmt.Errorf("parse profit target: %w", err)
	}
	if c.MaxDailyDrawdownPercent, err = decimal.NewFromString(dailyStr); err != nil {
		return Challenge{}, fmt.Errorf("parse daily drawdown: %w", err)
	}
	if c.MaxOverallDrawdownPercent, err = decimal.NewFromString(overallStr); err != nil {
		return Challenge{}, fmt.Errorf("parse overall drawdown: %w", err)
	}
	return c, nil
}

func (s *Store) GetChallengeAccount(ctx context.Context, accountID uuid.UUID) (ChallengeAccount, error) {
	return s.scanChallengeAccount(s.pool.QueryRow(ctx, challengeAccountSelect+` WHERE id = $1`, accountID))
}

func (s *Store) ListActiveChallengeAccounts(ctx context.Context) ([]ChallengeAccount, error) {
	rows, err := s.pool.Query(ctx, challengeAccountSelect+` WHERE status = $1 ORDER BY started_at ASC`, ChallengeStatusActive)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var accounts []ChallengeAccount
	for rows.Next() {
		acct, err := s.scanChallengeAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if rows.Err() != nil {
		return nil, unavailable(rows.Err())
	}
	return accounts, nil
}

func (s *Store) GetTransaction(ctx context.Context, txID uuid.UUID) (Transaction, error) {
	return s.scanTransaction(s.pool.QueryRow(ctx, transactionSelect+` WHERE id = $1`, txID))
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, transactionSelect+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		t, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if rows.Err() != nil {
		return nil, unavailable(rows.Err())
	}
	return txs, nil
}

// DepositToAccount moves amount from the user's wallet into one of their
// trading accounts. Debit, credit and audit record share one transaction
// boundary.
func (s *Store) DepositToAccount(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal, reference string) (*TransferResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTarget)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	wallet, acct, err := s.lockWalletAndAccount(ctx, tx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, fmt.Errorf("%w: account %s does not belong to user", ErrInvalidTarget, accountID)
	}
	if acct.Status != AccountStatusActive {
		return nil, fmt.Errorf("%w: account %s is %s", ErrInvalidState, accountID, acct.Status)
	}
	if wallet.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: wallet balance %s < %s", ErrInsufficientFunds, wallet.Balance, amount)
	}

	wallet.Balance = wallet.Balance.Sub(amount)
	acct.Balance = acct.Balance.Add(amount)

	now := time.Now().UTC()
	if err := s.updateWallet(ctx, tx, wallet, now); err != nil {
		return nil, err
	}
	if err := s.updateAccountBalance(ctx, tx, acct, now); err != nil {
		return nil, err
	}

	record := Transaction{
		ID:         uuid.New(),
		UserID:     userID,
		FromEntity: WalletRef(userID),
		ToEntity:   AccountRef(accountID),
		Amount:     amount,
		Type:       TxTypeDeposit,
		Status:     TxStatusApproved,
		Reference:  reference,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	committed = true

	return &TransferResult{
		Transaction:    record,
		WalletBalance:  wallet.Balance,
		AccountBalance: acct.Balance,
	}, nil
}

// WithdrawFromAccount moves amount from a trading account back into the
// wallet.
func (s *Store) WithdrawFromAccount(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal, reference string) (*TransferResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTarget)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	wallet, acct, err := s.lockWalletAndAccount(ctx, tx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, fmt.Errorf("%w: account %s does not belong to user", ErrInvalidTarget, accountID)
	}
	if acct.Status != AccountStatusActive {
		return nil, fmt.Errorf("%w: account %s is %s", ErrInvalidState, accountID, acct.Status)
	}
	if acct.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: account balance %s < %s", ErrInsufficientFunds, acct.Balance, amount)
	}

	acct.Balance = acct.Balance.Sub(amount)
	wallet.Balance = wallet.Balance.Add(amount)

	now := time.Now().UTC()
	if err := s.updateWallet(ctx, tx, wallet, now); err != nil {
		return nil, err
	}
	if err := s.updateAccountBalance(ctx, tx, acct, now); err != nil {
		return nil, err
	}

	record := Transaction{
		ID:         uuid.New(),
		UserID:     userID,
		FromEntity: AccountRef(accountID),
		ToEntity:   WalletRef(userID),
		Amount:     amount,
		Type:       TxTypeWithdrawal,
		Status:     TxStatusApproved,
		Reference:  reference,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	committed = true

	return &TransferResult{
		Transaction:    record,
		WalletBalance:  wallet.Balance,
		AccountBalance: acct.Balance,
	}, nil
}

// TransferBetweenAccounts moves amount between two trading accounts of the
// same user. Row locks follow sortLockRefs order.
func (s *Store) TransferBetweenAccounts(ctx context.Context, userID, fromID, toID uuid.UUID, amount decimal.Decimal, reference string) (*TransferResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTarget)
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: source and destination are the same account", ErrInvalidTarget)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	accounts := map[uuid.UUID]*TradingAccount{}
	for _, ref := range sortLockRefs([]lockRef{
		{kind: lockAccount, id: fromID},
		{kind: lockAccount, id: toID},
	}) {
		acct, err := s.lockAccount(ctx, tx, ref.id)
		if err != nil {
			return nil, err
		}
		accounts[ref.id] = acct
	}

	from := accounts[fromID]
	to := accounts[toID]
	if from.UserID != userID || to.UserID != userID {
		return nil, fmt.Errorf("%w: both accounts must belong to user %s", ErrInvalidTarget, userID)
	}
	if from.Status != AccountStatusActive || to.Status != AccountStatusActive {
		return nil, fmt.Errorf("%w: transfer requires both accounts active", ErrInvalidState)
	}
	if from.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: account balance %s < %s", ErrInsufficientFunds, from.Balance, amount)
	}

	from.Balance = from.Balance.Sub(amount)
	to.Balance = to.Balance.Add(amount)

	now := time.Now().UTC()
	if err := s.updateAccountBalance(ctx, tx, from, now); err != nil {
		return nil, err
	}
	if err := s.updateAccountBalance(ctx, tx, to, now); err != nil {
		return nil, err
	}

	record := Transaction{
		ID:         uuid.New(),
		UserID:     userID,
		FromEntity: AccountRef(fromID),
		ToEntity:   AccountRef(toID),
		Amount:     amount,
		Type:       TxTypeTransfer,
		Status:     TxStatusApproved,
		Reference:  reference,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	committed = true

	return &TransferResult{
		Transaction: record,
		FromBalance: from.Balance,
		ToBalance:   to.Balance,
	}, nil
}

// CreditWalletExternal records an external deposit. Together with approved
// withdrawals and challenge fees this is the only operation allowed to
// change the platform-wide total.
func (s *Store) CreditWalletExternal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*TransferResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTarget)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	wallet, err := s.lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	wallet.Balance = wallet.Balance.Add(amount)

	now := time.Now().UTC()
	if err := s.updateWallet(ctx, tx, wallet, now); err != nil {
		return nil, err
	}

	record := Transaction{
		ID:         uuid.New(),
		UserID:     userID,
		FromEntity: ExternalRef,
		ToEntity:   WalletRef(userID),
		Amount:     amount,
		Type:       TxTypeExternalDeposit,
		Status:     TxStatusApproved,
		Reference:  reference,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	committed = true

	return &TransferResult{
		Transaction:   record,
		WalletBalance: wallet.Balance,
	}, nil
}

// CreateWithdrawalRequest moves amount from the wallet balance into the
// pending-withdrawal escrow and records a Pending transaction for admin
// review. The escrow prevents double-spending the same funds while the
// request is open.
func (s *Store) CreateWithdrawalRequest(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, payout []byte) (*WithdrawalResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTarget)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	wallet, err := s.lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: wallet balance %s < %s", ErrInsufficientFunds, wallet.Balance, amount)
	}

	wallet.Balance = wallet.Balance.Sub(amount)
	wallet.PendingWithdrawal = wallet.PendingWithdrawal.Add(amount)

	now := time.Now().UTC()
	if err := s.updateWallet(ctx, tx, wallet, now); err != nil {
		return nil, err
	}

	record := Transaction{
		ID:         uuid.New(),
		UserID:     userID,
		FromEntity: WalletRef(userID),
		ToEntity:   ExternalRef,
		Amount:     amount,
		Type:       TxTypeWithdrawal,
		Status:     TxStatusPending,
		Payout:     payout,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	committed = true

	return &WithdrawalResult{
		Transaction:       record,
		WalletBalance:     wallet.Balance,
		PendingWithdrawal: wallet.PendingWithdrawal,
	}, nil
}

// FinalizeWithdrawal applies the admin decision for a pending external
// withdrawal. Approval burns the escrow, rejection refunds it. Replaying
// the same decision is a no-op; replaying the opposite decision fails with
// ErrInvalidState.
func (s *Store) FinalizeWithdrawal(ctx context.Context, txID uuid.UUID, approve bool) (*WithdrawalResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	record, err := s.lockTransaction(ctx, tx, txID)
	if err != nil {
		return nil, err
	}
	if record.Type != TxTypeWithdrawal || record.FromEntity != WalletRef(record.UserID) || record.ToEntity != ExternalRef {
		return nil, fmt.Errorf("%w: transaction %s is not an external withdrawal", ErrInvalidState, txID)
	}

	target := TxStatusApproved
	if !approve {
		target = TxStatusRejected
	}

	if record.Status != TxStatusPending {
		if record.Status != target {
			return nil, fmt.Errorf("%w: withdrawal %s already %s", ErrInvalidState, txID, record.Status)
		}
		wallet, err := s.lockWallet(ctx, tx, record.UserID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, unavailable(err)
		}
		committed = true
		return &WithdrawalResult{
			Transaction:       *record,
			WalletBalance:     wallet.Balance,
			PendingWithdrawal: wallet.PendingWithdrawal,
			AlreadyFinalized:  true,
		}, nil
	}

	wallet, err := s.lockWallet(ctx, tx, record.UserID)
	if err != nil {
		return nil, err
	}
	if wallet.PendingWithdrawal.LessThan(record.Amount) {
		return nil, fmt.Errorf("%w: escrow %s < withdrawal %s", ErrInvalidState, wallet.PendingWithdrawal, record.Amount)
	}

	wallet.PendingWithdrawal = wallet.PendingWithdrawal.Sub(record.Amount)
	if !approve {
		wallet.Balance = wallet.Balance.Add(record.Amount)
	}

	now := time.Now().UTC()
	if err := s.updateWallet(ctx, tx, wallet, now); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3
	`, target, now, record.ID); err != nil {
		return nil, unavailable(err)
	}
	record.Status = target
	record.UpdatedAt = now

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	committed = true

	return &WithdrawalResult{
		Transaction:       *record,
		WalletBalance:     wallet.Balance,
		PendingWithdrawal: wallet.PendingWithdrawal,
	}, nil
}

// PurchaseChallenge debits the challenge fee from the wallet and creates
// the ACTIVE step-1 challenge account atomically.
func (s *Store) PurchaseChallenge(ctx context.Context, userID, challengeID uuid.UUID) (*PurchaseResult, error) {
	challenge, err := s.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	wallet, err := s.lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance.LessThan(challenge.Fee) {
		return nil, fmt.Errorf("%w: wallet balance %s < fee %s", ErrInsufficientFunds, wallet.Balance, challenge.Fee)
	}

	wallet.Balance = wallet.Balance.Sub(challenge.Fee)

	now := time.Now().UTC()
	if err := s.updateWallet(ctx, tx, wallet, now); err != nil {
		return nil, err
	}

	acct := ChallengeAccount{
		ID:               uuid.New(),
		UserID:           userID,
		ChallengeID:      challengeID,
		CurrentStep:      1,
		StartingBalance:  challenge.FundSize,
		CurrentBalance:   challenge.FundSize,
		CurrentEquity:    challenge.FundSize,
		HighWaterMark:    challenge.FundSize,
		DailyStartEquity: challenge.FundSize,
		Status:           ChallengeStatusActive,
		StartedAt:        now,
		Version:          1,
		UpdatedAt:        now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO challenge_accounts (
			id, user_id, challenge_id, current_step, starting_balance, current_balance,
			current_equity, high_water_mark, daily_start_equity, trading_days,
			last_trade_day, status, failure_reason, started_at, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, NULL, $10, '', $11, 1, $11)
	`, acct.ID, acct.UserID, acct.ChallengeID, acct.CurrentStep,
		acct.StartingBalance.String(), acct.CurrentBalance.String(),
		acct.CurrentEquity.String(), acct.HighWaterMark.String(),
		acct.DailyStartEquity.String(), acct.Status, now); err != nil {
		return nil, unavailable(err)
	}

	record := Transaction{
		ID:         uuid.New(),
		UserID:     userID,
		FromEntity: WalletRef(userID),
		ToEntity:   ExternalRef,
		Amount:     challenge.Fee,
		Type:       TxTypeChallengePurchase,
		Status:     TxStatusApproved,
		Reference:  acct.ID.String(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	committed = true

	return &PurchaseResult{
		Account:       acct,
		Transaction:   record,
		WalletBalance: wallet.Balance,
	}, nil
}

// SaveChallengeEvaluation writes back an evaluated challenge account using
// optimistic concurrency. When eventID is set the write is recorded in
// processed_events; a replayed event returns alreadyProcessed without
// touching the account.
func (s *Store) SaveChallengeEvaluation(ctx context.Context, acct ChallengeAccount, expectedVersion int64, eventID string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if eventID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_events (event_id) VALUES ($1)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID)
		if err != nil {
			return false, unavailable(err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Commit(ctx); err != nil {
				return false, unavailable(err)
			}
			committed = true
			return true, nil
		}
	}

	var lastTradeDay any
	if !acct.LastTradeDay.IsZero() {
		lastTradeDay = acct.LastTradeDay
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE challenge_accounts
		SET current_step = $1, starting_balance = $2, current_balance = $3,
		    current_equity = $4, high_water_mark = $5, daily_start_equity = $6,
		    trading_days = $7, last_trade_day = $8, status = $9,
		    failure_reason = $10, version = version + 1, updated_at = $11
		WHERE id = $12 AND version = $13
	`, acct.CurrentStep, acct.StartingBalance.String(), acct.CurrentBalance.String(),
		acct.CurrentEquity.String(), acct.HighWaterMark.String(), acct.DailyStartEquity.String(),
		acct.TradingDays, lastTradeDay, acct.Status, acct.FailureReason, now,
		acct.ID, expectedVersion)
	if err != nil {
		return false, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM challenge_accounts WHERE id = $1)`, acct.ID).Scan(&exists); err != nil {
			return false, unavailable(err)
		}
		if !exists {
			return false, fmt.Errorf("%w: challenge account %s", ErrEntityNotFound, acct.ID)
		}
		return false, fmt.Errorf("%w: challenge account %s version %d", ErrConcurrentModification, acct.ID, expectedVersion)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, unavailable(err)
	}
	committed = true
	return false, nil
}

func (s *Store) GetIBProfile(ctx context.Context, userID uuid.UUID) (IBProfile, error) {
	return s.scanIBProfile(s.pool.QueryRow(ctx, `
		SELECT user_id, referrer_user_id, tier, direct_referrals, suspended, commission_balance::text, version
		FROM ib_profiles
		WHERE user_id = $1
	`, userID))
}

// GetReferralChain returns the trader's referrers ordered by level, direct
// referrer first, at most maxLevels deep.
func (s *Store) GetReferralChain(ctx context.Context, traderUserID uuid.UUID, maxLevels int) ([]IBProfile, error) {
	if maxLevels <= 0 {
		return nil, nil
	}

	chain := make([]IBProfile, 0, maxLevels)
	current := traderUserID
	for level := 1; level <= maxLevels; level++ {
		profile, err := s.GetIBProfile(ctx, current)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				break
			}
			return nil, err
		}
		if profile.ReferrerUserID == nil {
			break
		}
		referrer, err := s.GetIBProfile(ctx, *profile.ReferrerUserID)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				break
			}
			return nil, err
		}
		chain = append(chain, referrer)
		current = referrer.UserID
	}
	return chain, nil
}

// RecordCommission appends one commission row and, for credited rows,
// credits the IB's commission sub-wallet in the same transaction. A
// duplicate (trade, ib, level) insert reports alreadyRecorded.
func (s *Store) RecordCommission(ctx context.Context, c Commission) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO commissions (id, ib_user_id, trader_user_id, trade_id, level, lots, rate, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.IBUserID, c.TraderUserID, c.TradeID, c.Level,
		c.Lots.String(), c.Rate.String(), c.Amount.String(), c.Status, c.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return true, nil
		}
		return false, unavailable(err)
	}

	if c.Status == CommissionStatusCredited {
		tag, err := tx.Exec(ctx, `
			UPDATE ib_profiles
			SET commission_balance = commission_balance + $1, version = version + 1
			WHERE user_id = $2
		`, c.Amount.String(), c.IBUserID)
		if err != nil {
			return false, unavailable(err)
		}
		if tag.RowsAffected() == 0 {
			return false, fmt.Errorf("%w: ib profile %s", ErrEntityNotFound, c.IBUserID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, unavailable(err)
	}
	committed = true
	return false, nil
}

func (s *Store) GetCommissionTiers(ctx context.Context) ([]CommissionTier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, min_direct_referrals, multiplier::text
		FROM commission_tiers
		ORDER BY min_direct_referrals ASC
	`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var tiers []CommissionTier
	for rows.Next() {
		var t CommissionTier
		var multStr string
		if err := rows.Scan(&t.Name, &t.MinDirectReferrals, &multStr); err != nil {
			return nil, unavailable(err)
		}
		if t.Multiplier, err = decimal.NewFromString(multStr); err != nil {
			return nil, fmt.Errorf("parse tier multiplier: %w", err)
		}
		tiers = append(tiers, t)
	}
	if rows.Err() != nil {
		return nil, unavailable(rows.Err())
	}
	return tiers, nil
}

// UpdateIBTier bumps an IB profile to a higher tier. Downgrades are
// ignored on purpose; tier demotion is a manual operation.
func (s *Store) UpdateIBTier(ctx context.Context, userID uuid.UUID, tier string, directReferrals int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ib_profiles
		SET tier = $1, direct_referrals = $2, version = version + 1
		WHERE user_id = $3
	`, tier, directReferrals, userID)
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ib profile %s", ErrEntityNotFound, userID)
	}
	return nil
}

const challengeAccountSelect = `
	SELECT id, user_id, challenge_id, current_step, starting_balance::text,
	       current_balance::text, current_equity::text, high_water_mark::text,
	       daily_start_equity::text, trading_days, last_trade_day, status,
	       failure_reason, started_at, version, updated_at
	FROM challenge_accounts`

const transactionSelect = `
	SELECT id, user_id, from_entity, to_entity, amount::text, type, status,
	       COALESCE(reference, ''), payout, created_at, updated_at
	FROM transactions`

func (s *Store) lockWalletAndAccount(ctx context.Context, tx pgx.Tx, userID, accountID uuid.UUID) (*Wallet, *TradingAccount, error) {
	var wallet *Wallet
	var acct *TradingAccount
	var err error
	for _, ref := range sortLockRefs([]lockRef{
		{kind: lockWallet, id: userID},
		{kind: lockAccount, id: accountID},
	}) {
		switch ref.kind {
		case lockWallet:
			wallet, err = s.lockWallet(ctx, tx, ref.id)
		case lockAccount:
			acct, err = s.lockAccount(ctx, tx, ref.id)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return wallet, acct, nil
}

func (s *Store) lockWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*Wallet, error) {
	wallet, err := s.scanWallet(tx.QueryRow(ctx, `
		SELECT id, user_id, balance::text, pending_withdrawal::text, version, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID))
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (s *Store) lockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*TradingAccount, error) {
	acct, err := s.scanAccount(tx.QueryRow(ctx, `
		SELECT id, user_id, type, balance::text, credit::text, leverage, status, version, created_at, updated_at
		FROM trading_accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID))
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) lockTransaction(ctx context.Context, tx pgx.Tx, txID uuid.UUID) (*Transaction, error) {
	record, err := s.scanTransaction(tx.QueryRow(ctx, transactionSelect+` WHERE id = $1 FOR UPDATE`, txID))
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) updateWallet(ctx context.Context, tx pgx.Tx, wallet *Wallet, now time.Time) error {
	if wallet.Balance.IsNegative() || wallet.PendingWithdrawal.IsNegative() {
		return fmt.Errorf("%w: wallet %s would go negative", ErrInsufficientFunds, wallet.UserID)
	}
	wallet.Version++
	wallet.UpdatedAt = now
	_, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance = $1, pending_withdrawal = $2, version = $3, updated_at = $4
		WHERE id = $5
	`, wallet.Balance.String(), wallet.PendingWithdrawal.String(), wallet.Version, now, wallet.ID)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) updateAccountBalance(ctx context.Context, tx pgx.Tx, acct *TradingAccount, now time.Time) error {
	if acct.Balance.IsNegative() {
		return fmt.Errorf("%w: account %s would go negative", ErrInsufficientFunds, acct.ID)
	}
	acct.Version++
	acct.UpdatedAt = now
	_, err := tx.Exec(ctx, `
		UPDATE trading_accounts
		SET balance = $1, version = $2, updated_at = $3
		WHERE id = $4
	`, acct.Balance.String(), acct.Version, now, acct.ID)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) insertTransaction(ctx context.Context, tx pgx.Tx, record Transaction) error {
	var reference any
	if record.Reference != "" {
		reference = record.Reference
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, from_entity, to_entity, amount, type, status, reference, payout, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, record.ID, record.UserID, record.FromEntity, record.ToEntity,
		record.Amount.String(), record.Type, record.Status, reference, record.Payout,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWallet(row rowScanner) (Wallet, error) {
	var w Wallet
	var balanceStr, pendingStr string
	if err := row.Scan(&w.ID, &w.UserID, &balanceStr, &pendingStr, &w.Version, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, fmt.Errorf("%w: wallet", ErrEntityNotFound)
		}
		return Wallet{}, unavailable(err)
	}
	var err error
	if w.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return Wallet{}, fmt.Errorf("parse wallet balance: %w", err)
	}
	if w.PendingWithdrawal, err = decimal.NewFromString(pendingStr); err != nil {
		return Wallet{}, fmt.Errorf("parse pending withdrawal: %w", err)
	}
	return w, nil
}

func (s *Store) scanAccount(row rowScanner) (TradingAccount, error) {
	var a TradingAccount
	var balanceStr, creditStr string
	if err := row.Scan(&a.ID, &a.UserID, &a.Type, &balanceStr, &creditStr, &a.Leverage, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TradingAccount{}, fmt.Errorf("%w: trading account", ErrEntityNotFound)
		}
		return TradingAccount{}, unavailable(err)
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return TradingAccount{}, fmt.Errorf("parse account balance: %w", err)
	}
	if a.Credit, err = decimal.NewFromString(creditStr); err != nil {
		return TradingAccount{}, fmt.Errorf("parse account credit: %w", err)
	}
	return a, nil
}

func (s *Store) scanChallengeAccount(row rowScanner) (ChallengeAccount, error) {
	var a ChallengeAccount
	var startingStr, balanceStr, equityStr, hwmStr, dailyStr string
	var lastTradeDay *time.Time
	if err := row.Scan(&a.ID, &a.UserID, &a.ChallengeID, &a.CurrentStep, &startingStr,
		&balanceStr, &equityStr, &hwmStr, &dailyStr, &a.TradingDays, &lastTradeDay,
		&a.Status, &a.FailureReason, &a.StartedAt, &a.Version, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChallengeAccount{}, fmt.Errorf("%w: challenge account", ErrEntityNotFound)
		}
		return ChallengeAccount{}, unavailable(err)
	}
	if lastTradeDay != nil {
		a.LastTradeDay = *lastTradeDay
	}
	var err error
	if a.StartingBalance, err = decimal.NewFromString(startingStr); err != nil {
		return ChallengeAccount{}, fmt.Errorf("parse starting balance: %w", err)
	}
	if a.CurrentBalance, err = decimal.NewFromString(balanceStr); err != nil {
		return ChallengeAccount{}, fmt.Errorf("parse current balance: %w", err)
	}
	if a.CurrentEquity, err = decimal.NewFromString(equityStr); err != nil {
		return ChallengeAccount{}, fmt.Errorf("parse current equity: %w", err)
	}
	if a.HighWaterMark, err = decimal.NewFromString(hwmStr); err != nil {
		return ChallengeAccount{}, fmt.Errorf("parse high water mark: %w", err)
	}
	if a.DailyStartEquity, err = decimal.NewFromString(dailyStr); err != nil {
		return ChallengeAccount{}, fmt.Errorf("parse daily start equity: %w", err)
	}
	return a, nil
}

func (s *Store) scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	var amountStr string
	if err := row.Scan(&t.ID, &t.UserID, &t.FromEntity, &t.ToEntity, &amountStr,
		&t.Type, &t.Status, &t.Reference, &t.Payout, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("%w: transaction", ErrEntityNotFound)
		}
		return Transaction{}, unavailable(err)
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Transaction{}, fmt.Errorf("parse transaction amount: %w", err)
	}
	return t, nil
}

func (s *Store) scanIBProfile(row rowScanner) (IBProfile, error) {
	var p IBProfile
	var balanceStr string
	if err := row.Scan(&p.UserID, &p.ReferrerUserID, &p.Tier, &p.DirectReferrals, &p.Suspended, &balanceStr, &p.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IBProfile{}, fmt.Errorf("%w: ib profile", ErrEntityNotFound)
		}
		return IBProfile{}, unavailable(err)
	}
	var err error
	if p.CommissionBalance, err = decimal.NewFromString(balanceStr); err != nil {
		return IBProfile{}, fmt.Errorf("parse commission balance: %w", err)
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
