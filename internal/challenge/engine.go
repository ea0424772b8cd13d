package challenge

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/storage"
)

// Failure reasons recorded on challenge accounts.
const (
	FailureDailyDrawdown   = "DailyDrawdown"
	FailureOverallDrawdown = "OverallDrawdown"
	FailureExpired         = "Expired"
)

var hundred = decimal.NewFromInt(100)

// Rules are the evaluation parameters of a challenge template.
type Rules struct {
	Steps                     int
	ProfitTargetPercent       decimal.Decimal
	MaxDailyDrawdownPercent   decimal.Decimal
	MaxOverallDrawdownPercent decimal.Decimal
	MinTradingDays            int
	ExpiryDays                int
}

func RulesFromChallenge(c storage.Challenge) Rules {
	return Rules{
		Steps:                     c.Steps,
		ProfitTargetPercent:       c.ProfitTargetPercent,
		MaxDailyDrawdownPercent:   c.MaxDailyDrawdownPercent,
		MaxOverallDrawdownPercent: c.MaxOverallDrawdownPercent,
		MinTradingDays:            c.MinTradingDays,
		ExpiryDays:                c.ExpiryDays,
	}
}

// Transition describes a state change produced by an evaluation.
type Transition struct {
	From         string
	To           string
	Reason       string
	StepAdvanced bool
}

// DailyDrawdownPercent measures the loss since the daily rollover,
// clamped at zero so profitable days never report negative drawdown.
func DailyDrawdownPercent(dailyStartEquity, equity decimal.Decimal) decimal.Decimal {
	if dailyStartEquity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	dd := dailyStartEquity.Sub(equity).Div(dailyStartEquity).Mul(hundred)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// OverallDrawdownPercent measures the loss from the high-water mark.
func OverallDrawdownPercent(highWaterMark, equity decimal.Decimal) decimal.Decimal {
	if highWaterMark.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	dd := highWaterMark.Sub(equity).Div(highWaterMark).Mul(hundred)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

func ProfitPercent(startingBalance, equity decimal.Decimal) decimal.Decimal {
	if startingBalance.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return equity.Sub(startingBalance).Div(startingBalance).Mul(hundred)
}

// Evaluate applies one equity update to an active challenge account and
// returns the transition, if any. The account is mutated in place; the
// caller persists it. Terminal accounts reject further updates.
//
// Order of checks: expiry, then drawdown breaches, then the profit
// target. A breach on the same update that would also hit the target
// fails the account.
func Evaluate(acct *storage.ChallengeAccount, rules Rules, equity decimal.Decimal, now time.Time) (*Transition, error) {
	if acct.Status != storage.ChallengeStatusActive {
		return nil, fmt.Errorf("%w: challenge account is %s", storage.ErrInvalidState, acct.Status)
	}

	if expired(acct, rules, now) {
		return fail(acct, FailureExpired), nil
	}

	acct.CurrentEquity = equity
	if equity.GreaterThan(acct.HighWaterMark) {
		acct.HighWaterMark = equity
	}

	daily := DailyDrawdownPercent(acct.DailyStartEquity, equity)
	overall := OverallDrawdownPercent(acct.HighWaterMark, equity)

	if daily.GreaterThan(rules.MaxDailyDrawdownPercent) {
		return fail(acct, FailureDailyDrawdown), nil
	}
	if overall.GreaterThan(rules.MaxOverallDrawdownPercent) {
		return fail(acct, FailureOverallDrawdown), nil
	}

	profit := ProfitPercent(acct.StartingBalance, equity)
	if profit.GreaterThanOrEqual(rules.ProfitTargetPercent) && acct.TradingDays >= rules.MinTradingDays {
		if acct.CurrentStep >= rules.Steps {
			acct.Status = storage.ChallengeStatusPassed
			return &Transition{From: storage.ChallengeStatusActive, To: storage.ChallengeStatusPassed}, nil
		}
		acct.CurrentStep++
		acct.StartingBalance = equity
		acct.HighWaterMark = equity
		return &Transition{
			From:         storage.ChallengeStatusActive,
			To:           storage.ChallengeStatusActive,
			StepAdvanced: true,
		}, nil
	}

	return nil, nil
}

// Rollover starts a new trading day: the daily drawdown baseline resets
// to current equity, and overdue accounts fail with reason Expired.
func Rollover(acct *storage.ChallengeAccount, rules Rules, now time.Time) (*Transition, error) {
	if acct.Status != storage.ChallengeStatusActive {
		return nil, fmt.Errorf("%w: challenge account is %s", storage.ErrInvalidState, acct.Status)
	}
	if expired(acct, rules, now) {
		return fail(acct, FailureExpired), nil
	}
	acct.DailyStartEquity = acct.CurrentEquity
	return nil, nil
}

// MarkTradingDay counts at most one trading day per calendar date.
func MarkTradingDay(acct *storage.ChallengeAccount, now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if acct.LastTradeDay.Equal(day) {
		return
	}
	acct.TradingDays++
	acct.LastTradeDay = day
}

// Promote moves a passed account to funded.
func Promote(acct *storage.ChallengeAccount) (*Transition, error) {
	if acct.Status != storage.ChallengeStatusPassed {
		return nil, fmt.Errorf("%w: only passed accounts can be funded, got %s", storage.ErrInvalidState, acct.Status)
	}
	acct.Status = storage.ChallengeStatusFunded
	return &Transition{From: storage.ChallengeStatusPassed, To: storage.ChallengeStatusFunded}, nil
}

// Archive retires an account. Archived is terminal.
func Archive(acct *storage.ChallengeAccount) (*Transition, error) {
	if acct.Status == storage.ChallengeStatusArchived {
		return nil, fmt.Errorf("%w: challenge account already archived", storage.ErrInvalidState)
	}
	from := acct.Status
	acct.Status = storage.ChallengeStatusArchived
	return &Transition{From: from, To: storage.ChallengeStatusArchived}, nil
}

func expired(acct *storage.ChallengeAccount, rules Rules, now time.Time) bool {
	if rules.ExpiryDays <= 0 {
		return false
	}
	deadline := acct.StartedAt.Add(time.Duration(rules.ExpiryDays) * 24 * time.Hour)
	return now.After(deadline)
}

func fail(acct *storage.ChallengeAccount, reason string) *Transition {
	from := acct.Status
	acct.Status = storage.ChallengeStatusFailed
	acct.FailureReason = reason
	return &Transition{From: from, To: storage.ChallengeStatusFailed, Reason: reason}
}
