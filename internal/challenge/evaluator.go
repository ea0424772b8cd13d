package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/storage"
	"github.com/pipxcapital/propcore/libs/kafka"
)

const saveRetries = 3

type Store interface {
	GetChallengeAccount(ctx context.Context, accountID uuid.UUID) (storage.ChallengeAccount, error)
	GetChallenge(ctx context.Context, challengeID uuid.UUID) (storage.Challenge, error)
	ListActiveChallengeAccounts(ctx context.Context) ([]storage.ChallengeAccount, error)
	SaveChallengeEvaluation(ctx context.Context, acct storage.ChallengeAccount, expectedVersion int64, eventID string) (bool, error)
}

// StatusEvent is published on every challenge state transition.
type StatusEvent struct {
	kafka.Envelope
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Step      int    `json:"step"`
	Equity    string `json:"equity"`
}

// Evaluator serializes evaluation per challenge account. Concurrent trade
// events for the same account queue on its mutex, so each one observes the
// previous result. Writes still carry the optimistic version in case
// another process owns the same account.
type Evaluator struct {
	store       Store
	publisher   kafka.Publisher
	statusTopic string
	logger      *slog.Logger
	metrics     *Metrics

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	rulesMu sync.RWMutex
	rules   map[uuid.UUID]Rules
}

func NewEvaluator(store Store, publisher kafka.Publisher, statusTopic string, logger *slog.Logger, metrics *Metrics) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:       store,
		publisher:   publisher,
		statusTopic: statusTopic,
		logger:      logger,
		metrics:     metrics,
		locks:       map[uuid.UUID]*sync.Mutex{},
		rules:       map[uuid.UUID]Rules{},
	}
}

// OnTradeClose applies a closed trade to the account: balance moves by
// pnl, the trading-day counter advances, and the equity after the trade
// runs through the state machine.
func (e *Evaluator) OnTradeClose(ctx context.Context, accountID uuid.UUID, pnl, equityAfter decimal.Decimal, eventID string, closedAt time.Time) (*Transition, error) {
	return e.evaluate(ctx, "trade_close", accountID, eventID, func(acct *storage.ChallengeAccount, rules Rules) (*Transition, error) {
		acct.CurrentBalance = acct.CurrentBalance.Add(pnl)
		MarkTradingDay(acct, closedAt)
		return Evaluate(acct, rules, equityAfter, closedAt)
	})
}

// OnEquitySnapshot runs a periodic mark-to-market equity through the
// state machine. Floating losses can fail an account between trades.
func (e *Evaluator) OnEquitySnapshot(ctx context.Context, accountID uuid.UUID, equity decimal.Decimal, eventID string, at time.Time) (*Transition, error) {
	return e.evaluate(ctx, "equity_snapshot", accountID, eventID, func(acct *storage.ChallengeAccount, rules Rules) (*Transition, error) {
		return Evaluate(acct, rules, equity, at)
	})
}

// Promote funds a passed account.
func (e *Evaluator) Promote(ctx context.Context, accountID uuid.UUID) (*Transition, error) {
	eventID := kafka.DeterministicEventID("challenge.promote", accountID.String())
	return e.evaluate(ctx, "promote", accountID, eventID, func(acct *storage.ChallengeAccount, _ Rules) (*Transition, error) {
		return Promote(acct)
	})
}

// RolloverAll starts a new trading day for every active account and fails
// the overdue ones. Safe to rerun for the same day.
func (e *Evaluator) RolloverAll(ctx context.Context, now time.Time) error {
	accounts, err := e.store.ListActiveChallengeAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list active challenge accounts: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ActiveAccounts.Set(float64(len(accounts)))
	}

	day := now.UTC().Format("2006-01-02")
	var failed int
	for _, acct := range accounts {
		eventID := kafka.DeterministicEventID("challenge.rollover", acct.ID.String(), day)
		_, err := e.evaluate(ctx, "rollover", acct.ID, eventID, func(a *storage.ChallengeAccount, rules Rules) (*Transition, error) {
			return Rollover(a, rules, now)
		})
		if err != nil {
			if errors.Is(err, storage.ErrInvalidState) {
				continue
			}
			failed++
			e.logger.Error("daily rollover failed", "account_id", acct.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("daily rollover: %d accounts failed", failed)
	}
	return nil
}

func (e *Evaluator) evaluate(ctx context.Context, source string, accountID uuid.UUID, eventID string, apply func(*storage.ChallengeAccount, Rules) (*Transition, error)) (*Transition, error) {
	start := time.Now()
	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		acct, err := e.store.GetChallengeAccount(ctx, accountID)
		if err != nil {
			e.finish(source, "error", start)
			return nil, err
		}

		rules, err := e.rulesFor(ctx, acct.ChallengeID)
		if err != nil {
			e.finish(source, "error", start)
			return nil, err
		}

		expectedVersion := acct.Version
		transition, err := apply(&acct, rules)
		if err != nil {
			e.finish(source, "rejected", start)
			return nil, err
		}

		already, err := e.store.SaveChallengeEvaluation(ctx, acct, expectedVersion, eventID)
		if err != nil {
			if errors.Is(err, storage.ErrConcurrentModification) {
				e.metrics.IncVersionConflict()
				lastErr = err
				continue
			}
			e.finish(source, "error", start)
			return nil, err
		}
		if already {
			e.finish(source, "duplicate", start)
			return nil, nil
		}

		if transition != nil && transition.From != transition.To {
			e.metrics.IncTransition(transition.To, transition.Reason)
			e.publishStatus(ctx, acct, transition, eventID)
			e.logger.Info("challenge transition",
				"account_id", acct.ID,
				"from", transition.From,
				"to", transition.To,
				"reason", transition.Reason,
			)
		}
		e.finish(source, "success", start)
		return transition, nil
	}

	e.finish(source, "conflict", start)
	return nil, lastErr
}

func (e *Evaluator) publishStatus(ctx context.Context, acct storage.ChallengeAccount, transition *Transition, sourceEventID string) {
	if e.publisher == nil {
		return
	}
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("challenge.status", acct.ID.String(), sourceEventID, transition.To),
		"challenge.status", 1, sourceEventID,
	)
	if err != nil {
		e.logger.Error("build status envelope failed", "error", err)
		return
	}
	event := StatusEvent{
		Envelope:  envelope,
		AccountID: acct.ID.String(),
		UserID:    acct.UserID.String(),
		From:      transition.From,
		To:        transition.To,
		Reason:    transition.Reason,
		Step:      acct.CurrentStep,
		Equity:    acct.CurrentEquity.String(),
	}
	if _, _, err := e.publisher.PublishJSON(ctx, e.statusTopic, acct.ID.String(), event); err != nil {
		e.logger.Error("publish challenge status failed", "account_id", acct.ID, "error", err)
	}
}

func (e *Evaluator) rulesFor(ctx context.Context, challengeID uuid.UUID) (Rules, error) {
	e.rulesMu.RLock()
	rules, ok := e.rules[challengeID]
	e.rulesMu.RUnlock()
	if ok {
		return rules, nil
	}

	c, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return Rules{}, err
	}
	rules = RulesFromChallenge(c)

	// Templates are immutable, so the cache never invalidates.
	e.rulesMu.Lock()
	e.rules[challengeID] = rules
	e.rulesMu.Unlock()
	return rules, nil
}

func (e *Evaluator) accountLock(accountID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[accountID] = lock
	}
	return lock
}

func (e *Evaluator) finish(source, status string, start time.Time) {
	e.metrics.ObserveEvaluation(source, status, time.Since(start))
}
