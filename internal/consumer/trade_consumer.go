package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/challenge"
	"github.com/pipxcapital/propcore/internal/storage"
	"github.com/pipxcapital/propcore/libs/kafka"
)

const (
	tradeClosedEventType    = "trades.closed"
	equitySnapshotEventType = "equity.snapshots"
)

// TradeClosedEvent arrives from the trading platform bridge whenever a
// position closes on a challenge account.
type TradeClosedEvent struct {
	kafka.Envelope
	AccountID   string `json:"account_id"`
	UserID      string `json:"user_id"`
	TradeID     string `json:"trade_id"`
	PnL         string `json:"pnl"`
	Lots        string `json:"lots"`
	EquityAfter string `json:"equity_after"`
	ClosedAt    string `json:"closed_at"`
}

func (e *TradeClosedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != tradeClosedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("account_id is required")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(e.TradeID) == "" {
		return fmt.Errorf("trade_id is required")
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(e.PnL)); err != nil {
		return fmt.Errorf("pnl must be a decimal number")
	}
	if lots, err := decimal.NewFromString(strings.TrimSpace(e.Lots)); err != nil || lots.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("lots must be a positive decimal number")
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(e.EquityAfter)); err != nil {
		return fmt.Errorf("equity_after must be a decimal number")
	}
	return nil
}

// EquitySnapshotEvent is the periodic mark-to-market feed for open
// positions.
type EquitySnapshotEvent struct {
	kafka.Envelope
	AccountID string `json:"account_id"`
	Equity    string `json:"equity"`
	At        string `json:"at"`
}

func (e *EquitySnapshotEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != equitySnapshotEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("account_id is required")
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(e.Equity)); err != nil {
		return fmt.Errorf("equity must be a decimal number")
	}
	return nil
}

type Evaluator interface {
	OnTradeClose(ctx context.Context, accountID uuid.UUID, pnl, equityAfter decimal.Decimal, eventID string, closedAt time.Time) (*challenge.Transition, error)
	OnEquitySnapshot(ctx context.Context, accountID uuid.UUID, equity decimal.Decimal, eventID string, at time.Time) (*challenge.Transition, error)
}

type CommissionEngine interface {
	OnTradeClose(ctx context.Context, traderUserID uuid.UUID, tradeID string, lots decimal.Decimal) ([]storage.Commission, error)
}

type AccountReader interface {
	GetChallengeAccount(ctx context.Context, accountID uuid.UUID) (storage.ChallengeAccount, error)
}

// TradeConsumer routes closed trades by account phase: evaluation-phase
// accounts go through the challenge evaluator, funded accounts pay the
// IB chain through the commission engine. Equity snapshots always go to
// the evaluator.
type TradeConsumer struct {
	accounts    AccountReader
	evaluator   Evaluator
	commissions CommissionEngine
	logger      *slog.Logger
}

func NewTradeConsumer(accounts AccountReader, evaluator Evaluator, commissions CommissionEngine, logger *slog.Logger) *TradeConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeConsumer{
		accounts:    accounts,
		evaluator:   evaluator,
		commissions: commissions,
		logger:      logger,
	}
}

func (c *TradeConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}
	switch msg.Topic {
	case equitySnapshotEventType:
		return c.handleEquitySnapshot(ctx, msg)
	default:
		return c.handleTradeClosed(ctx, msg)
	}
}

func (c *TradeConsumer) handleTradeClosed(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event TradeClosedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode trades.closed: %w", err), "decode_failed")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "validation_failed")
	}

	accountID, err := parseUUID(event.AccountID, "account_id")
	if err != nil {
		return kafka.DLQ(err, "validation_failed")
	}
	userID, err := parseUUID(event.UserID, "user_id")
	if err != nil {
		return kafka.DLQ(err, "validation_failed")
	}
	pnl := decimal.RequireFromString(strings.TrimSpace(event.PnL))
	lots := decimal.RequireFromString(strings.TrimSpace(event.Lots))
	equityAfter := decimal.RequireFromString(strings.TrimSpace(event.EquityAfter))
	closedAt := parseEventTime(event.ClosedAt)

	acct, err := c.accounts.GetChallengeAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return kafka.DLQ(err, "account_unknown")
		}
		return fmt.Errorf("load account for trade %s: %w", event.TradeID, err)
	}

	switch acct.Status {
	case storage.ChallengeStatusFunded:
		// Live traders are past evaluation; their closed volume pays the
		// referral chain.
		if _, err := c.commissions.OnTradeClose(ctx, userID, event.TradeID, lots); err != nil {
			return fmt.Errorf("commissions for trade %s: %w", event.TradeID, err)
		}
		return nil
	case storage.ChallengeStatusActive:
		transition, err := c.evaluator.OnTradeClose(ctx, accountID, pnl, equityAfter, event.EventID, closedAt)
		if err != nil {
			// The account can turn terminal between the read above and
			// the evaluator's own locked read. A business rejection is
			// not a transport failure; retrying cannot succeed.
			if errors.Is(err, storage.ErrInvalidState) {
				return kafka.DLQ(err, "account_terminal")
			}
			if errors.Is(err, storage.ErrEntityNotFound) {
				return kafka.DLQ(err, "account_unknown")
			}
			return fmt.Errorf("evaluate trade %s: %w", event.TradeID, err)
		}
		if transition != nil {
			c.logger.Info("trade event moved challenge state",
				"trade_id", event.TradeID,
				"account_id", accountID,
				"to", transition.To,
				"reason", transition.Reason,
			)
		}
		return nil
	default:
		return kafka.DLQ(fmt.Errorf("%w: challenge account is %s", storage.ErrInvalidState, acct.Status), "account_terminal")
	}
}

func (c *TradeConsumer) handleEquitySnapshot(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event EquitySnapshotEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode equity.snapshots: %w", err), "decode_failed")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "validation_failed")
	}

	accountID, err := parseUUID(event.AccountID, "account_id")
	if err != nil {
		return kafka.DLQ(err, "validation_failed")
	}
	equity := decimal.RequireFromString(strings.TrimSpace(event.Equity))

	_, err = c.evaluator.OnEquitySnapshot(ctx, accountID, equity, event.EventID, parseEventTime(event.At))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidState) {
			// Snapshots for terminal accounts are expected while the feed
			// catches up; drop them quietly.
			return nil
		}
		if errors.Is(err, storage.ErrEntityNotFound) {
			return kafka.DLQ(err, "account_unknown")
		}
		return fmt.Errorf("evaluate snapshot for %s: %w", accountID, err)
	}
	return nil
}

func parseUUID(value, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid uuid", field)
	}
	return id, nil
}

func parseEventTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
