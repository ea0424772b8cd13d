package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/challenge"
	"github.com/pipxcapital/propcore/internal/storage"
	"github.com/pipxcapital/propcore/libs/kafka"
)

type fakeEvaluator struct {
	tradeCalls    int
	snapshotCalls int
	lastAccountID uuid.UUID
	lastPnL       decimal.Decimal
	lastEventID   string
	err           error
}

func (f *fakeEvaluator) OnTradeClose(_ context.Context, accountID uuid.UUID, pnl, _ decimal.Decimal, eventID string, _ time.Time) (*challenge.Transition, error) {
	f.tradeCalls++
	f.lastAccountID = accountID
	f.lastPnL = pnl
	f.lastEventID = eventID
	return nil, f.err
}

func (f *fakeEvaluator) OnEquitySnapshot(_ context.Context, accountID uuid.UUID, _ decimal.Decimal, eventID string, _ time.Time) (*challenge.Transition, error) {
	f.snapshotCalls++
	f.lastAccountID = accountID
	f.lastEventID = eventID
	return nil, f.err
}

type fakeCommissions struct {
	calls    int
	lastUser uuid.UUID
	lastLots decimal.Decimal
	err      error
}

func (f *fakeCommissions) OnTradeClose(_ context.Context, traderUserID uuid.UUID, _ string, lots decimal.Decimal) ([]storage.Commission, error) {
	f.calls++
	f.lastUser = traderUserID
	f.lastLots = lots
	return nil, f.err
}

type fakeAccounts struct {
	accounts map[uuid.UUID]storage.ChallengeAccount
	err      error
}

func (f *fakeAccounts) GetChallengeAccount(_ context.Context, id uuid.UUID) (storage.ChallengeAccount, error) {
	if f.err != nil {
		return storage.ChallengeAccount{}, f.err
	}
	acct, ok := f.accounts[id]
	if !ok {
		return storage.ChallengeAccount{}, storage.ErrEntityNotFound
	}
	return acct, nil
}

func accountsWith(id uuid.UUID, status string) *fakeAccounts {
	return &fakeAccounts{accounts: map[uuid.UUID]storage.ChallengeAccount{
		id: {ID: id, Status: status},
	}}
}

func tradeClosedMessage(t *testing.T, accountID, userID uuid.UUID) *sarama.ConsumerMessage {
	t.Helper()
	envelope, err := kafka.NewEnvelope(tradeClosedEventType, 1, "corr-1")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	event := TradeClosedEvent{
		Envelope:    envelope,
		AccountID:   accountID.String(),
		UserID:      userID.String(),
		TradeID:     "trade-1",
		PnL:         "-120.50",
		Lots:        "2",
		EquityAfter: "9879.50",
		ClosedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "trades.closed", Value: payload}
}

func TestHandleTradeClosedActiveAccountEvaluatesOnly(t *testing.T) {
	evaluator := &fakeEvaluator{}
	commissions := &fakeCommissions{}

	accountID := uuid.New()
	userID := uuid.New()
	c := NewTradeConsumer(accountsWith(accountID, storage.ChallengeStatusActive), evaluator, commissions, nil)

	if err := c.HandleMessage(context.Background(), tradeClosedMessage(t, accountID, userID)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if evaluator.tradeCalls != 1 {
		t.Fatalf("evaluator calls = %d", evaluator.tradeCalls)
	}
	if evaluator.lastAccountID != accountID {
		t.Fatalf("wrong account %s", evaluator.lastAccountID)
	}
	if evaluator.lastPnL.String() != "-120.5" {
		t.Fatalf("wrong pnl %s", evaluator.lastPnL)
	}
	if commissions.calls != 0 {
		t.Fatalf("evaluation-phase trade must not pay commissions: calls=%d", commissions.calls)
	}
}

func TestHandleTradeClosedFundedAccountPaysCommissions(t *testing.T) {
	evaluator := &fakeEvaluator{}
	commissions := &fakeCommissions{}

	accountID := uuid.New()
	userID := uuid.New()
	c := NewTradeConsumer(accountsWith(accountID, storage.ChallengeStatusFunded), evaluator, commissions, nil)

	if err := c.HandleMessage(context.Background(), tradeClosedMessage(t, accountID, userID)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if commissions.calls != 1 || commissions.lastUser != userID {
		t.Fatalf("commission engine not called correctly: calls=%d user=%s", commissions.calls, commissions.lastUser)
	}
	if commissions.lastLots.String() != "2" {
		t.Fatalf("wrong lots %s", commissions.lastLots)
	}
	if evaluator.tradeCalls != 0 {
		t.Fatalf("funded account must skip evaluation: calls=%d", evaluator.tradeCalls)
	}
}

func TestHandleTradeClosedUnknownAccountGoesToDLQ(t *testing.T) {
	c := NewTradeConsumer(&fakeAccounts{}, &fakeEvaluator{}, &fakeCommissions{}, nil)

	err := c.HandleMessage(context.Background(), tradeClosedMessage(t, uuid.New(), uuid.New()))
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQError, got %v", err)
	}
}

func TestHandleTradeClosedMalformedGoesToDLQ(t *testing.T) {
	c := NewTradeConsumer(&fakeAccounts{}, &fakeEvaluator{}, &fakeCommissions{}, nil)

	cases := []struct {
		name  string
		value []byte
	}{
		{"empty", nil},
		{"not json", []byte("{nope")},
		{"missing fields", []byte(`{"event_id":"e1","event_type":"trades.closed","event_version":1,"timestamp":"2026-08-29T00:00:00Z"}`)},
		{"bad lots", mustJSON(t, map[string]any{
			"event_id": "e1", "event_type": "trades.closed", "event_version": 1,
			"timestamp":  "2026-08-29T00:00:00Z",
			"account_id": uuid.NewString(), "user_id": uuid.NewString(),
			"trade_id": "t1", "pnl": "1", "lots": "-2", "equity_after": "100",
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Topic: "trades.closed", Value: tc.value})
			var dlqErr *kafka.DLQError
			if !errors.As(err, &dlqErr) {
				t.Fatalf("expected DLQError, got %v", err)
			}
		})
	}
}

func TestHandleTradeClosedTerminalAccountGoesToDLQ(t *testing.T) {
	evaluator := &fakeEvaluator{}
	commissions := &fakeCommissions{}

	accountID := uuid.New()
	c := NewTradeConsumer(accountsWith(accountID, storage.ChallengeStatusFailed), evaluator, commissions, nil)

	err := c.HandleMessage(context.Background(), tradeClosedMessage(t, accountID, uuid.New()))
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQError, got %v", err)
	}
	if evaluator.tradeCalls != 0 {
		t.Fatal("terminal account must not be evaluated")
	}
	if commissions.calls != 0 {
		t.Fatal("commissions paid on rejected trade")
	}
}

func TestHandleTradeClosedEvaluatorRaceGoesToDLQ(t *testing.T) {
	// The account reads as active but turns terminal before the
	// evaluator's locked read.
	evaluator := &fakeEvaluator{err: fmt.Errorf("%w: failed", storage.ErrInvalidState)}
	commissions := &fakeCommissions{}

	accountID := uuid.New()
	c := NewTradeConsumer(accountsWith(accountID, storage.ChallengeStatusActive), evaluator, commissions, nil)

	err := c.HandleMessage(context.Background(), tradeClosedMessage(t, accountID, uuid.New()))
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQError, got %v", err)
	}
	if commissions.calls != 0 {
		t.Fatal("commissions paid on rejected trade")
	}
}

func TestHandleTradeClosedTransientErrorRetries(t *testing.T) {
	evaluator := &fakeEvaluator{err: fmt.Errorf("%w: db", storage.ErrUnavailable)}
	accountID := uuid.New()
	c := NewTradeConsumer(accountsWith(accountID, storage.ChallengeStatusActive), evaluator, &fakeCommissions{}, nil)

	err := c.HandleMessage(context.Background(), tradeClosedMessage(t, accountID, uuid.New()))
	if err == nil {
		t.Fatal("expected error")
	}
	var dlqErr *kafka.DLQError
	if errors.As(err, &dlqErr) {
		t.Fatalf("transient error must not short-circuit to DLQ: %v", err)
	}
}

func TestHandleEquitySnapshot(t *testing.T) {
	evaluator := &fakeEvaluator{}
	c := NewTradeConsumer(&fakeAccounts{}, evaluator, &fakeCommissions{}, nil)

	accountID := uuid.New()
	envelope, err := kafka.NewEnvelope(equitySnapshotEventType, 1, "corr-1")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	payload := mustJSON(t, EquitySnapshotEvent{
		Envelope:  envelope,
		AccountID: accountID.String(),
		Equity:    "9400",
		At:        time.Now().UTC().Format(time.RFC3339),
	})

	if err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Topic: "equity.snapshots", Value: payload}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if evaluator.snapshotCalls != 1 || evaluator.lastAccountID != accountID {
		t.Fatalf("snapshot not routed: calls=%d account=%s", evaluator.snapshotCalls, evaluator.lastAccountID)
	}
}

func TestHandleEquitySnapshotTerminalAccountDropped(t *testing.T) {
	evaluator := &fakeEvaluator{err: fmt.Errorf("%w: failed", storage.ErrInvalidState)}
	c := NewTradeConsumer(&fakeAccounts{}, evaluator, &fakeCommissions{}, nil)

	envelope, err := kafka.NewEnvelope(equitySnapshotEventType, 1, "corr-1")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	payload := mustJSON(t, EquitySnapshotEvent{
		Envelope:  envelope,
		AccountID: uuid.NewString(),
		Equity:    "9400",
	})

	if err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Topic: "equity.snapshots", Value: payload}); err != nil {
		t.Fatalf("terminal snapshot should be dropped, got %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}
