package challenge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/storage"
)

type fakeChallengeStore struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]storage.ChallengeAccount
	templates map[uuid.UUID]storage.Challenge
	processed map[string]bool

	conflictsToInject int
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{
		accounts:  map[uuid.UUID]storage.ChallengeAccount{},
		templates: map[uuid.UUID]storage.Challenge{},
		processed: map[string]bool{},
	}
}

func (f *fakeChallengeStore) addAccount(equity string, c storage.Challenge) uuid.UUID {
	e := decimal.RequireFromString(equity)
	id := uuid.New()
	f.templates[c.ID] = c
	f.accounts[id] = storage.ChallengeAccount{
		ID:               id,
		UserID:           uuid.New(),
		ChallengeID:      c.ID,
		CurrentStep:      1,
		StartingBalance:  e,
		CurrentBalance:   e,
		CurrentEquity:    e,
		HighWaterMark:    e,
		DailyStartEquity: e,
		Status:           storage.ChallengeStatusActive,
		StartedAt:        time.Now().UTC(),
		Version:          1,
	}
	return id
}

func (f *fakeChallengeStore) GetChallengeAccount(_ context.Context, accountID uuid.UUID) (storage.ChallengeAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[accountID]
	if !ok {
		return storage.ChallengeAccount{}, fmt.Errorf("%w: challenge account", storage.ErrEntityNotFound)
	}
	return acct, nil
}

func (f *fakeChallengeStore) GetChallenge(_ context.Context, challengeID uuid.UUID) (storage.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.templates[challengeID]
	if !ok {
		return storage.Challenge{}, fmt.Errorf("%w: challenge", storage.ErrEntityNotFound)
	}
	return c, nil
}

func (f *fakeChallengeStore) ListActiveChallengeAccounts(_ context.Context) ([]storage.ChallengeAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ChallengeAccount
	for _, acct := range f.accounts {
		if acct.Status == storage.ChallengeStatusActive {
			out = append(out, acct)
		}
	}
	return out, nil
}

func (f *fakeChallengeStore) SaveChallengeEvaluation(_ context.Context, acct storage.ChallengeAccount, expectedVersion int64, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eventID != "" && f.processed[eventID] {
		return true, nil
	}
	if f.conflictsToInject > 0 {
		f.conflictsToInject--
		return false, fmt.Errorf("%w: injected", storage.ErrConcurrentModification)
	}
	current, ok := f.accounts[acct.ID]
	if !ok {
		return false, fmt.Errorf("%w: challenge account", storage.ErrEntityNotFound)
	}
	if current.Version != expectedVersion {
		return false, fmt.Errorf("%w: version", storage.ErrConcurrentModification)
	}
	acct.Version = expectedVersion + 1
	f.accounts[acct.ID] = acct
	if eventID != "" {
		f.processed[eventID] = true
	}
	return false, nil
}

type capturedEvent struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{topic: topic, key: key, value: value})
	return 0, int64(len(f.events)), nil
}

func (f *fakePublisher) Close() error { return nil }

func evalChallenge() storage.Challenge {
	return storage.Challenge{
		ID:                        uuid.New(),
		Name:                      "eval-10k",
		FundSize:                  decimal.RequireFromString("10000"),
		Steps:                     2,
		ProfitTargetPercent:       decimal.RequireFromString("8"),
		MaxDailyDrawdownPercent:   decimal.RequireFromString("5"),
		MaxOverallDrawdownPercent: decimal.RequireFromString("10"),
		ExpiryDays:                30,
	}
}

func TestEvaluatorFailsOnDailyDrawdown(t *testing.T) {
	store := newFakeChallengeStore()
	accountID := store.addAccount("10000", evalChallenge())
	publisher := &fakePublisher{}
	eval := NewEvaluator(store, publisher, "challenge.status", nil, nil)
	ctx := context.Background()

	tr, err := eval.OnEquitySnapshot(ctx, accountID, decimal.RequireFromString("9400"), "evt-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("OnEquitySnapshot: %v", err)
	}
	if tr == nil || tr.To != storage.ChallengeStatusFailed || tr.Reason != FailureDailyDrawdown {
		t.Fatalf("expected daily drawdown failure, got %+v", tr)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(publisher.events))
	}
	event, ok := publisher.events[0].value.(StatusEvent)
	if !ok {
		t.Fatalf("unexpected event payload %T", publisher.events[0].value)
	}
	if event.To != storage.ChallengeStatusFailed || event.Reason != FailureDailyDrawdown {
		t.Fatalf("unexpected event %+v", event)
	}

	_, err = eval.OnTradeClose(ctx, accountID, decimal.RequireFromString("500"), decimal.RequireFromString("9900"), "evt-2", time.Now().UTC())
	if err == nil {
		t.Fatal("expected rejection after failure")
	}
}

func TestEvaluatorTradeCloseUpdatesBalance(t *testing.T) {
	store := newFakeChallengeStore()
	accountID := store.addAccount("10000", evalChallenge())
	eval := NewEvaluator(store, nil, "challenge.status", nil, nil)
	ctx := context.Background()

	_, err := eval.OnTradeClose(ctx, accountID, decimal.RequireFromString("150.25"), decimal.RequireFromString("10150.25"), "evt-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("OnTradeClose: %v", err)
	}

	acct := store.accounts[accountID]
	if acct.CurrentBalance.String() != "10150.25" {
		t.Fatalf("balance not updated: %s", acct.CurrentBalance)
	}
	if acct.TradingDays != 1 {
		t.Fatalf("trading day not counted: %d", acct.TradingDays)
	}
	if acct.Version != 2 {
		t.Fatalf("version not bumped: %d", acct.Version)
	}
}

func TestEvaluatorIgnoresReplayedEvent(t *testing.T) {
	store := newFakeChallengeStore()
	accountID := store.addAccount("10000", evalChallenge())
	eval := NewEvaluator(store, nil, "challenge.status", nil, nil)
	ctx := context.Background()

	if _, err := eval.OnTradeClose(ctx, accountID, decimal.RequireFromString("100"), decimal.RequireFromString("10100"), "evt-1", time.Now().UTC()); err != nil {
		t.Fatalf("OnTradeClose: %v", err)
	}
	if _, err := eval.OnTradeClose(ctx, accountID, decimal.RequireFromString("100"), decimal.RequireFromString("10100"), "evt-1", time.Now().UTC()); err != nil {
		t.Fatalf("OnTradeClose replay: %v", err)
	}

	acct := store.accounts[accountID]
	if acct.CurrentBalance.String() != "10100" {
		t.Fatalf("replayed event applied twice: %s", acct.CurrentBalance)
	}
}

func TestEvaluatorRetriesVersionConflicts(t *testing.T) {
	store := newFakeChallengeStore()
	accountID := store.addAccount("10000", evalChallenge())
	store.conflictsToInject = 2
	eval := NewEvaluator(store, nil, "challenge.status", nil, nil)

	_, err := eval.OnEquitySnapshot(context.Background(), accountID, decimal.RequireFromString("10050"), "evt-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("expected retry to absorb conflicts, got %v", err)
	}
	if store.accounts[accountID].CurrentEquity.String() != "10050" {
		t.Fatalf("write not applied after retries")
	}
}

func TestEvaluatorSerializesPerAccount(t *testing.T) {
	store := newFakeChallengeStore()
	accountID := store.addAccount("10000", evalChallenge())
	eval := NewEvaluator(store, nil, "challenge.status", nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			eventID := fmt.Sprintf("evt-%d", n)
			_, _ = eval.OnTradeClose(ctx, accountID, decimal.RequireFromString("10"), decimal.RequireFromString("10100"), eventID, time.Now().UTC())
		}(i)
	}
	wg.Wait()

	acct := store.accounts[accountID]
	if acct.CurrentBalance.String() != "10200" {
		t.Fatalf("lost updates under concurrency: %s", acct.CurrentBalance)
	}
	if acct.Version != 21 {
		t.Fatalf("unexpected version %d", acct.Version)
	}
}

func TestRolloverAllFailsExpiredAndResetsBaselines(t *testing.T) {
	store := newFakeChallengeStore()
	c := evalChallenge()
	freshID := store.addAccount("10000", c)
	staleID := store.addAccount("10000", c)

	stale := store.accounts[staleID]
	stale.StartedAt = time.Now().UTC().AddDate(0, 0, -31)
	store.accounts[staleID] = stale

	fresh := store.accounts[freshID]
	fresh.CurrentEquity = decimal.RequireFromString("9700")
	store.accounts[freshID] = fresh

	eval := NewEvaluator(store, nil, "challenge.status", nil, nil)
	now := time.Now().UTC()
	if err := eval.RolloverAll(context.Background(), now); err != nil {
		t.Fatalf("RolloverAll: %v", err)
	}

	if store.accounts[staleID].Status != storage.ChallengeStatusFailed {
		t.Fatalf("expired account not failed: %s", store.accounts[staleID].Status)
	}
	if store.accounts[staleID].FailureReason != FailureExpired {
		t.Fatalf("unexpected reason %s", store.accounts[staleID].FailureReason)
	}
	if store.accounts[freshID].DailyStartEquity.String() != "9700" {
		t.Fatalf("daily baseline not reset: %s", store.accounts[freshID].DailyStartEquity)
	}

	// Rerunning the same day is a no-op thanks to deterministic event ids.
	balanceBefore := store.accounts[freshID].Version
	if err := eval.RolloverAll(context.Background(), now); err != nil {
		t.Fatalf("RolloverAll rerun: %v", err)
	}
	if store.accounts[freshID].Version != balanceBefore {
		t.Fatalf("rerun mutated accounts")
	}
}
