package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/storage"
	"github.com/pipxcapital/propcore/libs/kafka"
)

// MaxLevels caps the referral chain walk; the direct referrer is level 1.
const MaxLevels = 5

type Store interface {
	GetReferralChain(ctx context.Context, traderUserID uuid.UUID, maxLevels int) ([]storage.IBProfile, error)
	RecordCommission(ctx context.Context, c storage.Commission) (bool, error)
	UpdateIBTier(ctx context.Context, userID uuid.UUID, tier string, directReferrals int) error
}

// CreditedEvent is published for every credited commission row.
type CreditedEvent struct {
	kafka.Envelope
	IBUserID     string `json:"ib_user_id"`
	TraderUserID string `json:"trader_user_id"`
	TradeID      string `json:"trade_id"`
	Level        int    `json:"level"`
	Amount       string `json:"amount"`
	Tier         string `json:"tier"`
}

// Engine pays introducing brokers on every closing trade of a referred
// trader. Credits come from a platform-side pool; they never touch the
// trader's balances.
type Engine struct {
	store         Store
	cache         *TierCache
	levelRates    []decimal.Decimal
	publisher     kafka.Publisher
	creditedTopic string
	logger        *slog.Logger
	metrics       *Metrics
}

func NewEngine(store Store, cache *TierCache, levelRates []decimal.Decimal, publisher kafka.Publisher, creditedTopic string, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         store,
		cache:         cache,
		levelRates:    levelRates,
		publisher:     publisher,
		creditedTopic: creditedTopic,
		logger:        logger,
		metrics:       metrics,
	}
}

// OnTradeClose computes and records commissions for one closed trade.
// Each (trade, ib, level) is credited at most once no matter how often
// the event is redelivered.
func (e *Engine) OnTradeClose(ctx context.Context, traderUserID uuid.UUID, tradeID string, lots decimal.Decimal) ([]storage.Commission, error) {
	if lots.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: lots must be positive", storage.ErrInvalidTarget)
	}

	chain, err := e.store.GetReferralChain(ctx, traderUserID, MaxLevels)
	if err != nil {
		return nil, fmt.Errorf("referral chain for %s: %w", traderUserID, err)
	}
	e.metrics.ObserveChainDepth(len(chain))
	if len(chain) == 0 {
		return nil, nil
	}

	var recorded []storage.Commission
	for i, ib := range chain {
		level := i + 1
		rate := e.levelRate(level)
		if rate.IsZero() {
			continue
		}

		tierName := ib.Tier
		multiplier := decimal.NewFromInt(1)
		if tier, ok := e.cache.TierByName(ib.Tier); ok {
			multiplier = tier.Multiplier
		}
		effectiveRate := rate.Mul(multiplier)

		status := storage.CommissionStatusCredited
		if ib.Suspended {
			status = storage.CommissionStatusVoid
		}

		c := storage.Commission{
			ID:           uuid.New(),
			IBUserID:     ib.UserID,
			TraderUserID: traderUserID,
			TradeID:      tradeID,
			Level:        level,
			Lots:         lots,
			Rate:         effectiveRate,
			Amount:       lots.Mul(effectiveRate),
			Status:       status,
			CreatedAt:    time.Now().UTC(),
		}

		already, err := e.store.RecordCommission(ctx, c)
		if err != nil {
			return recorded, fmt.Errorf("record commission trade=%s ib=%s level=%d: %w", tradeID, ib.UserID, level, err)
		}
		if already {
			e.metrics.IncRecord("duplicate")
			continue
		}
		e.metrics.IncRecord(status)
		recorded = append(recorded, c)

		if status == storage.CommissionStatusCredited {
			amountF, _ := c.Amount.Float64()
			e.metrics.AddCredited(tierName, amountF)
			e.publishCredited(ctx, c, tierName)
			e.maybeUpgradeTier(ctx, ib)
		}

		e.logger.Info("commission recorded",
			"trade_id", tradeID,
			"ib_user_id", ib.UserID,
			"level", level,
			"amount", c.Amount.String(),
			"status", status,
		)
	}
	return recorded, nil
}

// maybeUpgradeTier promotes the IB when their direct-referral count
// reaches a higher tier threshold. Demotion never happens automatically.
func (e *Engine) maybeUpgradeTier(ctx context.Context, ib storage.IBProfile) {
	candidate, ok := e.cache.TierForReferrals(ib.DirectReferrals)
	if !ok || candidate.Name == ib.Tier {
		return
	}
	current, ok := e.cache.TierByName(ib.Tier)
	if ok && candidate.MinDirectReferrals <= current.MinDirectReferrals {
		return
	}

	if err := e.store.UpdateIBTier(ctx, ib.UserID, candidate.Name, ib.DirectReferrals); err != nil {
		e.logger.Error("tier upgrade failed", "ib_user_id", ib.UserID, "tier", candidate.Name, "error", err)
		return
	}
	e.metrics.IncTierUpgrade(candidate.Name)
	e.logger.Info("ib tier upgraded",
		"ib_user_id", ib.UserID,
		"from", ib.Tier,
		"to", candidate.Name,
		"direct_referrals", ib.DirectReferrals,
	)
}

func (e *Engine) publishCredited(ctx context.Context, c storage.Commission, tier string) {
	if e.publisher == nil {
		return
	}
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("commission.credited", c.TradeID, c.IBUserID.String(), fmt.Sprintf("%d", c.Level)),
		"commission.credited", 1, c.TradeID,
	)
	if err != nil {
		e.logger.Error("build commission envelope failed", "error", err)
		return
	}
	event := CreditedEvent{
		Envelope:     envelope,
		IBUserID:     c.IBUserID.String(),
		TraderUserID: c.TraderUserID.String(),
		TradeID:      c.TradeID,
		Level:        c.Level,
		Amount:       c.Amount.String(),
		Tier:         tier,
	}
	if _, _, err := e.publisher.PublishJSON(ctx, e.creditedTopic, c.IBUserID.String(), event); err != nil {
		e.logger.Error("publish commission event failed", "trade_id", c.TradeID, "error", err)
	}
}

func (e *Engine) levelRate(level int) decimal.Decimal {
	if level < 1 || level > len(e.levelRates) {
		return decimal.Zero
	}
	return e.levelRates[level-1]
}
