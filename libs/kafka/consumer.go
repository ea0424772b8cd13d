package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

const defaultMaxHandlerAttempts = 3

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: defaultMaxHandlerAttempts,
	}, nil
}

// WithDLQ routes poison messages to the given dead-letter topic instead of
// blocking the partition on them.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, 10*time.Minute),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			h.retryTracker.Reset(retryKey(msg))
			session.MarkMessage(msg, "")
			continue
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			h.sendToDLQ(session, msg, dlqErr, 1)
			session.MarkMessage(msg, "")
			continue
		}

		attempts := h.retryTracker.Inc(retryKey(msg))
		if attempts >= h.retryTracker.maxAttempts {
			h.sendToDLQ(session, msg, &DLQError{Err: err, Reason: "max_retries"}, attempts)
			h.retryTracker.Reset(retryKey(msg))
			session.MarkMessage(msg, "")
			continue
		}

		h.logger.Error("kafka message handler error",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempts, "error", err)
	}
	return nil
}

func (h *consumerGroupHandler) sendToDLQ(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("dropping poison message, no dlq configured",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", dlqErr)
		return
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	key := ""
	if len(msg.Key) > 0 {
		key = string(msg.Key)
	}
	if _, _, err := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, key, payload); err != nil {
		h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", err)
	}
}

func retryKey(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	entries     map[string]retryEntry
}

type retryEntry struct {
	attempts int
	expires  time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxHandlerAttempts
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		entries:     make(map[string]retryEntry),
	}
}

func (t *retryTracker) Inc(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	entry, ok := t.entries[key]
	if !ok || now.After(entry.expires) {
		entry = retryEntry{}
	}
	entry.attempts++
	entry.expires = now.Add(t.ttl)
	t.entries[key] = entry
	return entry.attempts
}

func (t *retryTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
