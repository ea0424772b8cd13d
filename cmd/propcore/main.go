package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/pipxcapital/propcore/internal/challenge"
	"github.com/pipxcapital/propcore/internal/commission"
	"github.com/pipxcapital/propcore/internal/config"
	"github.com/pipxcapital/propcore/internal/consumer"
	"github.com/pipxcapital/propcore/internal/handlers"
	"github.com/pipxcapital/propcore/internal/rate"
	"github.com/pipxcapital/propcore/internal/storage"
	"github.com/pipxcapital/propcore/internal/transfer"
	"github.com/pipxcapital/propcore/libs/health"
	"github.com/pipxcapital/propcore/libs/httpmiddleware"
	"github.com/pipxcapital/propcore/libs/kafka"
	"github.com/pipxcapital/propcore/libs/logging"
	"github.com/pipxcapital/propcore/libs/metrics"
	"github.com/pipxcapital/propcore/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	transferMetrics := transfer.NewMetrics(registry)
	challengeMetrics := challenge.NewMetrics(registry)
	commissionMetrics := commission.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	transferService := transfer.NewService(store, logger, transferMetrics)
	evaluator := challenge.NewEvaluator(store, publisher, cfg.Kafka.Topics.ChallengeStatus, logger, challengeMetrics)

	tierCache := commission.NewTierCache()
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := tierCache.Load(loadCtx, store); err != nil {
		logger.Error("commission tier load failed", "error", err)
	}
	loadCancel()

	commissionEngine := commission.NewEngine(store, tierCache, cfg.Commission.LevelRates, publisher, cfg.Kafka.Topics.CommissionCredited, logger, commissionMetrics)

	limiter := buildWithdrawalLimiter(cfg, logger)

	handler := handlers.New(transferService, store, evaluator, limiter, []byte(cfg.Auth.JWTSecret), logger)
	httpServer := buildHTTPServer(cfg, handler, ready, registry, logger)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()

	tradeConsumer := consumer.NewTradeConsumer(store, evaluator, commissionEngine, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	tierCache.StartAutoRefresh(workerCtx, store, cfg.Commission.TierRefreshInterval, commissionMetrics, logger)

	ready.SetReady(true)

	go func() {
		logger.Info("propcore http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		topics := []string{cfg.Kafka.Topics.TradesClosed, cfg.Kafka.Topics.EquitySnapshots}
		logger.Info("propcore consumer starting", "topics", topics)
		if err := consumerGroup.Consume(workerCtx, topics, tradeConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	go runRolloverLoop(workerCtx, evaluator, cfg.Challenge.RolloverInterval, logger)

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

// runRolloverLoop resets daily drawdown baselines once per UTC day and
// fails expired accounts. The interval only controls how often the day
// boundary is checked.
func runRolloverLoop(ctx context.Context, evaluator *challenge.Evaluator, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastDay := time.Now().UTC().Truncate(24 * time.Hour)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			day := now.UTC().Truncate(24 * time.Hour)
			if !day.After(lastDay) {
				continue
			}
			if err := evaluator.RolloverAll(ctx, now.UTC()); err != nil {
				logger.Error("daily rollover failed", "error", err)
				continue
			}
			lastDay = day
		}
	}
}

func buildWithdrawalLimiter(cfg *config.Config, logger *slog.Logger) rate.Limiter {
	if cfg.Redis.Addr == "" {
		logger.Info("withdrawal rate limiting using in-memory store")
		return rate.NewMemory(cfg.Withdrawal.RateLimit, cfg.Withdrawal.RateWindow)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return rate.NewRedisLimiter(client, cfg.Withdrawal.RateLimit, cfg.Withdrawal.RateWindow, "")
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, handler *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
