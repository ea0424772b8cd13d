package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	base "github.com/pipxcapital/propcore/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	TradesClosed       string
	EquitySnapshots    string
	ChallengeStatus    string
	CommissionCredited string
	DeadLetter         string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type AuthConfig struct {
	JWTSecret string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type WithdrawalConfig struct {
	RateLimit  int
	RateWindow time.Duration
}

type CommissionConfig struct {
	// LevelRates are per-lot amounts for referral levels 1..n.
	LevelRates          []decimal.Decimal
	TierRefreshInterval time.Duration
}

type ChallengeConfig struct {
	RolloverInterval time.Duration
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Auth       AuthConfig
	Redis      RedisConfig
	Withdrawal WithdrawalConfig
	Commission CommissionConfig
	Challenge  ChallengeConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("PROP_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("PROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("PROP_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "propcore")
	v.SetDefault("kafka.topics.trades_closed", "trades.closed")
	v.SetDefault("kafka.topics.equity_snapshots", "equity.snapshots")
	v.SetDefault("kafka.topics.challenge_status", "challenge.status")
	v.SetDefault("kafka.topics.commission_credited", "commission.credited")
	v.SetDefault("kafka.topics.dead_letter", "propcore.dlq")

	levelRates, err := parseRates(envString("COMMISSION_LEVEL_RATES", "5,3,2,1,0.5"))
	if err != nil {
		return nil, fmt.Errorf("COMMISSION_LEVEL_RATES: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "propcore"),
			User:     envString("POSTGRES_USER", "propcore"),
			Password: envString("POSTGRES_PASSWORD", "propcore"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				TradesClosed:       envString("KAFKA_TRADES_CLOSED_TOPIC", v.GetString("kafka.topics.trades_closed")),
				EquitySnapshots:    envString("KAFKA_EQUITY_SNAPSHOTS_TOPIC", v.GetString("kafka.topics.equity_snapshots")),
				ChallengeStatus:    envString("KAFKA_CHALLENGE_STATUS_TOPIC", v.GetString("kafka.topics.challenge_status")),
				CommissionCredited: envString("KAFKA_COMMISSION_CREDITED_TOPIC", v.GetString("kafka.topics.commission_credited")),
				DeadLetter:         envString("KAFKA_DEAD_LETTER_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Auth: AuthConfig{
			JWTSecret: envString("PROP_JWT_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", ""),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Withdrawal: WithdrawalConfig{
			RateLimit:  envInt("WITHDRAWAL_RATE_LIMIT", 5),
			RateWindow: envDuration("WITHDRAWAL_RATE_WINDOW", time.Hour),
		},
		Commission: CommissionConfig{
			LevelRates:          levelRates,
			TierRefreshInterval: envDuration("COMMISSION_TIER_REFRESH_INTERVAL", 5*time.Minute),
		},
		Challenge: ChallengeConfig{
			RolloverInterval: envDuration("CHALLENGE_ROLLOVER_INTERVAL", time.Minute),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("PROP_JWT_SECRET required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.TradesClosed == "" || cfg.Kafka.Topics.EquitySnapshots == "" {
		return nil, fmt.Errorf("kafka intake topics required")
	}
	if cfg.Kafka.Topics.ChallengeStatus == "" || cfg.Kafka.Topics.CommissionCredited == "" {
		return nil, fmt.Errorf("kafka outbound topics required")
	}
	if len(cfg.Commission.LevelRates) == 0 {
		return nil, fmt.Errorf("commission level rates required")
	}
	if cfg.Withdrawal.RateLimit <= 0 || cfg.Withdrawal.RateWindow <= 0 {
		return nil, fmt.Errorf("withdrawal rate limit settings must be positive")
	}

	return cfg, nil
}

func parseRates(raw string) ([]decimal.Decimal, error) {
	parts := strings.Split(raw, ",")
	rates := make([]decimal.Decimal, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := decimal.NewFromString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q: %w", trimmed, err)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("rate %q must not be negative", trimmed)
		}
		rates = append(rates, rate)
	}
	return rates, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
