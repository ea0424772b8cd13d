package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	ibUserID     = uuid.MustParse("00000000-0000-0000-0000-000000000003")

	demoAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	traderAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000102")

	starterChallengeID = uuid.MustParse("00000000-0000-0000-0000-000000000201")
	proChallengeID     = uuid.MustParse("00000000-0000-0000-0000-000000000202")
)

func main() {
	env := getEnv("PROP_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: PROP_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "propcore")
	user := getEnv("POSTGRES_USER", "propcore")
	password := getEnv("POSTGRES_PASSWORD", "propcore")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedWallets(ctx, pool); err != nil {
		log.Fatalf("seed wallets: %v", err)
	}
	fmt.Println("✓ Wallets seeded")

	if err := seedTradingAccounts(ctx, pool); err != nil {
		log.Fatalf("seed trading accounts: %v", err)
	}
	fmt.Println("✓ Trading accounts seeded")

	if err := seedChallenges(ctx, pool); err != nil {
		log.Fatalf("seed challenges: %v", err)
	}
	fmt.Println("✓ Challenge templates seeded")

	if err := seedCommissionTiers(ctx, pool); err != nil {
		log.Fatalf("seed commission tiers: %v", err)
	}
	fmt.Println("✓ Commission tiers seeded")

	if err := seedIBProfiles(ctx, pool); err != nil {
		log.Fatalf("seed ib profiles: %v", err)
	}
	fmt.Println("✓ IB profiles seeded")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nSeeded users:")
	fmt.Printf("  demo:   %s (wallet 10000)\n", demoUserID)
	fmt.Printf("  trader: %s (wallet 5000, referred by ib)\n", traderUserID)
	fmt.Printf("  ib:     %s (bronze tier)\n", ibUserID)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedWallets(ctx context.Context, pool *pgxpool.Pool) error {
	wallets := []struct {
		userID  uuid.UUID
		balance string
	}{
		{demoUserID, "10000"},
		{traderUserID, "5000"},
		{ibUserID, "0"},
	}

	now := time.Now()
	for _, w := range wallets {
		_, err := pool.Exec(ctx, `
			INSERT INTO wallets (id, user_id, balance, pending_withdrawal, version, updated_at)
			VALUES ($1, $2, $3, 0, 1, $4)
			ON CONFLICT (user_id) DO UPDATE
			SET balance = EXCLUDED.balance,
			    pending_withdrawal = EXCLUDED.pending_withdrawal,
			    version = wallets.version + 1,
			    updated_at = EXCLUDED.updated_at
		`, uuid.New(), w.userID, w.balance, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedTradingAccounts(ctx context.Context, pool *pgxpool.Pool) error {
	accounts := []struct {
		id      uuid.UUID
		userID  uuid.UUID
		accType string
		balance string
	}{
		{demoAccountID, demoUserID, "demo", "100000"},
		{traderAccountID, traderUserID, "live", "2500"},
	}

	now := time.Now()
	for _, a := range accounts {
		_, err := pool.Exec(ctx, `
			INSERT INTO trading_accounts (id, user_id, type, balance, credit, leverage, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, 100, 'active', 1, $5, $5)
			ON CONFLICT (id) DO UPDATE
			SET balance = EXCLUDED.balance,
			    status = EXCLUDED.status,
			    version = trading_accounts.version + 1,
			    updated_at = EXCLUDED.updated_at
		`, a.id, a.userID, a.accType, a.balance, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedChallenges(ctx context.Context, pool *pgxpool.Pool) error {
	challenges := []struct {
		id           uuid.UUID
		name         string
		fundSize     string
		fee          string
		steps        int
		profitTarget string
		maxDaily     string
		maxOverall   string
		minDays      int
		expiryDays   int
	}{
		{starterChallengeID, "Starter 10K", "10000", "99", 2, "8", "5", "10", 4, 30},
		{proChallengeID, "Pro 100K", "100000", "499", 2, "10", "5", "12", 5, 45},
	}

	for _, c := range challenges {
		_, err := pool.Exec(ctx, `
			INSERT INTO challenges (id, name, fund_size, fee, steps, profit_target_percent,
			                        max_daily_drawdown_percent, max_overall_drawdown_percent,
			                        min_trading_days, expiry_days)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
			    fund_size = EXCLUDED.fund_size,
			    fee = EXCLUDED.fee,
			    steps = EXCLUDED.steps,
			    profit_target_percent = EXCLUDED.profit_target_percent,
			    max_daily_drawdown_percent = EXCLUDED.max_daily_drawdown_percent,
			    max_overall_drawdown_percent = EXCLUDED.max_overall_drawdown_percent,
			    min_trading_days = EXCLUDED.min_trading_days,
			    expiry_days = EXCLUDED.expiry_days
		`, c.id, c.name, c.fundSize, c.fee, c.steps, c.profitTarget, c.maxDaily, c.maxOverall, c.minDays, c.expiryDays)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedCommissionTiers(ctx context.Context, pool *pgxpool.Pool) error {
	tiers := []struct {
		name         string
		minReferrals int
		multiplier   string
	}{
		{"bronze", 0, "1"},
		{"silver", 10, "1.25"},
		{"gold", 50, "1.5"},
	}

	for _, tier := range tiers {
		_, err := pool.Exec(ctx, `
			INSERT INTO commission_tiers (name, min_direct_referrals, multiplier)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE
			SET min_direct_referrals = EXCLUDED.min_direct_referrals,
			    multiplier = EXCLUDED.multiplier
		`, tier.name, tier.minReferrals, tier.multiplier)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedIBProfiles(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO ib_profiles (user_id, referrer_user_id, tier, direct_referrals, suspended, commission_balance, version)
		VALUES ($1, NULL, 'bronze', 1, false, 0, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET tier = EXCLUDED.tier,
		    direct_referrals = EXCLUDED.direct_referrals,
		    suspended = EXCLUDED.suspended,
		    version = ib_profiles.version + 1
	`, ibUserID)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO ib_profiles (user_id, referrer_user_id, tier, direct_referrals, suspended, commission_balance, version)
		VALUES ($1, $2, 'bronze', 0, false, 0, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET referrer_user_id = EXCLUDED.referrer_user_id,
		    version = ib_profiles.version + 1
	`, traderUserID, ibUserID)
	return err
}
