package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`

	// Transactions at or below this amount settle without approval unless
	// flagged high-risk.
	AutoApproveLimit decimal.Decimal `env:"AUTO_APPROVE_LIMIT" envDefault:"5000"`
	RiskCheckEnabled bool            `env:"RISK_CHECK_ENABLED" envDefault:"true"`

	// Fee policy.
	FeeTransferPct      decimal.Decimal `env:"FEE_TRANSFER_PCT" envDefault:"0.005"`
	FeeTransferTierPct  decimal.Decimal `env:"FEE_TRANSFER_TIER_PCT" envDefault:"0.0025"`
	FeeTransferTierFrom decimal.Decimal `env:"FEE_TRANSFER_TIER_FROM" envDefault:"10000"`
	FeeWithdrawalFlat   decimal.Decimal `env:"FEE_WITHDRAWAL_FLAT" envDefault:"1.50"`
	FeeDepositPct       decimal.Decimal `env:"FEE_DEPOSIT_PCT" envDefault:"0"`
	FeeScheduledPct     decimal.Decimal `env:"FEE_SCHEDULED_PCT" envDefault:"0.0025"`
	FeeCrossCurrencyPct decimal.Decimal `env:"FEE_CROSS_CURRENCY_PCT" envDefault:"0.01"`
	FeeMin              decimal.Decimal `env:"FEE_MIN" envDefault:"0"`
	FeeMax              decimal.Decimal `env:"FEE_MAX" envDefault:"250"`

	// Relationship discounts, as fractions of the base fee.
	SameOwnerDiscountPct   decimal.Decimal `env:"SAME_OWNER_DISCOUNT_PCT" envDefault:"0.5"`
	HighBalanceDiscountPct decimal.Decimal `env:"HIGH_BALANCE_DISCOUNT_PCT" envDefault:"0.25"`
	HighBalanceFloor       decimal.Decimal `env:"HIGH_BALANCE_FLOOR" envDefault:"100000"`
	LoyaltyDiscountPct     decimal.Decimal `env:"LOYALTY_DISCOUNT_PCT" envDefault:"0.10"`
	LoyaltyAgeDays         int             `env:"LOYALTY_AGE_DAYS" envDefault:"730"`
	PromoDiscountPct       decimal.Decimal `env:"PROMO_DISCOUNT_PCT" envDefault:"0"`
	PromoStart             time.Time       `env:"PROMO_START"`
	PromoEnd               time.Time       `env:"PROMO_END"`

	// Workers.
	SchedulerInterval  time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"30s"`
	SchedulerBatch     int           `env:"SCHEDULER_BATCH" envDefault:"100"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepBatch         int           `env:"SWEEP_BATCH" envDefault:"100"`
	MaxActiveSchedules int           `env:"MAX_ACTIVE_SCHEDULES_PER_USER" envDefault:"10"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
