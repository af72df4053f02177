// Package fees computes the fee charged on a transaction before settlement.
// Everything here is pure: the same inputs always produce the same fee, so a
// quote taken at creation time and the charge applied at settlement cannot
// diverge.
package fees

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tevinmoran/corebank/internal/domain"
)

type Strategy string

const (
	StrategyPercentage Strategy = "percentage"
	StrategyFlat       Strategy = "flat"
	StrategyTiered     Strategy = "tiered"
	StrategyWaived     Strategy = "waived"
)

// Config is the fee policy. It is plain data so callers can snapshot it per
// transaction and replay the computation later.
type Config struct {
	TransferPct      decimal.Decimal
	TransferTierPct  decimal.Decimal
	TransferTierFrom decimal.Decimal
	WithdrawalFlat   decimal.Decimal
	DepositPct       decimal.Decimal
	ScheduledPct     decimal.Decimal
	CrossCurrencyPct decimal.Decimal
	Min              decimal.Decimal
	Max              decimal.Decimal

	SameOwnerDiscountPct   decimal.Decimal
	HighBalanceDiscountPct decimal.Decimal
	HighBalanceFloor       decimal.Decimal
	LoyaltyDiscountPct     decimal.Decimal
	LoyaltyAgeDays         int
	PromoDiscountPct       decimal.Decimal
	PromoStart             time.Time
	PromoEnd               time.Time
}

// Input carries everything the calculation may consult. Now is passed in
// rather than read from the clock to keep the function deterministic.
type Input struct {
	Type          domain.TransactionType
	Amount        decimal.Decimal
	Currency      string
	CrossCurrency bool
	Source        *domain.Account
	Target        *domain.Account
	Now           time.Time
}

type Line struct {
	Label  string
	Amount decimal.Decimal
}

type Breakdown struct {
	Strategy Strategy
	Base     decimal.Decimal
	Lines    []Line
	Total    decimal.Decimal
}

// Calculate returns the final fee. It is Breakdown's total by construction.
func Calculate(cfg Config, in Input) decimal.Decimal {
	return Compute(cfg, in).Total
}

// Compute returns the itemized fee breakdown.
func Compute(cfg Config, in Input) Breakdown {
	strategy, base := baseFee(cfg, in)

	b := Breakdown{Strategy: strategy, Base: base}
	b.Lines = append(b.Lines, Line{Label: "base", Amount: base})

	if exempt(in) {
		b.Lines = append(b.Lines, Line{Label: "account_exemption", Amount: base.Neg()})
		b.Total = decimal.Zero
		return b
	}

	if in.CrossCurrency && strategy != StrategyWaived {
		surcharge := in.Amount.Mul(cfg.CrossCurrencyPct).Round(2)
		b.Lines = append(b.Lines, Line{Label: "cross_currency", Amount: surcharge})
	}

	subtotal := decimal.Zero
	for _, line := range b.Lines {
		subtotal = subtotal.Add(line.Amount)
	}

	for _, d := range discounts(cfg, in) {
		amount := subtotal.Mul(d.pct).Round(2).Neg()
		if amount.IsZero() {
			continue
		}
		b.Lines = append(b.Lines, Line{Label: d.label, Amount: amount})
	}

	total := decimal.Zero
	for _, line := range b.Lines {
		total = total.Add(line.Amount)
	}

	b.Total = clamp(cfg, strategy, total)
	return b
}

func baseFee(cfg Config, in Input) (Strategy, decimal.Decimal) {
	switch in.Type {
	case domain.TransactionTypeDeposit:
		if cfg.DepositPct.IsZero() {
			return StrategyWaived, decimal.Zero
		}
		return StrategyPercentage, in.Amount.Mul(cfg.DepositPct).Round(2)
	case domain.TransactionTypeWithdrawal:
		return StrategyFlat, cfg.WithdrawalFlat
	case domain.TransactionTypeTransfer:
		// Tiered: the portion above the tier threshold is charged at the
		// lower rate.
		if in.Amount.GreaterThan(cfg.TransferTierFrom) {
			lower := cfg.TransferTierFrom.Mul(cfg.TransferPct)
			upper := in.Amount.Sub(cfg.TransferTierFrom).Mul(cfg.TransferTierPct)
			return StrategyTiered, lower.Add(upper).Round(2)
		}
		return StrategyPercentage, in.Amount.Mul(cfg.TransferPct).Round(2)
	case domain.TransactionTypeScheduled:
		return StrategyPercentage, in.Amount.Mul(cfg.ScheduledPct).Round(2)
	default:
		// Reversals and adjustments never carry their own fee.
		return StrategyWaived, decimal.Zero
	}
}

func exempt(in Input) bool {
	if in.Source != nil && in.Source.FeeExempt {
		return true
	}
	if in.Source == nil && in.Target != nil && in.Target.FeeExempt {
		return true
	}
	return false
}

type discount struct {
	label string
	pct   decimal.Decimal
}

func discounts(cfg Config, in Input) []discount {
	var ds []discount

	if in.Source != nil && in.Target != nil && in.Source.OwnerID == in.Target.OwnerID {
		ds = append(ds, discount{"same_owner", cfg.SameOwnerDiscountPct})
	}

	payer := in.Source
	if payer == nil {
		payer = in.Target
	}
	if payer != nil {
		if payer.Balance.GreaterThanOrEqual(cfg.HighBalanceFloor) {
			ds = append(ds, discount{"high_balance", cfg.HighBalanceDiscountPct})
		}
		if in.Now.Sub(payer.OpenedAt) >= time.Duration(cfg.LoyaltyAgeDays)*24*time.Hour {
			ds = append(ds, discount{"account_age", cfg.LoyaltyDiscountPct})
		}
	}

	if !cfg.PromoDiscountPct.IsZero() &&
		!in.Now.Before(cfg.PromoStart) && in.Now.Before(cfg.PromoEnd) {
		ds = append(ds, discount{"promotion", cfg.PromoDiscountPct})
	}

	return ds
}

func clamp(cfg Config, strategy Strategy, total decimal.Decimal) decimal.Decimal {
	if strategy == StrategyWaived {
		return decimal.Zero
	}
	if total.LessThan(cfg.Min) {
		return cfg.Min
	}
	if cfg.Max.IsPositive() && total.GreaterThan(cfg.Max) {
		return cfg.Max
	}
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}
