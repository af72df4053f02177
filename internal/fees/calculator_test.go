package fees

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tevinmoran/corebank/internal/domain"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		TransferPct:      decimal.RequireFromString("0.005"),
		TransferTierPct:  decimal.RequireFromString("0.0025"),
		TransferTierFrom: decimal.RequireFromString("10000"),
		WithdrawalFlat:   decimal.RequireFromString("1.50"),
		DepositPct:       decimal.Zero,
		ScheduledPct:     decimal.RequireFromString("0.0025"),
		CrossCurrencyPct: decimal.RequireFromString("0.01"),
		Min:              decimal.Zero,
		Max:              decimal.RequireFromString("250"),

		SameOwnerDiscountPct:   decimal.RequireFromString("0.5"),
		HighBalanceDiscountPct: decimal.RequireFromString("0.25"),
		HighBalanceFloor:       decimal.RequireFromString("100000"),
		LoyaltyDiscountPct:     decimal.RequireFromString("0.10"),
		LoyaltyAgeDays:         730,
	}
}

func freshAccount(owner uuid.UUID, balance string) *domain.Account {
	return &domain.Account{
		ID:       uuid.New(),
		OwnerID:  owner,
		Currency: "USD",
		Balance:  decimal.RequireFromString(balance),
		Status:   domain.AccountStatusActive,
		OpenedAt: testNow.AddDate(0, -6, 0),
	}
}

func TestCalculate(t *testing.T) {
	cfg := testConfig()
	ownerA := uuid.New()
	ownerB := uuid.New()

	tests := []struct {
		name string
		in   Input
		want string
	}{
		{
			name: "deposit waived by default",
			in:   Input{Type: domain.TransactionTypeDeposit, Amount: decimal.RequireFromString("500"), Target: freshAccount(ownerA, "0"), Now: testNow},
			want: "0",
		},
		{
			name: "withdrawal flat fee",
			in:   Input{Type: domain.TransactionTypeWithdrawal, Amount: decimal.RequireFromString("200"), Source: freshAccount(ownerA, "1000"), Now: testNow},
			want: "1.50",
		},
		{
			name: "transfer percentage below tier",
			in:   Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), Source: freshAccount(ownerA, "20000"), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "25.00",
		},
		{
			name: "transfer tiered above threshold",
			in:   Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("20000"), Source: freshAccount(ownerA, "50000"), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "75.00",
		},
		{
			name: "scheduled discounted rate",
			in:   Input{Type: domain.TransactionTypeScheduled, Amount: decimal.RequireFromString("1000"), Source: freshAccount(ownerA, "5000"), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "2.50",
		},
		{
			name: "reversal never charged",
			in:   Input{Type: domain.TransactionTypeReversal, Amount: decimal.RequireFromString("5000"), Source: freshAccount(ownerA, "5000"), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "0",
		},
		{
			name: "cross currency surcharge",
			in:   Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), CrossCurrency: true, Source: freshAccount(ownerA, "20000"), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "75.00",
		},
		{
			name: "same owner discount halves the fee",
			in:   Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), Source: freshAccount(ownerA, "20000"), Target: freshAccount(ownerA, "0"), Now: testNow},
			want: "12.50",
		},
		{
			name: "high balance discount",
			in:   Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), Source: freshAccount(ownerA, "150000"), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "18.75",
		},
		{
			name: "discounts stack off the subtotal",
			in:   Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), Source: freshAccount(ownerA, "150000"), Target: freshAccount(ownerA, "0"), Now: testNow},
			want: "6.25",
		},
		{
			name: "clamped to max",
			in:   Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("99999"), Source: freshAccount(ownerA, "99999"), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "250",
		},
		{
			name: "exempt account pays nothing",
			in: Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), Source: func() *domain.Account {
				a := freshAccount(ownerA, "20000")
				a.FeeExempt = true
				return a
			}(), Target: freshAccount(ownerB, "0"), Now: testNow},
			want: "0",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Calculate(cfg, tc.in)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
				"want %s, got %s", tc.want, got)
		})
	}
}

func TestLoyaltyDiscount(t *testing.T) {
	cfg := testConfig()
	old := freshAccount(uuid.New(), "5000")
	old.OpenedAt = testNow.AddDate(-3, 0, 0)

	in := Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), Source: old, Target: freshAccount(uuid.New(), "0"), Now: testNow}
	// 25.00 base less the 10% account-age discount.
	assert.True(t, Calculate(cfg, in).Equal(decimal.RequireFromString("22.50")))
}

func TestPromotionalWindow(t *testing.T) {
	cfg := testConfig()
	cfg.PromoDiscountPct = decimal.RequireFromString("0.2")
	cfg.PromoStart = testNow.AddDate(0, 0, -1)
	cfg.PromoEnd = testNow.AddDate(0, 0, 1)

	in := Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("5000"), Source: freshAccount(uuid.New(), "20000"), Target: freshAccount(uuid.New(), "0"), Now: testNow}
	assert.True(t, Calculate(cfg, in).Equal(decimal.RequireFromString("20.00")))

	// Outside the window the discount does not apply.
	outside := Input{Type: in.Type, Amount: in.Amount, Source: in.Source, Target: in.Target, Now: cfg.PromoEnd.Add(time.Hour)}
	assert.True(t, Calculate(cfg, outside).Equal(decimal.RequireFromString("25.00")))
}

func TestCalculateDeterministic(t *testing.T) {
	cfg := testConfig()
	in := Input{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("12345.67"), CrossCurrency: true, Source: freshAccount(uuid.New(), "150000"), Target: freshAccount(uuid.New(), "10"), Now: testNow}

	first := Calculate(cfg, in)
	second := Calculate(cfg, in)
	assert.True(t, first.Equal(second))
}

func TestBreakdownMatchesCalculate(t *testing.T) {
	cfg := testConfig()
	ownerA := uuid.New()

	inputs := []Input{
		{Type: domain.TransactionTypeDeposit, Amount: decimal.RequireFromString("500"), Target: freshAccount(ownerA, "0"), Now: testNow},
		{Type: domain.TransactionTypeWithdrawal, Amount: decimal.RequireFromString("75"), Source: freshAccount(ownerA, "100"), Now: testNow},
		{Type: domain.TransactionTypeTransfer, Amount: decimal.RequireFromString("42000"), CrossCurrency: true, Source: freshAccount(ownerA, "200000"), Target: freshAccount(ownerA, "5"), Now: testNow},
		{Type: domain.TransactionTypeScheduled, Amount: decimal.RequireFromString("999.99"), Source: freshAccount(ownerA, "1000"), Target: freshAccount(uuid.New(), "0"), Now: testNow},
	}

	for _, in := range inputs {
		b := Compute(cfg, in)
		require.True(t, b.Total.Equal(Calculate(cfg, in)),
			"breakdown total %s diverges from fee %s", b.Total, Calculate(cfg, in))
		assert.NotEmpty(t, b.Lines)
	}
}
