package keeper

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsAreValid(t *testing.T) {
	cfg, err := NewConfig(DefaultParams())
	require.NoError(t, err)
	require.Len(t, cfg.PerpMarkets(), 25)
	require.Len(t, cfg.SpotMarkets(), 12)
	require.Equal(t, 5, cfg.Rounds())
	require.Equal(t, FundingFatal, cfg.FundingPolicy())
	require.Equal(t, []uint16{0}, cfg.SubAccounts())
}

func TestNewConfig_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
		want   string
	}{
		{"empty perp set", func(p *Params) { p.PerpMarkets = nil; p.PerpBudgets = nil }, "perp market set is empty"},
		{"empty spot set", func(p *Params) { p.SpotMarkets = nil; p.SpotBudgets = nil }, "spot market set is empty"},
		{"duplicate market", func(p *Params) { p.PerpMarkets = append(p.PerpMarkets, 0) }, "duplicates"},
		{"budget outside set", func(p *Params) { p.PerpBudgets[40] = decimal.NewFromInt(1) }, "perp budget market 40"},
		{"negative budget", func(p *Params) { p.SpotBudgets[3] = decimal.NewFromInt(-1) }, "negative"},
		{"sub account missing", func(p *Params) { p.SubAccountID = 2 }, "sub-account 2"},
		{"deposit market", func(p *Params) { p.DepositMarket = 12 }, "deposit market 12"},
		{"zero deposit", func(p *Params) { p.DepositAmount = decimal.Zero }, "deposit amount"},
		{"zero fund", func(p *Params) { p.FundAmount = decimal.Zero }, "fund amount"},
		{"bad policy", func(p *Params) { p.FundingPolicy = "maybe" }, "unknown funding policy"},
		{"negative retry", func(p *Params) { p.WrapRetry.MaxAttempts = -1 }, "wrap max attempts"},
		{"negative rounds", func(p *Params) { p.Rounds = -1 }, "rounds must be"},
		{"negative interval", func(p *Params) { p.RoundInterval = -1 }, "round interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			_, err := NewConfig(p)
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewConfig_SkipPolicyAllowsZeroFund(t *testing.T) {
	p := DefaultParams()
	p.FundingPolicy = FundingSkip
	p.FundAmount = decimal.Zero
	_, err := NewConfig(p)
	require.NoError(t, err)
}

func TestConfig_IsImmutable(t *testing.T) {
	p := DefaultParams()
	cfg, err := NewConfig(p)
	require.NoError(t, err)

	p.PerpMarkets[0] = 99
	p.PerpBudgets[0] = decimal.NewFromInt(1_000)

	markets := cfg.PerpMarkets()
	markets[1] = 77
	budgets := cfg.SpotBudgets()
	budgets[0] = decimal.NewFromInt(5)

	require.Equal(t, uint16(0), cfg.PerpMarkets()[0])
	require.Equal(t, uint16(1), cfg.PerpMarkets()[1])
	require.True(t, cfg.PerpBudgets()[0].IsZero())
	require.True(t, cfg.SpotBudgets()[0].IsZero())

	copied := cfg.Params()
	copied.SubAccounts[0] = 9
	require.Equal(t, []uint16{0}, cfg.SubAccounts())
}

func TestParseFundingPolicy(t *testing.T) {
	for in, want := range map[string]FundingPolicy{"": FundingFatal, "FATAL": FundingFatal, " retry ": FundingRetry, "skip": FundingSkip} {
		got, err := ParseFundingPolicy(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	_, err := ParseFundingPolicy("later")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPhase(t *testing.T) {
	require.Equal(t, "UserInitialized", UserInitialized.String())
	require.Equal(t, Ready, Ready.Next())
	require.Equal(t, Funded, Unfunded.Next())
	require.Equal(t, "Phase(9)", Phase(9).String())
}
