package keeper

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("invalid keeper config")

// FundingPolicy decides what a failed funding request does to bootstrap.
type FundingPolicy string

const (
	// FundingFatal aborts bootstrap on the first funding failure.
	FundingFatal FundingPolicy = "fatal"
	// FundingRetry retries funding under FundRetry.
	FundingRetry FundingPolicy = "retry"
	// FundingSkip never requests funds; the account must already hold them.
	FundingSkip FundingPolicy = "skip"
)

func ParseFundingPolicy(s string) (FundingPolicy, error) {
	switch p := FundingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FundingFatal, nil
	case FundingFatal, FundingRetry, FundingSkip:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown funding policy %q (want fatal|retry|skip)", ErrInvalidConfig, s)
	}
}

// Params is the mutable input to NewConfig.
type Params struct {
	SubAccountID uint16
	// SubAccounts are the keeper's own sub-accounts; SubAccountID must be one.
	SubAccounts []uint16
	UserName    string

	PerpMarkets []uint16
	SpotMarkets []uint16
	PerpBudgets map[uint16]decimal.Decimal
	SpotBudgets map[uint16]decimal.Decimal

	// FundAmount and WrapAmount are in native coin units.
	FundAmount    decimal.Decimal
	WrapAmount    decimal.Decimal
	DepositAmount decimal.Decimal
	DepositMarket uint16

	FundingPolicy FundingPolicy
	FundRetry     RetryPolicy
	WrapRetry     RetryPolicy
	DepositRetry  RetryPolicy

	FundSettle    time.Duration
	UserSettle    time.Duration
	DepositSettle time.Duration
	PollInterval  time.Duration

	Rounds        int
	RoundInterval time.Duration
	Forever       bool

	Preflight bool
}

func seq(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}

func zeroBudgets(markets []uint16) map[uint16]decimal.Decimal {
	out := make(map[uint16]decimal.Decimal, len(markets))
	for _, m := range markets {
		out[m] = decimal.Zero
	}
	return out
}

// DefaultParams mirrors the stock keeper deployment: every perp market 0..24
// and spot market 0..11 with zero liquidation budgets, five rounds ten seconds
// apart.
func DefaultParams() Params {
	perp, spot := seq(25), seq(12)
	return Params{
		SubAccountID:  0,
		SubAccounts:   []uint16{0},
		PerpMarkets:   perp,
		SpotMarkets:   spot,
		PerpBudgets:   zeroBudgets(perp),
		SpotBudgets:   zeroBudgets(spot),
		FundAmount:    decimal.NewFromInt(10_000),
		WrapAmount:    decimal.NewFromInt(6_000),
		DepositAmount: decimal.NewFromInt(5_000),
		DepositMarket: 1,
		FundingPolicy: FundingFatal,
		FundRetry:     RetryPolicy{Delay: 5 * time.Second, MaxAttempts: 5},
		WrapRetry:     RetryPolicy{Delay: 5 * time.Second},
		DepositRetry:  RetryPolicy{Delay: 5 * time.Second},
		FundSettle:    10 * time.Second,
		UserSettle:    20 * time.Second,
		DepositSettle: 30 * time.Second,
		PollInterval:  time.Second,
		Rounds:        5,
		RoundInterval: 10 * time.Second,
		Preflight:     true,
	}
}

// Config is the validated, immutable keeper configuration. Accessors return
// copies.
type Config struct {
	p Params
}

// NewConfig validates p and freezes a copy of it.
func NewConfig(p Params) (Config, error) {
	p = p.clone()
	if len(p.SubAccounts) == 0 {
		p.SubAccounts = []uint16{p.SubAccountID}
	}
	if p.FundingPolicy == "" {
		p.FundingPolicy = FundingFatal
	}
	p.SubAccounts = sortedUnique(p.SubAccounts)

	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	perp, dup := toSet(p.PerpMarkets)
	if len(perp) == 0 {
		add("perp market set is empty")
	}
	if dup {
		add("perp market set has duplicates")
	}
	spot, dup := toSet(p.SpotMarkets)
	if len(spot) == 0 {
		add("spot market set is empty")
	}
	if dup {
		add("spot market set has duplicates")
	}
	checkBudgets := func(kind string, budgets map[uint16]decimal.Decimal, set map[uint16]struct{}) {
		for _, m := range sortedKeys(budgets) {
			if _, ok := set[m]; !ok {
				add("%s budget market %d not in %s market set", kind, m, kind)
			}
			if budgets[m].IsNegative() {
				add("%s budget for market %d is negative", kind, m)
			}
		}
	}
	checkBudgets("perp", p.PerpBudgets, perp)
	checkBudgets("spot", p.SpotBudgets, spot)

	if !slices.Contains(p.SubAccounts, p.SubAccountID) {
		add("sub-account %d not in sub-account list %v", p.SubAccountID, p.SubAccounts)
	}
	if _, ok := spot[p.DepositMarket]; !ok {
		add("deposit market %d not in spot market set", p.DepositMarket)
	}
	if !p.WrapAmount.IsPositive() {
		add("wrap amount must be > 0")
	}
	if !p.DepositAmount.IsPositive() {
		add("deposit amount must be > 0")
	}
	switch p.FundingPolicy {
	case FundingFatal, FundingRetry:
		if !p.FundAmount.IsPositive() {
			add("fund amount must be > 0")
		}
	case FundingSkip:
	default:
		add("unknown funding policy %q", p.FundingPolicy)
	}
	for name, rp := range map[string]RetryPolicy{"fund": p.FundRetry, "wrap": p.WrapRetry, "deposit": p.DepositRetry} {
		if err := rp.validate(name); err != nil {
			add("%v", err)
		}
	}
	for name, d := range map[string]time.Duration{
		"fund settle": p.FundSettle, "user settle": p.UserSettle, "deposit settle": p.DepositSettle,
		"poll interval": p.PollInterval, "round interval": p.RoundInterval,
	} {
		if d < 0 {
			add("%s must be >= 0", name)
		}
	}
	if p.Rounds < 0 {
		add("rounds must be >= 0")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return Config{p: p}, nil
}

// Params returns a deep copy of the validated parameters.
func (c Config) Params() Params { return c.p.clone() }

func (c Config) SubAccountID() uint16                    { return c.p.SubAccountID }
func (c Config) FundingPolicy() FundingPolicy            { return c.p.FundingPolicy }
func (c Config) Rounds() int                             { return c.p.Rounds }
func (c Config) RoundInterval() time.Duration            { return c.p.RoundInterval }
func (c Config) Forever() bool                           { return c.p.Forever }
func (c Config) PerpMarkets() []uint16                   { return append([]uint16(nil), c.p.PerpMarkets...) }
func (c Config) SpotMarkets() []uint16                   { return append([]uint16(nil), c.p.SpotMarkets...) }
func (c Config) SubAccounts() []uint16                   { return append([]uint16(nil), c.p.SubAccounts...) }
func (c Config) PerpBudgets() map[uint16]decimal.Decimal { return copyBudgets(c.p.PerpBudgets) }
func (c Config) SpotBudgets() map[uint16]decimal.Decimal { return copyBudgets(c.p.SpotBudgets) }

func (p Params) clone() Params {
	out := p
	out.SubAccounts = append([]uint16(nil), p.SubAccounts...)
	out.PerpMarkets = append([]uint16(nil), p.PerpMarkets...)
	out.SpotMarkets = append([]uint16(nil), p.SpotMarkets...)
	out.PerpBudgets = copyBudgets(p.PerpBudgets)
	out.SpotBudgets = copyBudgets(p.SpotBudgets)
	return out
}

func copyBudgets(in map[uint16]decimal.Decimal) map[uint16]decimal.Decimal {
	out := make(map[uint16]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toSet(xs []uint16) (map[uint16]struct{}, bool) {
	set := make(map[uint16]struct{}, len(xs))
	dup := false
	for _, x := range xs {
		if _, ok := set[x]; ok {
			dup = true
		}
		set[x] = struct{}{}
	}
	return set, dup
}

func sortedKeys(m map[uint16]decimal.Decimal) []uint16 {
	out := make([]uint16, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedUnique(xs []uint16) []uint16 {
	set, _ := toSet(xs)
	out := make([]uint16, 0, len(set))
	for x := range set {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

