package liquidator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/soundsonacid/keepyrs/internal/protocol"
)

// Protocol is what the liquidator needs from the clearing-house client.
type Protocol interface {
	Markets() *protocol.MarketTable
	Authority() common.Address
	UserExists(ctx context.Context, authority common.Address, sub uint16) (bool, error)
	ConvertToSpotPrecision(amount decimal.Decimal, marketIndex uint16) (*big.Int, error)
	PerpOraclePrice(ctx context.Context, marketIndex uint16) (decimal.Decimal, error)
	CanBeLiquidated(ctx context.Context, user common.Address, sub uint16) (bool, error)
	LiquidatePerp(ctx context.Context, user common.Address, sub, marketIndex uint16, maxBase *big.Int) error
	LiquidateSpot(ctx context.Context, user common.Address, sub, assetMarket, liabilityMarket uint16, maxLiability *big.Int) error
	ResolvePerpBankruptcy(ctx context.Context, user common.Address, sub, marketIndex uint16) error
	ResolveSpotBankruptcy(ctx context.Context, user common.Address, sub, marketIndex uint16) error
}

type Users interface {
	Values() []protocol.UserAccount
}

type Config struct {
	Name        string
	PerpMarkets []uint16
	SpotMarkets []uint16

	// SubAccount is the keeper sub-account that takes over positions.
	SubAccount  uint16
	SubAccounts []uint16

	// Budgets cap the quote notional committed per market. Perp budgets are
	// turned into a base-asset cap at the oracle price of each pass. A market
	// without a positive budget is never liquidated.
	PerpBudgets map[uint16]decimal.Decimal
	SpotBudgets map[uint16]decimal.Decimal

	// QuoteMarket is the asset taken in spot liquidations.
	QuoteMarket uint16
}

type Result struct {
	Candidates int
	Liquidated int
	Resolved   int
	Failed     int
}

var ErrNotInitialized = errors.New("liquidator: not initialized")

type Liquidator struct {
	cfg   Config
	proto Protocol
	users Users

	perp       map[uint16]struct{}
	spot       map[uint16]struct{}
	perpLimits map[uint16]decimal.Decimal
	spotLimits map[uint16]*big.Int
	own        map[protocol.Key]struct{}
	last       Result
}

func New(cfg Config, proto Protocol, users Users) *Liquidator {
	if cfg.Name == "" {
		cfg.Name = "liquidator"
	}
	cfg.PerpMarkets = append([]uint16(nil), cfg.PerpMarkets...)
	cfg.SpotMarkets = append([]uint16(nil), cfg.SpotMarkets...)
	cfg.SubAccounts = append([]uint16(nil), cfg.SubAccounts...)
	cfg.PerpBudgets = copyBudgets(cfg.PerpBudgets)
	cfg.SpotBudgets = copyBudgets(cfg.SpotBudgets)
	return &Liquidator{cfg: cfg, proto: proto, users: users}
}

func copyBudgets(in map[uint16]decimal.Decimal) map[uint16]decimal.Decimal {
	out := make(map[uint16]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (l *Liquidator) Name() string { return l.cfg.Name }

// Init validates markets against the protocol, converts spot budgets to
// native precision and checks the keeper sub-accounts exist.
func (l *Liquidator) Init(ctx context.Context) error {
	table := l.proto.Markets()
	if table == nil {
		return fmt.Errorf("%s: %w", l.cfg.Name, protocol.ErrNotSubscribed)
	}
	if len(l.cfg.PerpMarkets) == 0 || len(l.cfg.SpotMarkets) == 0 {
		return fmt.Errorf("%s: perp and spot markets required", l.cfg.Name)
	}

	perp := make(map[uint16]struct{}, len(l.cfg.PerpMarkets))
	for _, idx := range l.cfg.PerpMarkets {
		if !table.HasPerp(idx) {
			return fmt.Errorf("%s: %w: perp %d", l.cfg.Name, protocol.ErrUnknownMarket, idx)
		}
		perp[idx] = struct{}{}
	}
	spot := make(map[uint16]struct{}, len(l.cfg.SpotMarkets))
	for _, idx := range l.cfg.SpotMarkets {
		if !table.HasSpot(idx) {
			return fmt.Errorf("%s: %w: spot %d", l.cfg.Name, protocol.ErrUnknownMarket, idx)
		}
		spot[idx] = struct{}{}
	}
	if !table.HasSpot(l.cfg.QuoteMarket) {
		return fmt.Errorf("%s: %w: quote spot %d", l.cfg.Name, protocol.ErrUnknownMarket, l.cfg.QuoteMarket)
	}

	perpLimits := make(map[uint16]decimal.Decimal)
	for idx, budget := range l.cfg.PerpBudgets {
		if _, ok := perp[idx]; !ok {
			return fmt.Errorf("%s: perp budget for market %d outside interest set", l.cfg.Name, idx)
		}
		if budget.IsPositive() {
			perpLimits[idx] = budget
		}
	}
	spotLimits := make(map[uint16]*big.Int)
	for idx, budget := range l.cfg.SpotBudgets {
		if _, ok := spot[idx]; !ok {
			return fmt.Errorf("%s: spot budget for market %d outside interest set", l.cfg.Name, idx)
		}
		if !budget.IsPositive() {
			continue
		}
		limit, err := l.proto.ConvertToSpotPrecision(budget, idx)
		if err != nil {
			return fmt.Errorf("%s: spot budget %d: %w", l.cfg.Name, idx, err)
		}
		spotLimits[idx] = limit
	}

	self := l.proto.Authority()
	subs := l.cfg.SubAccounts
	if len(subs) == 0 {
		subs = []uint16{l.cfg.SubAccount}
	}
	own := make(map[protocol.Key]struct{}, len(subs))
	for _, sub := range subs {
		ok, err := l.proto.UserExists(ctx, self, sub)
		if err != nil {
			return fmt.Errorf("%s: sub-account %d: %w", l.cfg.Name, sub, err)
		}
		if !ok {
			if sub == l.cfg.SubAccount {
				return fmt.Errorf("%s: active sub-account %d not initialized", l.cfg.Name, sub)
			}
			log.Printf("[warn] %s: sub-account %d not initialized; skipping", l.cfg.Name, sub)
		}
		own[protocol.Key{Authority: self, SubAccountID: sub}] = struct{}{}
	}

	l.perp, l.spot = perp, spot
	l.perpLimits, l.spotLimits = perpLimits, spotLimits
	l.own = own
	log.Printf("[liq] %s ready perp=%d spot=%d perp_budgets=%d spot_budgets=%d sub=%d",
		l.cfg.Name, len(perp), len(spot), len(perpLimits), len(spotLimits), l.cfg.SubAccount)
	return nil
}

// TryLiquidate liquidates every mirrored user the protocol reports
// liquidatable, one transaction per budgeted market the user touches.
func (l *Liquidator) TryLiquidate(ctx context.Context) error {
	if l.perp == nil {
		return ErrNotInitialized
	}

	var res Result
	var errs []error
	maxBase := l.perpCaps(ctx)
	for _, u := range l.users.Values() {
		if _, mine := l.own[u.Key()]; mine || u.Authority == l.proto.Authority() || u.Bankrupt {
			continue
		}
		if err := ctx.Err(); err != nil {
			l.last = res
			return errors.Join(append(errs, err)...)
		}

		liquidatable := u.BeingLiquidated
		if !liquidatable {
			ok, err := l.proto.CanBeLiquidated(ctx, u.Authority, u.SubAccountID)
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("check %s: %w", u.Key(), err))
				continue
			}
			liquidatable = ok
		}
		if !liquidatable {
			continue
		}
		res.Candidates++

		for _, m := range sortedMarkets(u.PerpMarkets) {
			if _, ok := l.perpLimits[m]; !ok {
				continue
			}
			limit, err := maxBase(m)
			if err != nil {
				res.Failed++
				errs = append(errs, err)
				continue
			}
			if err := l.proto.LiquidatePerp(ctx, u.Authority, u.SubAccountID, m, limit); err != nil {
				res.Failed++
				errs = append(errs, err)
				continue
			}
			res.Liquidated++
		}
		for _, m := range sortedMarkets(u.SpotMarkets) {
			if m == l.cfg.QuoteMarket {
				continue
			}
			limit, ok := l.spotLimits[m]
			if !ok {
				continue
			}
			if err := l.proto.LiquidateSpot(ctx, u.Authority, u.SubAccountID, l.cfg.QuoteMarket, m, limit); err != nil {
				res.Failed++
				errs = append(errs, err)
				continue
			}
			res.Liquidated++
		}
	}

	l.last = res
	log.Printf("[liq] %s candidates=%d liquidated=%d failed=%d", l.cfg.Name, res.Candidates, res.Liquidated, res.Failed)
	return errors.Join(errs...)
}

// perpCaps returns a lookup of the base-asset cap per budgeted perp market.
// Each market's oracle price is read at most once per pass.
func (l *Liquidator) perpCaps(ctx context.Context) func(uint16) (*big.Int, error) {
	type perpCap struct {
		base *big.Int
		err  error
	}
	seen := make(map[uint16]perpCap)
	return func(m uint16) (*big.Int, error) {
		if c, ok := seen[m]; ok {
			return c.base, c.err
		}
		var c perpCap
		price, err := l.proto.PerpOraclePrice(ctx, m)
		if err != nil {
			c.err = fmt.Errorf("perp %d price: %w", m, err)
		} else if c.base, err = protocol.PerpBaseForNotional(l.perpLimits[m], price); err != nil {
			c.err = fmt.Errorf("perp %d budget: %w", m, err)
		}
		seen[m] = c
		return c.base, c.err
	}
}

// TryResolveBankruptcies resolves every bankrupt user's positions in the
// interest sets.
func (l *Liquidator) TryResolveBankruptcies(ctx context.Context) error {
	if l.perp == nil {
		return ErrNotInitialized
	}

	var resolved, failed int
	var errs []error
	for _, u := range l.users.Values() {
		if !u.Bankrupt {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, m := range sortedMarkets(u.PerpMarkets) {
			if _, ok := l.perp[m]; !ok {
				continue
			}
			if err := l.proto.ResolvePerpBankruptcy(ctx, u.Authority, u.SubAccountID, m); err != nil {
				failed++
				errs = append(errs, err)
				continue
			}
			resolved++
		}
		for _, m := range sortedMarkets(u.SpotMarkets) {
			if _, ok := l.spot[m]; !ok {
				continue
			}
			if err := l.proto.ResolveSpotBankruptcy(ctx, u.Authority, u.SubAccountID, m); err != nil {
				failed++
				errs = append(errs, err)
				continue
			}
			resolved++
		}
	}

	l.last.Resolved = resolved
	l.last.Failed += failed
	log.Printf("[liq] %s resolved=%d failed=%d", l.cfg.Name, resolved, failed)
	return errors.Join(errs...)
}

func (l *Liquidator) LastResult() Result { return l.last }

func sortedMarkets(in []uint16) []uint16 {
	out := append([]uint16(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
