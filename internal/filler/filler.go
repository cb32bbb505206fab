package filler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/soundsonacid/keepyrs/internal/protocol"
)

// Protocol is what the filler needs from the clearing-house client.
type Protocol interface {
	Markets() *protocol.MarketTable
	Authority() common.Address
	IsOrderFillable(ctx context.Context, user common.Address, sub uint16, orderID uint32) (bool, error)
	SimulateFillPerpOrder(ctx context.Context, user common.Address, sub uint16, orderID uint32) error
	FillPerpOrder(ctx context.Context, user common.Address, sub uint16, orderID uint32) error
}

// Users is a read-only view of the user mirror.
type Users interface {
	Values() []protocol.UserAccount
}

type Config struct {
	Name string
	// Preflight simulates each fill with eth_call before sending it.
	Preflight   bool
	PerpMarkets []uint16
}

// Result counts what one TryFill pass did.
type Result struct {
	Checked int
	Filled  int
	Failed  int
}

var ErrNotInitialized = errors.New("filler: not initialized")

type PerpFiller struct {
	cfg     Config
	proto   Protocol
	users   Users
	markets map[uint16]struct{}
	last    Result
}

func New(cfg Config, proto Protocol, users Users) *PerpFiller {
	if cfg.Name == "" {
		cfg.Name = "filler"
	}
	cfg.PerpMarkets = append([]uint16(nil), cfg.PerpMarkets...)
	return &PerpFiller{cfg: cfg, proto: proto, users: users}
}

func (f *PerpFiller) Name() string { return f.cfg.Name }

// Init checks every configured market is known to the protocol.
func (f *PerpFiller) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(f.cfg.PerpMarkets) == 0 {
		return fmt.Errorf("%s: no perp markets configured", f.cfg.Name)
	}
	table := f.proto.Markets()
	if table == nil {
		return fmt.Errorf("%s: %w", f.cfg.Name, protocol.ErrNotSubscribed)
	}
	markets := make(map[uint16]struct{}, len(f.cfg.PerpMarkets))
	for _, idx := range f.cfg.PerpMarkets {
		if !table.HasPerp(idx) {
			return fmt.Errorf("%s: %w: perp %d", f.cfg.Name, protocol.ErrUnknownMarket, idx)
		}
		markets[idx] = struct{}{}
	}
	f.markets = markets
	log.Printf("[fill] %s ready markets=%v preflight=%v", f.cfg.Name, f.cfg.PerpMarkets, f.cfg.Preflight)
	return nil
}

// TryFill walks every open order in the configured markets and fills those the
// protocol reports fillable. Per-order failures are joined; the pass always
// visits every order.
func (f *PerpFiller) TryFill(ctx context.Context) error {
	if f.markets == nil {
		return ErrNotInitialized
	}
	self := f.proto.Authority()

	var res Result
	var errs []error
	for _, u := range f.users.Values() {
		if u.Authority == self || u.Bankrupt || u.BeingLiquidated {
			continue
		}
		orders := append([]protocol.Order(nil), u.Orders...)
		sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })

		for _, o := range orders {
			if _, ok := f.markets[o.MarketIndex]; !ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				f.last = res
				return errors.Join(append(errs, err)...)
			}
			res.Checked++

			ok, err := f.proto.IsOrderFillable(ctx, u.Authority, u.SubAccountID, o.ID)
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("check %s order %d: %w", u.Key(), o.ID, err))
				continue
			}
			if !ok {
				continue
			}
			if f.cfg.Preflight {
				if err := f.proto.SimulateFillPerpOrder(ctx, u.Authority, u.SubAccountID, o.ID); err != nil {
					res.Failed++
					errs = append(errs, fmt.Errorf("simulate %s order %d: %w", u.Key(), o.ID, err))
					continue
				}
			}
			if err := f.proto.FillPerpOrder(ctx, u.Authority, u.SubAccountID, o.ID); err != nil {
				res.Failed++
				errs = append(errs, err)
				continue
			}
			res.Filled++
		}
	}

	f.last = res
	log.Printf("[fill] %s checked=%d filled=%d failed=%d", f.cfg.Name, res.Checked, res.Filled, res.Failed)
	return errors.Join(errs...)
}

// LastResult reports the counters of the most recent TryFill.
func (f *PerpFiller) LastResult() Result { return f.last }
