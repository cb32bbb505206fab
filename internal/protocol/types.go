package protocol

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Key identifies one protocol sub-account.
type Key struct {
	Authority    common.Address
	SubAccountID uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Authority.Hex(), k.SubAccountID)
}

type Order struct {
	ID          uint32
	MarketIndex uint16
}

// UserAccount is the keeper's view of one protocol user record.
type UserAccount struct {
	Authority       common.Address
	SubAccountID    uint16
	Exists          bool
	Bankrupt        bool
	BeingLiquidated bool
	PerpMarkets     []uint16
	SpotMarkets     []uint16
	Orders          []Order
}

func (u UserAccount) Key() Key {
	return Key{Authority: u.Authority, SubAccountID: u.SubAccountID}
}

// MarketTable is loaded once on Subscribe and never mutated afterwards.
type MarketTable struct {
	PerpCount    uint16
	SpotDecimals []uint8
	SpotMints    []common.Address
}

func (m *MarketTable) HasPerp(index uint16) bool {
	return m != nil && index < m.PerpCount
}

func (m *MarketTable) HasSpot(index uint16) bool {
	return m != nil && int(index) < len(m.SpotDecimals)
}

func decodeUserStatus(authority common.Address, sub uint16, vals []interface{}) (UserAccount, error) {
	if len(vals) != 7 {
		return UserAccount{}, fmt.Errorf("getUserStatus: unexpected result len %d", len(vals))
	}
	exists, ok1 := vals[0].(bool)
	bankrupt, ok2 := vals[1].(bool)
	beingLiquidated, ok3 := vals[2].(bool)
	perp, ok4 := vals[3].([]uint16)
	spot, ok5 := vals[4].([]uint16)
	orderIDs, ok6 := vals[5].([]uint32)
	orderMarkets, ok7 := vals[6].([]uint16)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return UserAccount{}, fmt.Errorf("getUserStatus: unexpected result types %T", vals)
	}
	if len(orderIDs) != len(orderMarkets) {
		return UserAccount{}, fmt.Errorf("getUserStatus: orders len %d != markets len %d", len(orderIDs), len(orderMarkets))
	}

	orders := make([]Order, 0, len(orderIDs))
	for i := range orderIDs {
		orders = append(orders, Order{ID: orderIDs[i], MarketIndex: orderMarkets[i]})
	}
	return UserAccount{
		Authority:       authority,
		SubAccountID:    sub,
		Exists:          exists,
		Bankrupt:        bankrupt,
		BeingLiquidated: beingLiquidated,
		PerpMarkets:     append([]uint16(nil), perp...),
		SpotMarkets:     append([]uint16(nil), spot...),
		Orders:          orders,
	}, nil
}

// DecodeUserLog extracts the sub-account key from a UserInitialized or
// UserUpdated log.
func DecodeUserLog(vLog types.Log) (Key, error) {
	// topics:
	// 0: event sig
	// 1: authority (address indexed)
	// data word 0: subAccountId
	if len(vLog.Topics) < 2 {
		return Key{}, fmt.Errorf("unexpected topics len=%d", len(vLog.Topics))
	}
	if vLog.Topics[0] != UserInitializedTopic && vLog.Topics[0] != UserUpdatedTopic {
		return Key{}, fmt.Errorf("unexpected event topic %s", vLog.Topics[0].Hex())
	}
	if len(vLog.Data) < 32 {
		return Key{}, fmt.Errorf("unexpected data len=%d", len(vLog.Data))
	}
	sub := new(big.Int).SetBytes(vLog.Data[:32])
	if !sub.IsUint64() || sub.Uint64() > 0xffff {
		return Key{}, fmt.Errorf("sub account id out of range: %s", sub)
	}
	return Key{
		Authority:    common.BytesToAddress(vLog.Topics[1].Bytes()),
		SubAccountID: uint16(sub.Uint64()),
	}, nil
}
