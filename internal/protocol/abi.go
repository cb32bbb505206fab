package protocol

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// clearingHouseABIJSON covers the subset of the clearing-house program the
// keeper touches: user lifecycle, collateral deposits, fills, liquidations
// and bankruptcy resolution.
const clearingHouseABIJSON = `[
  {"inputs":[
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"bytes32","name":"name","type":"bytes32"}
  ],"name":"initializeUser","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"authority","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"}
  ],"name":"userExists","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"authority","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"}
  ],"name":"getUserStatus","outputs":[
    {"internalType":"bool","name":"exists","type":"bool"},
    {"internalType":"bool","name":"bankrupt","type":"bool"},
    {"internalType":"bool","name":"beingLiquidated","type":"bool"},
    {"internalType":"uint16[]","name":"perpMarkets","type":"uint16[]"},
    {"internalType":"uint16[]","name":"spotMarkets","type":"uint16[]"},
    {"internalType":"uint32[]","name":"orderIds","type":"uint32[]"},
    {"internalType":"uint16[]","name":"orderMarkets","type":"uint16[]"}
  ],"stateMutability":"view","type":"function"},
  {"inputs":[
    {"internalType":"uint16","name":"marketIndex","type":"uint16"},
    {"internalType":"uint256","name":"amount","type":"uint256"},
    {"internalType":"address","name":"tokenAccount","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"bool","name":"reduceOnly","type":"bool"}
  ],"name":"deposit","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"perpMarketCount","outputs":[{"internalType":"uint16","name":"","type":"uint16"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"spotMarketCount","outputs":[{"internalType":"uint16","name":"","type":"uint16"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint16","name":"marketIndex","type":"uint16"}],"name":"spotMarketDecimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint16","name":"marketIndex","type":"uint16"}],"name":"perpOraclePrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint16","name":"marketIndex","type":"uint16"}],"name":"spotMarketMint","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"user","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"uint32","name":"orderId","type":"uint32"}
  ],"name":"isOrderFillable","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"user","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"uint32","name":"orderId","type":"uint32"}
  ],"name":"fillPerpOrder","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"user","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"}
  ],"name":"canBeLiquidated","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"user","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"uint16","name":"marketIndex","type":"uint16"},
    {"internalType":"uint256","name":"maxBaseAssetAmount","type":"uint256"}
  ],"name":"liquidatePerp","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"user","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"uint16","name":"assetMarketIndex","type":"uint16"},
    {"internalType":"uint16","name":"liabilityMarketIndex","type":"uint16"},
    {"internalType":"uint256","name":"maxLiabilityTransfer","type":"uint256"}
  ],"name":"liquidateSpot","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"user","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"uint16","name":"marketIndex","type":"uint16"}
  ],"name":"resolvePerpBankruptcy","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"user","type":"address"},
    {"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"internalType":"uint16","name":"marketIndex","type":"uint16"}
  ],"name":"resolveSpotBankruptcy","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"address","name":"authority","type":"address"},
    {"indexed":false,"internalType":"uint16","name":"subAccountId","type":"uint16"}
  ],"name":"UserInitialized","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"address","name":"authority","type":"address"},
    {"indexed":false,"internalType":"uint16","name":"subAccountId","type":"uint16"},
    {"indexed":false,"internalType":"uint8","name":"kind","type":"uint8"}
  ],"name":"UserUpdated","type":"event"}
]`

var clearingHouseABI = mustParseABI(clearingHouseABIJSON)

var (
	// UserInitializedTopic marks the creation of a user record; the user map
	// discovers authorities from it.
	UserInitializedTopic = crypto.Keccak256Hash([]byte("UserInitialized(address,uint16)"))
	// UserUpdatedTopic is emitted on any change to a user record.
	UserUpdatedTopic = crypto.Keccak256Hash([]byte("UserUpdated(address,uint16,uint8)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("protocol: abi parse: %v", err))
	}
	return parsed
}
