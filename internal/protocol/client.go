package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/soundsonacid/keepyrs/internal/chainutil"
	"github.com/soundsonacid/keepyrs/internal/ledger"
)

// PerpBaseDecimals is the fixed precision of perp base-asset amounts.
const PerpBaseDecimals = 9

// PriceDecimals is the precision of oracle prices, quoted per base unit.
const PriceDecimals = 6

const (
	callTimeout     = 8 * time.Second
	DefaultUserName = "Main Account"
)

// Approver grants the clearing house allowance over the deposit token.
type Approver interface {
	EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error
}

// Client is a typed façade over the clearing-house contract.
type Client struct {
	address  common.Address
	signer   *ledger.Signer
	backend  ledger.Backend
	contract *bind.BoundContract
	approver Approver

	mu      sync.RWMutex
	markets *MarketTable
	users   map[uint16]UserAccount
}

func NewClient(address common.Address, signer *ledger.Signer, approver Approver) (*Client, error) {
	if (address == common.Address{}) {
		return nil, fmt.Errorf("protocol: clearing house address required")
	}
	if signer == nil {
		return nil, fmt.Errorf("protocol: signer required")
	}
	backend := signer.Backend()
	return &Client{
		address:  address,
		signer:   signer,
		backend:  backend,
		contract: bind.NewBoundContract(address, clearingHouseABI, backend, backend, backend),
		approver: approver,
		users:    make(map[uint16]UserAccount),
	}, nil
}

func (c *Client) Address() common.Address { return c.address }

func (c *Client) Authority() common.Address { return c.signer.Address() }

// Subscribe loads the market table. It only reads the chain the first time.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.markets != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	perpCount, err := c.callUint16(ctx, "perpMarketCount")
	if err != nil {
		return err
	}
	spotCount, err := c.callUint16(ctx, "spotMarketCount")
	if err != nil {
		return err
	}

	table := &MarketTable{
		PerpCount:    perpCount,
		SpotDecimals: make([]uint8, 0, spotCount),
		SpotMints:    make([]common.Address, 0, spotCount),
	}
	for i := uint16(0); i < spotCount; i++ {
		vals, err := c.call(ctx, "spotMarketDecimals", i)
		if err != nil {
			return fmt.Errorf("spot market %d decimals: %w", i, err)
		}
		dec, ok := vals[0].(uint8)
		if !ok {
			return fmt.Errorf("spot market %d decimals: unexpected type %T", i, vals[0])
		}
		vals, err = c.call(ctx, "spotMarketMint", i)
		if err != nil {
			return fmt.Errorf("spot market %d mint: %w", i, err)
		}
		mint, ok := vals[0].(common.Address)
		if !ok {
			return fmt.Errorf("spot market %d mint: unexpected type %T", i, vals[0])
		}
		table.SpotDecimals = append(table.SpotDecimals, dec)
		table.SpotMints = append(table.SpotMints, mint)
	}

	c.setMarkets(table)
	return nil
}

func (c *Client) setMarkets(table *MarketTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.markets == nil {
		c.markets = table
	}
}

// Markets returns the loaded market table, or nil before Subscribe.
func (c *Client) Markets() *MarketTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markets
}

// ConvertToSpotPrecision scales a human amount to the spot market's native
// precision. It only reads the immutable market table.
func (c *Client) ConvertToSpotPrecision(amount decimal.Decimal, marketIndex uint16) (*big.Int, error) {
	markets := c.Markets()
	if markets == nil {
		return nil, ErrNotSubscribed
	}
	if !markets.HasSpot(marketIndex) {
		return nil, fmt.Errorf("%w: spot %d", ErrUnknownMarket, marketIndex)
	}
	return chainutil.ToBaseUnits(amount, int32(markets.SpotDecimals[marketIndex])), nil
}

func ConvertToPerpPrecision(amount decimal.Decimal) *big.Int {
	return chainutil.ToBaseUnits(amount, PerpBaseDecimals)
}

// PerpBaseForNotional converts a quote notional into a perp base-asset amount
// at price.
func PerpBaseForNotional(notional, price decimal.Decimal) (*big.Int, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("perp price %s must be positive", price)
	}
	return ConvertToPerpPrecision(notional.Div(price)), nil
}

// PerpOraclePrice reads the oracle price of a perp market.
func (c *Client) PerpOraclePrice(ctx context.Context, marketIndex uint16) (decimal.Decimal, error) {
	vals, err := c.call(ctx, "perpOraclePrice", marketIndex)
	if err != nil {
		return decimal.Zero, err
	}
	if len(vals) != 1 {
		return decimal.Zero, fmt.Errorf("perpOraclePrice: unexpected result len %d", len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("perpOraclePrice: unexpected type %T", vals[0])
	}
	return decimal.NewFromBigInt(v, -PriceDecimals), nil
}

func (c *Client) UserExists(ctx context.Context, authority common.Address, sub uint16) (bool, error) {
	vals, err := c.call(ctx, "userExists", authority, sub)
	if err != nil {
		return false, err
	}
	exists, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("userExists: unexpected type %T", vals[0])
	}
	return exists, nil
}

func (c *Client) UserStatus(ctx context.Context, authority common.Address, sub uint16) (UserAccount, error) {
	vals, err := c.call(ctx, "getUserStatus", authority, sub)
	if err != nil {
		return UserAccount{}, err
	}
	return decodeUserStatus(authority, sub, vals)
}

// InitializeUser creates the user record for the signer's sub-account.
func (c *Client) InitializeUser(ctx context.Context, sub uint16, name string) error {
	if name == "" {
		name = DefaultUserName
	}
	var encoded [32]byte
	copy(encoded[:], name)
	if _, err := c.signer.Transact(ctx, c.contract, "initializeUser", sub, encoded); err != nil {
		return fmt.Errorf("initializeUser(sub=%d): %w", sub, err)
	}
	return nil
}

// AddUser starts tracking the signer's sub-account. The record may not be
// visible yet right after initialization; Deposit retries the lookup.
func (c *Client) AddUser(ctx context.Context, sub uint16) error {
	_, err := c.refreshUser(ctx, sub)
	if errors.Is(err, ErrUserNotCached) {
		return nil
	}
	return err
}

// User returns the cached record for the signer's sub-account.
func (c *Client) User(sub uint16) (UserAccount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[sub]
	return u, ok
}

func (c *Client) refreshUser(ctx context.Context, sub uint16) (UserAccount, error) {
	u, err := c.UserStatus(ctx, c.signer.Address(), sub)
	if err != nil {
		return UserAccount{}, err
	}
	if !u.Exists {
		return UserAccount{}, ErrUserNotCached
	}
	c.mu.Lock()
	c.users[sub] = u
	c.mu.Unlock()
	return u, nil
}

// Deposit moves amount (already in native precision) of the market's token
// from source into the sub-account. It returns ErrUserNotCached until the
// user record is readable.
func (c *Client) Deposit(ctx context.Context, amount *big.Int, marketIndex uint16, source common.Address, sub uint16) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit: amount must be positive")
	}
	markets := c.Markets()
	if markets == nil {
		return ErrNotSubscribed
	}
	if !markets.HasSpot(marketIndex) {
		return fmt.Errorf("%w: spot %d", ErrUnknownMarket, marketIndex)
	}
	if mint := markets.SpotMints[marketIndex]; mint != source {
		return fmt.Errorf("deposit: source %s is not spot market %d token %s", source.Hex(), marketIndex, mint.Hex())
	}

	if _, ok := c.User(sub); !ok {
		if _, err := c.refreshUser(ctx, sub); err != nil {
			return err
		}
	}

	if c.approver != nil {
		if err := c.approver.EnsureAllowance(ctx, source, c.address, amount); err != nil {
			return err
		}
	}
	if _, err := c.signer.Transact(ctx, c.contract, "deposit", marketIndex, amount, source, sub, false); err != nil {
		return fmt.Errorf("deposit(market=%d sub=%d): %w", marketIndex, sub, err)
	}
	return nil
}

func (c *Client) IsOrderFillable(ctx context.Context, user common.Address, sub uint16, orderID uint32) (bool, error) {
	return c.callBool(ctx, "isOrderFillable", user, sub, orderID)
}

// SimulateFillPerpOrder runs the fill as an eth_call from the signer.
func (c *Client) SimulateFillPerpOrder(ctx context.Context, user common.Address, sub uint16, orderID uint32) error {
	_, err := c.call(ctx, "fillPerpOrder", user, sub, orderID)
	return err
}

func (c *Client) FillPerpOrder(ctx context.Context, user common.Address, sub uint16, orderID uint32) error {
	if _, err := c.signer.Transact(ctx, c.contract, "fillPerpOrder", user, sub, orderID); err != nil {
		return fmt.Errorf("fillPerpOrder(%s/%d order=%d): %w", user.Hex(), sub, orderID, err)
	}
	return nil
}

func (c *Client) CanBeLiquidated(ctx context.Context, user common.Address, sub uint16) (bool, error) {
	return c.callBool(ctx, "canBeLiquidated", user, sub)
}

func (c *Client) LiquidatePerp(ctx context.Context, user common.Address, sub, marketIndex uint16, maxBase *big.Int) error {
	if _, err := c.signer.Transact(ctx, c.contract, "liquidatePerp", user, sub, marketIndex, maxBase); err != nil {
		return fmt.Errorf("liquidatePerp(%s/%d market=%d): %w", user.Hex(), sub, marketIndex, err)
	}
	return nil
}

func (c *Client) LiquidateSpot(ctx context.Context, user common.Address, sub, assetMarket, liabilityMarket uint16, maxLiability *big.Int) error {
	if _, err := c.signer.Transact(ctx, c.contract, "liquidateSpot", user, sub, assetMarket, liabilityMarket, maxLiability); err != nil {
		return fmt.Errorf("liquidateSpot(%s/%d asset=%d liability=%d): %w", user.Hex(), sub, assetMarket, liabilityMarket, err)
	}
	return nil
}

func (c *Client) ResolvePerpBankruptcy(ctx context.Context, user common.Address, sub, marketIndex uint16) error {
	if _, err := c.signer.Transact(ctx, c.contract, "resolvePerpBankruptcy", user, sub, marketIndex); err != nil {
		return fmt.Errorf("resolvePerpBankruptcy(%s/%d market=%d): %w", user.Hex(), sub, marketIndex, err)
	}
	return nil
}

func (c *Client) ResolveSpotBankruptcy(ctx context.Context, user common.Address, sub, marketIndex uint16) error {
	if _, err := c.signer.Transact(ctx, c.contract, "resolveSpotBankruptcy", user, sub, marketIndex); err != nil {
		return fmt.Errorf("resolveSpotBankruptcy(%s/%d market=%d): %w", user.Hex(), sub, marketIndex, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := clearingHouseABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	msg := ethereum.CallMsg{From: c.signer.Address(), To: &c.address, Data: data}
	out, err := c.backend.CallContract(callCtx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	vals, err := clearingHouseABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s unpack: %w", method, err)
	}
	return vals, nil
}

func (c *Client) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	vals, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("%s: unexpected result len %d", method, len(vals))
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

func (c *Client) callUint16(ctx context.Context, method string) (uint16, error) {
	vals, err := c.call(ctx, method)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%s: unexpected result len %d", method, len(vals))
	}
	v, ok := vals[0].(uint16)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return v, nil
}
