package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/soundsonacid/keepyrs/internal/chainutil"
)

// DefaultFaucetMethod is the dev-chain RPC used to credit an account.
const DefaultFaucetMethod = "anvil_setBalance"

const wrappedNativeABIJSON = `[
  {"inputs":[],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"wad","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABIJSON = `[
  {"inputs":[
    {"internalType":"address","name":"spender","type":"address"},
    {"internalType":"uint256","name":"amount","type":"uint256"}
  ],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var (
	emptyABI         abi.ABI
	wrappedNativeABI = mustParseABI(wrappedNativeABIJSON)
	erc20ABI         = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: abi parse: %v", err))
	}
	return parsed
}

// RPCCaller issues raw JSON-RPC requests (*rpc.Client satisfies it).
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type GatewayOptions struct {
	// WrappedNative is the WETH-style token that holds wrapped collateral.
	WrappedNative common.Address

	// FaucetMethod is used when Treasury is nil. Empty disables funding.
	FaucetMethod string
	RPC          RPCCaller

	// Treasury, when set, funds the keeper with a plain transfer.
	Treasury *Signer
}

// Gateway submits the keeper's ledger-level transactions: funding, wrapping
// native coin and token approvals.
type Gateway struct {
	signer        *Signer
	backend       Backend
	wrappedNative common.Address
	faucetMethod  string
	rpc           RPCCaller
	treasury      *Signer
}

func NewGateway(signer *Signer, opts GatewayOptions) (*Gateway, error) {
	if signer == nil {
		return nil, fmt.Errorf("gateway: signer required")
	}
	if (opts.WrappedNative == common.Address{}) {
		return nil, fmt.Errorf("gateway: wrapped native token address required")
	}
	return &Gateway{
		signer:        signer,
		backend:       signer.Backend(),
		wrappedNative: opts.WrappedNative,
		faucetMethod:  strings.TrimSpace(opts.FaucetMethod),
		rpc:           opts.RPC,
		treasury:      opts.Treasury,
	}, nil
}

func (g *Gateway) Identity() common.Address { return g.signer.Address() }

func (g *Gateway) WrappedNative() common.Address { return g.wrappedNative }

// Fund credits owner with amount wei, either from the treasury key or through
// the dev-chain faucet RPC.
func (g *Gateway) Fund(ctx context.Context, owner common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("fund: amount must be positive")
	}
	if g.treasury != nil {
		if _, err := g.treasury.Transfer(ctx, owner, amount); err != nil {
			return fmt.Errorf("fund from treasury %s: %w", g.treasury.Address().Hex(), err)
		}
		return nil
	}
	if g.rpc == nil || g.faucetMethod == "" {
		return fmt.Errorf("fund: no treasury key and no faucet method configured")
	}

	current, err := g.backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return fmt.Errorf("fund: balance of %s: %w", owner.Hex(), err)
	}
	target := new(big.Int).Add(current, amount)
	if err := g.rpc.CallContext(ctx, nil, g.faucetMethod, owner, hexutil.EncodeBig(target)); err != nil {
		return fmt.Errorf("fund: %s(%s): %w", g.faucetMethod, owner.Hex(), err)
	}
	return nil
}

func (g *Gateway) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bal, err := g.backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", owner.Hex(), err)
	}
	return bal, nil
}

// CreateWrappedNativeAccount wraps amount wei into the wrapped-native token and
// returns the token holding the keeper's collateral. Every call wraps again,
// so callers must stop after the first success.
func (g *Gateway) CreateWrappedNativeAccount(ctx context.Context, amount *big.Int) (common.Address, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Address{}, fmt.Errorf("wrap: amount must be positive")
	}
	contract := bind.NewBoundContract(g.wrappedNative, wrappedNativeABI, g.backend, g.backend, g.backend)
	if _, err := g.signer.TransactWithValue(ctx, contract, amount, "deposit"); err != nil {
		return common.Address{}, fmt.Errorf("wrap %s wei: %w", amount.String(), err)
	}
	return g.wrappedNative, nil
}

func (g *Gateway) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return chainutil.TokenBalance(ctx, g.backend, token, owner)
}

func (g *Gateway) TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return chainutil.TokenAllowance(ctx, g.backend, token, owner, spender)
}

// EnsureAllowance approves spender for amount of token unless the current
// allowance already covers it.
func (g *Gateway) EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	current, err := g.TokenAllowance(ctx, token, g.signer.Address(), spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	contract := bind.NewBoundContract(token, erc20ABI, g.backend, g.backend, g.backend)
	if _, err := g.signer.Transact(ctx, contract, "approve", spender, amount); err != nil {
		return fmt.Errorf("approve %s for %s: %w", spender.Hex(), token.Hex(), err)
	}
	return nil
}
