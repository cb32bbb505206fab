package chainutil

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the chain's native coin (wei).
const NativeDecimals = 18

var (
	erc20BalanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	erc20AllowanceSelector = crypto.Keccak256([]byte("allowance(address,address)"))[:4]
)

func Uint64FromUint256Saturating(x *big.Int) uint64 {
	// Allowances are frequently max(uint256), which does not fit.
	if x == nil {
		return 0
	}
	if x.Sign() <= 0 {
		return 0
	}
	if x.IsUint64() {
		return x.Uint64()
	}
	return math.MaxUint64
}

// RPCURLFromEnv resolves the ledger endpoint. A ws(s) URL is preferred since
// the user map relies on eth_subscribe for push updates.
func RPCURLFromEnv() (string, error) {
	rpcURL := strings.TrimSpace(FirstNonEmpty(os.Getenv("RPC_WS_URL"), os.Getenv("RPC_URL")))
	if rpcURL == "" {
		return "", fmt.Errorf("RPC_WS_URL or RPC_URL required (set RPC_URL in .env)")
	}
	if !strings.HasPrefix(rpcURL, "ws") && !strings.HasPrefix(rpcURL, "http") {
		return "", fmt.Errorf("RPC URL must be ws(s)://... or http(s)://..., got %q", rpcURL)
	}
	if strings.Contains(rpcURL, "YOUR_KEY") {
		return "", fmt.Errorf("RPC URL still contains placeholder YOUR_KEY. Set RPC_URL to your provider URL")
	}
	return rpcURL, nil
}

// TokenBalance returns balanceOf(owner) on an ERC20 token.
func TokenBalance(ctx context.Context, caller ethereum.ContractCaller, token, owner common.Address) (*big.Int, error) {
	if (owner == common.Address{}) {
		return nil, fmt.Errorf("owner address missing")
	}
	data := make([]byte, 0, 4+32)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)

	bal, err := callUint256(ctx, caller, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf(%s) on %s: %w", owner.Hex(), token.Hex(), err)
	}
	return bal, nil
}

// TokenAllowance returns allowance(owner, spender) on an ERC20 token.
func TokenAllowance(ctx context.Context, caller ethereum.ContractCaller, token, owner, spender common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20AllowanceSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), 32)...)

	a, err := callUint256(ctx, caller, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance(%s,%s) on %s: %w", owner.Hex(), spender.Hex(), token.Hex(), err)
	}
	return a, nil
}

func callUint256(ctx context.Context, caller ethereum.ContractCaller, to common.Address, data []byte) (*big.Int, error) {
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty result")
	}
	return new(big.Int).SetBytes(out), nil
}

// ToBaseUnits scales a decimal amount by 10^decimals, truncating any dust
// below the smallest unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
