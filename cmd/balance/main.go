package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/soundsonacid/keepyrs/internal/chainutil"
	"github.com/soundsonacid/keepyrs/internal/config"
	"github.com/soundsonacid/keepyrs/internal/dotenv"
	"github.com/soundsonacid/keepyrs/internal/ledger"
	"github.com/soundsonacid/keepyrs/internal/protocol"
)

func main() {
	log.SetFlags(0)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	var configFlag string
	var addrFlag string
	var subFlag uint
	flag.StringVar(&configFlag, "config", "", "Optional YAML config file")
	flag.StringVar(&addrFlag, "address", "", "Authority to inspect (default: signer from PRIVATE_KEY)")
	flag.UintVar(&subFlag, "sub-account", 0, "Sub-account id to inspect")
	flag.Parse()
	if subFlag > 0xffff {
		log.Fatalf("[fatal] --sub-account %d out of range", subFlag)
	}

	settings, err := config.Load(configFlag)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, settings.RPCURL)
	if err != nil {
		log.Fatalf("[fatal] dial rpc: %v", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		log.Fatalf("[fatal] chain id: %v", err)
	}

	var signer *ledger.Signer
	if settings.PrivateKey != "" {
		key, err := ledger.ParsePrivateKey(settings.PrivateKey)
		if err != nil {
			log.Fatalf("[fatal] PRIVATE_KEY: %v", err)
		}
		if signer, err = ledger.NewSigner(key, chainID, client, settings.TxParams()); err != nil {
			log.Fatalf("[fatal] %v", err)
		}
	}

	owner, ownerSrc, err := resolveOwner(addrFlag, signer)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	native, err := client.BalanceAt(ctx, owner, nil)
	if err != nil {
		log.Fatalf("[fatal] native balance: %v", err)
	}
	wrapped, err := chainutil.TokenBalance(ctx, client, settings.WrappedNative, owner)
	if err != nil {
		log.Fatalf("[fatal] wrapped balance: %v", err)
	}
	allowance, err := chainutil.TokenAllowance(ctx, client, settings.WrappedNative, owner, settings.ClearingHouse)
	if err != nil {
		log.Fatalf("[fatal] allowance: %v", err)
	}

	fmt.Printf("owner: %s (%s)\n", owner.Hex(), ownerSrc)
	fmt.Printf("chain_id: %s\n", chainID)
	fmt.Printf("native_balance: %s\n", chainutil.FromBaseUnits(native, chainutil.NativeDecimals))
	fmt.Printf("wrapped_balance: %s (token=%s)\n", chainutil.FromBaseUnits(wrapped, chainutil.NativeDecimals), settings.WrappedNative.Hex())
	fmt.Printf("clearing_house_allowance: %s\n", chainutil.FromBaseUnits(allowance, chainutil.NativeDecimals))

	if signer == nil {
		fmt.Println("user_status: skipped (PRIVATE_KEY not set)")
		return
	}

	proto, err := protocol.NewClient(settings.ClearingHouse, signer, nil)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	sub := uint16(subFlag)
	exists, err := proto.UserExists(ctx, owner, sub)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if !exists {
		fmt.Printf("user_status: sub-account %d not initialized\n", sub)
		return
	}
	u, err := proto.UserStatus(ctx, owner, sub)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	fmt.Printf("user_status: sub=%d bankrupt=%v being_liquidated=%v perp_markets=%v spot_markets=%v open_orders=%d\n",
		u.SubAccountID, u.Bankrupt, u.BeingLiquidated, u.PerpMarkets, u.SpotMarkets, len(u.Orders))
}

func resolveOwner(addrFlag string, signer *ledger.Signer) (common.Address, string, error) {
	if raw := strings.TrimSpace(addrFlag); raw != "" {
		if !common.IsHexAddress(raw) {
			return common.Address{}, "", fmt.Errorf("invalid --address %q", raw)
		}
		return common.HexToAddress(raw), "--address", nil
	}
	if signer != nil {
		return signer.Address(), "PRIVATE_KEY", nil
	}
	return common.Address{}, "", fmt.Errorf("wallet required: set PRIVATE_KEY or pass --address")
}
