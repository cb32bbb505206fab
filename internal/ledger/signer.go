package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultReceiptTimeout = 2 * time.Minute

var ErrReverted = errors.New("transaction reverted")

// Backend is the subset of an ethclient.Client the keeper needs.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// TxParams are applied to every transaction the keeper signs. Zero values
// defer to the node's estimates.
type TxParams struct {
	GasLimit  uint64
	GasTipCap *big.Int
}

// DefaultTxParams cranks priority fees well above the median so keeper
// transactions land ahead of ordinary traffic.
func DefaultTxParams() TxParams {
	return TxParams{
		GasLimit:  1_400_000,
		GasTipCap: big.NewInt(100_000_000_000), // 100 gwei
	}
}

// Signer owns the keeper's signing key. It is the only component that can
// produce transactions for the account identity.
type Signer struct {
	key            *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	backend        Backend
	params         TxParams
	receiptTimeout time.Duration
}

func NewSigner(key *ecdsa.PrivateKey, chainID *big.Int, backend Backend, params TxParams) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("signer: private key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("signer: chain id required")
	}
	if backend == nil {
		return nil, fmt.Errorf("signer: backend required")
	}
	return &Signer{
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:        new(big.Int).Set(chainID),
		backend:        backend,
		params:         params,
		receiptTimeout: DefaultReceiptTimeout,
	}, nil
}

// ParsePrivateKey accepts a hex key with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, fmt.Errorf("private key missing")
	}
	hexKey = strings.TrimPrefix(hexKey, "0x")
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return pk, nil
}

func (s *Signer) Address() common.Address { return s.address }

func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

func (s *Signer) Backend() Backend { return s.backend }

func (s *Signer) SetReceiptTimeout(d time.Duration) {
	if d > 0 {
		s.receiptTimeout = d
	}
}

func (s *Signer) transactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.GasLimit = s.params.GasLimit
	if s.params.GasTipCap != nil && s.params.GasTipCap.Sign() > 0 {
		opts.GasTipCap = new(big.Int).Set(s.params.GasTipCap)
	}
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	}
	return opts, nil
}

// Transact calls method on contract and waits for a successful receipt.
func (s *Signer) Transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*types.Receipt, error) {
	return s.TransactWithValue(ctx, contract, nil, method, args...)
}

func (s *Signer) TransactWithValue(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (*types.Receipt, error) {
	opts, err := s.transactOpts(ctx, value)
	if err != nil {
		return nil, err
	}
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, err
	}
	return s.waitSuccess(ctx, tx, method)
}

// Transfer sends value in native coin to a plain address.
func (s *Signer) Transfer(ctx context.Context, to common.Address, value *big.Int) (*types.Receipt, error) {
	opts, err := s.transactOpts(ctx, value)
	if err != nil {
		return nil, err
	}
	// Plain transfers never need the keeper's raised gas limit.
	opts.GasLimit = 21_000
	target := bind.NewBoundContract(to, emptyABI, s.backend, s.backend, s.backend)
	tx, err := target.Transfer(opts)
	if err != nil {
		return nil, err
	}
	return s.waitSuccess(ctx, tx, "transfer")
}

func (s *Signer) waitSuccess(ctx context.Context, tx *types.Transaction, label string) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, s.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%s wait receipt tx=%s: %w", label, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s tx=%s", ErrReverted, label, tx.Hash().Hex())
	}
	return receipt, nil
}
