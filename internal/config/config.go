package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/soundsonacid/keepyrs/internal/chainutil"
	"github.com/soundsonacid/keepyrs/internal/keeper"
	"github.com/soundsonacid/keepyrs/internal/ledger"
)

const (
	DefaultCheckpointPath = "./out/usermap.checkpoint.json"
	DefaultEventsPath     = "./out/keeper.jsonl"
)

// Settings is everything the keeper process needs, resolved from the YAML file
// (optional), environment and defaults. Keeper is handed to keeper.NewConfig
// which freezes and validates it.
type Settings struct {
	Keeper keeper.Params

	RPCURL        string
	ClearingHouse common.Address
	WrappedNative common.Address
	FaucetMethod  string
	UserFeedURL   string

	// PrivateKey and TreasuryPrivateKey are only ever read from the
	// environment.
	PrivateKey         string
	TreasuryPrivateKey string

	GasLimit       uint64
	GasTipGwei     decimal.Decimal
	ReceiptTimeout time.Duration

	StartBlock uint64
	MaxChunk   uint64

	LogFile        string
	EventsFile     string
	DBPath         string
	CheckpointPath string
	SentinelPath   string
}

// TxParams converts the gas settings for ledger.NewSigner.
func (s Settings) TxParams() ledger.TxParams {
	tip := s.GasTipGwei.Shift(9).BigInt()
	if tip.Sign() <= 0 {
		tip = nil
	}
	return ledger.TxParams{GasLimit: s.GasLimit, GasTipCap: tip}
}

type retryFile struct {
	Delay       *time.Duration `yaml:"delay"`
	MaxAttempts *int           `yaml:"max_attempts"`
	MaxDuration *time.Duration `yaml:"max_duration"`
}

func (r *retryFile) apply(p *keeper.RetryPolicy) {
	if r == nil {
		return
	}
	if r.Delay != nil {
		p.Delay = *r.Delay
	}
	if r.MaxAttempts != nil {
		p.MaxAttempts = *r.MaxAttempts
	}
	if r.MaxDuration != nil {
		p.MaxDuration = *r.MaxDuration
	}
}

// file mirrors the YAML layout. Pointer fields distinguish "absent" from zero
// so defaults survive a partial file.
type file struct {
	Chain struct {
		RPCURL        string  `yaml:"rpc_url"`
		ClearingHouse string  `yaml:"clearing_house"`
		WrappedNative string  `yaml:"wrapped_native"`
		FaucetMethod  string  `yaml:"faucet_method"`
		UserFeedURL   string  `yaml:"userfeed_url"`
		StartBlock    *uint64 `yaml:"start_block"`
		MaxChunk      *uint64 `yaml:"max_chunk"`
	} `yaml:"chain"`

	Gas struct {
		Limit          *uint64          `yaml:"limit"`
		TipGwei        *decimal.Decimal `yaml:"tip_gwei"`
		ReceiptTimeout *time.Duration   `yaml:"receipt_timeout"`
	} `yaml:"gas"`

	Keeper struct {
		SubAccount  *uint16                    `yaml:"sub_account"`
		SubAccounts []uint16                   `yaml:"sub_accounts"`
		UserName    string                     `yaml:"user_name"`
		PerpMarkets []uint16                   `yaml:"perp_markets"`
		SpotMarkets []uint16                   `yaml:"spot_markets"`
		PerpBudgets map[uint16]decimal.Decimal `yaml:"perp_budgets"`
		SpotBudgets map[uint16]decimal.Decimal `yaml:"spot_budgets"`

		FundAmount    *decimal.Decimal `yaml:"fund_amount"`
		WrapAmount    *decimal.Decimal `yaml:"wrap_amount"`
		DepositAmount *decimal.Decimal `yaml:"deposit_amount"`
		DepositMarket *uint16          `yaml:"deposit_market"`

		FundingPolicy string     `yaml:"funding_policy"`
		FundRetry     *retryFile `yaml:"fund_retry"`
		WrapRetry     *retryFile `yaml:"wrap_retry"`
		DepositRetry  *retryFile `yaml:"deposit_retry"`

		FundSettle    *time.Duration `yaml:"fund_settle"`
		UserSettle    *time.Duration `yaml:"user_settle"`
		DepositSettle *time.Duration `yaml:"deposit_settle"`
		PollInterval  *time.Duration `yaml:"poll_interval"`

		Rounds        *int           `yaml:"rounds"`
		RoundInterval *time.Duration `yaml:"round_interval"`
		Forever       *bool          `yaml:"forever"`
		Preflight     *bool          `yaml:"preflight"`
	} `yaml:"keeper"`

	Paths struct {
		LogFile    string `yaml:"log_file"`
		EventsFile string `yaml:"events_file"`
		DB         string `yaml:"db"`
		Checkpoint string `yaml:"checkpoint"`
		Sentinel   string `yaml:"sentinel"`
	} `yaml:"paths"`
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the addresses and URLs the process cannot start without.
// Keeper parameters are validated later by keeper.NewConfig.
func Load(path string) (Settings, error) {
	var f file
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	s, err := fromFile(f)
	if err != nil {
		return Settings{}, err
	}
	if err := overrideWithEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

func fromFile(f file) (Settings, error) {
	s := Settings{
		Keeper:         keeper.DefaultParams(),
		RPCURL:         strings.TrimSpace(f.Chain.RPCURL),
		FaucetMethod:   strings.TrimSpace(f.Chain.FaucetMethod),
		UserFeedURL:    strings.TrimSpace(f.Chain.UserFeedURL),
		ReceiptTimeout: ledger.DefaultReceiptTimeout,
		LogFile:        strings.TrimSpace(f.Paths.LogFile),
		EventsFile:     chainutil.FirstNonEmpty(strings.TrimSpace(f.Paths.EventsFile), DefaultEventsPath),
		DBPath:         strings.TrimSpace(f.Paths.DB),
		CheckpointPath: chainutil.FirstNonEmpty(strings.TrimSpace(f.Paths.Checkpoint), DefaultCheckpointPath),
		SentinelPath:   chainutil.FirstNonEmpty(strings.TrimSpace(f.Paths.Sentinel), keeper.DefaultSentinelPath),
	}
	if s.FaucetMethod == "" {
		s.FaucetMethod = ledger.DefaultFaucetMethod
	}

	def := ledger.DefaultTxParams()
	s.GasLimit = def.GasLimit
	s.GasTipGwei = decimal.NewFromBigInt(def.GasTipCap, -9)
	if f.Gas.Limit != nil {
		s.GasLimit = *f.Gas.Limit
	}
	if f.Gas.TipGwei != nil {
		s.GasTipGwei = *f.Gas.TipGwei
	}
	if f.Gas.ReceiptTimeout != nil {
		s.ReceiptTimeout = *f.Gas.ReceiptTimeout
	}
	if f.Chain.StartBlock != nil {
		s.StartBlock = *f.Chain.StartBlock
	}
	if f.Chain.MaxChunk != nil {
		s.MaxChunk = *f.Chain.MaxChunk
	}

	var err error
	if v := strings.TrimSpace(f.Chain.ClearingHouse); v != "" {
		if s.ClearingHouse, err = parseAddress("clearing_house", v); err != nil {
			return Settings{}, err
		}
	}
	if v := strings.TrimSpace(f.Chain.WrappedNative); v != "" {
		if s.WrappedNative, err = parseAddress("wrapped_native", v); err != nil {
			return Settings{}, err
		}
	}

	k := f.Keeper
	p := &s.Keeper
	if k.SubAccount != nil {
		p.SubAccountID = *k.SubAccount
		p.SubAccounts = []uint16{*k.SubAccount}
	}
	if len(k.SubAccounts) > 0 {
		p.SubAccounts = append([]uint16(nil), k.SubAccounts...)
	}
	if v := strings.TrimSpace(k.UserName); v != "" {
		p.UserName = v
	}
	if len(k.PerpMarkets) > 0 {
		p.PerpMarkets = append([]uint16(nil), k.PerpMarkets...)
		p.PerpBudgets = zeroBudgets(p.PerpMarkets)
	}
	if len(k.SpotMarkets) > 0 {
		p.SpotMarkets = append([]uint16(nil), k.SpotMarkets...)
		p.SpotBudgets = zeroBudgets(p.SpotMarkets)
	}
	if k.PerpBudgets != nil {
		p.PerpBudgets = k.PerpBudgets
	}
	if k.SpotBudgets != nil {
		p.SpotBudgets = k.SpotBudgets
	}
	if k.FundAmount != nil {
		p.FundAmount = *k.FundAmount
	}
	if k.WrapAmount != nil {
		p.WrapAmount = *k.WrapAmount
	}
	if k.DepositAmount != nil {
		p.DepositAmount = *k.DepositAmount
	}
	if k.DepositMarket != nil {
		p.DepositMarket = *k.DepositMarket
	}
	if k.FundingPolicy != "" {
		if p.FundingPolicy, err = keeper.ParseFundingPolicy(k.FundingPolicy); err != nil {
			return Settings{}, err
		}
	}
	k.FundRetry.apply(&p.FundRetry)
	k.WrapRetry.apply(&p.WrapRetry)
	k.DepositRetry.apply(&p.DepositRetry)

	setDuration(&p.FundSettle, k.FundSettle)
	setDuration(&p.UserSettle, k.UserSettle)
	setDuration(&p.DepositSettle, k.DepositSettle)
	setDuration(&p.PollInterval, k.PollInterval)
	setDuration(&p.RoundInterval, k.RoundInterval)
	if k.Rounds != nil {
		p.Rounds = *k.Rounds
	}
	if k.Forever != nil {
		p.Forever = *k.Forever
	}
	if k.Preflight != nil {
		p.Preflight = *k.Preflight
	}
	return s, nil
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}

func zeroBudgets(markets []uint16) map[uint16]decimal.Decimal {
	out := make(map[uint16]decimal.Decimal, len(markets))
	for _, m := range markets {
		out[m] = decimal.Zero
	}
	return out
}

// overrideWithEnv applies environment variables, which always win over the
// file. Keys are never read from the file.
func overrideWithEnv(s *Settings) error {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(name)) }

	s.PrivateKey = env("PRIVATE_KEY")
	s.TreasuryPrivateKey = env("TREASURY_PRIVATE_KEY")

	if v := chainutil.FirstNonEmpty(env("RPC_WS_URL"), env("RPC_URL")); v != "" {
		s.RPCURL = v
	}
	if v := env("CLEARING_HOUSE_ADDRESS"); v != "" {
		addr, err := parseAddress("CLEARING_HOUSE_ADDRESS", v)
		if err != nil {
			return err
		}
		s.ClearingHouse = addr
	}
	if v := env("WRAPPED_NATIVE_ADDRESS"); v != "" {
		addr, err := parseAddress("WRAPPED_NATIVE_ADDRESS", v)
		if err != nil {
			return err
		}
		s.WrappedNative = addr
	}
	if v := env("FAUCET_METHOD"); v != "" {
		s.FaucetMethod = v
	}
	if v := env("USERFEED_URL"); v != "" {
		s.UserFeedURL = v
	}
	if v := env("FUNDING_POLICY"); v != "" {
		p, err := keeper.ParseFundingPolicy(v)
		if err != nil {
			return err
		}
		s.Keeper.FundingPolicy = p
	}
	if v := env("KEEPER_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KEEPER_ROUNDS %q: %w", v, err)
		}
		s.Keeper.Rounds = n
	}
	if v := env("KEEPER_ROUND_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid KEEPER_ROUND_INTERVAL %q: %w", v, err)
		}
		s.Keeper.RoundInterval = d
	}
	if v := env("KEEPER_FOREVER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KEEPER_FOREVER %q: %w", v, err)
		}
		s.Keeper.Forever = b
	}
	if v := env("KEEPER_SUB_ACCOUNT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid KEEPER_SUB_ACCOUNT %q: %w", v, err)
		}
		s.Keeper.SubAccountID = uint16(n)
		if len(s.Keeper.SubAccounts) == 1 {
			s.Keeper.SubAccounts = []uint16{uint16(n)}
		}
	}
	if v := env("PERP_MARKETS"); v != "" {
		markets, err := ParseIndexList(v)
		if err != nil {
			return fmt.Errorf("invalid PERP_MARKETS: %w", err)
		}
		s.Keeper.PerpMarkets = markets
		s.Keeper.PerpBudgets = restrictBudgets(s.Keeper.PerpBudgets, markets)
	}
	if v := env("SPOT_MARKETS"); v != "" {
		markets, err := ParseIndexList(v)
		if err != nil {
			return fmt.Errorf("invalid SPOT_MARKETS: %w", err)
		}
		s.Keeper.SpotMarkets = markets
		s.Keeper.SpotBudgets = restrictBudgets(s.Keeper.SpotBudgets, markets)
	}
	if v := env("GAS_LIMIT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GAS_LIMIT %q: %w", v, err)
		}
		s.GasLimit = n
	}
	if v := env("GAS_TIP_GWEI"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("invalid GAS_TIP_GWEI %q: %w", v, err)
		}
		s.GasTipGwei = d
	}
	if v := env("USERMAP_START_BLOCK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid USERMAP_START_BLOCK %q: %w", v, err)
		}
		s.StartBlock = n
	}

	if v := env("KEEPER_LOG_FILE"); v != "" {
		s.LogFile = v
	}
	if v := env("KEEPER_EVENTS_FILE"); v != "" {
		s.EventsFile = v
	}
	if v := env("KEEPER_DB_PATH"); v != "" {
		s.DBPath = v
	}
	if v := env("USERMAP_CHECKPOINT"); v != "" {
		s.CheckpointPath = v
	}
	if v := env("KEEPER_SENTINEL"); v != "" {
		s.SentinelPath = v
	}
	return nil
}

// restrictBudgets keeps the budgets of markets still in the set and gives new
// markets a zero budget.
func restrictBudgets(budgets map[uint16]decimal.Decimal, markets []uint16) map[uint16]decimal.Decimal {
	out := make(map[uint16]decimal.Decimal, len(markets))
	for _, m := range markets {
		if b, ok := budgets[m]; ok {
			out[m] = b
			continue
		}
		out[m] = decimal.Zero
	}
	return out
}

// Validate checks the settings the keeper cannot run without.
func (s Settings) Validate() error {
	var errs []error
	if s.RPCURL == "" {
		errs = append(errs, errors.New("RPC_WS_URL or RPC_URL required"))
	} else if !strings.HasPrefix(s.RPCURL, "ws") && !strings.HasPrefix(s.RPCURL, "http") {
		errs = append(errs, fmt.Errorf("RPC URL must be ws(s)://... or http(s)://..., got %q", s.RPCURL))
	}
	if (s.ClearingHouse == common.Address{}) {
		errs = append(errs, errors.New("CLEARING_HOUSE_ADDRESS required"))
	}
	if (s.WrappedNative == common.Address{}) {
		errs = append(errs, errors.New("WRAPPED_NATIVE_ADDRESS required"))
	}
	if s.GasTipGwei.IsNegative() {
		errs = append(errs, errors.New("gas tip must be >= 0"))
	}
	if s.ReceiptTimeout < 0 {
		errs = append(errs, errors.New("receipt timeout must be >= 0"))
	}
	if u := s.UserFeedURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("invalid user feed URL: %s", u))
	}
	return errors.Join(errs...)
}

// Warn logs settings combinations that are legal but almost
// certainly unintended.
func (s Settings) Warn() {
	if s.Keeper.FundingPolicy == keeper.FundingSkip && s.TreasuryPrivateKey != "" {
		log.Printf("[warn] TREASURY_PRIVATE_KEY set but FUNDING_POLICY=skip; treasury will not be used")
	}
	if s.UserFeedURL != "" && !strings.HasPrefix(s.RPCURL, "ws") {
		log.Printf("[warn] RPC URL %q is not a websocket; user map push updates rely on the user feed only", s.RPCURL)
	}
}

func parseAddress(name, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s %q: expected 0x + 40 hex chars", name, v)
	}
	return common.HexToAddress(v), nil
}

// ParseIndexList parses market or sub-account indexes from a single string.
// Commas, semicolons and whitespace separate entries; duplicates are dropped
// keeping the first occurrence. Ranges "a-b" are inclusive.
func ParseIndexList(raw string) ([]uint16, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.FieldsFunc(trimmed, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})

	out := make([]uint16, 0, len(parts))
	seen := make(map[uint16]struct{}, len(parts))
	add := func(n uint16) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, part := range parts {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.ParseUint(lo, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q in %q", part, raw)
		}
		if !isRange {
			add(uint16(first))
			continue
		}
		last, err := strconv.ParseUint(hi, 10, 16)
		if err != nil || last < first {
			return nil, fmt.Errorf("invalid range %q in %q", part, raw)
		}
		for n := first; n <= last; n++ {
			add(uint16(n))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no indexes found in %q", raw)
	}
	return out, nil
}
