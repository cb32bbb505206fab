package keeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/soundsonacid/keepyrs/internal/chainutil"
	"github.com/soundsonacid/keepyrs/internal/protocol"
)

var errInsufficientBalance = errors.New("native balance below wrap amount")

// Ledger is the chain side of bootstrap.
type Ledger interface {
	Identity() common.Address
	Fund(ctx context.Context, owner common.Address, amount *big.Int) error
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	CreateWrappedNativeAccount(ctx context.Context, amount *big.Int) (common.Address, error)
	WrappedNative() common.Address
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Protocol is the clearing-house side of bootstrap.
type Protocol interface {
	UserExists(ctx context.Context, authority common.Address, sub uint16) (bool, error)
	InitializeUser(ctx context.Context, sub uint16, name string) error
	AddUser(ctx context.Context, sub uint16) error
	ConvertToSpotPrecision(amount decimal.Decimal, marketIndex uint16) (*big.Int, error)
	Deposit(ctx context.Context, amount *big.Int, marketIndex uint16, source common.Address, sub uint16) error
}

// Reporter receives run progress. Implementations must not block.
type Reporter interface {
	PhaseChanged(from, to Phase, elapsed time.Duration)
	PhaseFailed(phase Phase, err error)
	RoundDone(r RoundReport)
}

type nopReporter struct{}

func (nopReporter) PhaseChanged(Phase, Phase, time.Duration) {}
func (nopReporter) PhaseFailed(Phase, error)                 {}
func (nopReporter) RoundDone(RoundReport)                    {}

type Option func(*options)

type options struct {
	clock    Clock
	reporter Reporter
	classify func(error) protocol.Class
}

func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

func WithReporter(r Reporter) Option { return func(o *options) { o.reporter = r } }

// WithClassifier replaces protocol.Classify for remote errors.
func WithClassifier(f func(error) protocol.Class) Option {
	return func(o *options) { o.classify = f }
}

func buildOptions(opts []Option) options {
	o := options{clock: RealClock, reporter: nopReporter{}, classify: protocol.Classify}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Sequencer drives one account from Unfunded to Ready. It is single-use and
// not safe for concurrent use.
type Sequencer struct {
	cfg    Config
	ledger Ledger
	proto  Protocol
	opts   options

	phase   Phase
	holding common.Address
}

func NewSequencer(cfg Config, ledger Ledger, proto Protocol, opts ...Option) *Sequencer {
	return &Sequencer{cfg: cfg, ledger: ledger, proto: proto, opts: buildOptions(opts)}
}

func (s *Sequencer) Phase() Phase { return s.phase }

// HoldingAccount is the wrapped-asset account created during bootstrap.
func (s *Sequencer) HoldingAccount() common.Address { return s.holding }

// Run advances through every remaining phase. The returned error is a
// *PhaseError naming the phase that aborted.
func (s *Sequencer) Run(ctx context.Context) error {
	steps := map[Phase]func(context.Context) error{
		Unfunded:        s.fund,
		Funded:          s.wrap,
		AssetWrapped:    s.initializeUser,
		UserInitialized: s.deposit,
		Deposited:       s.awaitDeposit,
	}

	for s.phase < Ready {
		started := s.opts.clock.Now()
		from := s.phase
		if err := steps[from](ctx); err != nil {
			perr := &PhaseError{Phase: from, Err: err}
			s.opts.reporter.PhaseFailed(from, err)
			log.Printf("[fatal] %v", perr)
			return perr
		}
		s.phase = from.Next()
		elapsed := s.opts.clock.Now().Sub(started)
		s.opts.reporter.PhaseChanged(from, s.phase, elapsed)
		log.Printf("[boot] %s -> %s (%s)", from, s.phase, elapsed.Round(time.Millisecond))
	}
	return nil
}

func (s *Sequencer) fund(ctx context.Context) error {
	p := s.cfg.p
	identity := s.ledger.Identity()
	if p.FundingPolicy == FundingSkip {
		log.Printf("[boot] funding skipped by policy; account %s must already hold funds", identity.Hex())
		return nil
	}

	amount := chainutil.ToBaseUnits(p.FundAmount, chainutil.NativeDecimals)
	var confirm ConfirmFunc
	if before, err := s.ledger.NativeBalance(ctx, identity); err == nil {
		target := new(big.Int).Add(before, amount)
		confirm = func(ctx context.Context) (bool, error) {
			bal, err := s.ledger.NativeBalance(ctx, identity)
			if err != nil {
				return false, err
			}
			return bal.Cmp(target) >= 0, nil
		}
	} else {
		log.Printf("[warn] pre-fund balance read failed, settling on fixed delay: %v", err)
	}

	op := func(ctx context.Context) error { return s.ledger.Fund(ctx, identity, amount) }
	var err error
	if p.FundingPolicy == FundingRetry {
		err = retry(ctx, s.opts.clock, p.FundRetry, "fund", alwaysRetry, op)
	} else {
		err = op(ctx)
	}
	if err != nil {
		return fmt.Errorf("fund %s %s: %w", identity.Hex(), p.FundAmount, err)
	}
	return settle(ctx, s.opts.clock, p.FundSettle, p.PollInterval, confirm)
}

// wrap never repeats a submission that landed: before every re-attempt it
// checks whether an earlier one that reported an error (a receipt timeout,
// say) was mined after all.
func (s *Sequencer) wrap(ctx context.Context) error {
	p := s.cfg.p
	identity := s.ledger.Identity()
	token := s.ledger.WrappedNative()
	amount := chainutil.ToBaseUnits(p.WrapAmount, chainutil.NativeDecimals)

	target := new(big.Int).Set(amount)
	if before, err := s.ledger.TokenBalance(ctx, token, identity); err == nil {
		target.Add(target, before)
	} else {
		log.Printf("[warn] pre-wrap token balance read failed, landing check uses the wrap amount: %v", err)
	}

	submitted := false
	return retry(ctx, s.opts.clock, p.WrapRetry, "wrap", alwaysRetry, func(ctx context.Context) error {
		if submitted {
			wrapped, err := s.ledger.TokenBalance(ctx, token, identity)
			if err != nil {
				return fmt.Errorf("check earlier wrap: %w", err)
			}
			if wrapped.Cmp(target) >= 0 {
				s.holding = token
				log.Printf("[boot] earlier wrap of %s landed in %s", p.WrapAmount, token.Hex())
				return nil
			}
		}

		bal, err := s.ledger.NativeBalance(ctx, identity)
		if err != nil {
			return err
		}
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s want %s", errInsufficientBalance, bal, amount)
		}
		submitted = true
		holding, err := s.ledger.CreateWrappedNativeAccount(ctx, amount)
		if err != nil {
			return err
		}
		s.holding = holding
		log.Printf("[boot] wrapped %s into %s", p.WrapAmount, holding.Hex())
		return nil
	})
}

func (s *Sequencer) initializeUser(ctx context.Context) error {
	p := s.cfg.p
	identity := s.ledger.Identity()

	exists, err := s.proto.UserExists(ctx, identity, p.SubAccountID)
	switch {
	case err != nil:
		log.Printf("[warn] user existence pre-check failed, falling back to error classification: %v", err)
	case exists:
		log.Printf("[boot] user %s/%d already initialized", identity.Hex(), p.SubAccountID)
	}

	if !exists {
		if err := s.proto.InitializeUser(ctx, p.SubAccountID, p.UserName); err != nil {
			if s.opts.classify(err) != protocol.ClassAlreadySatisfied {
				return err
			}
			log.Printf("[boot] user %s/%d already initialized", identity.Hex(), p.SubAccountID)
		}
	}

	if err := s.proto.AddUser(ctx, p.SubAccountID); err != nil {
		log.Printf("[warn] add user %d: %v", p.SubAccountID, err)
	}

	confirm := func(ctx context.Context) (bool, error) {
		return s.proto.UserExists(ctx, identity, p.SubAccountID)
	}
	return settle(ctx, s.opts.clock, p.UserSettle, p.PollInterval, confirm)
}

func (s *Sequencer) deposit(ctx context.Context) error {
	p := s.cfg.p
	if (s.holding == common.Address{}) {
		return fmt.Errorf("no holding account")
	}
	scaled, err := s.proto.ConvertToSpotPrecision(p.DepositAmount, p.DepositMarket)
	if err != nil {
		return err
	}

	transient := func(err error) bool { return s.opts.classify(err) == protocol.ClassTransient }
	return retry(ctx, s.opts.clock, p.DepositRetry, "deposit", transient, func(ctx context.Context) error {
		return s.proto.Deposit(ctx, scaled, p.DepositMarket, s.holding, p.SubAccountID)
	})
}

func (s *Sequencer) awaitDeposit(ctx context.Context) error {
	return settle(ctx, s.opts.clock, s.cfg.p.DepositSettle, 0, nil)
}

// alwaysRetry leaves the stop decision to retry, which checks the caller's
// ctx. A per-call deadline inside err (a receipt wait) is retryable.
func alwaysRetry(error) bool { return true }
