package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soundsonacid/keepyrs/internal/protocol"
)

func testParams() Params {
	p := DefaultParams()
	p.WrapRetry = RetryPolicy{Delay: 5 * time.Second}
	p.DepositRetry = RetryPolicy{Delay: 5 * time.Second}
	return p
}

type harness struct {
	rec      *recorder
	clock    *fakeClock
	ledger   *fakeLedger
	proto    *fakeProtocol
	reporter *fakeReporter
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		rec:      rec,
		clock:    newFakeClock(),
		ledger:   newFakeLedger(rec),
		proto:    &fakeProtocol{rec: rec},
		reporter: &fakeReporter{},
	}
}

func (h *harness) sequencer(t *testing.T, p Params) *Sequencer {
	t.Helper()
	cfg, err := NewConfig(p)
	require.NoError(t, err)
	return NewSequencer(cfg, h.ledger, h.proto, WithClock(h.clock), WithReporter(h.reporter))
}

func TestBootstrap_FreshAccountReachesReady(t *testing.T) {
	h := newHarness()
	seq := h.sequencer(t, testParams())

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, Ready, seq.Phase())
	require.Equal(t, testHolding, seq.HoldingAccount())
	require.Equal(t, []string{"fund", "wrap", "init", "add", "deposit"}, h.rec.list())
	require.Empty(t, h.reporter.failed)
	require.Equal(t, []phaseStep{
		{Unfunded, Funded}, {Funded, AssetWrapped}, {AssetWrapped, UserInitialized},
		{UserInitialized, Deposited}, {Deposited, Ready},
	}, h.reporter.steps)

	// 5000 at 9 decimals from the wrapped holding account.
	require.Equal(t, "5000000000000", h.proto.depositAmount.String())
	require.Equal(t, testHolding, h.proto.depositSource)

	// Funding and user settlement confirm on the first poll; only the
	// deposit settlement is a pure delay.
	require.Equal(t, 30*time.Second, h.clock.total())
}

func TestBootstrap_AlreadyInitializedErrorIsSuccess(t *testing.T) {
	h := newHarness()
	h.proto.initErr = errors.New("execution reverted: User already initialized")
	seq := h.sequencer(t, testParams())

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, Ready, seq.Phase())
	require.Equal(t, 1, h.rec.count("init"))
	require.Equal(t, 1, h.rec.count("deposit"))
}

func TestBootstrap_ReentryAtUserInitializedSkipsInitialize(t *testing.T) {
	h := newHarness()
	h.proto.exists = true
	seq := h.sequencer(t, testParams())

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, Ready, seq.Phase())
	require.Zero(t, h.rec.count("init"))
	require.Equal(t, 1, h.rec.count("deposit"))
}

func TestBootstrap_PrecheckFailureFallsBackToClassification(t *testing.T) {
	h := newHarness()
	h.proto.existsErr = errors.New("rpc unavailable")
	h.proto.initErr = errors.New("user already initialized")
	seq := h.sequencer(t, testParams())

	// The settle poll keeps failing, so the user settle delay runs out in full.
	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, Ready, seq.Phase())
	require.Equal(t, 1, h.rec.count("init"))
}

func TestBootstrap_InitializeFatal(t *testing.T) {
	h := newHarness()
	h.proto.initErr = errors.New("execution reverted: insufficient collateral")
	seq := h.sequencer(t, testParams())

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, ErrFatalPhase)
	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, AssetWrapped, perr.Phase)
	require.Equal(t, AssetWrapped, seq.Phase())
	require.Zero(t, h.rec.count("deposit"))
	require.Equal(t, []Phase{AssetWrapped}, h.reporter.failed)
}

func TestBootstrap_FundingPolicies(t *testing.T) {
	t.Run("fatal", func(t *testing.T) {
		h := newHarness()
		h.ledger.fundErrs = []error{errors.New("faucet dry")}
		seq := h.sequencer(t, testParams())

		err := seq.Run(context.Background())
		var perr *PhaseError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, Unfunded, perr.Phase)
		require.Equal(t, []string{"fund"}, h.rec.list())
	})

	t.Run("retry", func(t *testing.T) {
		h := newHarness()
		h.ledger.fundErrs = []error{errors.New("faucet busy"), errors.New("faucet busy")}
		p := testParams()
		p.FundingPolicy = FundingRetry
		p.FundRetry = RetryPolicy{Delay: time.Second, MaxAttempts: 5}
		seq := h.sequencer(t, p)

		require.NoError(t, seq.Run(context.Background()))
		require.Equal(t, 3, h.rec.count("fund"))
	})

	t.Run("retry exhausted", func(t *testing.T) {
		h := newHarness()
		h.ledger.fundErrs = []error{errors.New("a"), errors.New("b"), errors.New("c")}
		p := testParams()
		p.FundingPolicy = FundingRetry
		p.FundRetry = RetryPolicy{Delay: time.Second, MaxAttempts: 2}
		seq := h.sequencer(t, p)

		err := seq.Run(context.Background())
		require.ErrorIs(t, err, ErrRetryExhausted)
		require.Equal(t, Unfunded, seq.Phase())
		require.Equal(t, 2, h.rec.count("fund"))
	})

	t.Run("skip", func(t *testing.T) {
		h := newHarness()
		h.ledger.balance.SetString("7000000000000000000000", 10)
		p := testParams()
		p.FundingPolicy = FundingSkip
		seq := h.sequencer(t, p)

		require.NoError(t, seq.Run(context.Background()))
		require.Zero(t, h.rec.count("fund"))
	})
}

func TestBootstrap_WrapRetriesUntilErrorsStop(t *testing.T) {
	h := newHarness()
	failures := 4
	for i := 0; i < failures; i++ {
		h.ledger.wrapErrs = append(h.ledger.wrapErrs, errors.New("blockhash not found"))
	}
	seq := h.sequencer(t, testParams())

	var phases []Phase
	h.ledger.onWrap = func() { phases = append(phases, seq.Phase()) }

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, Ready, seq.Phase())
	require.Equal(t, failures+1, h.rec.count("wrap"))
	for _, p := range phases {
		require.Equal(t, Funded, p, "advanced while wrap was failing")
	}
}

func TestBootstrap_WrapReceiptTimeoutDoesNotWrapTwice(t *testing.T) {
	h := newHarness()
	h.ledger.wrapped = big.NewInt(7)
	h.ledger.landedErrs = []error{fmt.Errorf("wrap: deposit wait receipt tx=0x01: %w", context.DeadlineExceeded)}
	seq := h.sequencer(t, testParams())

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, Ready, seq.Phase())
	require.Equal(t, 1, h.rec.count("wrap"))
	require.Equal(t, testHolding, seq.HoldingAccount())
	require.Equal(t, testHolding, h.proto.depositSource)
}

func TestBootstrap_WrapRetriesAfterUnlandedTimeout(t *testing.T) {
	h := newHarness()
	h.ledger.wrapErrs = []error{fmt.Errorf("wrap: wait receipt: %w", context.DeadlineExceeded)}
	seq := h.sequencer(t, testParams())

	require.NoError(t, seq.Run(context.Background()))
	require.Equal(t, Ready, seq.Phase())
	require.Equal(t, 2, h.rec.count("wrap"))
}

func TestBootstrap_WrapStopsOnCallerCancel(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.wrapErrs = []error{errors.New("rpc down")}
	h.ledger.onWrap = cancel
	seq := h.sequencer(t, testParams())

	err := seq.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Funded, seq.Phase())
	require.Equal(t, 1, h.rec.count("wrap"))
}

func TestBootstrap_WrapWaitsForBalance(t *testing.T) {
	h := newHarness()
	p := testParams()
	p.FundingPolicy = FundingSkip
	p.WrapRetry = RetryPolicy{Delay: 5 * time.Second, MaxAttempts: 3}
	seq := h.sequencer(t, p)

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.ErrorIs(t, err, errInsufficientBalance)
	require.Equal(t, Funded, seq.Phase())
	require.Zero(t, h.rec.count("wrap"), "wrapped without balance")
}

func TestBootstrap_WrapMaxDuration(t *testing.T) {
	h := newHarness()
	for i := 0; i < 10; i++ {
		h.ledger.wrapErrs = append(h.ledger.wrapErrs, errors.New("rpc down"))
	}
	p := testParams()
	p.WrapRetry = RetryPolicy{Delay: 5 * time.Second, MaxDuration: 12 * time.Second}
	seq := h.sequencer(t, p)

	err := seq.Run(context.Background())
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.Equal(t, 3, h.rec.count("wrap"))
}

func TestBootstrap_DepositRetriesTransientOnly(t *testing.T) {
	t.Run("transient then success", func(t *testing.T) {
		h := newHarness()
		h.proto.depositErrs = []error{protocol.ErrUserNotCached, protocol.ErrUserNotCached, protocol.ErrUserNotCached}
		seq := h.sequencer(t, testParams())

		var phases []Phase
		h.proto.onDeposit = func() { phases = append(phases, seq.Phase()) }

		require.NoError(t, seq.Run(context.Background()))
		require.Equal(t, 4, h.rec.count("deposit"))
		for _, p := range phases {
			require.Equal(t, UserInitialized, p)
		}
		// Three 5s retry delays plus the 30s deposit settlement.
		require.Equal(t, 45*time.Second, h.clock.total())
	})

	t.Run("fatal", func(t *testing.T) {
		h := newHarness()
		h.proto.depositErrs = []error{errors.New("execution reverted: market paused")}
		seq := h.sequencer(t, testParams())

		err := seq.Run(context.Background())
		var perr *PhaseError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, UserInitialized, perr.Phase)
		require.Equal(t, 1, h.rec.count("deposit"))
	})

	t.Run("conversion error is fatal", func(t *testing.T) {
		h := newHarness()
		h.proto.convertErr = protocol.ErrNotSubscribed
		seq := h.sequencer(t, testParams())

		err := seq.Run(context.Background())
		require.ErrorIs(t, err, protocol.ErrNotSubscribed)
		require.Zero(t, h.rec.count("deposit"))
	})
}

func TestBootstrap_CancelStopsRetryLoop(t *testing.T) {
	h := newHarness()
	for i := 0; i < 100; i++ {
		h.proto.depositErrs = append(h.proto.depositErrs, protocol.ErrUserNotCached)
	}
	seq := h.sequencer(t, testParams())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.proto.onDeposit = func() {
		if h.rec.count("deposit") == 3 {
			cancel()
		}
	}

	err := seq.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, UserInitialized, seq.Phase())
	require.Equal(t, 3, h.rec.count("deposit"))
}
