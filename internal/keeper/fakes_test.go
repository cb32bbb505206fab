package keeper

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/soundsonacid/keepyrs/internal/chainutil"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	// onSleep runs after the clock advances.
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum time.Duration
	for _, d := range c.sleeps {
		sum += d
	}
	return sum
}

// recorder keeps the global order of collaborator calls.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, c := range r.list() {
		if c == name {
			n++
		}
	}
	return n
}

var (
	testIdentity = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testHolding  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeLedger struct {
	rec     *recorder
	balance *big.Int
	wrapped *big.Int

	fundErrs []error
	wrapErrs []error
	// landedErrs are returned after the wrap took effect on chain.
	landedErrs []error
	// onWrap observes every wrap attempt.
	onWrap func()
}

func newFakeLedger(rec *recorder) *fakeLedger {
	return &fakeLedger{rec: rec, balance: new(big.Int), wrapped: new(big.Int)}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeLedger) Identity() common.Address { return testIdentity }

func (f *fakeLedger) Fund(_ context.Context, owner common.Address, amount *big.Int) error {
	f.rec.add("fund")
	if owner != testIdentity {
		return errors.New("wrong owner")
	}
	if err := pop(&f.fundErrs); err != nil {
		return err
	}
	f.balance = new(big.Int).Add(f.balance, amount)
	return nil
}

func (f *fakeLedger) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeLedger) CreateWrappedNativeAccount(_ context.Context, amount *big.Int) (common.Address, error) {
	f.rec.add("wrap")
	if f.onWrap != nil {
		f.onWrap()
	}
	if err := pop(&f.wrapErrs); err != nil {
		return common.Address{}, err
	}
	f.balance = new(big.Int).Sub(f.balance, amount)
	f.wrapped = new(big.Int).Add(f.wrapped, amount)
	if err := pop(&f.landedErrs); err != nil {
		return common.Address{}, err
	}
	return testHolding, nil
}

func (f *fakeLedger) WrappedNative() common.Address { return testHolding }

func (f *fakeLedger) TokenBalance(_ context.Context, token, _ common.Address) (*big.Int, error) {
	if token != testHolding {
		return nil, errors.New("unknown token")
	}
	return new(big.Int).Set(f.wrapped), nil
}

type fakeProtocol struct {
	rec *recorder

	exists      bool
	existsErr   error
	initErr     error
	depositErrs []error
	convertErr  error
	onDeposit   func()

	depositAmount *big.Int
	depositSource common.Address
}

func (f *fakeProtocol) UserExists(context.Context, common.Address, uint16) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeProtocol) InitializeUser(_ context.Context, _ uint16, _ string) error {
	f.rec.add("init")
	if f.initErr != nil {
		return f.initErr
	}
	f.exists = true
	return nil
}

func (f *fakeProtocol) AddUser(context.Context, uint16) error {
	f.rec.add("add")
	return nil
}

func (f *fakeProtocol) ConvertToSpotPrecision(amount decimal.Decimal, _ uint16) (*big.Int, error) {
	if f.convertErr != nil {
		return nil, f.convertErr
	}
	return chainutil.ToBaseUnits(amount, 9), nil
}

func (f *fakeProtocol) Deposit(_ context.Context, amount *big.Int, _ uint16, source common.Address, _ uint16) error {
	f.rec.add("deposit")
	if f.onDeposit != nil {
		f.onDeposit()
	}
	if err := pop(&f.depositErrs); err != nil {
		return err
	}
	f.depositAmount = amount
	f.depositSource = source
	return nil
}

type phaseStep struct {
	From, To Phase
}

type fakeReporter struct {
	steps  []phaseStep
	failed []Phase
	rounds []RoundReport
}

func (r *fakeReporter) PhaseChanged(from, to Phase, _ time.Duration) {
	r.steps = append(r.steps, phaseStep{from, to})
}
func (r *fakeReporter) PhaseFailed(p Phase, _ error) { r.failed = append(r.failed, p) }
func (r *fakeReporter) RoundDone(rep RoundReport)    { r.rounds = append(r.rounds, rep) }

type fakeFiller struct {
	rec  *recorder
	errs map[int]error
	n    int
}

func (f *fakeFiller) TryFill(context.Context) error {
	f.rec.add("fill")
	err := f.errs[f.n]
	f.n++
	return err
}

type fakeLiquidator struct {
	rec        *recorder
	liqErr     error
	resolveErr error
}

func (f *fakeLiquidator) TryLiquidate(context.Context) error {
	f.rec.add("liquidate")
	return f.liqErr
}

func (f *fakeLiquidator) TryResolveBankruptcies(context.Context) error {
	f.rec.add("resolve")
	return f.resolveErr
}

type fakeSync struct {
	rec    *recorder
	onSync func(n int)
	n      int
}

func (f *fakeSync) Sync(context.Context) error {
	f.rec.add("sync")
	f.n++
	if f.onSync != nil {
		f.onSync(f.n)
	}
	return nil
}
