package keeper

import (
	"context"
	"errors"
	"log"
	"time"
)

// Synchronizer refreshes the user mirror. Sync returns once the mirror
// reflects current protocol state.
type Synchronizer interface {
	Sync(ctx context.Context) error
}

type Filler interface {
	TryFill(ctx context.Context) error
}

type Liquidator interface {
	TryLiquidate(ctx context.Context) error
	TryResolveBankruptcies(ctx context.Context) error
}

// RoundReport is the outcome of one maintenance round. Errors are recorded,
// never acted on.
type RoundReport struct {
	Round        int
	Started      time.Time
	Elapsed      time.Duration
	FillErr      error
	LiquidateErr error
	ResolveErr   error
	SyncErr      error
}

func (r RoundReport) OK() bool {
	return r.FillErr == nil && r.LiquidateErr == nil && r.ResolveErr == nil && r.SyncErr == nil
}

// Err joins every failure of the round.
func (r RoundReport) Err() error {
	return errors.Join(r.FillErr, r.LiquidateErr, r.ResolveErr, r.SyncErr)
}

// Scheduler runs fill, liquidate and resync rounds in strict order.
type Scheduler struct {
	rounds   int
	interval time.Duration
	forever  bool

	filler     Filler
	liquidator Liquidator
	sync       Synchronizer
	opts       options
}

func NewScheduler(cfg Config, filler Filler, liquidator Liquidator, sync Synchronizer, opts ...Option) *Scheduler {
	return &Scheduler{
		rounds:     cfg.p.Rounds,
		interval:   cfg.p.RoundInterval,
		forever:    cfg.p.Forever,
		filler:     filler,
		liquidator: liquidator,
		sync:       sync,
		opts:       buildOptions(opts),
	}
}

// Run executes the configured number of rounds, or rounds until ctx is done
// in forever mode. It returns the number of completed rounds. Engine
// failures never stop the loop; only cancellation does.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	completed := 0
	for i := 0; s.forever || i < s.rounds; i++ {
		if err := ctx.Err(); err != nil {
			return completed, s.stopErr(err)
		}
		report, err := s.round(ctx, i)
		if err != nil {
			return completed, s.stopErr(err)
		}
		completed++
		s.opts.reporter.RoundDone(report)
		if report.OK() {
			log.Printf("[round] %d ok (%s)", i, report.Elapsed.Round(time.Millisecond))
		} else {
			log.Printf("[round] %d finished with errors (%s): %v", i, report.Elapsed.Round(time.Millisecond), report.Err())
		}
	}
	return completed, nil
}

// Cancellation is the normal way out of forever mode.
func (s *Scheduler) stopErr(err error) error {
	if s.forever && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// round returns an error only when a wait was interrupted.
func (s *Scheduler) round(ctx context.Context, i int) (RoundReport, error) {
	clock := s.opts.clock
	r := RoundReport{Round: i, Started: clock.Now()}
	log.Printf("[round] %d: attempting to fill & liquidate", i)

	if err := s.filler.TryFill(ctx); err != nil {
		r.FillErr = err
		log.Printf("[warn] round %d fill: %v", i, err)
	}
	if err := clock.Sleep(ctx, s.interval); err != nil {
		return r, err
	}

	if err := s.liquidator.TryLiquidate(ctx); err != nil {
		r.LiquidateErr = err
		log.Printf("[warn] round %d liquidate: %v", i, err)
	}
	if err := s.liquidator.TryResolveBankruptcies(ctx); err != nil {
		r.ResolveErr = err
		log.Printf("[warn] round %d resolve bankruptcies: %v", i, err)
	}
	if err := clock.Sleep(ctx, s.interval); err != nil {
		return r, err
	}

	if err := s.sync.Sync(ctx); err != nil {
		r.SyncErr = err
		log.Printf("[warn] round %d resync: %v", i, err)
	}
	r.Elapsed = clock.Now().Sub(r.Started)
	return r, nil
}
