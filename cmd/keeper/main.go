package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/soundsonacid/keepyrs/internal/config"
	"github.com/soundsonacid/keepyrs/internal/dotenv"
	"github.com/soundsonacid/keepyrs/internal/filler"
	"github.com/soundsonacid/keepyrs/internal/jsonl"
	"github.com/soundsonacid/keepyrs/internal/keeper"
	"github.com/soundsonacid/keepyrs/internal/ledger"
	"github.com/soundsonacid/keepyrs/internal/liquidator"
	"github.com/soundsonacid/keepyrs/internal/protocol"
	"github.com/soundsonacid/keepyrs/internal/store"
	"github.com/soundsonacid/keepyrs/internal/userfeed"
	"github.com/soundsonacid/keepyrs/internal/usermap"
)

const (
	fillerName     = "perp filler"
	liquidatorName = "liquidator"

	// quoteSpotMarket is the asset the keeper takes over in spot liquidations.
	quoteSpotMarket uint16 = 0

	watchStopTimeout = 5 * time.Second
)

type args struct {
	configPath string
	rounds     int
	interval   time.Duration
	forever    bool
	sentinel   string
	noSentinel bool
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	parsed := parseArgs()
	settings, err := config.Load(parsed.configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	parsed.apply(&settings)
	settings.Warn()

	closeLog, err := setupLogFile(settings.LogFile)
	if err != nil {
		log.Fatalf("[fatal] log file %s: %v", settings.LogFile, err)
	}

	cfg, err := keeper.NewConfig(settings.Keeper)
	if err != nil {
		closeLog()
		log.Fatalf("[fatal] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, settings, cfg, parsed.noSentinel)
	stop()
	if err != nil {
		var perr *keeper.PhaseError
		if errors.As(err, &perr) {
			log.Printf("[fatal] bootstrap aborted in phase %s", perr.Phase)
		}
		log.Printf("[fatal] %v", err)
		closeLog()
		os.Exit(1)
	}
	closeLog()
	fmt.Println("keepyrs done")
}

func parseArgs() args {
	var a args
	flag.StringVar(&a.configPath, "config", strings.TrimSpace(os.Getenv("KEEPER_CONFIG")), "Optional YAML config file (or KEEPER_CONFIG env)")
	flag.IntVar(&a.rounds, "rounds", -1, "Maintenance rounds to run (default from config/KEEPER_ROUNDS, 5)")
	flag.DurationVar(&a.interval, "interval", 0, "Wait between round steps (default from config/KEEPER_ROUND_INTERVAL, 10s)")
	flag.BoolVar(&a.forever, "forever", false, "Run rounds until SIGINT/SIGTERM instead of a fixed count")
	flag.StringVar(&a.sentinel, "sentinel", "", "Completion marker path (default from config/KEEPER_SENTINEL, ~/file.txt)")
	flag.BoolVar(&a.noSentinel, "no-sentinel", false, "Do not write the completion marker")
	flag.Parse()
	return a
}

// apply lets flags win over file and environment.
func (a args) apply(s *config.Settings) {
	if a.rounds >= 0 {
		s.Keeper.Rounds = a.rounds
	}
	if a.interval > 0 {
		s.Keeper.RoundInterval = a.interval
	}
	if a.forever {
		s.Keeper.Forever = true
	}
	if v := strings.TrimSpace(a.sentinel); v != "" {
		s.SentinelPath = v
	}
}

func run(ctx context.Context, settings config.Settings, cfg keeper.Config, noSentinel bool) (err error) {
	startedAt := time.Now()

	client, head, err := dialWithBackoff(ctx, settings.RPCURL, time.Second, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	key, err := ledger.ParsePrivateKey(settings.PrivateKey)
	if err != nil {
		return fmt.Errorf("PRIVATE_KEY: %w", err)
	}
	txParams := settings.TxParams()
	signer, err := ledger.NewSigner(key, chainID, client, txParams)
	if err != nil {
		return err
	}
	signer.SetReceiptTimeout(settings.ReceiptTimeout)

	var treasury *ledger.Signer
	if settings.TreasuryPrivateKey != "" {
		tkey, err := ledger.ParsePrivateKey(settings.TreasuryPrivateKey)
		if err != nil {
			return fmt.Errorf("TREASURY_PRIVATE_KEY: %w", err)
		}
		if treasury, err = ledger.NewSigner(tkey, chainID, client, txParams); err != nil {
			return err
		}
	}

	gateway, err := ledger.NewGateway(signer, ledger.GatewayOptions{
		WrappedNative: settings.WrappedNative,
		FaucetMethod:  settings.FaucetMethod,
		RPC:           client.Client(),
		Treasury:      treasury,
	})
	if err != nil {
		return err
	}

	identity := gateway.Identity()
	log.Printf("keeper %s on chain %s (head=%d, clearing house %s)", identity.Hex(), chainID, head, settings.ClearingHouse.Hex())
	if cfg.Forever() {
		log.Printf("rounds: forever (interval %s)", cfg.RoundInterval())
	} else {
		log.Printf("rounds: %d (interval %s)", cfg.Rounds(), cfg.RoundInterval())
	}
	logRetryPolicies(cfg.Params())

	proto, err := protocol.NewClient(settings.ClearingHouse, signer, gateway)
	if err != nil {
		return err
	}
	if err := proto.Subscribe(ctx); err != nil {
		return fmt.Errorf("protocol subscribe: %w", err)
	}

	events := jsonl.New(settings.EventsFile)
	if events != nil {
		log.Printf("Event log: %s (JSONL)", events.Path())
		defer func() {
			if err := events.Close(); err != nil {
				log.Printf("[warn] event log close: %v", err)
			}
		}()
	}
	logEvent(events, "start", runEvent{
		Identity:      identity.Hex(),
		ChainID:       chainID.Int64(),
		ClearingHouse: settings.ClearingHouse.Hex(),
		Rounds:        cfg.Rounds(),
		Forever:       cfg.Forever(),
		Ok:            true,
	})

	reporter := multiReporter{eventReporter{w: events}}
	var seq *keeper.Sequencer
	rounds := 0

	if settings.DBPath != "" {
		history, openErr := store.Open(settings.DBPath)
		if openErr != nil {
			return fmt.Errorf("open run store: %w", openErr)
		}
		defer func() {
			if cerr := history.Close(); cerr != nil {
				log.Printf("[warn] run store close: %v", cerr)
			}
		}()
		runID, startErr := history.StartRun(identity.Hex(), chainID.Int64(), startedAt)
		if startErr != nil {
			return fmt.Errorf("start run: %w", startErr)
		}
		log.Printf("run %d recorded in %s", runID, settings.DBPath)
		reporter = append(reporter, history.Reporter(runID))
		defer func() {
			if ferr := history.FinishRun(runID, runStatus(err), seq.Phase().String(), rounds, seq.HoldingAccount().Hex(), err, time.Now()); ferr != nil {
				log.Printf("[warn] finish run %d: %v", runID, ferr)
			}
		}()
	}
	seq = keeper.NewSequencer(cfg, gateway, proto, keeper.WithReporter(reporter))
	defer func() {
		logEvent(events, "shutdown", runEvent{
			Identity: identity.Hex(),
			Rounds:   rounds,
			Holding:  seq.HoldingAccount().Hex(),
			Phase:    seq.Phase().String(),
			Ok:       err == nil,
			Err:      errString(err),
			UptimeMs: time.Since(startedAt).Milliseconds(),
		})
	}()

	if err := seq.Run(ctx); err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	users, err := usermap.New(client, proto, usermap.Options{
		ChainID:        chainID.Int64(),
		ClearingHouse:  settings.ClearingHouse,
		StartBlock:     settings.StartBlock,
		CheckpointPath: settings.CheckpointPath,
		MaxChunk:       settings.MaxChunk,
		Hints:          startUserFeed(watchCtx, settings),
	})
	if err != nil {
		return err
	}
	if err := users.Subscribe(watchCtx); err != nil {
		return fmt.Errorf("usermap subscribe: %w", err)
	}
	defer func() {
		stopWatch()
		select {
		case <-users.Done():
		case <-time.After(watchStopTimeout):
			log.Printf("[warn] user map watcher still running after %s", watchStopTimeout)
		}
		log.Printf("[sync] user map closed: %d users, last full sync %s", users.Size(), users.LastSynced().Format(time.RFC3339))
	}()
	log.Printf("[sync] user map loaded: %d users", users.Size())

	p := cfg.Params()
	liq := liquidator.New(liquidator.Config{
		Name:        liquidatorName,
		PerpMarkets: p.PerpMarkets,
		SpotMarkets: p.SpotMarkets,
		SubAccount:  p.SubAccountID,
		SubAccounts: p.SubAccounts,
		PerpBudgets: p.PerpBudgets,
		SpotBudgets: p.SpotBudgets,
		QuoteMarket: quoteSpotMarket,
	}, proto, users)
	fill := filler.New(filler.Config{
		Name:        fillerName,
		Preflight:   p.Preflight,
		PerpMarkets: p.PerpMarkets,
	}, proto, users)

	if err := liq.Init(ctx); err != nil {
		return fmt.Errorf("%s init: %w", liq.Name(), err)
	}
	if err := fill.Init(ctx); err != nil {
		return fmt.Errorf("%s init: %w", fill.Name(), err)
	}

	sched := keeper.NewScheduler(cfg, fill, liq, users, keeper.WithReporter(reporter))
	rounds, err = sched.Run(ctx)
	if err != nil {
		return err
	}

	if noSentinel {
		return nil
	}
	path, err := keeper.WriteSentinel(settings.SentinelPath)
	if err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	log.Printf("sentinel written: %s", path)
	return nil
}

type namedRetry struct {
	name   string
	policy keeper.RetryPolicy
}

func logRetryPolicies(p keeper.Params) {
	policies := []namedRetry{{"wrap", p.WrapRetry}, {"deposit", p.DepositRetry}}
	if p.FundingPolicy == keeper.FundingRetry {
		policies = append([]namedRetry{{"fund", p.FundRetry}}, policies...)
	}
	for _, r := range policies {
		if r.policy.Unbounded() {
			log.Printf("%s retry: until canceled (every %s)", r.name, r.policy.Delay)
			continue
		}
		log.Printf("%s retry: max_attempts=%d max_duration=%s (every %s)", r.name, r.policy.MaxAttempts, r.policy.MaxDuration, r.policy.Delay)
	}
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return store.StatusOK
	case errors.Is(err, context.Canceled):
		return store.StatusCanceled
	default:
		return store.StatusFailed
	}
}

// startUserFeed bridges the optional indexer feed into user map hints. It
// returns nil when no feed is configured.
func startUserFeed(ctx context.Context, settings config.Settings) <-chan usermap.Hint {
	if settings.UserFeedURL == "" {
		return nil
	}
	feed, errs := userfeed.Start(ctx, settings.UserFeedURL, []userfeed.Subscription{userfeed.UserSubscription(settings.ClearingHouse)}, userfeed.Options{})
	log.Printf("user feed: %s", settings.UserFeedURL)

	go func() {
		for err := range errs {
			log.Printf("[warn] %v", err)
		}
	}()

	hints := make(chan usermap.Hint, 256)
	go func() {
		defer close(hints)
		for h := range feed {
			select {
			case hints <- usermap.Hint{Authority: h.Authority, SubAccountID: h.SubAccountID}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return hints
}

func dialWithBackoff(ctx context.Context, url string, baseDelay, maxDelay time.Duration) (*ethclient.Client, uint64, error) {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	delay := baseDelay
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		client, err := ethclient.DialContext(ctx, url)
		if err == nil {
			headNum, headErr := client.BlockNumber(ctx)
			if headErr == nil {
				return client, headNum, nil
			}
			client.Close()
			err = fmt.Errorf("failed to fetch head: %w", headErr)
		}

		wait := jitterDuration(delay)
		log.Printf("[warn] failed to connect rpc, retrying in %s: %v", wait, err)
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, 0, err
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 5 // +/-20%
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int63n(int64(j*2)+1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
