// Package app wires configuration, gateways, storage, and the engine into a
// runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kistra/internal/config"
	"kistra/internal/engine"
	"kistra/internal/gateway/kis"
	"kistra/internal/gateway/notifier"
	"kistra/internal/logger"
	"kistra/internal/store"
	"kistra/internal/store/gormstore"
	"kistra/internal/strategy"
	"kistra/internal/types"
	"kistra/internal/universe"
)

// Exit codes of the kistra process.
const (
	ExitOK             = 0
	ExitConfig         = 2
	ExitLockHeld       = 3
	ExitReconciliation = 4
	ExitKillSwitch     = 5
)

// ExitError carries a process exit code with its cause.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, err error) *ExitError { return &ExitError{Code: code, Err: err} }

// Options are the CLI overrides applied on top of the config file.
type Options struct {
	ConfigPath         string
	Mode               string
	Feed               string
	Interval           int
	MaxRuns            int
	Stock              string
	OrderQuantity      int64
	ConfirmRealTrading bool
}

// validateFeed gates the market data transport. Only the REST polling feed
// is implemented; the websocket feed is reserved for a later release.
func validateFeed(feed string) error {
	switch feed {
	case "", "rest":
		return nil
	case "ws":
		return fmt.Errorf("websocket feed is not implemented yet, use --feed rest")
	default:
		return fmt.Errorf("unknown feed %q (supported: rest)", feed)
	}
}

// App is the assembled process.
type App struct {
	cfg      *config.Config
	mode     types.Mode
	store    *gormstore.GormStore
	broker   kis.Broker
	notify   notifier.Notifier
	lock     *engine.InstanceLock
	kill     *engine.KillSwitch
	executor *engine.Executor
	recon    *engine.Reconciler
	sync     *engine.Synchronizer
}

// New builds the full object graph. Configuration problems return an
// ExitError with ExitConfig.
func New(opts Options) (*App, error) {
	if err := validateFeed(opts.Feed); err != nil {
		return nil, exitErr(ExitConfig, err)
	}
	config.LoadDotenv()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, exitErr(ExitConfig, err)
	}
	applyOverrides(cfg, opts)

	mode, ok := types.ParseMode(cfg.App.Mode)
	if !ok {
		return nil, exitErr(ExitConfig, fmt.Errorf("invalid mode %q", cfg.App.Mode))
	}
	// The runtime mode must agree with the .env-declared mode so a REAL
	// config can never run against paper credentials or vice versa.
	if declared := config.DeclaredMode(); declared != "" && declared != string(mode) {
		return nil, exitErr(ExitConfig, fmt.Errorf("mode mismatch: config says %s, environment declares %s", mode, declared))
	}
	if mode == types.ModeReal && !opts.ConfirmRealTrading {
		return nil, exitErr(ExitConfig, fmt.Errorf("REAL mode requires --confirm-real-trading"))
	}

	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("app: starting mode=%s universe_method=%s", mode, cfg.Universe.Method)

	st, err := gormstore.New(cfg.Store.Path, cfg.Store.MaxOpenConns)
	if err != nil {
		return nil, exitErr(ExitConfig, err)
	}

	var notify notifier.Notifier = notifier.LogNotifier{}
	if cfg.Telegram.Enabled && mode != types.ModeDryRun {
		notify = notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	client, err := kis.NewClient(cfg.KIS, mode)
	if err != nil {
		return nil, exitErr(ExitConfig, err)
	}
	var broker kis.Broker = client
	if mode == types.ModeDryRun {
		broker = kis.NewDryRunBroker(client, 10_000_000)
	}

	kill := engine.NewKillSwitch(cfg.App.DataDir)
	pending := engine.NewPendingExitRegistry(time.Duration(cfg.Trading.PendingExitBackoffSec) * time.Second)
	settle := engine.NewSettlement(cfg.Trading.CommissionRate, cfg.Trading.SellTaxRate)

	risk := engine.NewRiskController(engine.RiskConfig{
		PerTradeMaxLossPct:   cfg.Risk.PerTradeMaxLossPct,
		DailyMaxLossPct:      cfg.Risk.DailyMaxLossPct,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		DailyMaxTrades:       cfg.Risk.DailyMaxTrades,
		CumulativeDDPct:      cfg.Risk.CumulativeDDPct,
	}, kill, notify, mode)

	syn := engine.NewSynchronizer(broker, st, notify, pending, settle, mode,
		time.Duration(cfg.Trading.OrderExecutionTimeout)*time.Second)

	recon := engine.NewReconciler(broker, st, notify, mode, cfg.App.DataDir)

	strat := strategy.NewTrendATR(strategy.TrendATRConfig{
		ATRPeriod:         cfg.Trading.ATRPeriod,
		TrendMAPeriod:     cfg.Trading.TrendMAPeriod,
		ADXPeriod:         cfg.Trading.ADXPeriod,
		ADXThreshold:      cfg.Trading.ADXThreshold,
		ATRSpikeThreshold: cfg.Trading.ATRSpikeThreshold,
		ATRMultiplierSL:   cfg.Trading.ATRMultiplierSL,
		ATRMultiplierTP:   cfg.Trading.ATRMultiplierTP,
		MaxLossPct:        cfg.Trading.MaxLossPct,
	})

	selector := universe.NewSelector(universe.SelectorConfig{
		MaxStocks:           cfg.Universe.MaxStocks,
		FixedList:           cfg.Universe.FixedList,
		MinVolume:           cfg.Universe.MinVolume,
		MinMarketCap:        cfg.Universe.MinMarketCap,
		MaxSessionChangePct: cfg.Universe.MaxSessionChangePct,
		MinATRPct:           cfg.Universe.MinATRPct,
		MaxATRPct:           cfg.Universe.MaxATRPct,
		ATRPeriod:           cfg.Trading.ATRPeriod,
	}, broker)

	uni := universe.NewService(universe.ServiceConfig{
		Method:               cfg.Universe.Method,
		HaltOnFallbackInReal: cfg.Universe.HaltOnFallbackInReal,
		DataDir:              cfg.App.DataDir,
	}, selector, st, mode)

	executor := engine.NewExecutor(engine.ExecutorConfig{
		Interval:         time.Duration(cfg.Trading.IntervalSeconds) * time.Second,
		NearStopInterval: time.Duration(cfg.Trading.NearStopIntervalSeconds) * time.Second,
		NearStopBandPct:  cfg.Trading.NearStopBandPct,
		OrderQuantity:    cfg.Trading.OrderQuantity,
		MaxRuns:          cfg.Trading.MaxRuns,
		MaxPositions:     cfg.Risk.MaxPositions,
		TrendMAPeriod:    cfg.Trading.TrendMAPeriod,
		ATRPeriod:        cfg.Trading.ATRPeriod,
		OutageThreshold:  time.Duration(cfg.KIS.OutageThresholdSecond) * time.Second,
		StaleCutoffs: store.StaleOrderCutoffs{
			Unsubmitted: 15 * time.Minute,
			Any:         240 * time.Minute,
		},
		DataDir: cfg.App.DataDir,
		Guard: engine.GuardConfig{
			GapThresholdPct:       cfg.Trading.GapThresholdPct,
			GapEpsilonPct:         cfg.Trading.GapEpsilonPct,
			TrailingATRMultiplier: cfg.Trading.TrailingATRMultiplier,
			TrailingActivationPct: cfg.Trading.TrailingActivationPct,
		},
	}, broker, st, strat, risk, syn, recon, pending, uni, notify, mode)

	return &App{
		cfg:      cfg,
		mode:     mode,
		store:    st,
		broker:   broker,
		notify:   notify,
		lock:     engine.NewInstanceLock(cfg.App.DataDir, time.Hour),
		kill:     kill,
		executor: executor,
		recon:    recon,
		sync:     syn,
	}, nil
}

func applyOverrides(cfg *config.Config, opts Options) {
	if opts.Mode != "" {
		cfg.App.Mode = opts.Mode
	}
	if opts.Interval > 0 {
		cfg.Trading.IntervalSeconds = opts.Interval
	}
	if opts.MaxRuns > 0 {
		cfg.Trading.MaxRuns = opts.MaxRuns
	}
	if opts.OrderQuantity > 0 {
		cfg.Trading.OrderQuantity = opts.OrderQuantity
	}
	if opts.Stock != "" {
		cfg.Universe.Method = universe.MethodFixed
		cfg.Universe.FixedList = []string{opts.Stock}
	}
	// Flag overrides are subject to the same quota floor as the config file.
	if cfg.Trading.IntervalSeconds < config.MinIntervalSeconds {
		cfg.Trading.IntervalSeconds = config.MinIntervalSeconds
	}
}

// Run drives startup gates, one reconciliation pass, and the executor loop.
// The returned error, if any, is an *ExitError.
func (a *App) Run() error {
	defer a.store.Close()

	if a.kill.Engaged() {
		return exitErr(ExitKillSwitch, fmt.Errorf("kill switch engaged at %s", a.kill.Path()))
	}

	if a.cfg.App.EnforceSingleInstance {
		if err := a.lock.Acquire(); err != nil {
			if errors.Is(err, engine.ErrLockHeld) {
				return exitErr(ExitLockHeld, err)
			}
			return exitErr(ExitConfig, err)
		}
		defer a.lock.Release()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	if err := a.kill.Watch(done); err != nil {
		logger.Warnf("app: killswitch watcher unavailable, falling back to polling err=%v", err)
	}

	report, err := a.recon.Run(ctx)
	if err != nil {
		return exitErr(ExitReconciliation, fmt.Errorf("startup reconciliation: %w", err))
	}
	if report.Critical && a.mode == types.ModeReal {
		return exitErr(ExitReconciliation, fmt.Errorf("reconciliation found critical mismatches, refusing to trade"))
	}

	if err := a.sync.ResumeRecoverable(ctx); err != nil {
		logger.Errorf("app: order recovery failed err=%v", err)
	}

	if err := a.executor.Run(ctx); err != nil {
		return exitErr(ExitConfig, err)
	}
	logger.Infof("app: clean shutdown")
	return nil
}
