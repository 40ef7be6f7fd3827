package app

import (
	"context"
	"fmt"
	"sync/atomic"

	cvgcfg "converge/internal/config"
	"converge/internal/engine"
	"converge/internal/ledger"
	"converge/internal/logger"
	"converge/internal/opshttp"
	"converge/internal/reconcile"
	"converge/internal/risk"
	"converge/internal/scheduler"
	"converge/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// App owns the full graph and the service lifecycles: scheduler, ops HTTP and
// config watcher run under one errgroup, so any fatal failure stops all three.
type App struct {
	cfg atomic.Pointer[cvgcfg.Config]

	store *ledger.Store
	guard *reconcile.Guard
	cycle *engine.Cycle

	lastSummary atomic.Pointer[engine.Summary]
	cfgPath     string
}

// NewApp builds the application from configuration without starting it.
func NewApp(cfg *cvgcfg.Config, cfgPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	a, err := buildApp(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgPath = cfgPath
	return a, nil
}

// Run starts the scheduler, the ops HTTP server and the config watcher, and
// blocks until the context ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg.Load() == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.store.Close()
	cfg := a.cfg.Load()

	sched := scheduler.New(ctx, cfg.CycleInterval())
	sched.RunImmediately = cfg.App.RunImmediately

	group, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		srv := opshttp.New(cfg.HTTP.Listen, opshttp.Deps{
			Trigger:    sched.Trigger,
			RiskStatus: a.riskStatus,
			Store:      a.store,
		})
		group.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}

	if a.cfgPath != "" {
		watcher := cvgcfg.NewWatcher(a.cfgPath, a.onReload)
		if err := watcher.Start(); err != nil {
			logger.Warnf("app: config watcher unavailable: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	group.Go(func() error {
		sched.Start(func() { a.runCycle(ctx) })
		return nil
	})

	return group.Wait()
}

// runCycle executes one full cycle from the current targets document. Cycle
// errors are logged, never fatal; the next tick starts clean.
func (a *App) runCycle(ctx context.Context) {
	cfg := a.cfg.Load()
	doc, err := strategy.Load(cfg.Strategy.TargetsPath)
	if err != nil {
		logger.Errorf("app: cycle skipped: %v", err)
		return
	}
	sum, err := a.cycle.Run(ctx, doc.Input())
	if err != nil {
		logger.Errorf("app: cycle failed run=%s err=%v", sum.RunID, err)
	}
	if sum.RunID != "" {
		a.lastSummary.Store(&sum)
	}
}

// onReload picks up edited tuning. Only the log level and the targets path
// take effect without a restart; structural sections need a new process.
func (a *App) onReload(cfg *cvgcfg.Config) {
	old := a.cfg.Load()
	logger.SetLevel(cfg.App.LogLevel)
	if old != nil && (old.Broker != cfg.Broker || old.Ledger != cfg.Ledger) {
		logger.Warnf("app: broker/ledger config changed on disk, restart required to apply")
	}
	a.cfg.Store(cfg)
	logger.Infof("app: configuration reloaded")
}

// riskStatus reports the posture as of the last completed cycle. The risk
// engine itself is owned by the cycle goroutine and never read concurrently.
func (a *App) riskStatus() opshttp.RiskStatus {
	st := opshttp.RiskStatus{
		Regime: string(risk.RegimeNormal),
		Guard:  string(a.guard.Last()),
	}
	if sum := a.lastSummary.Load(); sum != nil {
		st.Regime = string(sum.Regime)
		st.Scaling = sum.Scaling
		st.Emergency = sum.Emergency
		st.LastRunID = sum.RunID
	}
	return st
}
