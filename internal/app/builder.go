package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"converge/internal/broker"
	cvgcfg "converge/internal/config"
	"converge/internal/engine"
	"converge/internal/ledger"
	"converge/internal/lifecycle"
	"converge/internal/logger"
	"converge/internal/market"
	"converge/internal/notify"
	"converge/internal/pairs"
	"converge/internal/policy"
	"converge/internal/reconcile"
	"converge/internal/risk"
)

// buildApp assembles the full object graph from configuration. Nothing is
// started here; Run owns the lifecycles.
func buildApp(cfg *cvgcfg.Config) (*App, error) {
	sink := buildSink(cfg)

	store, err := ledger.NewStore(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger failed: %w", err)
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	session := broker.NewSession(transport, cfg.Broker.RequestsPerSec, cfg.Broker.Burst)

	polParams, err := cfg.PolicyParams()
	if err != nil {
		store.Close()
		return nil, err
	}
	pol := policy.NewEngine(polParams)

	cache := market.NewCache(session, time.Duration(cfg.Market.MaxSnapshotAgeSeconds)*time.Second)
	guard := reconcile.NewGuard(cfg.Reconcile.HaltThreshold, cfg.Reconcile.EmergencyThreshold, sink)
	riskEng := risk.NewEngine(cfg.RiskParams(), sink)

	pollInterval := time.Duration(cfg.Execution.PollIntervalSeconds) * time.Second
	manager := lifecycle.NewManager(session, store, pol, sink, pollInterval)
	manager.SetTradeGate(guard.CanTrade)
	coord := pairs.NewCoordinator(cfg.PairParams(), manager, pol, cache, store, sink)

	cycleParams := engine.Params{MinNotional: cfg.Execution.MinNotional}
	for _, p := range cfg.Pairs {
		cycleParams.Pairs = append(cycleParams.Pairs, engine.PairDef{
			SymbolA:     strings.ToUpper(p.SymbolA),
			SymbolB:     strings.ToUpper(p.SymbolB),
			HedgeSymbol: strings.ToUpper(p.HedgeSymbol),
		})
	}
	cycle := engine.NewCycle(cycleParams, cfg.BuildUniverse(),
		session, store, guard, riskEng, cache, pol, manager, coord, sink)

	a := &App{
		store: store,
		guard: guard,
		cycle: cycle,
	}
	a.cfg.Store(cfg)
	return a, nil
}

func buildTransport(cfg *cvgcfg.Config) (broker.Transport, error) {
	switch strings.ToLower(cfg.Broker.Adapter) {
	case "paper":
		logger.Warnf("broker: paper adapter active, no real orders will be placed")
		return broker.NewPaper(), nil
	case "binance":
		key := os.Getenv(cfg.Broker.Binance.APIKeyEnv)
		secret := os.Getenv(cfg.Broker.Binance.APISecretEnv)
		if key == "" || secret == "" {
			return nil, fmt.Errorf("binance credentials missing: set %s and %s",
				cfg.Broker.Binance.APIKeyEnv, cfg.Broker.Binance.APISecretEnv)
		}
		return broker.NewBinance(broker.BinanceConfig{
			APIKey:      key,
			APISecret:   secret,
			RESTBaseURL: cfg.Broker.Binance.RESTBaseURL,
			HTTPTimeout: time.Duration(cfg.Broker.Binance.HTTPTimeoutSeconds) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker adapter %q", cfg.Broker.Adapter)
	}
}

func buildSink(cfg *cvgcfg.Config) notify.Sink {
	sinks := notify.Multi{notify.LogSink{}}
	if url := strings.TrimSpace(cfg.Notify.WebhookURL); url != "" {
		sinks = append(sinks, notify.NewWebhook(url))
	}
	return sinks
}
