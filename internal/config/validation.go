package config

import (
	"fmt"
	"strings"
	"time"

	"converge/internal/instrument"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Reconcile.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.validateUniverse(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	if _, err := time.ParseDuration(a.CycleInterval); err != nil {
		return fmt.Errorf("app.cycle_interval invalid: %w", err)
	}
	return nil
}

func (r *ReconcileConfig) validate() error {
	if r.HaltThreshold <= 0 {
		return fmt.Errorf("reconcile.halt_threshold must be positive")
	}
	if r.EmergencyThreshold <= r.HaltThreshold {
		return fmt.Errorf("reconcile.emergency_threshold must exceed halt_threshold")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.TargetVol <= 0 {
		return fmt.Errorf("risk.target_vol must be positive")
	}
	if r.VolFloor <= 0 {
		return fmt.Errorf("risk.vol_floor must be positive")
	}
	if r.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be positive")
	}
	if r.EWMAWeight < 0 || r.EWMAWeight > 1 {
		return fmt.Errorf("risk.ewma_weight must lie in [0,1]")
	}
	if r.EWMALambda <= 0 || r.EWMALambda >= 1 {
		return fmt.Errorf("risk.ewma_lambda must lie in (0,1)")
	}
	if r.BurnInClampLo >= r.BurnInClampHi {
		return fmt.Errorf("risk.burn_in_clamp_lo must be below burn_in_clamp_hi")
	}
	g := r.Regime
	if g.ExitElevated >= g.EnterElevated {
		return fmt.Errorf("risk.regime.exit_elevated must sit below enter_elevated (hysteresis)")
	}
	if g.ExitCrisis >= g.EnterCrisis {
		return fmt.Errorf("risk.regime.exit_crisis must sit below enter_crisis (hysteresis)")
	}
	if g.EnterElevated >= g.EnterCrisis {
		return fmt.Errorf("risk.regime.enter_elevated must sit below enter_crisis")
	}
	if g.Persistence < 1 {
		return fmt.Errorf("risk.regime.persistence must be >= 1")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.TTLSeconds <= 0 {
		return fmt.Errorf("execution.ttl_seconds must be positive")
	}
	if e.ReplaceIntervalSeconds <= 0 {
		return fmt.Errorf("execution.replace_interval_seconds must be positive")
	}
	if e.ReplaceIntervalSeconds*e.MaxReplace > e.TTLSeconds*2 {
		return fmt.Errorf("execution: replace schedule exceeds twice the TTL, orders would never expire on time")
	}
	for _, w := range e.AvoidWindows {
		if !strings.Contains(w, "-") {
			return fmt.Errorf("execution.avoid_windows entry %q must be HH:MM-HH:MM", w)
		}
	}
	if e.PairSkewTrigger <= e.PairConvergedSkew {
		return fmt.Errorf("execution.pair_skew_trigger must exceed pair_converged_skew")
	}
	return nil
}

func (c *Config) validateUniverse() error {
	if len(c.Universe) == 0 {
		return fmt.Errorf("universe requires at least one instrument")
	}
	seen := make(map[string]bool, len(c.Universe))
	for _, decl := range c.Universe {
		sym := strings.ToUpper(strings.TrimSpace(decl.Symbol))
		if sym == "" {
			return fmt.Errorf("universe contains entry without symbol")
		}
		if seen[sym] {
			return fmt.Errorf("universe duplicates symbol %s", sym)
		}
		seen[sym] = true
		if !instrument.Class(strings.ToUpper(decl.Class)).Valid() {
			return fmt.Errorf("universe.%s has unknown class %q", sym, decl.Class)
		}
	}
	for _, p := range c.Pairs {
		if !seen[strings.ToUpper(p.SymbolA)] || !seen[strings.ToUpper(p.SymbolB)] {
			return fmt.Errorf("pairs entry %s/%s references symbols outside the universe", p.SymbolA, p.SymbolB)
		}
		if p.HedgeSymbol != "" && !seen[strings.ToUpper(p.HedgeSymbol)] {
			return fmt.Errorf("pairs entry %s/%s hedge %s not in universe", p.SymbolA, p.SymbolB, p.HedgeSymbol)
		}
	}
	return nil
}
