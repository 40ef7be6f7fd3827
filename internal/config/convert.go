package config

import (
	"strings"
	"time"

	"converge/internal/instrument"
	"converge/internal/pairs"
	"converge/internal/policy"
	"converge/internal/risk"

	"github.com/shopspring/decimal"
)

// RiskParams maps the config section onto the risk engine's parameters.
func (c *Config) RiskParams() risk.Params {
	r := c.Risk
	return risk.Params{
		TargetVol:         r.TargetVol,
		VolFloor:          r.VolFloor,
		MaxLeverage:       r.MaxLeverage,
		EWMALambda:        r.EWMALambda,
		EWMAWeight:        r.EWMAWeight,
		RollingWindow:     r.RollingWindow,
		MinObservations:   r.MinObservations,
		PriorVol:          r.PriorVol,
		BurnInClampLo:     r.BurnInClampLo,
		BurnInClampHi:     r.BurnInClampHi,
		VolIndexWeight:    r.VolIndexWeight,
		TrendWeight:       r.TrendWeight,
		DrawdownWeight:    r.DrawdownWeight,
		VolIndexLow:       r.VolIndexLow,
		VolIndexHigh:      r.VolIndexHigh,
		DrawdownScale:     r.DrawdownScale,
		TrendPeriod:       r.TrendPeriod,
		EmergencyDrawdown: r.EmergencyDrawdown,
		EmergencyScale:    r.EmergencyScale,
		Regime: risk.RegimeParams{
			EnterElevated: r.Regime.EnterElevated,
			ExitElevated:  r.Regime.ExitElevated,
			EnterCrisis:   r.Regime.EnterCrisis,
			ExitCrisis:    r.Regime.ExitCrisis,
			Persistence:   r.Regime.Persistence,
			Multipliers: map[risk.Regime]float64{
				risk.RegimeNormal:   r.Regime.NormalMultiplier,
				risk.RegimeElevated: r.Regime.ElevatedMultiplier,
				risk.RegimeCrisis:   r.Regime.CrisisMultiplier,
			},
		},
	}
}

// PolicyParams maps the execution section onto the policy engine, parsing the
// avoid windows. An unparsable window fails loudly at startup, not at plan
// time.
func (c *Config) PolicyParams() (policy.Params, error) {
	e := c.Execution
	params := policy.Params{
		Slippage: instrument.SlippageTable{
			MaxSlip: map[instrument.Class]float64{
				instrument.ClassFuture:   e.Slippage.Futures,
				instrument.ClassFXFuture: e.Slippage.FXFutures,
				instrument.ClassStock:    e.Slippage.Stocks,
				instrument.ClassOption:   e.Slippage.Options,
			},
			QuotelessMult: e.Slippage.QuotelessMult,
		},
		MaxSnapshotAge:  time.Duration(c.Market.MaxSnapshotAgeSeconds) * time.Second,
		TTL:             time.Duration(e.TTLSeconds) * time.Second,
		ReplaceInterval: time.Duration(e.ReplaceIntervalSeconds) * time.Second,
		MaxReplace:      e.MaxReplace,
	}
	for _, raw := range e.AvoidWindows {
		w, err := policy.ParseWindow(raw)
		if err != nil {
			return policy.Params{}, err
		}
		params.AvoidWindows = append(params.AvoidWindows, w)
	}
	return params, nil
}

// PairParams maps the legging protection tuning.
func (c *Config) PairParams() pairs.Params {
	e := c.Execution
	return pairs.Params{
		SkewTrigger:   e.PairSkewTrigger,
		ConvergedSkew: e.PairConvergedSkew,
		GracePeriod:   time.Duration(e.PairGraceSeconds) * time.Second,
		PollInterval:  time.Duration(e.PollIntervalSeconds) * time.Second,
	}
}

// BuildUniverse materializes the instrument declarations.
func (c *Config) BuildUniverse() map[string]instrument.Instrument {
	out := make(map[string]instrument.Instrument, len(c.Universe))
	for _, decl := range c.Universe {
		sym := strings.ToUpper(strings.TrimSpace(decl.Symbol))
		mult := decl.Multiplier
		if mult <= 0 {
			mult = 1
		}
		tick := decl.TickSize
		if tick <= 0 {
			tick = 0.01
		}
		out[sym] = instrument.Instrument{
			Symbol:        sym,
			Class:         instrument.Class(strings.ToUpper(decl.Class)),
			Multiplier:    mult,
			TickSize:      decimal.NewFromFloat(tick),
			LiquidityTier: decl.LiquidityTier,
			Hedge:         decl.Hedge,
		}
	}
	return out
}

// CycleInterval returns the parsed scheduling interval.
func (c *Config) CycleInterval() time.Duration {
	d, err := time.ParseDuration(c.App.CycleInterval)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
