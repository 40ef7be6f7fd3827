package config

// applyDefaults fills unset values. Zero is never a meaningful setting for
// any of these fields, so zero-means-unset is safe here.
func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.CycleInterval == "" {
		c.App.CycleInterval = "24h"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/ledger.db"
	}
	if c.Broker.Adapter == "" {
		c.Broker.Adapter = "paper"
	}
	if c.Broker.RequestsPerSec == 0 {
		c.Broker.RequestsPerSec = 5
	}
	if c.Broker.Burst == 0 {
		c.Broker.Burst = 5
	}
	if c.Broker.Binance.HTTPTimeoutSeconds == 0 {
		c.Broker.Binance.HTTPTimeoutSeconds = 10
	}
	if c.Broker.Binance.APIKeyEnv == "" {
		c.Broker.Binance.APIKeyEnv = "BINANCE_API_KEY"
	}
	if c.Broker.Binance.APISecretEnv == "" {
		c.Broker.Binance.APISecretEnv = "BINANCE_API_SECRET"
	}
	if c.Market.MaxSnapshotAgeSeconds == 0 {
		c.Market.MaxSnapshotAgeSeconds = 30
	}
	if c.Reconcile.HaltThreshold == 0 {
		c.Reconcile.HaltThreshold = 0.005
	}
	if c.Reconcile.EmergencyThreshold == 0 {
		c.Reconcile.EmergencyThreshold = 0.01
	}

	r := &c.Risk
	if r.TargetVol == 0 {
		r.TargetVol = 0.12
	}
	if r.VolFloor == 0 {
		r.VolFloor = 0.08
	}
	if r.MaxLeverage == 0 {
		r.MaxLeverage = 2.0
	}
	if r.EWMALambda == 0 {
		r.EWMALambda = 0.94
	}
	if r.EWMAWeight == 0 {
		r.EWMAWeight = 0.6
	}
	if r.RollingWindow == 0 {
		r.RollingWindow = 20
	}
	if r.MinObservations == 0 {
		r.MinObservations = 20
	}
	if r.PriorVol == 0 {
		r.PriorVol = 0.15
	}
	if r.BurnInClampLo == 0 {
		r.BurnInClampLo = 0.8
	}
	if r.BurnInClampHi == 0 {
		r.BurnInClampHi = 1.25
	}
	if r.VolIndexWeight == 0 && r.TrendWeight == 0 && r.DrawdownWeight == 0 {
		r.VolIndexWeight = 0.4
		r.TrendWeight = 0.3
		r.DrawdownWeight = 0.3
	}
	if r.VolIndexLow == 0 {
		r.VolIndexLow = 15
	}
	if r.VolIndexHigh == 0 {
		r.VolIndexHigh = 40
	}
	if r.DrawdownScale == 0 {
		r.DrawdownScale = 0.15
	}
	if r.TrendPeriod == 0 {
		r.TrendPeriod = 14
	}
	if r.EmergencyDrawdown == 0 {
		r.EmergencyDrawdown = 0.20
	}
	if r.EmergencyScale == 0 {
		r.EmergencyScale = 0.25
	}
	g := &r.Regime
	if g.EnterElevated == 0 {
		g.EnterElevated = 0.40
	}
	if g.ExitElevated == 0 {
		g.ExitElevated = 0.30
	}
	if g.EnterCrisis == 0 {
		g.EnterCrisis = 0.70
	}
	if g.ExitCrisis == 0 {
		g.ExitCrisis = 0.55
	}
	if g.Persistence == 0 {
		g.Persistence = 3
	}
	if g.NormalMultiplier == 0 {
		g.NormalMultiplier = 1.0
	}
	if g.ElevatedMultiplier == 0 {
		g.ElevatedMultiplier = 0.7
	}
	if g.CrisisMultiplier == 0 {
		g.CrisisMultiplier = 0.3
	}

	e := &c.Execution
	if e.TTLSeconds == 0 {
		e.TTLSeconds = 300
	}
	if e.ReplaceIntervalSeconds == 0 {
		e.ReplaceIntervalSeconds = 45
	}
	if e.MaxReplace == 0 {
		e.MaxReplace = 4
	}
	if e.PollIntervalSeconds == 0 {
		e.PollIntervalSeconds = 2
	}
	if e.MinNotional == 0 {
		e.MinNotional = 1000
	}
	if e.Slippage.Futures == 0 {
		e.Slippage.Futures = 0.0010
	}
	if e.Slippage.FXFutures == 0 {
		e.Slippage.FXFutures = 0.0010
	}
	if e.Slippage.Stocks == 0 {
		e.Slippage.Stocks = 0.0050
	}
	if e.Slippage.Options == 0 {
		e.Slippage.Options = 0.0100
	}
	if e.Slippage.QuotelessMult == 0 {
		e.Slippage.QuotelessMult = 2.0
	}
	if e.PairSkewTrigger == 0 {
		e.PairSkewTrigger = 0.30
	}
	if e.PairConvergedSkew == 0 {
		e.PairConvergedSkew = 0.10
	}
	if e.PairGraceSeconds == 0 {
		e.PairGraceSeconds = 15
	}

	if c.Strategy.TargetsPath == "" {
		c.Strategy.TargetsPath = "data/targets.yaml"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8642"
	}
}
