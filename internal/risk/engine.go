package risk

import (
	"fmt"
	"math"
	"time"

	"converge/internal/logger"
	"converge/internal/notify"

	"github.com/markcheno/go-talib"
)

// Params are the tuning values of the risk engine. They come from
// configuration; nothing here is hard-wired strategy knowledge.
type Params struct {
	TargetVol   float64 // annualized volatility target, e.g. 0.12
	VolFloor    float64 // lower bound on the effective vol estimate
	MaxLeverage float64

	EWMALambda    float64 // decay of the exponentially-weighted variance
	EWMAWeight    float64 // w in w*ewma + (1-w)*rolling
	RollingWindow int

	// Burn-in: with fewer observations than MinObservations the prior vol
	// substitutes the estimate and the final scaling is clamped.
	MinObservations int
	PriorVol        float64
	BurnInClampLo   float64
	BurnInClampHi   float64

	// Stress score weights and normalization.
	VolIndexWeight float64
	TrendWeight    float64
	DrawdownWeight float64
	VolIndexLow    float64 // vol-index level mapping to stress 0
	VolIndexHigh   float64 // vol-index level mapping to stress 1
	DrawdownScale  float64 // drawdown mapping to stress 1
	TrendPeriod    int

	// Emergency de-risk: independent of regime.
	EmergencyDrawdown float64 // positive fraction, e.g. 0.20
	EmergencyScale    float64

	Regime RegimeParams
}

func DefaultParams() Params {
	return Params{
		TargetVol:         0.12,
		VolFloor:          0.08,
		MaxLeverage:       2.0,
		EWMALambda:        0.94,
		EWMAWeight:        0.6,
		RollingWindow:     20,
		MinObservations:   20,
		PriorVol:          0.15,
		BurnInClampLo:     0.8,
		BurnInClampHi:     1.25,
		VolIndexWeight:    0.4,
		TrendWeight:       0.3,
		DrawdownWeight:    0.3,
		VolIndexLow:       15,
		VolIndexHigh:      40,
		DrawdownScale:     0.15,
		TrendPeriod:       14,
		EmergencyDrawdown: 0.20,
		EmergencyScale:    0.25,
		Regime:            DefaultRegimeParams(),
	}
}

// Observations is one cycle's worth of market state fed into the engine.
type Observations struct {
	Return   float64 // period portfolio return
	NAV      float64
	VolIndex float64 // external volatility index level (e.g. VIX)
	Drawdown float64 // current drawdown as a positive fraction
}

// Decision is the immutable risk output handed downstream each cycle.
type Decision struct {
	Scaling   float64
	Regime    Regime
	Emergency bool
	Reasons   []string
}

// Engine maintains return history and the regime state machine. It is not
// safe for concurrent use; the cycle orchestrator owns it.
type Engine struct {
	params  Params
	fsm     *regimeFSM
	sink    notify.Sink
	nowFn   func() time.Time
	returns []float64
	ewmaVar float64
	ewmaN   int
	annual  float64
}

func NewEngine(params Params, sink notify.Sink) *Engine {
	if params.MaxLeverage <= 0 {
		params.MaxLeverage = 1
	}
	if params.EWMAWeight < 0 || params.EWMAWeight > 1 {
		params.EWMAWeight = 0.5
	}
	if params.RollingWindow < 2 {
		params.RollingWindow = 20
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Engine{
		params: params,
		fsm:    newRegimeFSM(params.Regime),
		sink:   sink,
		nowFn:  time.Now,
		annual: math.Sqrt(252),
	}
}

// SetNowFunc injects a clock for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) {
	if e != nil && fn != nil {
		e.nowFn = fn
	}
}

// SeedReturns preloads return history, e.g. from a persisted NAV series, so a
// restart does not re-enter burn-in.
func (e *Engine) SeedReturns(returns []float64) {
	if e == nil {
		return
	}
	for _, r := range returns {
		e.observe(r)
	}
}

func (e *Engine) observe(r float64) {
	e.returns = append(e.returns, r)
	if max := e.params.RollingWindow * 4; len(e.returns) > max {
		e.returns = e.returns[len(e.returns)-max:]
	}
	if e.ewmaN == 0 {
		e.ewmaVar = r * r
	} else {
		l := e.params.EWMALambda
		e.ewmaVar = l*e.ewmaVar + (1-l)*r*r
	}
	e.ewmaN++
}

// Evaluate folds one observation into the estimators and produces the cycle's
// risk decision. The regime multiplier is applied exactly once; burn-in
// clamps the final output, not just the volatility component.
func (e *Engine) Evaluate(obs Observations) Decision {
	if e == nil {
		return Decision{Scaling: 0, Regime: RegimeNormal, Reasons: []string{"engine not initialized"}}
	}
	p := e.params
	e.observe(obs.Return)

	var reasons []string
	burnIn := e.ewmaN < p.MinObservations

	effVol := e.effectiveVol(burnIn)
	if burnIn {
		reasons = append(reasons, fmt.Sprintf("burn-in: %d/%d observations, prior vol %.2f%%", e.ewmaN, p.MinObservations, p.PriorVol*100))
	}
	reasons = append(reasons, fmt.Sprintf("effective vol %.2f%% (floor %.2f%%)", effVol*100, p.VolFloor*100))

	scaling := clip(p.TargetVol/effVol, 0, p.MaxLeverage)
	reasons = append(reasons, fmt.Sprintf("vol scaling %.3f (target %.2f%%)", scaling, p.TargetVol*100))

	stress := e.stressScore(obs)
	regime, changed := e.fsm.step(stress)
	if changed {
		logger.Infof("risk: regime changed regime=%s stress=%.3f", regime, stress)
		e.sink.Publish(notify.Event{
			Kind:   notify.KindRegimeChange,
			At:     e.nowFn(),
			Fields: map[string]any{"regime": string(regime), "stress": stress},
		})
	}
	mult := p.Regime.Multiplier(regime)
	scaling *= mult
	reasons = append(reasons, fmt.Sprintf("regime %s multiplier %.2f (stress %.3f)", regime, mult, stress))

	if burnIn {
		clamped := clip(scaling, p.BurnInClampLo, p.BurnInClampHi)
		if clamped != scaling {
			reasons = append(reasons, fmt.Sprintf("burn-in clamp %.3f -> %.3f", scaling, clamped))
		}
		scaling = clamped
	}

	emergency := false
	if p.EmergencyDrawdown > 0 && obs.Drawdown >= p.EmergencyDrawdown {
		emergency = true
		scaling = p.EmergencyScale
		reasons = append(reasons, fmt.Sprintf("emergency de-risk: drawdown %.2f%% breaches %.2f%%", obs.Drawdown*100, p.EmergencyDrawdown*100))
		logger.Errorf("risk: emergency de-risk drawdown=%.4f scale=%.3f", obs.Drawdown, p.EmergencyScale)
		e.sink.Publish(notify.Event{
			Kind:   notify.KindEmergency,
			At:     e.nowFn(),
			Fields: map[string]any{"drawdown": obs.Drawdown, "scaling": scaling},
		})
	}

	return Decision{Scaling: scaling, Regime: regime, Emergency: emergency, Reasons: reasons}
}

// effectiveVol blends the EWMA and rolling estimates, annualized, floored.
func (e *Engine) effectiveVol(burnIn bool) float64 {
	p := e.params
	if burnIn {
		return math.Max(p.VolFloor, p.PriorVol)
	}
	ewmaVol := math.Sqrt(e.ewmaVar) * e.annual
	rollingVol := e.rollingVol()
	blended := p.EWMAWeight*ewmaVol + (1-p.EWMAWeight)*rollingVol
	return math.Max(p.VolFloor, blended)
}

func (e *Engine) rollingVol() float64 {
	w := e.params.RollingWindow
	if len(e.returns) < w {
		return math.Sqrt(e.ewmaVar) * e.annual
	}
	stdSeries := talib.StdDev(e.returns, w, 1.0)
	sd := stdSeries[len(stdSeries)-1]
	return sd * e.annual
}

// stressScore blends a vol-index level, a trend indicator and drawdown, each
// clipped into [0,1] before weighting.
func (e *Engine) stressScore(obs Observations) float64 {
	p := e.params
	volTerm := 0.0
	if p.VolIndexHigh > p.VolIndexLow {
		volTerm = clip((obs.VolIndex-p.VolIndexLow)/(p.VolIndexHigh-p.VolIndexLow), 0, 1)
	}
	trendTerm := e.trendStress()
	ddTerm := 0.0
	if p.DrawdownScale > 0 {
		ddTerm = clip(obs.Drawdown/p.DrawdownScale, 0, 1)
	}
	return p.VolIndexWeight*volTerm + p.TrendWeight*trendTerm + p.DrawdownWeight*ddTerm
}

// trendStress maps downside momentum onto [0,1] via RSI on a synthetic NAV
// series rebuilt from returns: RSI 50 and above means no trend stress.
func (e *Engine) trendStress() float64 {
	period := e.params.TrendPeriod
	if period < 2 || len(e.returns) <= period {
		return 0
	}
	levels := make([]float64, len(e.returns)+1)
	levels[0] = 100
	for i, r := range e.returns {
		levels[i+1] = levels[i] * (1 + r)
	}
	rsiSeries := talib.Rsi(levels, period)
	rsi := rsiSeries[len(rsiSeries)-1]
	if rsi <= 0 || rsi >= 50 {
		return 0
	}
	return clip((50-rsi)/50, 0, 1)
}

// CurrentRegime exposes the regime for the ops surface.
func (e *Engine) CurrentRegime() Regime {
	if e == nil || e.fsm == nil {
		return RegimeNormal
	}
	return e.fsm.state
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
