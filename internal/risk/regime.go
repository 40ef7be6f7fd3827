package risk

// Regime is the discrete market-stress classification.
type Regime string

const (
	RegimeNormal   Regime = "NORMAL"
	RegimeElevated Regime = "ELEVATED"
	RegimeCrisis   Regime = "CRISIS"
)

func regimeRank(r Regime) int {
	switch r {
	case RegimeElevated:
		return 1
	case RegimeCrisis:
		return 2
	}
	return 0
}

// RegimeParams holds the hysteresis thresholds. Enter thresholds sit above
// the corresponding exit thresholds so a stress score hovering around one
// boundary cannot flap the regime.
type RegimeParams struct {
	EnterElevated float64
	ExitElevated  float64
	EnterCrisis   float64
	ExitCrisis    float64
	// Persistence is how many consecutive qualifying cycles a candidate
	// transition needs before it takes effect. Upward entry into CRISIS is
	// exempt and applies on the first qualifying cycle.
	Persistence int
	Multipliers map[Regime]float64
}

func DefaultRegimeParams() RegimeParams {
	return RegimeParams{
		EnterElevated: 0.40,
		ExitElevated:  0.30,
		EnterCrisis:   0.70,
		ExitCrisis:    0.55,
		Persistence:   3,
		Multipliers: map[Regime]float64{
			RegimeNormal:   1.0,
			RegimeElevated: 0.7,
			RegimeCrisis:   0.3,
		},
	}
}

// Multiplier returns the fixed scaling multiplier for one regime. The
// multiplier is applied exactly once per decision; stacking it with any other
// reduction source is the documented near-zero-allocation bug.
func (p RegimeParams) Multiplier(r Regime) float64 {
	if m, ok := p.Multipliers[r]; ok && m > 0 {
		return m
	}
	return 1.0
}

type regimeFSM struct {
	params    RegimeParams
	state     Regime
	candidate Regime
	streak    int
}

func newRegimeFSM(p RegimeParams) *regimeFSM {
	if p.Persistence <= 0 {
		p.Persistence = 1
	}
	return &regimeFSM{params: p, state: RegimeNormal}
}

// classify resolves the regime the current stress score points at, seen from
// the current state (hysteresis: entering is harder than staying).
func (f *regimeFSM) classify(stress float64) Regime {
	p := f.params
	switch f.state {
	case RegimeCrisis:
		if stress > p.ExitCrisis {
			return RegimeCrisis
		}
		if stress > p.ExitElevated {
			return RegimeElevated
		}
		return RegimeNormal
	case RegimeElevated:
		if stress >= p.EnterCrisis {
			return RegimeCrisis
		}
		if stress > p.ExitElevated {
			return RegimeElevated
		}
		return RegimeNormal
	default:
		if stress >= p.EnterCrisis {
			return RegimeCrisis
		}
		if stress >= p.EnterElevated {
			return RegimeElevated
		}
		return RegimeNormal
	}
}

// step advances the state machine one cycle and reports whether it changed.
func (f *regimeFSM) step(stress float64) (Regime, bool) {
	target := f.classify(stress)
	if target == f.state {
		f.candidate = ""
		f.streak = 0
		return f.state, false
	}
	// Safety-biased asymmetry: worsening into CRISIS never waits.
	if target == RegimeCrisis && regimeRank(target) > regimeRank(f.state) {
		f.state = RegimeCrisis
		f.candidate = ""
		f.streak = 0
		return f.state, true
	}
	if target == f.candidate {
		f.streak++
	} else {
		f.candidate = target
		f.streak = 1
	}
	if f.streak >= f.params.Persistence {
		f.state = target
		f.candidate = ""
		f.streak = 0
		return f.state, true
	}
	return f.state, false
}
