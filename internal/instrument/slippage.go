package instrument

// SlippageTable holds per-class price protection limits. MaxSlip bounds how
// far a marketable limit may cross through the reference price when quotes
// exist; QuotelessMult widens that bound when pricing falls back to last or
// close. Quote-less instruments get worse pricing guarantees, never better.
type SlippageTable struct {
	MaxSlip       map[Class]float64
	QuotelessMult float64
}

// DefaultSlippage mirrors the production tuning: futures and FX futures trade
// tight books, single-name equities and options get looser limits.
func DefaultSlippage() SlippageTable {
	return SlippageTable{
		MaxSlip: map[Class]float64{
			ClassFuture:   0.0010,
			ClassFXFuture: 0.0010,
			ClassStock:    0.0050,
			ClassOption:   0.0100,
		},
		QuotelessMult: 2.0,
	}
}

// MaxSlipFor returns the slippage bound for one class, falling back to the
// widest configured bound for unknown classes.
func (t SlippageTable) MaxSlipFor(c Class) float64 {
	if v, ok := t.MaxSlip[c]; ok && v > 0 {
		return v
	}
	widest := 0.0
	for _, v := range t.MaxSlip {
		if v > widest {
			widest = v
		}
	}
	if widest == 0 {
		widest = 0.01
	}
	return widest
}

// QuotelessSlipFor widens the bound for reference prices without live quotes.
func (t SlippageTable) QuotelessSlipFor(c Class) float64 {
	mult := t.QuotelessMult
	if mult < 1 {
		mult = 1
	}
	return t.MaxSlipFor(c) * mult
}
