package strategy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"converge/internal/engine"
	"converge/internal/risk"

	"gopkg.in/yaml.v3"
)

// Document is the handoff file the signal layer drops for each cycle. The
// core never cares how the targets were derived, only that the document is
// complete and internally consistent.
type Document struct {
	Date        string             `yaml:"date"`
	StrategyTag string             `yaml:"strategy_tag"`
	NAV         float64            `yaml:"nav"`
	Targets     map[string]float64 `yaml:"targets"`

	Observations struct {
		Return   float64 `yaml:"return"`
		VolIndex float64 `yaml:"vol_index"`
		Drawdown float64 `yaml:"drawdown"`
	} `yaml:"observations"`
}

// Load reads and sanity-checks a targets document.
func Load(path string) (Document, error) {
	var doc Document
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("reading targets file failed: %w", err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parsing targets file failed: %w", err)
	}
	if doc.Date == "" {
		doc.Date = time.Now().UTC().Format("2006-01-02")
	}
	if doc.NAV <= 0 {
		return doc, fmt.Errorf("targets file: nav must be positive, got %v", doc.NAV)
	}
	if len(doc.Targets) == 0 {
		return doc, fmt.Errorf("targets file: no targets declared")
	}
	normalized := make(map[string]float64, len(doc.Targets))
	for sym, qty := range doc.Targets {
		normalized[strings.ToUpper(strings.TrimSpace(sym))] = qty
	}
	doc.Targets = normalized
	return doc, nil
}

// Input converts the document into one cycle's input.
func (d Document) Input() engine.Input {
	return engine.Input{
		Date:        d.Date,
		Targets:     d.Targets,
		InternalNAV: d.NAV,
		Observations: risk.Observations{
			Return:   d.Observations.Return,
			NAV:      d.NAV,
			VolIndex: d.Observations.VolIndex,
			Drawdown: d.Observations.Drawdown,
		},
		StrategyTag: d.StrategyTag,
	}
}
