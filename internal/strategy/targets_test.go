package strategy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTargets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeTargets(t, `
date: "2026-08-28"
strategy_tag: carry
nav: 1000000
targets:
  spy: 2000
  " esz6 ": -4
observations:
  return: 0.0012
  vol_index: 18.5
  drawdown: 0.03
`)

	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "2026-08-28", doc.Date)
	assert.Equal(t, "carry", doc.StrategyTag)
	assert.InDelta(t, 1_000_000, doc.NAV, 1e-9)
	// Symbols are normalized to broker form.
	assert.Equal(t, map[string]float64{"SPY": 2000, "ESZ6": -4}, doc.Targets)
	assert.InDelta(t, 0.0012, doc.Observations.Return, 1e-12)
	assert.InDelta(t, 18.5, doc.Observations.VolIndex, 1e-12)
}

func TestLoadDefaultsDateToToday(t *testing.T) {
	path := writeTargets(t, `
nav: 500000
targets:
  SPY: 100
`)

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), doc.Date)
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing nav", "targets:\n  SPY: 100\n", "nav"},
		{"negative nav", "nav: -5\ntargets:\n  SPY: 100\n", "nav"},
		{"no targets", "nav: 1000\n", "no targets"},
		{"malformed yaml", "nav: [unclosed\n", "parsing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTargets(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading targets file")
}

func TestInputCarriesObservationsAndNAV(t *testing.T) {
	path := writeTargets(t, `
date: "2026-08-28"
strategy_tag: momo
nav: 750000
targets:
  NQZ6: 3
observations:
  return: -0.004
  vol_index: 27
  drawdown: 0.08
`)
	doc, err := Load(path)
	require.NoError(t, err)

	in := doc.Input()
	assert.Equal(t, "2026-08-28", in.Date)
	assert.Equal(t, "momo", in.StrategyTag)
	assert.InDelta(t, 750_000, in.InternalNAV, 1e-9)
	assert.InDelta(t, 750_000, in.Observations.NAV, 1e-9)
	assert.InDelta(t, -0.004, in.Observations.Return, 1e-12)
	assert.InDelta(t, 27, in.Observations.VolIndex, 1e-12)
	assert.InDelta(t, 0.08, in.Observations.Drawdown, 1e-12)
	assert.Equal(t, map[string]float64{"NQZ6": 3}, in.Targets)
}
