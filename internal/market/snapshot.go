package market

import (
	"errors"
	"time"
)

// ErrStaleData marks a snapshot older than the allowed age. Callers skip the
// affected instrument and continue the run; a stale quote never aborts a cycle.
var ErrStaleData = errors.New("market: snapshot stale")

// ErrNoSnapshot is returned when no snapshot exists for an instrument at all.
var ErrNoSnapshot = errors.New("market: no snapshot")

// Snapshot is one point-in-time quote. It is immutable after creation; a new
// poll produces a new value rather than mutating the old one.
type Snapshot struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Close  float64
	At     time.Time
}

// HasQuotes reports whether a live two-sided book was observed.
func (s Snapshot) HasQuotes() bool {
	return s.Bid > 0 && s.Ask > 0 && s.Ask >= s.Bid
}

// Spread returns ask-bid, zero when quotes are missing.
func (s Snapshot) Spread() float64 {
	if !s.HasQuotes() {
		return 0
	}
	return s.Ask - s.Bid
}

// Ref resolves the reference price: mid when quotes exist, then last, then
// prior close. Zero means no usable price at all.
func (s Snapshot) Ref() float64 {
	if s.HasQuotes() {
		return (s.Bid + s.Ask) / 2
	}
	if s.Last > 0 {
		return s.Last
	}
	return s.Close
}

// Stale reports whether the snapshot is older than maxAge at the given time.
func (s Snapshot) Stale(maxAge time.Duration, now time.Time) bool {
	if s.At.IsZero() {
		return true
	}
	return now.Sub(s.At) > maxAge
}
