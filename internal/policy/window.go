package policy

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily wall-clock interval during which new plans are
// suppressed, typically around session open and close.
type Window struct {
	Start int // minutes since midnight, inclusive
	End   int // exclusive
	Label string
}

func (w Window) String() string {
	if w.Label != "" {
		return w.Label
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// Contains checks a timestamp against the window, in the timestamp's own
// location. Windows wrapping midnight are supported.
func (w Window) Contains(t time.Time) bool {
	min := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return min >= w.Start && min < w.End
	}
	return min >= w.Start || min < w.End
}

// ParseWindow parses "HH:MM-HH:MM" into a Window.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("policy: invalid window %q", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("policy: invalid window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("policy: invalid window %q: %w", s, err)
	}
	return Window{Start: start, End: end, Label: s}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
