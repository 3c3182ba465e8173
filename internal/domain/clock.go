package domain

import "github.com/jonboulle/clockwork"

// clock supplies "today" for detections that arrive without an acquisition date.
// Tests freeze it via SetClock so defaulted dates are deterministic.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used for date defaults. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// today returns the current UTC date in FIRMS acq_date layout.
func today() string {
	return clock.Now().UTC().Format(DateLayout)
}
