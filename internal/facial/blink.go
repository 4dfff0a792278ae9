package facial

import "time"

// Blink detection parameters. The eye must fall below CloseThreshold to
// start a blink and rise above OpenThreshold to end it, so EAR noise
// between the two never toggles the state.
const (
	CloseThreshold = 0.21
	OpenThreshold  = 0.25

	MinBlinkDuration = 50 * time.Millisecond
	MaxBlinkDuration = 500 * time.Millisecond

	RateWindow    = time.Minute
	HistoryWindow = 5 * time.Minute
)

// EyeState is the detector state.
type EyeState int

const (
	EyeOpen EyeState = iota
	EyeClosing
)

// BlinkEvent is one completed blink.
type BlinkEvent struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// BlinkDetector is a two-state hysteresis detector over EAR samples.
type BlinkDetector struct {
	state    EyeState
	closedAt time.Time
	events   []BlinkEvent
	total    int
}

// NewBlinkDetector creates a detector in the open state.
func NewBlinkDetector() *BlinkDetector {
	return &BlinkDetector{state: EyeOpen}
}

// State returns the current eye state.
func (d *BlinkDetector) State() EyeState { return d.state }

// Update feeds one EAR sample taken at at. It returns the blink completed by
// this sample, if any. Closures shorter or longer than the blink window are
// discarded as noise or eyes-shut.
func (d *BlinkDetector) Update(ear float64, at time.Time) (BlinkEvent, bool) {
	defer d.prune(at)

	switch d.state {
	case EyeOpen:
		if ear < CloseThreshold {
			d.state = EyeClosing
			d.closedAt = at
		}
	case EyeClosing:
		if ear > OpenThreshold {
			d.state = EyeOpen
			dur := at.Sub(d.closedAt)
			if dur >= MinBlinkDuration && dur <= MaxBlinkDuration {
				ev := BlinkEvent{At: at, Duration: dur}
				d.events = append(d.events, ev)
				d.total++
				return ev, true
			}
		}
	}
	return BlinkEvent{}, false
}

// Rate returns blinks per minute over the trailing RateWindow ending at now.
func (d *BlinkDetector) Rate(now time.Time) float64 {
	cutoff := now.Add(-RateWindow)
	n := 0
	for _, ev := range d.events {
		if ev.At.After(cutoff) && !ev.At.After(now) {
			n++
		}
	}
	return float64(n) * float64(time.Minute) / float64(RateWindow)
}

// Count returns the number of blinks detected since the detector started.
func (d *BlinkDetector) Count() int { return d.total }

// History returns the retained events, oldest first.
func (d *BlinkDetector) History() []BlinkEvent {
	return append([]BlinkEvent(nil), d.events...)
}

func (d *BlinkDetector) prune(now time.Time) {
	cutoff := now.Add(-HistoryWindow)
	i := 0
	for i < len(d.events) && d.events[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.events = append(d.events[:0], d.events[i:]...)
	}
}
