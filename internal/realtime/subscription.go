package realtime

import "slices"

// Subscription narrows what a client receives. The zero value and AllEvents
// both receive everything.
type Subscription struct {
	AllEvents    bool        `json:"allEvents"`
	EventTypes   []EventType `json:"eventTypes"`
	UserIDs      []string    `json:"userIds"`      // watch specific traders
	Verdicts     []string    `json:"verdicts"`     // e.g. only "block"
	MinRiskScore int         `json:"minRiskScore"` // assessments at or above this
}

// Matches reports whether ev passes the filter. Verdict and score filters
// only apply to completed assessments so overrides and face samples of a
// watched trader still get through.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, ev.UserID) {
		return false
	}
	if ev.Type != EventAssessmentCompleted {
		return true
	}
	if len(s.Verdicts) > 0 && !slices.Contains(s.Verdicts, ev.Verdict) {
		return false
	}
	return s.MinRiskScore <= 0 || ev.RiskScore >= s.MinRiskScore
}
