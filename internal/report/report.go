package report

import (
	"math"
	"time"
)

// Termination reason codes carried on the call report
const (
	ReasonStop               = "stop"
	ReasonCallerDisconnected = "caller-disconnected"
	ReasonUpstreamClosed     = "upstream-closed"
	ReasonInternalError      = "internal-error"
)

// CallReport is the terminal summary of one call, produced exactly once
// per session at finalize time.
type CallReport struct {
	SessionID       string    `json:"session_id"`
	CallID          string    `json:"call_id,omitempty"`
	StreamID        string    `json:"stream_id,omitempty"`
	From            string    `json:"from,omitempty"`
	To              string    `json:"to,omitempty"`
	AgencyID        string    `json:"agency_id,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_secs"`
	Transcript      string    `json:"transcript"`
	Reason          string    `json:"reason"`
	Summary         string    `json:"summary,omitempty"`
}

// Duration computes whole-second call duration, rounded to nearest and
// never negative.
func Duration(startedAt, endedAt time.Time) int {
	if startedAt.IsZero() || endedAt.IsZero() {
		return 0
	}
	secs := math.Round(float64(endedAt.Sub(startedAt).Milliseconds()) / 1000.0)
	if secs < 0 {
		return 0
	}
	return int(secs)
}
