package ledger

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Report is produced on every poll of a session.
type Report struct {
	Delta   float64       `json:"delta"`
	Total   float64       `json:"total"`
	Gain    float64       `json:"gain"`
	Rate    float64       `json:"rate_per_minute"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
	At      time.Time     `json:"at"`
}

func (r Report) String() string {
	line := fmt.Sprintf("Gained %.6f ORE, totaling %.6f ORE (%.6f ORE/min over %s)",
		r.Delta, r.Total, r.Rate, r.Elapsed.Round(time.Second))
	if r.Failed > 0 {
		line += fmt.Sprintf(", %d identities unreachable", r.Failed)
	}
	return line
}

// Summary closes a session.
type Summary struct {
	SessionID string        `json:"session_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Initial   float64       `json:"initial"`
	Final     float64       `json:"final"`
	Gain      float64       `json:"gain"`
	Rate      float64       `json:"rate_per_minute"`
	Polls     int           `json:"polls"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("Gained a total of %.6f ORE in this session, totaling %.6f ORE (started %s, %s polls)",
		s.Gain, s.Final, humanize.Time(s.StartedAt), humanize.Comma(int64(s.Polls)))
}

// Session accounts for balance changes. Delta is relative to the previous
// observation; gain and rate are relative to the session start. Observed
// decreases are claims made elsewhere and are reported, not rejected.
type Session struct {
	ID        string
	StartedAt time.Time
	Initial   float64

	previous float64
	lastAt   time.Time
	polls    int
}

// NewSession starts a session from the first poll's total.
func NewSession(id string, initial float64, at time.Time) *Session {
	return &Session{
		ID:        id,
		StartedAt: at,
		Initial:   initial,
		previous:  initial,
		lastAt:    at,
	}
}

// Observe records a new total.
func (s *Session) Observe(total float64, at time.Time) Report {
	elapsed := at.Sub(s.StartedAt)
	r := Report{
		Delta:   total - s.previous,
		Total:   total,
		Gain:    total - s.Initial,
		Rate:    Rate(s.Initial, total, elapsed),
		Elapsed: elapsed,
		At:      at,
	}
	s.previous = total
	s.lastAt = at
	s.polls++
	return r
}

// Summary reports the session up to the last observation.
func (s *Session) Summary() Summary {
	elapsed := s.lastAt.Sub(s.StartedAt)
	return Summary{
		SessionID: s.ID,
		StartedAt: s.StartedAt,
		EndedAt:   s.lastAt,
		Initial:   s.Initial,
		Final:     s.previous,
		Gain:      s.previous - s.Initial,
		Rate:      Rate(s.Initial, s.previous, elapsed),
		Polls:     s.polls,
		Elapsed:   elapsed,
	}
}

// Rate is the gain per minute; zero before any time has elapsed.
func Rate(initial, total float64, elapsed time.Duration) float64 {
	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return 0
	}
	return (total - initial) / minutes
}
