package data

import (
	"time"
)

// Stats contains aggregated decision counters
type Stats struct {
	Total      int64 `json:"total"`
	Admitted   int64 `json:"admitted"`
	Challenged int64 `json:"challenged"`
	Blocked    int64 `json:"blocked"`
	Degraded   int64 `json:"degraded"`
}

// Add counts a single decision
func (s *Stats) Add(d SecurityDecision) {
	s.Total++
	switch d.Outcome {
	case OutcomeBlocked:
		s.Blocked++
	case OutcomeChallenged:
		s.Challenged++
	default:
		s.Admitted++
	}
	if len(d.Degraded) > 0 {
		s.Degraded++
	}
}

// Merge adds the counters of o to s
func (s *Stats) Merge(o Stats) {
	s.Total += o.Total
	s.Admitted += o.Admitted
	s.Challenged += o.Challenged
	s.Blocked += o.Blocked
	s.Degraded += o.Degraded
}

// Sub removes the counters of o from s
func (s *Stats) Sub(o Stats) {
	s.Total -= o.Total
	s.Admitted -= o.Admitted
	s.Challenged -= o.Challenged
	s.Blocked -= o.Blocked
	s.Degraded -= o.Degraded
}

// NetworkStats contains request statistics for one network
type NetworkStats struct {
	Network   string    `json:"network"`
	ASN       int       `json:"asn,omitempty"`
	Org       string    `json:"org,omitempty"`
	Total     int64     `json:"total"`
	App       int64     `json:"app"`
	Other     int64     `json:"other"`
	Ratio     float64   `json:"ratio"`
	Blocked   bool      `json:"blocked,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
