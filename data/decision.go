package data

import (
	"net/http"
	"time"
)

// BlockReason explains why a request was not admitted
type BlockReason string

// Block reasons
const (
	ReasonNone                 BlockReason = "none"
	ReasonRateLimited          BlockReason = "rate_limited"
	ReasonDDoSBlocked          BlockReason = "ddos_blocked"
	ReasonIPBlocked            BlockReason = "ip_blocked"
	ReasonThreatDetected       BlockReason = "threat_detected"
	ReasonVerificationRequired BlockReason = "verification_required"
)

// Outcome is the terminal state of a request in the pipeline
type Outcome string

// Outcomes
const (
	OutcomeAdmitted   Outcome = "admitted"
	OutcomeChallenged Outcome = "challenged"
	OutcomeBlocked    Outcome = "blocked"
)

// RateLimitInfo carries the values for the X-RateLimit-* response headers
type RateLimitInfo struct {
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	Reset     time.Duration `json:"reset"`
	Scope     string        `json:"scope"`
}

// SecurityDecision is the verdict for a single request
type SecurityDecision struct {
	Allow        bool           `json:"allow"`
	Outcome      Outcome        `json:"outcome"`
	Reason       BlockReason    `json:"reason"`
	Detail       string         `json:"detail,omitempty"`
	RetryAfter   time.Duration  `json:"retry_after,omitempty"`
	ChallengeURL string         `json:"challenge_url,omitempty"`
	RateLimit    *RateLimitInfo `json:"rate_limit,omitempty"`
	Graylisted   bool           `json:"graylisted,omitempty"`
	Degraded     []string       `json:"degraded,omitempty"`
}

// Admit returns a decision that lets the request through
func Admit() SecurityDecision {
	return SecurityDecision{Allow: true, Outcome: OutcomeAdmitted, Reason: ReasonNone}
}

// Block returns a decision that rejects the request
func Block(reason BlockReason, detail string) SecurityDecision {
	return SecurityDecision{Outcome: OutcomeBlocked, Reason: reason, Detail: detail}
}

// Challenge returns a decision that asks the client to verify itself first
func Challenge(url string) SecurityDecision {
	return SecurityDecision{
		Outcome:      OutcomeChallenged,
		Reason:       ReasonVerificationRequired,
		Detail:       "verification required",
		ChallengeURL: url,
	}
}

// HTTPStatus maps the decision to the status code a web server should answer with
func (d SecurityDecision) HTTPStatus() int {
	switch d.Reason {
	case ReasonNone:
		return http.StatusOK
	case ReasonRateLimited, ReasonDDoSBlocked:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// MarkDegraded records that a component could not give a proper answer for this decision
func (d *SecurityDecision) MarkDegraded(component string) {
	for _, c := range d.Degraded {
		if c == component {
			return
		}
	}
	d.Degraded = append(d.Degraded, component)
}
