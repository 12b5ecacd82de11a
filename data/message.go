package data

import (
	"time"
)

// DecisionMessage is published for every request that was not admitted
type DecisionMessage struct {
	Time      time.Time   `json:"time"`
	IP        string      `json:"ip"`
	Method    string      `json:"method"`
	Host      string      `json:"host,omitempty"`
	Path      string      `json:"path"`
	UserAgent string      `json:"useragent,omitempty"`
	Outcome   Outcome     `json:"outcome"`
	Reason    BlockReason `json:"reason"`
	Detail    string      `json:"detail,omitempty"`
}

// NewDecisionMessage builds the telemetry message for a decision
func NewDecisionMessage(r *RequestEvent, d SecurityDecision) *DecisionMessage {
	return &DecisionMessage{
		Time:      r.Time,
		IP:        r.IP,
		Method:    r.Method,
		Host:      r.Host,
		Path:      r.Path,
		UserAgent: r.UserAgent,
		Outcome:   d.Outcome,
		Reason:    d.Reason,
		Detail:    d.Detail,
	}
}

// ListEntry is a single whitelist, blacklist, graylist or temp block entry
type ListEntry struct {
	Key     string    `json:"key"`
	Reason  string    `json:"reason"`
	Source  string    `json:"source,omitempty"`
	Added   time.Time `json:"added"`
	Expires time.Time `json:"expires,omitempty"`
}

// Expired reports whether an expiring entry is past its lifetime
func (e ListEntry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Lists is a snapshot of all access lists
type Lists struct {
	Whitelist       []ListEntry `json:"whitelist"`
	Blacklist       []ListEntry `json:"blacklist"`
	Graylist        []ListEntry `json:"graylist"`
	TempBlocks      []ListEntry `json:"temp_blocks"`
	WhitelistSubnet []ListEntry `json:"whitelist_subnets"`
	BlacklistSubnet []ListEntry `json:"blacklist_subnets"`
}
