package data

import (
	"time"
)

// Tags of an IPRecord
const (
	TagWhitelisted = "whitelisted"
	TagBlacklisted = "blacklisted"
	TagGraylisted  = "graylisted"
	TagCrawler     = "verified_crawler"
)

// IPRecord is the reputation of a single client address
type IPRecord struct {
	IP         string    `json:"ip"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	UpdatedAt  time.Time `json:"updated_at"`
	DecayedAt  time.Time `json:"decayed_at"`
	Requests   int64     `json:"requests"`
	Blocks     int64     `json:"blocks"`
	Violations int64     `json:"violations"`
	Score      float64   `json:"score"`
	Tags       []string  `json:"tags,omitempty"`
	Notes      []string  `json:"notes,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	ASN        int       `json:"asn,omitempty"`
	Org        string    `json:"org,omitempty"`
	Network    string    `json:"network,omitempty"`
	Enriched   bool      `json:"enriched,omitempty"`
}

// HasTag reports whether the record carries tag
func (r *IPRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SetTag adds or removes tag
func (r *IPRecord) SetTag(tag string, on bool) {
	for i, t := range r.Tags {
		if t == tag {
			if !on {
				r.Tags = append(r.Tags[:i:i], r.Tags[i+1:]...)
			}
			return
		}
	}
	if on {
		r.Tags = append(r.Tags, tag)
	}
}

// Copy returns a deep copy of the record
func (r *IPRecord) Copy() IPRecord {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Notes = append([]string(nil), r.Notes...)
	return c
}

// Enrichment is the network metadata attached to a record
type Enrichment struct {
	ASN     int    `json:"asn"`
	Org     string `json:"org"`
	Network string `json:"network"`
}
