package data

import (
	"strings"
	"time"
)

// ThreatType classifies a detected threat
type ThreatType int

// The closed set of threat types
const (
	ThreatUnknown ThreatType = iota
	ThreatSQLInjection
	ThreatXSS
	ThreatPathTraversal
	ThreatBruteForce
	ThreatAPIAbuse
	ThreatScanner
	ThreatBot
	ThreatDDoS
	ThreatCredentialStuffing
)

var threatNames = map[ThreatType]string{
	ThreatUnknown:            "UNKNOWN",
	ThreatSQLInjection:       "SQL_INJECTION",
	ThreatXSS:                "XSS",
	ThreatPathTraversal:      "PATH_TRAVERSAL",
	ThreatBruteForce:         "BRUTE_FORCE",
	ThreatAPIAbuse:           "API_ABUSE",
	ThreatScanner:            "SCANNER",
	ThreatBot:                "BOT",
	ThreatDDoS:               "DDOS",
	ThreatCredentialStuffing: "CREDENTIAL_STUFFING",
}

// ThreatTypes lists every known threat type
func ThreatTypes() []ThreatType {
	return []ThreatType{
		ThreatSQLInjection, ThreatXSS, ThreatPathTraversal, ThreatBruteForce, ThreatAPIAbuse,
		ThreatScanner, ThreatBot, ThreatDDoS, ThreatCredentialStuffing, ThreatUnknown,
	}
}

func (t ThreatType) String() string {
	if s, ok := threatNames[t]; ok {
		return s
	}
	return threatNames[ThreatUnknown]
}

// ParseThreatType returns the threat type with the given name. Unknown names map to ThreatUnknown
func ParseThreatType(s string) ThreatType {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range threatNames {
		if name == s {
			return t
		}
	}
	return ThreatUnknown
}

// MarshalText implements encoding.TextMarshaler
func (t ThreatType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *ThreatType) UnmarshalText(b []byte) error {
	*t = ParseThreatType(string(b))
	return nil
}

// Severity is the ordinal severity of a threat
type Severity int

// Severity levels, ordered
const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
	SeverityEmergency
)

var severityNames = []string{"", "LOW", "MEDIUM", "HIGH", "CRITICAL", "EMERGENCY"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityEmergency {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range severityNames {
		if i > 0 && n == name {
			*s = Severity(i)
			return nil
		}
	}
	*s = SeverityLow
	return nil
}

// ThreatIndicator is the result of a positive detection
type ThreatIndicator struct {
	Time       time.Time              `json:"time"`
	IP         string                 `json:"ip"`
	Type       ThreatType             `json:"type"`
	Severity   Severity               `json:"severity"`
	Confidence float64                `json:"confidence"`
	Indicators []string               `json:"indicators"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// NewThreatIndicator creates an indicator with the confidence clamped to [0,1]
func NewThreatIndicator(ev *RequestEvent, t ThreatType, sev Severity, confidence float64, indicators ...string) *ThreatIndicator {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	ti := &ThreatIndicator{
		Type:       t,
		Severity:   sev,
		Confidence: confidence,
		Indicators: indicators,
		Details:    make(map[string]interface{}),
	}
	if ev != nil {
		ti.IP = ev.IP
		ti.Time = ev.Time
	}
	return ti
}
