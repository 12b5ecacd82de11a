// Package threat runs signature, behaviour and anomaly detectors over single
// requests and the recent request history of their IP.
package threat

import (
	"context"
	"regexp"

	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/matchers"
)

// Detector checks a request for a single threat type. history holds the recent
// requests of the same IP, oldest first, and may include r itself.
// A nil indicator means no signal
type Detector interface {
	Type() data.ThreatType
	// Sync detectors are cheap enough to run before the admission decision
	Sync() bool
	Check(ctx context.Context, r *data.RequestEvent, history []*data.RequestEvent) (*data.ThreatIndicator, error)
}

// SignatureDetector matches a set of regular expressions against the decoded
// path, query, parameters and body of a request
type SignatureDetector struct {
	threat   data.ThreatType
	patterns []*regexp.Regexp
}

// NewSignatureDetector creates a detector that reports t when any of patterns matches
func NewSignatureDetector(t data.ThreatType, patterns []*regexp.Regexp) *SignatureDetector {
	return &SignatureDetector{threat: t, patterns: patterns}
}

// SQLInjection detects SQL injection attempts
func SQLInjection() *SignatureDetector {
	return NewSignatureDetector(data.ThreatSQLInjection, matchers.SQLInjection)
}

// XSS detects cross site scripting attempts
func XSS() *SignatureDetector {
	return NewSignatureDetector(data.ThreatXSS, matchers.XSS)
}

// PathTraversal detects attempts to escape the document root
func PathTraversal() *SignatureDetector {
	return NewSignatureDetector(data.ThreatPathTraversal, matchers.PathTraversal)
}

// Type implements Detector
func (d *SignatureDetector) Type() data.ThreatType { return d.threat }

// Sync implements Detector
func (d *SignatureDetector) Sync() bool { return true }

// Check implements Detector
func (d *SignatureDetector) Check(_ context.Context, r *data.RequestEvent, _ []*data.RequestEvent) (*data.ThreatIndicator, error) {
	n, matched := matchers.CountMatches(d.patterns, r.Inspectable()...)
	if n == 0 {
		return nil, nil
	}
	ti := data.NewThreatIndicator(r, d.threat, data.SeverityHigh, 0.5+0.15*float64(n), matched...)
	ti.Details["matches"] = n
	return ti, nil
}
