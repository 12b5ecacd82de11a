package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/matchers"
	"github.com/scraperwall/warden/pattern"
)

// BruteForce detects repeated login attempts against auth endpoints
type BruteForce struct {
	Window      time.Duration
	MinAttempts int
	MaxFailures float64
	MinCreds    int
}

// NewBruteForce creates a brute force detector with default thresholds
func NewBruteForce() *BruteForce {
	return &BruteForce{Window: time.Minute, MinAttempts: 5, MaxFailures: 0.5, MinCreds: 3}
}

// Type implements Detector
func (d *BruteForce) Type() data.ThreatType { return data.ThreatBruteForce }

// Sync implements Detector
func (d *BruteForce) Sync() bool { return false }

// Check implements Detector
func (d *BruteForce) Check(_ context.Context, r *data.RequestEvent, history []*data.RequestEvent) (*data.ThreatIndicator, error) {
	if !matchers.AuthEndpoints.MatchString(r.Path) {
		return nil, nil
	}
	auth := authAttempts(within(history, r.Time.Add(-d.Window)))
	if auth.attempts < d.MinAttempts {
		return nil, nil
	}

	confidence := 0.4
	indicators := []string{fmt.Sprintf("%d login attempts in %s", auth.attempts, d.Window)}
	if auth.ratio() > d.MaxFailures {
		confidence += 0.3
		indicators = append(indicators, fmt.Sprintf("%d of %d attempts failed", auth.failures, auth.completed))
	}
	if len(auth.creds) >= d.MinCreds {
		confidence += 0.3
		indicators = append(indicators, fmt.Sprintf("%d distinct usernames", len(auth.creds)))
	}
	if len(indicators) < 2 {
		return nil, nil
	}

	ti := data.NewThreatIndicator(r, data.ThreatBruteForce, data.SeverityHigh, confidence, indicators...)
	ti.Details["attempts"] = auth.attempts
	ti.Details["failures"] = auth.failures
	ti.Details["usernames"] = len(auth.creds)
	return ti, nil
}

// CredentialStuffing detects many different accounts tried from one address
type CredentialStuffing struct {
	Window      time.Duration
	MinCreds    int
	MaxFailures float64
}

// NewCredentialStuffing creates a credential stuffing detector with default thresholds
func NewCredentialStuffing() *CredentialStuffing {
	return &CredentialStuffing{Window: 10 * time.Minute, MinCreds: 10, MaxFailures: 0.7}
}

// Type implements Detector
func (d *CredentialStuffing) Type() data.ThreatType { return data.ThreatCredentialStuffing }

// Sync implements Detector
func (d *CredentialStuffing) Sync() bool { return false }

// Check implements Detector
func (d *CredentialStuffing) Check(_ context.Context, r *data.RequestEvent, history []*data.RequestEvent) (*data.ThreatIndicator, error) {
	if !matchers.AuthEndpoints.MatchString(r.Path) {
		return nil, nil
	}
	auth := authAttempts(within(history, r.Time.Add(-d.Window)))
	if len(auth.creds) < d.MinCreds || auth.ratio() <= d.MaxFailures {
		return nil, nil
	}

	ti := data.NewThreatIndicator(r, data.ThreatCredentialStuffing, data.SeverityHigh,
		0.5+float64(len(auth.creds))/40,
		fmt.Sprintf("%d distinct usernames in %s", len(auth.creds), d.Window),
		fmt.Sprintf("%d of %d attempts failed", auth.failures, auth.completed),
	)
	ti.Details["usernames"] = len(auth.creds)
	return ti, nil
}

// APIAbuse detects excessive request rates, hammering of a single endpoint and
// rapid crawling of many endpoints
type APIAbuse struct {
	Window       time.Duration
	MaxRequests  int
	HammerMin    int
	HammerShare  float64
	ScanWindow   time.Duration
	MaxEndpoints int
}

// NewAPIAbuse creates an API abuse detector with default thresholds
func NewAPIAbuse() *APIAbuse {
	return &APIAbuse{
		Window:       time.Minute,
		MaxRequests:  300,
		HammerMin:    100,
		HammerShare:  0.9,
		ScanWindow:   30 * time.Second,
		MaxEndpoints: 50,
	}
}

// Type implements Detector
func (d *APIAbuse) Type() data.ThreatType { return data.ThreatAPIAbuse }

// Sync implements Detector
func (d *APIAbuse) Sync() bool { return false }

// Check implements Detector
func (d *APIAbuse) Check(_ context.Context, r *data.RequestEvent, history []*data.RequestEvent) (*data.ThreatIndicator, error) {
	recent := within(history, r.Time.Add(-d.Window))
	var indicators []string

	if len(recent) >= d.MaxRequests {
		indicators = append(indicators, fmt.Sprintf("%d requests in %s", len(recent), d.Window))
	}

	endpoints := make(map[string]int)
	top := 0
	for _, req := range recent {
		endpoints[req.Path]++
		if endpoints[req.Path] > top {
			top = endpoints[req.Path]
		}
	}
	if top >= d.HammerMin && float64(top)/float64(len(recent)) >= d.HammerShare {
		indicators = append(indicators, fmt.Sprintf("%d requests to a single endpoint", top))
	}

	scanned := make(map[string]bool)
	for _, req := range within(recent, r.Time.Add(-d.ScanWindow)) {
		scanned[req.Path] = true
	}
	if len(scanned) >= d.MaxEndpoints {
		indicators = append(indicators, fmt.Sprintf("%d endpoints in %s", len(scanned), d.ScanWindow))
	}

	if len(indicators) == 0 {
		return nil, nil
	}
	ti := data.NewThreatIndicator(r, data.ThreatAPIAbuse, data.SeverityMedium, 0.3+0.25*float64(len(indicators)), indicators...)
	ti.Details["requests"] = len(recent)
	return ti, nil
}

// Scanner detects vulnerability scanners by user agent, probed paths and not-found ratio
type Scanner struct {
	MinResponses int
	MaxNotFound  float64
}

// NewScanner creates a scanner detector with default thresholds
func NewScanner() *Scanner {
	return &Scanner{MinResponses: 10, MaxNotFound: 0.5}
}

// Type implements Detector
func (d *Scanner) Type() data.ThreatType { return data.ThreatScanner }

// Sync implements Detector
func (d *Scanner) Sync() bool { return false }

// Check implements Detector
func (d *Scanner) Check(_ context.Context, r *data.RequestEvent, history []*data.RequestEvent) (*data.ThreatIndicator, error) {
	var indicators []string

	if agent, ok := matchers.ContainsAny(r.UserAgent, matchers.ScannerAgents); ok {
		indicators = append(indicators, "scanner user agent "+agent)
	}
	if probe, ok := matchers.ContainsAny(r.Path, matchers.SensitivePaths); ok {
		indicators = append(indicators, "sensitive path "+probe)
	}

	responses, notFound := 0, 0
	for _, req := range history {
		if req.Status == 0 {
			continue
		}
		responses++
		if req.Status == 404 {
			notFound++
		}
	}
	if responses >= d.MinResponses && float64(notFound)/float64(responses) > d.MaxNotFound {
		indicators = append(indicators, fmt.Sprintf("%d of %d requests not found", notFound, responses))
	}

	if len(indicators) == 0 {
		return nil, nil
	}
	return data.NewThreatIndicator(r, data.ThreatScanner, data.SeverityMedium, 0.2+0.4*float64(len(indicators)), indicators...), nil
}

// Bot detects automated clients. It reports when at least MinSignals of its
// heuristics agree
type Bot struct {
	MinSamples    int
	MinAgentCheck int
	MaxVariation  float64
	MinSignals    int
}

// NewBot creates a bot detector with default thresholds
func NewBot() *Bot {
	return &Bot{MinSamples: 10, MinAgentCheck: 20, MaxVariation: 0.1, MinSignals: 2}
}

// Type implements Detector
func (d *Bot) Type() data.ThreatType { return data.ThreatBot }

// Sync implements Detector
func (d *Bot) Sync() bool { return false }

// Check implements Detector
func (d *Bot) Check(_ context.Context, r *data.RequestEvent, history []*data.RequestEvent) (*data.ThreatIndicator, error) {
	var indicators []string

	if agent, ok := matchers.ContainsAny(r.UserAgent, matchers.BotAgents); ok {
		indicators = append(indicators, "bot user agent "+agent)
	}

	if len(history) >= d.MinSamples {
		intervals := make([]float64, 0, len(history)-1)
		for i := 1; i < len(history); i++ {
			intervals = append(intervals, history[i].Time.Sub(history[i-1].Time).Seconds())
		}
		mean, std := pattern.MeanStd(intervals)
		if mean > 0 && std/mean < d.MaxVariation {
			indicators = append(indicators, fmt.Sprintf("regular timing (%.2fs ± %.3fs)", mean, std))
		}

		referrers := 0
		for _, req := range history {
			if req.Referrer != "" && req.Referrer != "-" {
				referrers++
			}
		}
		if referrers == 0 {
			indicators = append(indicators, "no referrer")
		}
	}

	if len(history) >= d.MinAgentCheck {
		agents := make(map[string]bool)
		for _, req := range history {
			agents[req.UserAgent] = true
		}
		if len(agents) == 1 {
			indicators = append(indicators, "single user agent")
		}
	}

	if len(indicators) < d.MinSignals {
		return nil, nil
	}
	return data.NewThreatIndicator(r, data.ThreatBot, data.SeverityLow, 0.25*float64(len(indicators)), indicators...), nil
}

type attempts struct {
	attempts  int
	completed int
	failures  int
	creds     map[string]bool
}

func (a attempts) ratio() float64 {
	if a.completed == 0 {
		return 0
	}
	return float64(a.failures) / float64(a.completed)
}

func authAttempts(history []*data.RequestEvent) attempts {
	a := attempts{creds: make(map[string]bool)}
	for _, r := range history {
		if !matchers.AuthEndpoints.MatchString(r.Path) {
			continue
		}
		a.attempts++
		if r.Status != 0 {
			a.completed++
			if r.IsAuthFailure() {
				a.failures++
			}
		}
		if c := r.Credential(); c != "" {
			a.creds[c] = true
		}
	}
	return a
}

// within returns the tail of history that is not older than since
func within(history []*data.RequestEvent, since time.Time) []*data.RequestEvent {
	for i, r := range history {
		if !r.Time.Before(since) {
			return history[i:]
		}
	}
	return nil
}
