package warden

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/metrics"
	"github.com/scraperwall/warden/ratelimit"
	log "github.com/sirupsen/logrus"
)

// Evaluate runs r through the admission pipeline:
// reputation pre-check, rate limits and traffic shape, signature detectors,
// the behaviour score and finally the attack mode challenge.
// r is normalized in place and must not be modified afterwards. Admitted
// requests must be handed to Complete once the response status is known
func (w *Warden) Evaluate(ctx context.Context, r *data.RequestEvent) data.SecurityDecision {
	start := time.Now()

	var d data.SecurityDecision
	switch {
	case w.closed.Load():
		d = w.failPolicy("warden", ErrClosed.Error())
	case r == nil:
		d = w.failPolicy("request", "missing request")
	default:
		r.Normalize(w.now())
		if r.ConnectionID == "" {
			r.ConnectionID = uuid.NewString()
		}
		d = w.evaluate(ctx, r)
	}

	w.record(r, d)
	metrics.ObserveEvaluate(time.Since(start))
	return d
}

func (w *Warden) evaluate(ctx context.Context, r *data.RequestEvent) data.SecurityDecision {
	ip := net.ParseIP(strings.TrimSpace(r.IP))
	if ip == nil {
		log.Debugf("invalid client address %q", r.IP)
		return w.failPolicy("request", "invalid client address")
	}
	r.IP = ip.String()

	v := w.reputation.Check(r.IP)
	if !v.Allowed {
		d := data.Block(data.ReasonIPBlocked, fmt.Sprintf("%s: %s", v.Status, v.Reason))
		d.RetryAfter = v.RetryAfter
		return d
	}
	if v.Whitelisted() || w.pluginWhitelisted(ip) {
		return data.Admit()
	}
	if v.New && w.resolver != nil {
		w.resolver.Enqueue(ip)
	}

	w.history.Add(r)
	w.patterns.Record(r.IP, r)

	d, acquired := w.checkTraffic(ctx, r)
	if !d.Allow {
		if acquired {
			w.conns.Release(r.IP, r.ConnectionID)
		}
		w.engine.Enqueue(r)
		return d
	}
	d.Graylisted = v.Graylisted()

	deny := func(denied data.SecurityDecision) data.SecurityDecision {
		w.conns.Release(r.IP, r.ConnectionID)
		denied.RateLimit = d.RateLimit
		denied.Graylisted = d.Graylisted
		denied.Degraded = d.Degraded
		return denied
	}

	if threats := w.engine.AnalyzeSync(ctx, r); len(threats) > 0 {
		names := make([]string, len(threats))
		for i, t := range threats {
			names[i] = t.Type.String()
		}
		return deny(data.Block(data.ReasonThreatDetected, strings.Join(names, ", ")+" detected"))
	}

	if score := w.patterns.Score(r.IP); score.Score >= w.patternThreshold(d.Graylisted) {
		w.engine.Enqueue(r)
		return deny(data.Block(data.ReasonThreatDetected, fmt.Sprintf("anomalous traffic pattern (%d): %s", score.Score, strings.Join(score.Reasons, ", "))))
	}

	if w.attack.Load() && !w.ChallengePassed(r.IP) {
		return deny(data.Challenge(w.config.ChallengeURL))
	}

	return d
}

// checkTraffic charges the token buckets, takes a connection slot and records the
// request in the traffic windows. The three checks run concurrently. The returned
// bool reports whether a connection slot is held
func (w *Warden) checkTraffic(ctx context.Context, r *data.RequestEvent) (data.SecurityDecision, bool) {
	var (
		wg       sync.WaitGroup
		limit    ratelimit.Result
		acquired bool
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		limit = w.limiter.Check(ctx, ratelimit.Request{IP: r.IP, User: r.User, Endpoint: r.Path})
	}()
	go func() {
		defer wg.Done()
		acquired = w.conns.TryAcquire(r.IP, r.ConnectionID)
	}()

	key := ratelimit.Key(ratelimit.ScopeIP, r.IP)
	w.windows.Record(key, r.Time)
	count, rate := w.windows.Count(key), w.windows.Rate(key)
	wg.Wait()

	info := &data.RateLimitInfo{
		Limit:     limit.Limit,
		Remaining: limit.Remaining,
		Reset:     limit.Reset,
		Scope:     limit.Scope,
	}

	var d data.SecurityDecision
	switch {
	case !limit.Allowed:
		metrics.IncRateLimited(limit.Scope)
		d = data.Block(data.ReasonRateLimited, "rate limit exceeded: "+limit.Scope)
		d.RetryAfter = limit.RetryAfter
	case !acquired:
		d = data.Block(data.ReasonDDoSBlocked, fmt.Sprintf("more than %d concurrent connections", w.conns.Max()))
		d.RetryAfter = time.Second
	case count > w.config.IPRequestsPerWindow:
		d = data.Block(data.ReasonDDoSBlocked, fmt.Sprintf("%d requests within %s", count, w.windows.Window()))
		d.RetryAfter = w.windows.Window()
	case rate > w.config.IPRequestsPerSecond:
		d = data.Block(data.ReasonDDoSBlocked, fmt.Sprintf("%.1f requests per second", rate))
		d.RetryAfter = w.windows.Window()
	default:
		d = data.Admit()
	}
	d.RateLimit = info
	if limit.Degraded {
		d.MarkDegraded("ratelimit")
	}
	return d, acquired
}

func (w *Warden) patternThreshold(graylisted bool) int {
	if graylisted || w.attack.Load() {
		return w.config.AttackPatternThreshold
	}
	return w.config.PatternThreshold
}

// failPolicy answers for a component that could not give a proper answer
func (w *Warden) failPolicy(component, detail string) data.SecurityDecision {
	var d data.SecurityDecision
	if w.config.FailOpen {
		d = data.Admit()
	} else {
		d = data.Block(data.ReasonIPBlocked, detail)
	}
	d.MarkDegraded(component)
	return d
}

// record applies the side effects of a decision: metrics, stats, block counters and telemetry
func (w *Warden) record(r *data.RequestEvent, d data.SecurityDecision) {
	metrics.IncDecision(string(d.Outcome), string(d.Reason))
	for _, c := range d.Degraded {
		metrics.IncDegraded(c)
	}
	w.stats.Add(d, w.now())

	if r == nil || d.Outcome == data.OutcomeAdmitted {
		return
	}
	if d.Outcome == data.OutcomeBlocked && len(d.Degraded) == 0 {
		w.reputation.RecordBlock(r.IP)
	}

	log.WithFields(log.Fields{
		"ip":      r.IP,
		"path":    r.Path,
		"outcome": d.Outcome,
		"reason":  d.Reason,
	}).Debug(d.Detail)

	if w.telemetry != nil {
		w.telemetry.PublishDecision(r, d)
	}
}

// Complete records the response status of an admitted request, releases its connection
// slot and queues the request for the behaviour and anomaly detectors
func (w *Warden) Complete(r *data.RequestEvent, status int) {
	if r == nil || w.closed.Load() {
		return
	}
	w.conns.Release(r.IP, r.ConnectionID)

	ip := net.ParseIP(r.IP)
	if ip == nil || w.reputation.IsWhitelisted(ip) || w.pluginWhitelisted(ip) {
		return
	}

	done := w.history.Complete(r, status)
	w.patterns.RecordStatus(r.IP, status)
	if status > 0 && status < 400 {
		w.reputation.RecordGoodBehavior(r.IP)
	}
	for _, p := range w.plugins {
		p.HandleRequest(done)
	}
	w.engine.Enqueue(done)
}

// Observe feeds a request that was decided elsewhere, e.g. by another instance or
// a replayed access log, into the history based analysis. No decision is made
func (w *Warden) Observe(r *data.RequestEvent) {
	if r == nil || w.closed.Load() {
		return
	}
	r.Normalize(w.now())
	ip := net.ParseIP(strings.TrimSpace(r.IP))
	if ip == nil {
		return
	}
	r.IP = ip.String()
	if w.reputation.IsWhitelisted(ip) || w.pluginWhitelisted(ip) {
		return
	}
	if _, known := w.reputation.Get(r.IP); !known && w.resolver != nil {
		w.resolver.Enqueue(ip)
	}

	w.history.Add(r)
	w.patterns.Record(r.IP, r)
	w.patterns.RecordStatus(r.IP, r.Status)
	w.windows.Record(ratelimit.Key(ratelimit.ScopeIP, r.IP), r.Time)
	for _, p := range w.plugins {
		p.HandleRequest(r)
	}
	w.engine.Enqueue(r)
}
