// Package metrics holds the prometheus collectors of the admission pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_decisions_total",
		Help: "Total number of evaluated requests by outcome and reason",
	}, []string{"outcome", "reason"})
	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_rate_limited_total",
		Help: "Total number of requests denied by a rate limit scope",
	}, []string{"scope"})
	threatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_threats_total",
		Help: "Total number of threat indicators by type and severity",
	}, []string{"type", "severity"})
	detectorErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_detector_errors_total",
		Help: "Total number of detector runs that failed or panicked",
	}, []string{"detector"})
	detectorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_detector_duration_seconds",
		Help:    "Run time of a single detector",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	}, []string{"detector"})
	evaluateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_evaluate_duration_seconds",
		Help:    "Run time of the synchronous admission decision",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
	})
	degradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_degraded_total",
		Help: "Total number of decisions a component could not contribute to",
	}, []string{"component"})
	asyncDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_async_dropped_total",
		Help: "Total number of requests not analyzed because the async queue was full",
	})
	attackMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_attack_mode",
		Help: "1 while attack mode is active",
	})
	listEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_list_entries",
		Help: "Number of entries per access list",
	}, []string{"list"})
	feedRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_feed_refresh_total",
		Help: "Total number of threat feed refreshes by result",
	}, []string{"result"})
	telemetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_telemetry_messages_total",
		Help: "Total number of telemetry messages by subject and result",
	}, []string{"subject", "result"})
	resolverTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_resolver_lookups_total",
		Help: "Total number of reverse lookups by result",
	}, []string{"result"})
)

// Register registers the collectors. Call once per registry
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		decisionsTotal, rateLimitedTotal, threatsTotal, detectorErrorsTotal, detectorDuration,
		evaluateDuration, degradedTotal, asyncDroppedTotal, attackMode, listEntries,
		feedRefreshTotal, telemetryTotal, resolverTotal,
	)
}

// IncDecision counts an admission decision
func IncDecision(outcome, reason string) { decisionsTotal.WithLabelValues(outcome, reason).Inc() }

// IncRateLimited counts a denial by the given rate limit scope
func IncRateLimited(scope string) { rateLimitedTotal.WithLabelValues(scope).Inc() }

// IncThreat counts a threat indicator
func IncThreat(threatType, severity string) { threatsTotal.WithLabelValues(threatType, severity).Inc() }

// IncDetectorError counts a failed detector run
func IncDetectorError(detector string) { detectorErrorsTotal.WithLabelValues(detector).Inc() }

// ObserveDetector records the run time of a detector
func ObserveDetector(detector string, d time.Duration) {
	detectorDuration.WithLabelValues(detector).Observe(d.Seconds())
}

// ObserveEvaluate records the run time of a decision
func ObserveEvaluate(d time.Duration) { evaluateDuration.Observe(d.Seconds()) }

// IncDegraded counts a degraded component
func IncDegraded(component string) { degradedTotal.WithLabelValues(component).Inc() }

// IncAsyncDropped counts a request that was dropped from the async queue
func IncAsyncDropped() { asyncDroppedTotal.Inc() }

// SetAttackMode sets the attack mode gauge
func SetAttackMode(on bool) {
	if on {
		attackMode.Set(1)
	} else {
		attackMode.Set(0)
	}
}

// SetListEntries sets the size of an access list
func SetListEntries(list string, n int) { listEntries.WithLabelValues(list).Set(float64(n)) }

// IncFeedRefresh counts a threat feed refresh
func IncFeedRefresh(ok bool) {
	if ok {
		feedRefreshTotal.WithLabelValues("ok").Inc()
	} else {
		feedRefreshTotal.WithLabelValues("error").Inc()
	}
}

// IncTelemetry counts a telemetry message
func IncTelemetry(subject string, err error) {
	if err != nil {
		telemetryTotal.WithLabelValues(subject, "error").Inc()
	} else {
		telemetryTotal.WithLabelValues(subject, "ok").Inc()
	}
}

// IncResolver counts a reverse lookup. result is one of cached, resolved, unresolved, error or dropped
func IncResolver(result string) { resolverTotal.WithLabelValues(result).Inc() }
