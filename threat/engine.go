package threat

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/metrics"
	log "github.com/sirupsen/logrus"
)

// Sink receives the threats that count against the reputation of an IP
type Sink interface {
	RecordViolation(ip string, t data.ThreatType, sev data.Severity) float64
}

// Config configures the engine
type Config struct {
	Workers   int
	QueueSize int
	// MinViolation is the lowest severity that is forwarded to the Sink
	MinViolation data.Severity
	// Cooldown suppresses repeated behaviour detections of the same type for an IP
	Cooldown time.Duration
}

// Stats are the counters of the async queue
type Stats struct {
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
	Failures  int64 `json:"failures"`
}

// Engine runs detectors, records their indicators in the history and forwards
// severe ones to the sink
type Engine struct {
	config    Config
	detectors []Detector
	history   *History
	sink      Sink

	mutex     sync.RWMutex
	listeners []func(*data.ThreatIndicator)

	queue     chan *data.RequestEvent
	quit      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	processed atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// DefaultDetectors returns the signature and behaviour detectors with their default thresholds
func DefaultDetectors() []Detector {
	return []Detector{
		SQLInjection(),
		XSS(),
		PathTraversal(),
		NewBruteForce(),
		NewCredentialStuffing(),
		NewAPIAbuse(),
		NewScanner(),
		NewBot(),
	}
}

// NewEngine creates an engine. sink may be nil
func NewEngine(config Config, history *History, sink Sink, detectors ...Detector) *Engine {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.MinViolation == 0 {
		config.MinViolation = data.SeverityHigh
	}
	return &Engine{
		config:    config,
		detectors: detectors,
		history:   history,
		sink:      sink,
		queue:     make(chan *data.RequestEvent, config.QueueSize),
		quit:      make(chan struct{}),
	}
}

// OnThreat registers fn to be called for every indicator
func (e *Engine) OnThreat(fn func(*data.ThreatIndicator)) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.listeners = append(e.listeners, fn)
}

// History returns the request history the engine analyzes
func (e *Engine) History() *History {
	return e.history
}

// Analyze runs all detectors
func (e *Engine) Analyze(ctx context.Context, r *data.RequestEvent, history []*data.RequestEvent) []*data.ThreatIndicator {
	return e.run(ctx, r, history, func(Detector) bool { return true })
}

// AnalyzeSync runs the detectors that only look at the request itself
func (e *Engine) AnalyzeSync(ctx context.Context, r *data.RequestEvent) []*data.ThreatIndicator {
	return e.run(ctx, r, nil, func(d Detector) bool { return d.Sync() })
}

// AnalyzeAsync runs the behaviour and anomaly detectors
func (e *Engine) AnalyzeAsync(ctx context.Context, r *data.RequestEvent, history []*data.RequestEvent) []*data.ThreatIndicator {
	return e.run(ctx, r, history, func(d Detector) bool { return !d.Sync() })
}

// Enqueue queues r for async analysis. It returns false when the queue is full
func (e *Engine) Enqueue(r *data.RequestEvent) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.queue <- r:
		return true
	default:
		e.dropped.Add(1)
		metrics.IncAsyncDropped()
		return false
	}
}

// Start starts the async workers
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Close stops the workers. Queued requests are analyzed first
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
}

// Stats returns the queue counters
func (e *Engine) Stats() Stats {
	return Stats{
		Processed: e.processed.Load(),
		Dropped:   e.dropped.Load(),
		Queued:    len(e.queue),
		Failures:  e.failures.Load(),
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case r := <-e.queue:
			e.AnalyzeAsync(ctx, r, e.history.Recent(r.IP))
			e.processed.Add(1)
		case <-e.quit:
			for {
				select {
				case r := <-e.queue:
					e.AnalyzeAsync(ctx, r, e.history.Recent(r.IP))
					e.processed.Add(1)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) run(ctx context.Context, r *data.RequestEvent, history []*data.RequestEvent, use func(Detector) bool) []*data.ThreatIndicator {
	if r == nil {
		return nil
	}
	var found []*data.ThreatIndicator
	for _, d := range e.detectors {
		if !use(d) {
			continue
		}
		ti, err := e.check(ctx, d, r, history)
		if err != nil {
			e.failures.Add(1)
			metrics.IncDetectorError(d.Type().String())
			log.Warnf("detector %s on %s: %s", d.Type(), r.IP, err)
			continue
		}
		if ti == nil || e.coolingDown(d, ti) {
			continue
		}
		e.report(ti)
		found = append(found, ti)
	}
	return found
}

// check runs a single detector. A panic is turned into an error
func (e *Engine) check(ctx context.Context, d Detector, r *data.RequestEvent, history []*data.RequestEvent) (ti *data.ThreatIndicator, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveDetector(d.Type().String(), time.Since(start))
		if p := recover(); p != nil {
			log.Tracef("%s", debug.Stack())
			ti, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return d.Check(ctx, r, history)
}

func (e *Engine) coolingDown(d Detector, ti *data.ThreatIndicator) bool {
	if d.Sync() || e.config.Cooldown <= 0 {
		return false
	}
	for _, t := range e.history.Threats(ti.IP) {
		if t.Type == ti.Type && ti.Time.Sub(t.Time) < e.config.Cooldown {
			return true
		}
	}
	return false
}

func (e *Engine) report(ti *data.ThreatIndicator) {
	e.history.AddThreat(ti)
	metrics.IncThreat(ti.Type.String(), ti.Severity.String())
	log.WithFields(log.Fields{
		"ip":         ti.IP,
		"type":       ti.Type,
		"severity":   ti.Severity,
		"confidence": ti.Confidence,
	}).Infof("threat: %v", ti.Indicators)

	if e.sink != nil && ti.Severity >= e.config.MinViolation {
		e.sink.RecordViolation(ti.IP, ti.Type, ti.Severity)
	}

	e.mutex.RLock()
	listeners := e.listeners
	e.mutex.RUnlock()
	for _, fn := range listeners {
		fn(ti)
	}
}
