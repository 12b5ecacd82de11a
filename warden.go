// Package warden decides for every inbound HTTP request whether it is admitted,
// challenged or blocked. It combines token bucket rate limits, sliding traffic
// windows, per-IP connection ceilings, behaviour heuristics, an IP reputation
// store and signature, behavioural and statistical threat detection.
package warden

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/scraperwall/warden/config"
	"github.com/scraperwall/warden/conntrack"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/metrics"
	"github.com/scraperwall/warden/pattern"
	"github.com/scraperwall/warden/plugins"
	"github.com/scraperwall/warden/ratelimit"
	"github.com/scraperwall/warden/reputation"
	"github.com/scraperwall/warden/store"
	"github.com/scraperwall/warden/threat"
	"github.com/scraperwall/warden/window"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by operations on a Warden that has been closed
var ErrClosed = errors.New("warden is closed")

// Warden is the request admission pipeline and the owner of all its state
type Warden struct {
	config *config.Config
	now    func() time.Time

	kv         store.KVStore
	ownKV      bool
	reputation *reputation.Store
	feeds      *reputation.FeedRefresher
	limiter    *ratelimit.Limiter
	windows    *window.Tracker
	conns      *conntrack.Tracker
	patterns   *pattern.Analyzer
	history    *threat.History
	engine     *threat.Engine
	anomaly    *threat.Anomaly
	stats      *StatsWindows
	resolver   *Resolver
	telemetry  *Telemetry
	cookie     *ChallengeCookie
	meta       *plugins.IPMeta
	plugins    []Plugin
	challenges *ttlcache.Cache
	rules      atomic.Pointer[config.Rules]
	gatherer   prometheus.Gatherer

	attack atomic.Bool

	cron      *cron.Cron
	api       *API
	socket    *WebserverSocket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

type options struct {
	now        func() time.Time
	kv         store.KVStore
	plugins    []Plugin
	meta       *plugins.IPMeta
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	redis      redis.UniversalClient
	detectors  []threat.Detector
	httpClient *http.Client
}

// Option configures optional parts of a Warden
type Option func(*options)

// WithClock replaces time.Now as the source of the current time
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStore makes the Warden persist into kv instead of opening its own badger database.
// The caller keeps ownership of kv
func WithStore(kv store.KVStore) Option {
	return func(o *options) { o.kv = kv }
}

// WithPlugins adds plugins to the pipeline
func WithPlugins(p ...Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, p...) }
}

// WithIPMeta enables ASN based enrichment and whitelisting
func WithIPMeta(meta *plugins.IPMeta) Option {
	return func(o *options) { o.meta = meta }
}

// WithRegistry registers the prometheus collectors with registerer and serves
// gatherer on the /metrics route
func WithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(o *options) {
		o.registerer = registerer
		o.gatherer = gatherer
	}
}

// WithRedis shares the token buckets between instances through client
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithDetectors replaces the default threat detectors
func WithDetectors(d ...threat.Detector) Option {
	return func(o *options) { o.detectors = d }
}

// WithHTTPClient sets the client threat feeds are downloaded with
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New creates a Warden from cfg. Background workers don't run before Start is called
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Warden, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{
		now:        time.Now,
		gatherer:   prometheus.DefaultGatherer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}

	w := &Warden{
		config:   cfg,
		now:      o.now,
		kv:       o.kv,
		meta:     o.meta,
		plugins:  o.plugins,
		gatherer: o.gatherer,
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	if o.registerer != nil {
		metrics.Register(o.registerer)
	}

	// Badger
	//
	if w.kv == nil {
		kv, err := store.NewBadgerDB(w.ctx, cfg.BadgerPath)
		if err != nil {
			log.Errorf("%s: running without persistence", err)
			metrics.IncDegraded("store")
		} else {
			w.kv = kv
			w.ownKV = true
		}
	}

	// Reputation
	//
	w.reputation = reputation.New(reputation.Config{
		InitialScore:       cfg.InitialScore,
		AutoBlacklistScore: cfg.AutoBlacklistScore,
		AutoGraylistScore:  cfg.AutoGraylistScore,
		GoodBehaviorCredit: cfg.GoodBehaviorCredit,
		DecayRate:          cfg.DecayRate,
		DecayAfter:         cfg.DecayAfter,
		TempBlockDuration:  cfg.TempBlockDuration,
		GraylistDuration:   cfg.GraylistDuration,
		RecordTTL:          cfg.RecordTTL,
		MaxRecords:         cfg.MaxRecords,
		Now:                w.now,
	}, w.kv)
	if err := w.reputation.Load(); err != nil {
		log.Warnf("loading reputation data: %s", err)
		metrics.IncDegraded("store")
	}
	w.feeds = reputation.NewFeedRefresher(w.reputation, nil, o.httpClient)

	// Rate limits, windows, connections
	//
	w.limiter = ratelimit.New(ratelimit.Config{
		Global:       ratelimit.Limit{Capacity: cfg.GlobalCapacity, RefillRate: cfg.GlobalRefill},
		IP:           ratelimit.Limit{Capacity: cfg.IPCapacity, RefillRate: cfg.IPRefill},
		User:         ratelimit.Limit{Capacity: cfg.UserCapacity, RefillRate: cfg.UserRefill},
		Endpoint:     ratelimit.Limit{Capacity: cfg.EndpointCapacity, RefillRate: cfg.EndpointRefill},
		UserEndpoint: ratelimit.Limit{Capacity: cfg.UserEndpointCapacity, RefillRate: cfg.UserEndpointRefill},
		AttackFactor: cfg.AttackFactor,
		IdleTTL:      cfg.BucketIdleTTL,
		FailOpen:     cfg.FailOpen,
		Now:          w.now,
	})
	redisClient := o.redis
	if redisClient == nil && cfg.RedisAddr != "" {
		redisClient = ratelimit.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	if redisClient != nil {
		w.limiter.WithBackend(ratelimit.NewRedisBackend(redisClient, "warden:", cfg.BucketIdleTTL))
	}
	w.windows = window.NewTracker(cfg.TrafficWindow, cfg.GlobalWindow, w.now)
	w.conns = conntrack.New(cfg.MaxConnectionsPerIP, cfg.MaxConnectionLifetime, w.now)
	w.patterns = pattern.New(pattern.Config{Now: w.now})

	w.challenges = ttlcache.NewCache()
	w.challenges.SetTTL(cfg.ChallengeTTL)

	// Threat detection
	//
	w.history = threat.NewHistory(cfg.HistorySize, cfg.HistoryMaxAge, cfg.ThreatMaxAge, w.now)
	anomaly, err := threat.NewAnomaly(cfg.AnomalyModel, cfg.AnomalyContamination, cfg.AnomalyMinSamples, w.kv)
	if err != nil {
		return w.abort(err)
	}
	w.anomaly = anomaly
	if err := w.anomaly.Load(); err != nil {
		log.Warnf("loading anomaly model: %s", err)
	}

	detectors := o.detectors
	if detectors == nil {
		detectors = append(threat.DefaultDetectors(), w.anomaly)
	}
	w.engine = threat.NewEngine(threat.Config{
		Workers:      cfg.AsyncWorkers,
		QueueSize:    cfg.AsyncQueueSize,
		MinViolation: data.Severity(cfg.ViolationSeverity),
		Cooldown:     cfg.ThreatCooldown,
	}, w.history, w.reputation, detectors...)
	w.engine.OnThreat(w.onThreat)

	w.stats = NewStatsWindows(cfg.WindowSize, cfg.NumWindows, w.kv, w.now)
	if err := w.stats.Load(); err != nil {
		log.Warnf("loading stats: %s", err)
	}

	// Challenge cookie
	//
	if cfg.CookieSecret != "" {
		if w.cookie, err = NewChallengeCookie(cfg.CookieName, cfg.CookieKey, cfg.CookieSecret, w.now); err != nil {
			return w.abort(err)
		}
	}

	// Rules
	//
	w.applyRules(nil)
	if cfg.RulesFile != "" {
		rules, err := config.LoadRules(cfg.RulesFile)
		if err != nil {
			return w.abort(err)
		}
		w.applyRules(rules)
	}

	// Plugins
	//
	for _, p := range w.plugins {
		p.SetBlocker(w.reputation)
	}

	// Resolver
	//
	if cfg.DNSServer != "" {
		w.resolver = NewResolver(cfg.DNSServer, cfg.ResolverWorkers, cfg.ResolverTTL, w.kv, w.onResolved)
	}

	// NATS
	//
	if cfg.NatsAddr != "" || cfg.NatsPort > 0 {
		if w.telemetry, err = NewTelemetry(cfg); err != nil {
			log.Errorf("telemetry disabled: %s", err)
			metrics.IncDegraded("telemetry")
			w.telemetry = nil
		}
	}

	// Schedules
	//
	w.cron = cron.New()
	for _, job := range []struct {
		spec string
		fn   func()
	}{
		{cfg.DecaySchedule, w.decay},
		{cfg.FeedSchedule, w.refreshFeeds},
		{cfg.RetrainSchedule, w.retrain},
	} {
		if job.spec == "" {
			continue
		}
		if _, err := w.cron.AddFunc(job.spec, job.fn); err != nil {
			return w.abort(fmt.Errorf("schedule %q: %w", job.spec, err))
		}
	}

	return w, nil
}

// Start launches the background workers, the admin API and the web server socket
func (w *Warden) Start() error {
	var err error
	w.startOnce.Do(func() {
		w.engine.Start(w.ctx)
		w.cron.Start()

		w.spawn(w.monitorWorker)
		w.spawn(w.cleanupWorker)
		w.spawn(w.snapshotWorker)
		if w.config.LogMemoryStats {
			w.spawn(w.logMemoryStats)
		}
		if w.resolver != nil {
			w.resolver.Start(w.ctx)
		}
		if w.telemetry != nil {
			w.telemetry.Start(w.ctx)
			if w.config.NatsIngest {
				if err = w.telemetry.Ingest(w.Observe); err != nil {
					return
				}
			}
		}
		if w.config.RulesFile != "" {
			if err = config.WatchRules(w.ctx, w.config.RulesFile, w.applyRules); err != nil {
				return
			}
		}
		if w.config.APIAddress != "" {
			w.api = NewAPI(w)
			w.api.ListenAndServe(w.config.APIAddress)
		}
		if w.config.SocketFile != "" {
			if w.socket, err = NewWebserverSocket(w.ctx, w, w.config.SocketFile); err != nil {
				return
			}
		}
		w.spawn(w.refreshFeeds)
	})
	return err
}

// Close stops all workers, persists the state and releases the store
func (w *Warden) Close() error {
	var errs []error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		<-w.cron.Stop().Done()
		w.engine.Close()
		w.cancel()
		w.wg.Wait()

		if w.socket != nil {
			if err := w.socket.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if w.api != nil {
			if err := w.api.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if w.telemetry != nil {
			w.telemetry.Close()
		}
		if err := w.stats.Snapshot(); err != nil {
			errs = append(errs, err)
		}
		if err := w.reputation.Snapshot(); err != nil {
			errs = append(errs, err)
		}
		w.challenges.Close()
		if err := w.limiter.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := w.reputation.Close(); err != nil {
			errs = append(errs, err)
		}
		if w.ownKV {
			if err := w.kv.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		log.Infof("warden stopped")
	})
	return errors.Join(errs...)
}

// Reputation returns the reputation store
func (w *Warden) Reputation() *reputation.Store {
	return w.reputation
}

// History returns the per-IP request and threat history
func (w *Warden) History() *threat.History {
	return w.history
}

// Stats returns the time bucketed decision counters
func (w *Warden) Stats() *StatsWindows {
	return w.stats
}

// Anomaly returns the statistical anomaly detector
func (w *Warden) Anomaly() *threat.Anomaly {
	return w.anomaly
}

// abort releases what New has acquired so far
func (w *Warden) abort(err error) (*Warden, error) {
	w.cancel()
	w.challenges.Close()
	w.limiter.Close()
	w.reputation.Close()
	if w.ownKV {
		w.kv.Close()
	}
	return nil, err
}

func (w *Warden) spawn(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

func (w *Warden) onThreat(ti *data.ThreatIndicator) {
	if w.telemetry != nil {
		w.telemetry.PublishThreat(ti)
	}
}

func (w *Warden) decay() {
	n := w.reputation.Decay(w.now())
	log.Infof("decayed %d reputation scores", n)
}

func (w *Warden) refreshFeeds() {
	if err := w.feeds.Refresh(w.ctx); err != nil {
		log.Warnf("threat feeds: %s", err)
	}
}

func (w *Warden) retrain() {
	if err := w.anomaly.Retrain(w.history); err != nil {
		if errors.Is(err, threat.ErrNotEnoughSamples) {
			log.Debugf("anomaly model not retrained: %s", err)
			return
		}
		log.Warnf("anomaly model: %s", err)
		return
	}
	info := w.anomaly.Info()
	log.Infof("anomaly model %s retrained on %d samples", info.Kind, info.Samples)
}

// cleanupWorker sweeps the idle state of all components
func (w *Warden) cleanupWorker() {
	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(w.now())
		}
	}
}

func (w *Warden) cleanup(now time.Time) {
	conns := w.conns.Cleanup(now)
	windows := w.windows.Cleanup(now)
	patterns := w.patterns.Cleanup(now, w.config.HistoryMaxAge)
	history := w.history.Cleanup(now)
	w.stats.Expire(now)

	lists := w.reputation.Lists()
	metrics.SetListEntries("whitelist", len(lists.Whitelist)+len(lists.WhitelistSubnet))
	metrics.SetListEntries("blacklist", len(lists.Blacklist)+len(lists.BlacklistSubnet))
	metrics.SetListEntries("graylist", len(lists.Graylist))
	metrics.SetListEntries("temp_blocks", len(lists.TempBlocks))

	log.Debugf("cleanup: %d connections, %d windows, %d patterns, %d histories", conns, windows, patterns, history)
}

func (w *Warden) snapshotWorker() {
	if w.config.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.reputation.Snapshot(); err != nil {
				log.Warnf("reputation snapshot: %s", err)
				metrics.IncDegraded("store")
			}
		}
	}
}

func (w *Warden) logMemoryStats() {
	ticker := time.NewTicker(w.config.WindowSize)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			log.Infof("-=- alloc: %s, in_use: %s, objs: %s, idle: %s, released: %s, stack: %s, goroutines: %s, frees: %s",
				humanize.Bytes(m.Alloc),
				humanize.Bytes(m.HeapInuse),
				humanize.FormatInteger("#,###.", int(m.HeapObjects)),
				humanize.Bytes(m.HeapIdle),
				humanize.Bytes(m.HeapReleased),
				humanize.Bytes(m.StackInuse),
				humanize.FormatInteger("#,###.", runtime.NumGoroutine()),
				humanize.FormatInteger("#,###.", int(m.Frees)))

			totals := w.stats.Totals()
			log.Infof("stats :: %s IPs / %s records / %s decisions / %s blocked / %s challenged",
				humanize.Comma(int64(w.history.Len())),
				humanize.Comma(int64(w.reputation.Len())),
				humanize.Comma(totals.Total),
				humanize.Comma(totals.Blocked),
				humanize.Comma(totals.Challenged))
		}
	}
}
