package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/scraperwall/warden"
	"github.com/scraperwall/warden/config"
	"github.com/scraperwall/warden/plugins"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg := config.Default()

	fs := flag.NewFlagSetWithEnvPrefix(os.Args[0], "WARDEN", flag.ExitOnError)

	// rate limits
	fs.IntVar(&cfg.GlobalCapacity, "global-capacity", cfg.GlobalCapacity, "capacity of the global token bucket")
	fs.Float64Var(&cfg.GlobalRefill, "global-refill", cfg.GlobalRefill, "refill rate of the global token bucket per second")
	fs.IntVar(&cfg.IPCapacity, "ip-capacity", cfg.IPCapacity, "capacity of the per-IP token buckets")
	fs.Float64Var(&cfg.IPRefill, "ip-refill", cfg.IPRefill, "refill rate of the per-IP token buckets per second")
	fs.IntVar(&cfg.UserCapacity, "user-capacity", cfg.UserCapacity, "capacity of the per-user token buckets")
	fs.Float64Var(&cfg.UserRefill, "user-refill", cfg.UserRefill, "refill rate of the per-user token buckets per second")
	fs.IntVar(&cfg.EndpointCapacity, "endpoint-capacity", cfg.EndpointCapacity, "capacity of the per-endpoint token buckets")
	fs.Float64Var(&cfg.EndpointRefill, "endpoint-refill", cfg.EndpointRefill, "refill rate of the per-endpoint token buckets per second")
	fs.IntVar(&cfg.UserEndpointCapacity, "user-endpoint-capacity", cfg.UserEndpointCapacity, "capacity of the per-user and endpoint token buckets")
	fs.Float64Var(&cfg.UserEndpointRefill, "user-endpoint-refill", cfg.UserEndpointRefill, "refill rate of the per-user and endpoint token buckets per second")
	fs.DurationVar(&cfg.BucketIdleTTL, "bucket-idle-ttl", cfg.BucketIdleTTL, "drop token buckets that have been idle this long")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "share the token buckets through the redis server at this address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "the redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "the redis database")

	// traffic shape
	fs.DurationVar(&cfg.TrafficWindow, "traffic-window", cfg.TrafficWindow, "the per-IP sliding window")
	fs.DurationVar(&cfg.GlobalWindow, "global-window", cfg.GlobalWindow, "the sliding window of the global request rate")
	fs.Float64Var(&cfg.IPRequestsPerSecond, "ip-rps", cfg.IPRequestsPerSecond, "maximum requests per second of a single IP")
	fs.IntVar(&cfg.IPRequestsPerWindow, "ip-requests-per-window", cfg.IPRequestsPerWindow, "maximum requests of a single IP per traffic window")
	fs.IntVar(&cfg.MaxConnectionsPerIP, "max-connections", cfg.MaxConnectionsPerIP, "maximum concurrent requests of a single IP")
	fs.DurationVar(&cfg.MaxConnectionLifetime, "conn-lifetime", cfg.MaxConnectionLifetime, "release connection slots that have been held this long")
	fs.IntVar(&cfg.PatternThreshold, "pattern-threshold", cfg.PatternThreshold, "block IPs whose behaviour score reaches this value")

	// attack mode
	fs.Float64Var(&cfg.AttackModeRPS, "attack-rps", cfg.AttackModeRPS, "enter attack mode above this global request rate")
	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", cfg.MonitorInterval, "check the global request rate this often")
	fs.Float64Var(&cfg.AttackFactor, "attack-factor", cfg.AttackFactor, "scale the token buckets by this factor in attack mode")
	fs.DurationVar(&cfg.AttackWindow, "attack-window", cfg.AttackWindow, "the per-IP sliding window in attack mode")
	fs.IntVar(&cfg.AttackPatternThreshold, "attack-pattern-threshold", cfg.AttackPatternThreshold, "the behaviour score threshold in attack mode")
	fs.IntVar(&cfg.AttackMaxConnectionsPerIP, "attack-max-connections", cfg.AttackMaxConnectionsPerIP, "maximum concurrent requests of a single IP in attack mode")
	fs.StringVar(&cfg.ChallengeURL, "challenge-url", cfg.ChallengeURL, "send challenged clients here")
	fs.DurationVar(&cfg.ChallengeTTL, "challenge-ttl", cfg.ChallengeTTL, "admit IPs this long after they passed a challenge")

	// reputation
	fs.Float64Var(&cfg.InitialScore, "initial-score", cfg.InitialScore, "reputation score of unknown IPs")
	fs.Float64Var(&cfg.AutoBlacklistScore, "blacklist-score", cfg.AutoBlacklistScore, "blacklist IPs whose score drops below this value")
	fs.Float64Var(&cfg.AutoGraylistScore, "graylist-score", cfg.AutoGraylistScore, "graylist IPs whose score drops below this value")
	fs.Float64Var(&cfg.GoodBehaviorCredit, "good-behavior-credit", cfg.GoodBehaviorCredit, "score credit for every successful request")
	fs.Float64Var(&cfg.DecayRate, "decay-rate", cfg.DecayRate, "pull idle scores towards neutral by this factor")
	fs.DurationVar(&cfg.DecayAfter, "decay-after", cfg.DecayAfter, "decay scores of IPs that have been idle this long")
	fs.DurationVar(&cfg.TempBlockDuration, "temp-block-duration", cfg.TempBlockDuration, "the lifetime of automatic temporary blocks")
	fs.DurationVar(&cfg.GraylistDuration, "graylist-duration", cfg.GraylistDuration, "the lifetime of automatic graylist entries")
	fs.IntVar(&cfg.MaxRecords, "max-records", cfg.MaxRecords, "keep at most this many reputation records in memory")
	fs.DurationVar(&cfg.RecordTTL, "record-ttl", cfg.RecordTTL, "forget reputation records that have been idle this long")

	// threat detection
	fs.IntVar(&cfg.HistorySize, "history-size", cfg.HistorySize, "keep this many most recent requests per IP")
	fs.DurationVar(&cfg.HistoryMaxAge, "history-max-age", cfg.HistoryMaxAge, "forget requests older than this")
	fs.DurationVar(&cfg.ThreatMaxAge, "threat-max-age", cfg.ThreatMaxAge, "forget threat indicators older than this")
	fs.StringVar(&cfg.AnomalyModel, "anomaly-model", cfg.AnomalyModel, "the anomaly model: iforest or zscore")
	fs.Float64Var(&cfg.AnomalyContamination, "anomaly-contamination", cfg.AnomalyContamination, "the expected share of anomalous IPs")
	fs.IntVar(&cfg.AnomalyMinSamples, "anomaly-min-samples", cfg.AnomalyMinSamples, "train the anomaly model once this many IPs have been seen")
	fs.IntVar(&cfg.AsyncWorkers, "async-workers", cfg.AsyncWorkers, "number of background threat analysis workers")
	fs.IntVar(&cfg.AsyncQueueSize, "async-queue-size", cfg.AsyncQueueSize, "size of the background threat analysis queue")
	fs.DurationVar(&cfg.ThreatCooldown, "threat-cooldown", cfg.ThreatCooldown, "report the same behavioural threat of an IP at most once per cooldown")
	fs.IntVar(&cfg.ViolationSeverity, "violation-severity", cfg.ViolationSeverity, "lowest threat severity (1 low .. 5 emergency) that lowers the reputation score")

	// schedules
	fs.StringVar(&cfg.DecaySchedule, "decay-schedule", cfg.DecaySchedule, "cron schedule of the reputation decay")
	fs.StringVar(&cfg.FeedSchedule, "feed-schedule", cfg.FeedSchedule, "cron schedule of the threat feed refresh")
	fs.StringVar(&cfg.RetrainSchedule, "retrain-schedule", cfg.RetrainSchedule, "cron schedule of the anomaly model training")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "persist the reputation store this often")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "sweep idle state this often")

	fs.BoolVar(&cfg.FailOpen, "fail-open", cfg.FailOpen, "admit requests when a component fails")

	// infrastructure
	fs.IntVar(&cfg.NumWindows, "num-windows", cfg.NumWindows, "number of stats windows")
	fs.DurationVar(&cfg.WindowSize, "window-size", cfg.WindowSize, "size of one stats window")
	fs.StringVar(&cfg.BadgerPath, "badger-path", "./badger", "the directory where the badger database resides. Empty keeps everything in memory")
	fs.StringVar(&cfg.RulesFile, "rules", cfg.RulesFile, "the TOML rules file")
	fs.StringVar(&cfg.APIAddress, "api-address", cfg.APIAddress, "serve the admin API on this address")
	fs.StringVar(&cfg.SocketFile, "socket", cfg.SocketFile, "answer web server modules on this unix socket")
	fs.StringVar(&cfg.NatsAddr, "nats-addr", cfg.NatsAddr, "publish telemetry to this NATS server")
	fs.IntVar(&cfg.NatsPort, "nats-port", cfg.NatsPort, "start an embedded NATS server on this port")
	fs.IntVar(&cfg.NatsHTTPPort, "nats-http-port", cfg.NatsHTTPPort, "the monitoring port of the embedded NATS server")
	fs.StringVar(&cfg.NatsUser, "nats-user", "scw", "the NATS user")
	fs.StringVar(&cfg.NatsPassword, "nats-password", "scw", "the NATS password")
	fs.BoolVar(&cfg.NatsIngest, "nats-ingest", cfg.NatsIngest, "analyze the requests published on the requests subject")
	fs.StringVar(&cfg.DNSServer, "dns-server", "8.8.8.8:53", "the DNS server to use. Empty disables reverse lookups")
	fs.IntVar(&cfg.ResolverWorkers, "resolver-workers", cfg.ResolverWorkers, "number of DNS resolver workers")
	fs.DurationVar(&cfg.ResolverTTL, "resolver-ttl", cfg.ResolverTTL, "cache reverse hostnames this long")
	fs.StringVar(&cfg.ASNDBFile, "asndb", cfg.ASNDBFile, "the ASN database")
	fs.StringVar(&cfg.GeoIPDBFile, "geoipdb", cfg.GeoIPDBFile, "the GeoIP database")
	fs.BoolVar(&cfg.WithNetworks, "with-networks", cfg.WithNetworks, "collect per-network statistics")
	fs.Int64Var(&cfg.NetworkBlock, "network-block", cfg.NetworkBlock, "blacklist networks that send more requests per stats window. 0 disables")
	fs.BoolVar(&cfg.IgnorePrivateIPs, "ignore-private-ips", cfg.IgnorePrivateIPs, "skip private X-Forwarded-For addresses on the socket")
	fs.StringVar(&cfg.CookieName, "cookie-name", cfg.CookieName, "name of the challenge cookie")
	fs.StringVar(&cfg.CookieKey, "cookie-key", cfg.CookieKey, "base64 encoded AES key of the challenge cookie")
	fs.StringVar(&cfg.CookieSecret, "cookie-secret", cfg.CookieSecret, "secret of the challenge cookie")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "the log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write the log to this file")
	fs.BoolVar(&cfg.LogMemoryStats, "log-memory-stats", cfg.LogMemoryStats, "log memory statistics once per window")
	fs.StringVar(&cfg.LogReplay, "log-replay", cfg.LogReplay, "replay this access log on startup")
	fs.StringVar(&cfg.ReplayFormat, "replay-format", cfg.ReplayFormat, "the gonx format of the replayed log")

	fs.Parse(os.Args[1:])

	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []warden.Option{
		warden.WithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer),
	}

	var meta *plugins.IPMeta
	if cfg.ASNDBFile != "" || cfg.GeoIPDBFile != "" {
		var err error
		if meta, err = plugins.LoadIPMeta(cfg.ASNDBFile, cfg.GeoIPDBFile); err != nil {
			log.Fatal(err)
		}
		opts = append(opts, warden.WithIPMeta(meta))
	}
	if cfg.WithNetworks {
		opts = append(opts, warden.WithPlugins(plugins.NewNetworks(ctx, plugins.NetworksConfig{
			WindowSize:     cfg.WindowSize,
			NumWindows:     cfg.NumWindows,
			BlockThreshold: cfg.NetworkBlock,
		}, meta)))
	}

	w, err := warden.New(ctx, cfg, opts...)
	if err != nil {
		log.Fatal(err)
	}
	if err := w.Start(); err != nil {
		w.Close()
		log.Fatal(err)
	}

	if cfg.LogReplay != "" {
		go func() {
			if _, err := w.LogReplay(ctx, cfg.LogReplay, cfg.ReplayFormat, false); err != nil {
				log.Errorf("log replay: %s", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Println("exiting...")
	cancel()

	if err := w.Close(); err != nil {
		log.Errorf("shutdown: %s", err)
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level %q", cfg.LogLevel)
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
}
