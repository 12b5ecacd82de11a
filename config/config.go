/*
	warden - adaptive request admission control by ScraperWall
	Copyright (C) 2021 ScraperWall, Tobias von Dewitz <tobias@scraperwall.com>

	This program is free software: you can redistribute it and/or modify it
	under the terms of the GNU Affero General Public License as published by
	the Free Software Foundation, either version 3 of the License, or (at your
	option) any later version.

	This program is distributed in the hope that it will be useful, but WITHOUT
	ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
	FITNESS FOR A PARTICULAR PURPOSE. See the GNU Affero General Public License
	for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Config contains all configurable bits and pieces the warden application needs.
// The configuration gets passed on to all parts of the application that need to access it
type Config struct {
	// token buckets
	GlobalCapacity       int
	GlobalRefill         float64
	IPCapacity           int
	IPRefill             float64
	UserCapacity         int
	UserRefill           float64
	EndpointCapacity     int
	EndpointRefill       float64
	UserEndpointCapacity int
	UserEndpointRefill   float64
	BucketIdleTTL        time.Duration
	RedisAddr            string
	RedisPassword        string
	RedisDB              int

	// traffic shape
	TrafficWindow         time.Duration
	GlobalWindow          time.Duration
	IPRequestsPerSecond   float64
	IPRequestsPerWindow   int
	MaxConnectionsPerIP   int
	MaxConnectionLifetime time.Duration
	PatternThreshold      int

	// attack mode
	AttackModeRPS             float64
	MonitorInterval           time.Duration
	AttackFactor              float64
	AttackWindow              time.Duration
	AttackPatternThreshold    int
	AttackMaxConnectionsPerIP int
	ChallengeURL              string
	ChallengeTTL              time.Duration

	// reputation
	InitialScore       float64
	AutoBlacklistScore float64
	AutoGraylistScore  float64
	GoodBehaviorCredit float64
	DecayRate          float64
	DecayAfter         time.Duration
	TempBlockDuration  time.Duration
	GraylistDuration   time.Duration
	MaxRecords         int
	RecordTTL          time.Duration

	// threat detection
	HistorySize          int
	HistoryMaxAge        time.Duration
	ThreatMaxAge         time.Duration
	AnomalyModel         string
	AnomalyContamination float64
	AnomalyMinSamples    int
	AsyncWorkers         int
	AsyncQueueSize       int
	ThreatCooldown       time.Duration
	// lowest threat severity (1 low .. 5 emergency) that lowers the reputation score
	ViolationSeverity    int

	// schedules
	DecaySchedule    string
	FeedSchedule     string
	RetrainSchedule  string
	SnapshotInterval time.Duration
	CleanupInterval  time.Duration

	// FailOpen admits requests when a component cannot answer
	FailOpen bool

	WindowSize       time.Duration
	NumWindows       int
	BadgerPath       string
	RulesFile        string
	APIAddress       string
	SocketFile       string
	NatsAddr         string
	NatsPort         int
	NatsHTTPPort     int
	NatsUser         string
	NatsPassword     string
	NatsIngest       bool
	DNSServer        string
	ResolverWorkers  int
	ResolverTTL      time.Duration
	GeoIPDBFile      string
	ASNDBFile        string
	LogLevel         string
	LogFormat        string
	LogFile          string
	LogMemoryStats   bool
	LogReplay        string
	ReplayFormat     string
	WithNetworks     bool
	NetworkBlock     int64
	IgnorePrivateIPs bool
	CookieName       string
	CookieKey        string
	CookieSecret     string
}

// Default returns a configuration with every threshold set to its standard value
func Default() *Config {
	return &Config{
		GlobalCapacity:       20000,
		GlobalRefill:         10000,
		IPCapacity:           100,
		IPRefill:             10,
		UserCapacity:         200,
		UserRefill:           20,
		EndpointCapacity:     5000,
		EndpointRefill:       1000,
		UserEndpointCapacity: 60,
		UserEndpointRefill:   5,
		BucketIdleTTL:        10 * time.Minute,

		TrafficWindow:         time.Minute,
		GlobalWindow:          10 * time.Second,
		IPRequestsPerSecond:   50,
		IPRequestsPerWindow:   1200,
		MaxConnectionsPerIP:   50,
		MaxConnectionLifetime: 5 * time.Minute,
		PatternThreshold:      70,

		AttackModeRPS:             10000,
		MonitorInterval:           5 * time.Second,
		AttackFactor:              0.5,
		AttackWindow:              30 * time.Second,
		AttackPatternThreshold:    50,
		AttackMaxConnectionsPerIP: 10,
		ChallengeURL:              "/challenge",
		ChallengeTTL:              time.Hour,

		InitialScore:       50,
		AutoBlacklistScore: 10,
		AutoGraylistScore:  30,
		GoodBehaviorCredit: 0.1,
		DecayRate:          0.95,
		DecayAfter:         24 * time.Hour,
		TempBlockDuration:  time.Hour,
		GraylistDuration:   24 * time.Hour,
		MaxRecords:         100000,
		RecordTTL:          30 * 24 * time.Hour,

		HistorySize:          500,
		HistoryMaxAge:        time.Hour,
		ThreatMaxAge:         24 * time.Hour,
		AnomalyModel:         "iforest",
		AnomalyContamination: 0.05,
		AnomalyMinSamples:    20,
		AsyncWorkers:         4,
		AsyncQueueSize:       10000,
		ThreatCooldown:       time.Minute,
		ViolationSeverity:    3,

		DecaySchedule:    "@daily",
		FeedSchedule:     "@every 1h",
		RetrainSchedule:  "@hourly",
		SnapshotInterval: time.Minute,
		CleanupInterval:  time.Minute,

		FailOpen: true,

		WindowSize:      time.Minute,
		NumWindows:      60,
		APIAddress:      ":4343",
		NatsPort:        -1,
		NatsHTTPPort:    -1,
		ResolverWorkers: 8,
		ResolverTTL:     24 * time.Hour,
		LogLevel:        "info",
		LogFormat:       "text",
		ReplayFormat:    `$remote_addr - $remote_user [$time_local] "$request" $status $body_bytes_sent "$http_referer" "$http_user_agent"`,
		CookieName:      "__warden",
	}
}

// Validate checks the configuration for values the pipeline can't work with.
// All problems are reported at once
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]float64{
		"global-capacity":        float64(c.GlobalCapacity),
		"global-refill":          c.GlobalRefill,
		"ip-capacity":            float64(c.IPCapacity),
		"ip-refill":              c.IPRefill,
		"user-capacity":          float64(c.UserCapacity),
		"user-refill":            c.UserRefill,
		"endpoint-capacity":      float64(c.EndpointCapacity),
		"endpoint-refill":        c.EndpointRefill,
		"user-endpoint-capacity": float64(c.UserEndpointCapacity),
		"user-endpoint-refill":   c.UserEndpointRefill,
		"ip-rps":                 c.IPRequestsPerSecond,
		"ip-requests-per-window": float64(c.IPRequestsPerWindow),
		"max-connections":        float64(c.MaxConnectionsPerIP),
		"attack-rps":             c.AttackModeRPS,
		"history-size":           float64(c.HistorySize),
		"max-records":            float64(c.MaxRecords),
		"num-windows":            float64(c.NumWindows),
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}

	durations := map[string]time.Duration{
		"traffic-window":   c.TrafficWindow,
		"global-window":    c.GlobalWindow,
		"attack-window":    c.AttackWindow,
		"monitor-interval": c.MonitorInterval,
		"conn-lifetime":    c.MaxConnectionLifetime,
		"challenge-ttl":    c.ChallengeTTL,
		"window-size":      c.WindowSize,
		"cleanup-interval": c.CleanupInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %s", name, d))
		}
	}

	if c.AttackFactor <= 0 || c.AttackFactor > 1 {
		errs = append(errs, fmt.Errorf("attack-factor must be in (0,1], got %v", c.AttackFactor))
	}
	if c.DecayRate <= 0 || c.DecayRate > 1 {
		errs = append(errs, fmt.Errorf("decay-rate must be in (0,1], got %v", c.DecayRate))
	}
	if c.AnomalyContamination <= 0 || c.AnomalyContamination >= 0.5 {
		errs = append(errs, fmt.Errorf("anomaly-contamination must be in (0,0.5), got %v", c.AnomalyContamination))
	}
	for name, v := range map[string]float64{"initial-score": c.InitialScore, "blacklist-score": c.AutoBlacklistScore, "graylist-score": c.AutoGraylistScore} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s must be in [0,100], got %v", name, v))
		}
	}
	if c.AutoBlacklistScore >= c.AutoGraylistScore {
		errs = append(errs, errors.New("blacklist-score must be lower than graylist-score"))
	}
	if c.AutoGraylistScore >= c.InitialScore {
		errs = append(errs, errors.New("graylist-score must be lower than initial-score"))
	}
	if c.PatternThreshold <= 0 || c.PatternThreshold > 100 || c.AttackPatternThreshold <= 0 || c.AttackPatternThreshold > c.PatternThreshold {
		errs = append(errs, errors.New("pattern thresholds must be in (0,100] and the attack threshold must not exceed the normal one"))
	}
	if c.AttackMaxConnectionsPerIP <= 0 || c.AttackMaxConnectionsPerIP > c.MaxConnectionsPerIP {
		errs = append(errs, errors.New("attack-max-connections must be positive and not exceed max-connections"))
	}
	if c.ViolationSeverity < 1 || c.ViolationSeverity > 5 {
		errs = append(errs, fmt.Errorf("violation-severity must be in [1,5], got %d", c.ViolationSeverity))
	}
	switch c.AnomalyModel {
	case "iforest", "zscore":
	default:
		errs = append(errs, fmt.Errorf("unknown anomaly model %q", c.AnomalyModel))
	}
	if c.CookieSecret != "" {
		key, err := base64.StdEncoding.DecodeString(c.CookieKey)
		if err != nil || (len(key) != 16 && len(key) != 24 && len(key) != 32) {
			errs = append(errs, errors.New("cookie-key must be the base64 encoding of 16, 24 or 32 bytes"))
		}
	}

	return errors.Join(errs...)
}
