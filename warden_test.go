package warden

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/scraperwall/warden/config"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/ratelimit"
	"github.com/scraperwall/warden/reputation"
	"github.com/scraperwall/warden/threat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mutex sync.Mutex
	t     time.Time
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mutex.Lock()
	c.t = c.t.Add(d)
	c.mutex.Unlock()
}

// testConfig returns a configuration without background services. The behaviour
// score thresholds are raised so that bursts at a frozen clock are not scored
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.APIAddress = ""
	cfg.DNSServer = ""
	cfg.DecaySchedule = ""
	cfg.FeedSchedule = ""
	cfg.RetrainSchedule = ""
	cfg.PatternThreshold = 100
	cfg.AttackPatternThreshold = 100
	cfg.GoodBehaviorCredit = 0
	return cfg
}

func newTestWarden(t *testing.T, cfg *config.Config, opts ...Option) (*Warden, *clock) {
	t.Helper()
	c := &clock{t: t0}
	w, err := New(context.Background(), cfg, append([]Option{WithClock(c.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, c
}

func get(ip, path string) *data.RequestEvent {
	return &data.RequestEvent{
		IP:        ip,
		Method:    "GET",
		Host:      "shop.example.com",
		Path:      path,
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:85.0) Gecko/20100101 Firefox/85.0",
	}
}

func TestRateLimitScenario(t *testing.T) {
	cfg := testConfig()
	cfg.IPCapacity = 10
	cfg.IPRefill = 1
	w, c := newTestWarden(t, cfg)

	ip := gofakeit.IPv4Address()
	for i := 0; i < 10; i++ {
		r := get(ip, "/products")
		d := w.Evaluate(context.Background(), r)
		require.True(t, d.Allow, "request %d: %s", i+1, d.Detail)
		require.NotNil(t, d.RateLimit)
		assert.Equal(t, 10, d.RateLimit.Limit)
		w.Complete(r, 200)
	}

	d := w.Evaluate(context.Background(), get(ip, "/products"))
	assert.False(t, d.Allow)
	assert.Equal(t, data.ReasonRateLimited, d.Reason)
	assert.Equal(t, ratelimit.ScopeIP, d.RateLimit.Scope)
	assert.InDelta(t, time.Second.Seconds(), d.RetryAfter.Seconds(), 0.01)
	assert.Equal(t, 429, d.HTTPStatus())

	// another client is not affected
	assert.True(t, w.Evaluate(context.Background(), get(gofakeit.IPv4Address(), "/products")).Allow)

	c.Add(time.Second)
	assert.True(t, w.Evaluate(context.Background(), get(ip, "/products")).Allow)

	totals := w.Stats().Totals()
	assert.EqualValues(t, 13, totals.Total)
	assert.EqualValues(t, 1, totals.Blocked)
}

func TestSignatureEscalation(t *testing.T) {
	w, _ := newTestWarden(t, testConfig())
	ip := gofakeit.IPv4Address()

	d := w.Evaluate(context.Background(), get(ip, "/search?q=1' UNION SELECT password FROM users--"))
	require.False(t, d.Allow)
	assert.Equal(t, data.ReasonThreatDetected, d.Reason)
	assert.Equal(t, "SQL_INJECTION detected", d.Detail)
	assert.Equal(t, 403, d.HTTPStatus())

	rec, ok := w.Reputation().Get(ip)
	require.True(t, ok)
	assert.Equal(t, 35.0, rec.Score)
	assert.EqualValues(t, 1, rec.Violations)

	// 20: graylisted but still admitted for clean requests
	w.Evaluate(context.Background(), get(ip, "/search?q=<script>alert(1)</script>"))
	d = w.Evaluate(context.Background(), get(ip, "/products"))
	require.True(t, d.Allow)
	assert.True(t, d.Graylisted)

	// 5: blacklisted
	w.Evaluate(context.Background(), get(ip, "/../../etc/passwd"))
	d = w.Evaluate(context.Background(), get(ip, "/products"))
	assert.False(t, d.Allow)
	assert.Equal(t, data.ReasonIPBlocked, d.Reason)

	threats := w.History().Threats(ip)
	require.Len(t, threats, 3)
	assert.Equal(t, data.ThreatSQLInjection, threats[0].Type)
}

func TestBruteForceScenario(t *testing.T) {
	cfg := testConfig()
	cfg.AsyncWorkers = 1
	w, _ := newTestWarden(t, cfg, WithDetectors(threat.SQLInjection(), threat.NewBruteForce()))
	require.NoError(t, w.Start())

	ip := gofakeit.IPv4Address()
	for i := 0; i < 6; i++ {
		r := &data.RequestEvent{
			IP:     ip,
			Method: "POST",
			Path:   "/auth/login",
			Params: map[string]string{"username": fmt.Sprintf("user%d", i%4)},
		}
		d := w.Evaluate(context.Background(), r)
		require.True(t, d.Allow, "attempt %d: %s", i+1, d.Detail)
		status := 401
		if i == 5 {
			status = 200
		}
		w.Complete(r, status)
	}

	// every completed attempt is analyzed; the cooldown suppresses repeated reports
	require.Eventually(t, func() bool {
		return w.engine.Stats().Processed == 6
	}, 5*time.Second, 10*time.Millisecond)

	threats := w.History().Threats(ip)
	require.Len(t, threats, 1)
	assert.Equal(t, data.ThreatBruteForce, threats[0].Type)

	rec, ok := w.Reputation().Get(ip)
	require.True(t, ok)
	assert.Equal(t, 35.0, rec.Score)
}

func TestViolationSeverity(t *testing.T) {
	for _, tc := range []struct {
		severity int
		score    float64
	}{
		{severity: 3, score: 50},
		{severity: 2, score: 40},
	} {
		t.Run(fmt.Sprint(tc.severity), func(t *testing.T) {
			cfg := testConfig()
			cfg.AsyncWorkers = 1
			cfg.ViolationSeverity = tc.severity
			w, _ := newTestWarden(t, cfg, WithDetectors(threat.NewScanner()))
			require.NoError(t, w.Start())

			ip := gofakeit.IPv4Address()
			r := get(ip, "/")
			r.UserAgent = "sqlmap/1.5.2#stable (http://sqlmap.org)"
			require.True(t, w.Evaluate(context.Background(), r).Allow)
			w.Complete(r, 404)

			require.Eventually(t, func() bool {
				return w.engine.Stats().Processed == 1
			}, 5*time.Second, 10*time.Millisecond)

			threats := w.History().Threats(ip)
			require.Len(t, threats, 1)
			assert.Equal(t, data.ThreatScanner, threats[0].Type)
			assert.Equal(t, data.SeverityMedium, threats[0].Severity)

			rec, ok := w.Reputation().Get(ip)
			require.True(t, ok)
			assert.Equal(t, tc.score, rec.Score)
		})
	}
}

func TestScanningScenario(t *testing.T) {
	cfg := testConfig()
	w, c := newTestWarden(t, cfg)

	ip := gofakeit.IPv4Address()
	for i := 0; i < 25; i++ {
		r := get(ip, fmt.Sprintf("/page-%d", i))
		d := w.Evaluate(context.Background(), r)
		require.True(t, d.Allow)
		w.Complete(r, 200)
		c.Add(2 * time.Second)
	}
	res := w.patterns.Score(ip)
	assert.Equal(t, 30, res.Score)
	assert.Equal(t, []string{"scanning"}, res.Reasons)

	cfg = testConfig()
	cfg.PatternThreshold = 30
	cfg.AttackPatternThreshold = 30
	w, c = newTestWarden(t, cfg)

	var blocked data.SecurityDecision
	for i := 0; i < 25 && blocked.Outcome == ""; i++ {
		r := get(ip, fmt.Sprintf("/page-%d", i))
		if d := w.Evaluate(context.Background(), r); !d.Allow {
			blocked = d
			break
		}
		w.Complete(r, 200)
		c.Add(2 * time.Second)
	}
	assert.Equal(t, data.ReasonThreatDetected, blocked.Reason)
	assert.Contains(t, blocked.Detail, "scanning")
}

func TestAttackModeScenario(t *testing.T) {
	cfg := testConfig()
	cfg.AttackModeRPS = 5
	cfg.GlobalWindow = 10 * time.Second
	w, c := newTestWarden(t, cfg)

	for i := 0; i < 60; i++ {
		r := get(gofakeit.IPv4Address(), "/")
		require.True(t, w.Evaluate(context.Background(), r).Allow)
		w.Complete(r, 200)
	}
	require.True(t, w.checkAttackMode())
	assert.True(t, w.AttackMode())
	assert.Equal(t, cfg.AttackWindow, w.windows.Window())
	assert.Equal(t, cfg.AttackMaxConnectionsPerIP, w.conns.Max())

	ip := gofakeit.IPv4Address()
	d := w.Evaluate(context.Background(), get(ip, "/"))
	assert.False(t, d.Allow)
	assert.Equal(t, data.OutcomeChallenged, d.Outcome)
	assert.Equal(t, data.ReasonVerificationRequired, d.Reason)
	assert.Equal(t, cfg.ChallengeURL, d.ChallengeURL)

	require.NoError(t, w.PassChallenge(ip))
	assert.True(t, w.Evaluate(context.Background(), get(ip, "/")).Allow)

	other := gofakeit.IPv4Address()
	c.Add(11 * time.Second)
	assert.False(t, w.checkAttackMode())
	assert.Equal(t, cfg.TrafficWindow, w.windows.Window())
	assert.Equal(t, cfg.MaxConnectionsPerIP, w.conns.Max())
	assert.True(t, w.Evaluate(context.Background(), get(other, "/")).Allow)
}

func TestConnectionCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerIP = 2
	cfg.AttackMaxConnectionsPerIP = 1
	w, _ := newTestWarden(t, cfg)

	ip := gofakeit.IPv4Address()
	first, second := get(ip, "/a"), get(ip, "/b")
	require.True(t, w.Evaluate(context.Background(), first).Allow)
	require.True(t, w.Evaluate(context.Background(), second).Allow)

	d := w.Evaluate(context.Background(), get(ip, "/c"))
	assert.Equal(t, data.ReasonDDoSBlocked, d.Reason)
	assert.Equal(t, time.Second, d.RetryAfter)

	w.Complete(first, 200)
	assert.True(t, w.Evaluate(context.Background(), get(ip, "/d")).Allow)
}

func TestTrafficWindowCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.IPRequestsPerWindow = 5
	w, _ := newTestWarden(t, cfg)

	ip := gofakeit.IPv4Address()
	for i := 0; i < 5; i++ {
		r := get(ip, "/")
		require.True(t, w.Evaluate(context.Background(), r).Allow)
		w.Complete(r, 200)
	}
	d := w.Evaluate(context.Background(), get(ip, "/"))
	assert.Equal(t, data.ReasonDDoSBlocked, d.Reason)
	assert.Equal(t, cfg.TrafficWindow, d.RetryAfter)
}

func TestFailPolicy(t *testing.T) {
	for _, failOpen := range []bool{true, false} {
		t.Run(fmt.Sprintf("fail-open=%v", failOpen), func(t *testing.T) {
			cfg := testConfig()
			cfg.FailOpen = failOpen
			w, _ := newTestWarden(t, cfg)

			d := w.Evaluate(context.Background(), nil)
			assert.Equal(t, failOpen, d.Allow)
			assert.Equal(t, []string{"request"}, d.Degraded)

			d = w.Evaluate(context.Background(), get("not-an-ip", "/"))
			assert.Equal(t, failOpen, d.Allow)
			assert.Equal(t, []string{"request"}, d.Degraded)

			require.NoError(t, w.Close())
			d = w.Evaluate(context.Background(), get(gofakeit.IPv4Address(), "/"))
			assert.Equal(t, failOpen, d.Allow)
			assert.Equal(t, []string{"warden"}, d.Degraded)
		})
	}
}

func TestListsBypassAndBlock(t *testing.T) {
	w, _ := newTestWarden(t, testConfig())

	good, bad := gofakeit.IPv4Address(), gofakeit.IPv4Address()
	require.NoError(t, w.Reputation().AddToWhitelist(good, "office"))
	require.NoError(t, w.Reputation().AddToBlacklist(bad, "abuse"))

	d := w.Evaluate(context.Background(), get(good, "/?id=1 UNION SELECT 1"))
	assert.True(t, d.Allow)
	assert.Empty(t, w.History().Recent(good))

	d = w.Evaluate(context.Background(), get(bad, "/"))
	assert.False(t, d.Allow)
	assert.Equal(t, data.ReasonIPBlocked, d.Reason)
	assert.Contains(t, d.Detail, "abuse")

	require.NoError(t, w.Reputation().AddSubnetToBlacklist("198.51.100.0/24", "hoster"))
	assert.False(t, w.Evaluate(context.Background(), get("198.51.100.23", "/")).Allow)
}

func TestCompleteAndObserve(t *testing.T) {
	cfg := testConfig()
	cfg.GoodBehaviorCredit = 1
	w, _ := newTestWarden(t, cfg)

	ip := gofakeit.IPv4Address()
	r := get(ip, "/")
	require.True(t, w.Evaluate(context.Background(), r).Allow)
	assert.Equal(t, 1, w.conns.Active(ip))
	assert.NotEmpty(t, r.ConnectionID)

	w.Complete(r, 200)
	assert.Equal(t, 0, w.conns.Active(ip))
	rec, _ := w.Reputation().Get(ip)
	assert.Equal(t, 51.0, rec.Score)

	recent := w.History().Recent(ip)
	require.Len(t, recent, 1)
	assert.Equal(t, 200, recent[0].Status)

	observed := gofakeit.IPv4Address()
	w.Observe(&data.RequestEvent{IP: observed, Path: "/feed", Status: 404})
	assert.Len(t, w.History().Recent(observed), 1)
	assert.Equal(t, 1, w.windows.Count(ratelimit.Key(ratelimit.ScopeIP, observed)))
}

func TestRulesFile(t *testing.T) {
	rules := `
[[IP]]
Pattern = "192\\.0\\.2\\..+"
Description = "monitoring"

[[Blacklist]]
Pattern = "203.0.113.0/24"
Description = "abusive hoster"

[[Endpoint]]
Path = "/api/search"
Capacity = 2
RefillRate = 0.1
`
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o644))

	cfg := testConfig()
	cfg.RulesFile = path
	w, _ := newTestWarden(t, cfg)
	require.NotNil(t, w.Rules())

	assert.True(t, w.Evaluate(context.Background(), get("192.0.2.10", "/?q=<script>")).Allow)
	assert.False(t, w.Evaluate(context.Background(), get("203.0.113.9", "/")).Allow)

	for i := 0; i < 2; i++ {
		require.True(t, w.Evaluate(context.Background(), get(gofakeit.IPv4Address(), "/api/search")).Allow)
	}
	d := w.Evaluate(context.Background(), get(gofakeit.IPv4Address(), "/api/search"))
	assert.Equal(t, data.ReasonRateLimited, d.Reason)
	assert.Equal(t, ratelimit.ScopeEndpoint, d.RateLimit.Scope)

	// clearing the rules lifts the rule based blacklist
	w.applyRules(nil)
	assert.True(t, w.Evaluate(context.Background(), get("203.0.113.9", "/")).Allow)
	lists := w.Reputation().Lists()
	for _, e := range lists.BlacklistSubnet {
		assert.NotEqual(t, reputation.SourceRules, e.Source)
	}
}

func TestStartClose(t *testing.T) {
	cfg := testConfig()
	cfg.DecaySchedule = "@daily"
	cfg.SocketFile = filepath.Join(t.TempDir(), "warden.sock")
	w, _ := newTestWarden(t, cfg)

	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err := os.Stat(cfg.SocketFile)
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.IPCapacity = 0
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.DecaySchedule = "every now and then"
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}
